package handlers

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// StopHandler aborts the in-flight generation for a chat. Partial text already
// streamed stays in the chat log.
func (s *Server) StopHandler(w http.ResponseWriter, r *http.Request) {
	chatId := mux.Vars(r)["chatId"]
	log.Printf("Received request to stop generation for chat %s\n", chatId)

	orch := s.Chat(chatId)
	if !orch.Stop() {
		http.Error(w, "no generation in progress", http.StatusNotFound)
		return
	}
	fmt.Fprint(w, "OK")
}
