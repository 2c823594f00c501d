package routes

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"fable-server/handlers"
)

func AddRoutes(r *mux.Router, s *handlers.Server) {
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})

	r.HandleFunc("/status/{provider}", s.StatusHandler).Methods("GET")

	r.HandleFunc("/chats/{chatId}/generate", s.GenerateHandler).Methods("POST")
	r.HandleFunc("/chats/{chatId}/generate", s.StopHandler).Methods("DELETE")
}
