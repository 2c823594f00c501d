package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"fable-server/provider"
)

// StatusHandler probes the named provider's status endpoint and reports the
// result. A fresh probe cancels any still-running previous one.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	id := provider.Id(mux.Vars(r)["provider"])

	prober, ok := s.Probers[id]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	if err := prober.Probe(r.Context()); err != nil {
		log.Printf("Status probe for %s failed: %v\n", id, err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(prober.Last()); err != nil {
		log.Printf("Error encoding status response: %v\n", err)
	}
}
