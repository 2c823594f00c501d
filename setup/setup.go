package setup

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
)

// ActiveCounter reports in-flight generations, so shutdown can wait for them
// to settle instead of cutting streams mid-token.
type ActiveCounter interface {
	NumActive() int
}

func StartServer(r *mux.Router, active ActiveCounter, port string) {
	if os.Getenv("GOENV") == "development" {
		log.Println("In development mode.")
	}

	externalPort := os.Getenv("PORT")
	if externalPort == "" {
		externalPort = port
	}
	if externalPort == "" {
		externalPort = "8088"
	}

	go startServer(externalPort, r)
	log.Println("Started server on port " + externalPort)

	sigTermChan := make(chan os.Signal, 1)
	signal.Notify(sigTermChan, syscall.SIGTERM)

	go func() {
		<-sigTermChan

		for {
			l := active.NumActive()
			if l == 0 {
				break
			}
			log.Printf("Waiting for %d active generations to finish...\n", l)
			time.Sleep(1 * time.Second)
		}

		os.Exit(0)
	}()

	select {}
}

func startServer(port string, routes *mux.Router) {
	err := http.ListenAndServe(fmt.Sprintf(":%s", port), routes)
	if err != nil {
		log.Fatalf("Failed to start server on port %s: %v", port, err)
	}
}
