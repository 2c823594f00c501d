package main

import (
	"log"

	"github.com/gorilla/mux"

	"fable-server/handlers"
	"fable-server/routes"
	"fable-server/setup"
)

func main() {
	config, err := setup.LoadConfig()
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	server, err := handlers.NewServer(config)
	if err != nil {
		log.Fatal("Error initializing server: ", err)
	}

	r := mux.NewRouter()
	routes.AddRoutes(r, server)

	setup.StartServer(r, server, config.Port)
}
