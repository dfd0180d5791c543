package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sealbox/relay/internal/server"
)

func main() {
	log.Println("Starting Sealbox relay...")

	config := server.NewConfigFromEnv()

	relay := server.NewServer(*config)
	go relay.Run()

	httpServer := server.CreateServer(config.Port, relay.Routes())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received signal %s, shutting down", sig)
	}

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout); err != nil {
		log.Printf("HTTP shutdown incomplete: %v", err)
	}
	if err := relay.Shutdown(config.ShutdownTimeout); err != nil {
		log.Printf("Relay shutdown incomplete: %v", err)
	}
}
