package main

import (
	"log"
	"os"

	"entity-hierarchy-engine/config"
	"entity-hierarchy-engine/server"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present (development convenience)
	_ = godotenv.Load()

	var cfg *config.Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := config.LoadConfigFile(path)
		if err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.LoadConfig()
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
