package main

import (
	"log"

	"github.com/relabs-tech/ar_pipeline/internal/app"
	"github.com/relabs-tech/ar_pipeline/internal/config"
)

func main() {
	log.Println("starting ar-pipeline environment capture")

	// Load configuration
	if err := config.InitGlobal("ar_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunCapture(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
