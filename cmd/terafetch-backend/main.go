package main

import (
	"log"

	"github.com/MrSnakeDoc/terafetch/internal/app"
)

func main() {
	backend, err := app.NewBackend()
	if err != nil {
		log.Fatalf("❌ terafetch backend failed to start: %v", err)
	}
	if err := backend.Run(); err != nil {
		log.Fatalf("❌ terafetch backend failed: %v", err)
	}
}
