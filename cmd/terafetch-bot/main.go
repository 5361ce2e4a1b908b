package main

import (
	"log"

	"github.com/MrSnakeDoc/terafetch/internal/app"
)

func main() {
	b, err := app.NewBot()
	if err != nil {
		log.Fatalf("❌ terafetch bot failed to start: %v", err)
	}
	if err := b.Run(); err != nil {
		log.Fatalf("❌ terafetch bot failed: %v", err)
	}
}
