package main

import (
	"context"
	"flag"
	"log"

	"github.com/aussiebroadwan/credcore/internal/auth/app"
)

func main() {
	once := flag.Bool("once", false, "run token cleanup and OAuth refresh a single time, then exit")
	flag.Parse()

	cfg := app.LoadConfig()
	ctx := context.Background()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if *once {
		if err := application.RunOnce(ctx); err != nil {
			log.Fatalf("housekeeping failed: %v", err)
		}
		return
	}

	if err := application.Run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
