package main

import (
	"context"
	"fmt"
	"os"

	"github.com/onexay/forge/internal/config"
	"github.com/onexay/forge/internal/httpserver"
	"github.com/onexay/forge/internal/logger"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	srv, err := httpserver.NewServer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		log.Error("server terminated", "error", err)
		os.Exit(1)
	}
}
