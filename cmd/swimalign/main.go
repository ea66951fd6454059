package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"swimalign/internal/cli"
	"swimalign/internal/config"
	"swimalign/internal/logging"
	"swimalign/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		log.Error("create database directory", "error", err)
		os.Exit(1)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, log, store).ExecuteContext(ctx); err != nil {
		stop()
		store.Close()
		os.Exit(1)
	}
}
