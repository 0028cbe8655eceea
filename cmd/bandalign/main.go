package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bandalign/internal/cli"
	"bandalign/internal/config"
	"bandalign/internal/logging"
	"bandalign/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger, closer, err := logging.Setup(cfg.Logging, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	store, err := storage.Open(cfg.Paths.DatabaseDriver, cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	// The first signal stops before the next group; the group in flight is
	// still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, logger, store)
	defer root.Close()
	if err := root.Run(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, cli.ErrRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
