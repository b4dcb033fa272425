package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livepoll/internal/app"
	"livepoll/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Livepoll exited", "error", err)
		os.Exit(1)
	}
}

// run loads configuration (file > env > .env > defaults), starts the
// application and blocks until SIGINT/SIGTERM.
func run() error {
	cfg, err := config.LoadConfigWithPrecedence(os.Getenv("LIVEPOLL_CONFIG_FILE"), ".env")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := application.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := application.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	}
}

// newLogger builds the process logger. The config has already been
// validated, so an unknown level falls back to info.
func newLogger(cfg *config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
