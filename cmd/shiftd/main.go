// Command shiftd runs the traffic-shaping control plane: the WebSocket
// connection handler, the admin API, and their shared background
// maintenance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trafficctl/shiftd/internal/app"
	"github.com/trafficctl/shiftd/internal/config"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(log); err != nil {
		log.Error("shiftd exited with error", "error", err)
		os.Exit(1)
	}
}

// run is split out from main so the signal-driven lifecycle can be
// exercised without os.Exit.
func run(log *slog.Logger) error {
	configPath := os.Getenv("SHIFTD_CONFIG_FILE")
	cfg := config.LoadConfigWithPrecedence(configPath)

	application, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	startErrCh := make(chan error, 1)
	go func() {
		if err := application.Start(); err != nil {
			startErrCh <- err
		}
	}()

	select {
	case err := <-startErrCh:
		return fmt.Errorf("application failed to start: %w", err)
	case sig := <-signalCh:
		log.Info("received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	}
}
