package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"hotspot_billing/internal/app"
	"hotspot_billing/internal/config"
	"hotspot_billing/internal/services"
)

// The standalone worker runs the same periodic tasks the server embeds.
// Set WORKER_EMBEDDED=false on the servers when running it.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := services.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer a.Close()

	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, task locks are local to this process")
	}

	// Create context that cancels on interrupt
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.RunWorker(ctx)
}
