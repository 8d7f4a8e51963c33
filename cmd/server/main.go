package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"hotspot_billing/internal/app"
	"hotspot_billing/internal/config"
	"hotspot_billing/internal/handlers"
	"hotspot_billing/internal/middleware"
	"hotspot_billing/internal/services"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise", zap.Error(err))
	}
	defer a.Close()

	// Operator routes stay closed until Firebase is configured
	var verifier middleware.TokenVerifier
	authClient, err := services.InitFirebase(ctx, cfg.FirebaseCredentialsPath)
	if err != nil {
		logger.Warn("firebase initialization failed, admin routes disabled", zap.Error(err))
	} else {
		verifier = authClient
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger.Named("http")))
	e.Use(echomw.Recover())

	handlers.Routes{
		Purchases:    handlers.NewPurchaseHandler(a.Payments),
		Mpesa:        handlers.NewMpesaHandler(a.Callbacks, logger),
		Transactions: handlers.NewTransactionHandler(a.Orchestrator),
		DB:           a.DB,
		Gatherer:     a.Registry,
		OperatorAuth: middleware.RequireOperator(verifier, logger),
	}.Register(e)

	var wg sync.WaitGroup
	if cfg.Worker.Embedded {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RunWorker(ctx)
		}()
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Environment))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	wg.Wait()
}
