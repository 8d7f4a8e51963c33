// Package app wires the billing core together for the binaries under cmd/.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/config"
	"hotspot_billing/internal/services"
	"hotspot_billing/internal/tasks"
)

// App holds the long-lived components shared by the server, the worker and the CLIs.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	DB       *gorm.DB
	Clock    clock.Clock
	Registry *prometheus.Registry
	Metrics  *services.Metrics

	Cache  services.Cache
	Locker services.Locker

	Orchestrator *services.Orchestrator
	Router       *services.RouterService
	Mpesa        *services.MpesaService
	Callbacks    *services.CallbackProcessor
	Payments     *services.PaymentService

	Tasks  *tasks.Registry
	Runner *tasks.Runner

	closers []func() error
}

// New connects to the database (and Redis when REDIS_URL is set), migrates the
// schema and builds every service.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Log:      log,
		Clock:    clock.SystemClock{},
		Registry: prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = services.NewMetrics(a.Registry)

	db, err := services.InitDB(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	if err := services.AutoMigrate(db, log); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if cfg.RedisURL != "" {
		redisCache, err := services.NewRedisCache(cfg.RedisURL, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Cache, a.Locker = redisCache, redisCache
		a.closers = append(a.closers, redisCache.Close)
	} else {
		log.Info("REDIS_URL not set, using in-process cache and locks")
		memory := services.NewMemoryCache()
		a.Cache, a.Locker = memory, memory
	}

	a.Orchestrator = services.NewOrchestrator(db, a.Clock, log, a.Metrics)
	a.Router = services.NewRouterService(cfg.Router, log, services.WithRouterMetrics(a.Metrics))
	a.Mpesa = services.NewMpesaService(cfg.Mpesa, cfg.BaseURL, a.Cache, log, a.Metrics)
	a.Callbacks = services.NewCallbackProcessor(db, a.Orchestrator, a.Router, a.Clock, services.CallbackProcessorConfig{
		Timezone:      cfg.Mpesa.Timezone,
		DeviceTimeout: cfg.Router.Timeout,
	}, log, a.Metrics)
	a.Payments = services.NewPaymentService(a.Orchestrator, a.Mpesa, cfg.Mpesa.CountryCode, log)

	deps := tasks.Dependencies{
		Orchestrator:  a.Orchestrator,
		Devices:       a.Router,
		Clock:         a.Clock,
		BatchSize:     cfg.Worker.BatchSize,
		DeviceTimeout: cfg.Router.Timeout,
		Log:           log,
	}
	if cfg.Alert.Channel != "" {
		deps.Notifier = services.NewNotifier(cfg, log)
	}

	a.Tasks = tasks.NewRegistry()
	tasks.DefineTasks(a.Tasks, deps)
	a.Runner = tasks.NewRunner(db, a.Tasks, a.Clock, a.Locker, tasks.RunnerConfig{
		Interval:    cfg.Worker.Interval,
		TaskTimeout: cfg.Worker.TaskTimeout,
	}, log, a.Metrics)

	return a, nil
}

// RunWorker blocks running the periodic tasks until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) {
	a.Log.Info("worker started",
		zap.Duration("interval", a.Config.Worker.Interval),
		zap.Strings("tasks", a.Tasks.Names()),
	)
	a.Runner.Run(ctx)
	a.Log.Info("worker stopped")
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
