package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/models"
	"hotspot_billing/internal/services"
)

// RunnerConfig controls the periodic loop.
type RunnerConfig struct {
	Interval    time.Duration
	TaskTimeout time.Duration
}

// Runner executes every registered task on a fixed interval and records a SweepRun per execution.
type Runner struct {
	db       *gorm.DB
	registry *Registry
	clock    clock.Clock
	locker   services.Locker
	cfg      RunnerConfig
	log      *zap.Logger
	metrics  *services.Metrics
}

// NewRunner builds a runner. locker may be nil when only one process sweeps.
func NewRunner(db *gorm.DB, registry *Registry, clk clock.Clock, locker services.Locker, cfg RunnerConfig, log *zap.Logger, metrics *services.Metrics) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Runner{
		db:       db,
		registry: registry,
		clock:    clk,
		locker:   locker,
		cfg:      cfg,
		log:      log.Named("worker"),
		metrics:  metrics,
	}
}

// Run executes all tasks immediately, then on every tick until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("worker started", zap.Duration("interval", r.cfg.Interval), zap.Strings("tasks", r.registry.Names()))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			r.log.Info("worker stopped")
			return
		}
	}
}

// RunOnce executes every registered task once, in order.
func (r *Runner) RunOnce(ctx context.Context) []models.SweepRun {
	var runs []models.SweepRun
	for _, name := range r.registry.Names() {
		if ctx.Err() != nil {
			break
		}
		run, err := r.RunTask(ctx, name)
		if err != nil {
			r.log.Error("task run not recorded", zap.String("task", name), zap.Error(err))
		}
		runs = append(runs, run)
	}
	return runs
}

// RunTask executes a single named task and stores its history row.
func (r *Runner) RunTask(ctx context.Context, name string) (models.SweepRun, error) {
	handler, found := r.registry.Get(name)
	if !found {
		return models.SweepRun{}, fmt.Errorf("task handler not found for: %s", name)
	}

	log := r.log.With(zap.String("task", name))
	startTime := r.clock.Now()
	started := time.Now()

	status := models.SweepRunStatusSuccess
	var resultData map[string]interface{}

	release, acquired, err := r.acquire(ctx, name)
	switch {
	case err != nil:
		status = models.SweepRunStatusFailure
		resultData = map[string]interface{}{"error": err.Error()}
		log.Warn("could not take task lock", zap.Error(err))
	case !acquired:
		status = models.SweepRunStatusSkipped
		resultData = map[string]interface{}{"reason": "locked by another worker"}
		log.Info("task skipped, another worker holds the lock")
	default:
		taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
		result, err := handler(taskCtx)
		cancel()
		release()

		switch {
		case errors.Is(err, ErrSkipped):
			status = models.SweepRunStatusSkipped
			resultData = result
		case err != nil:
			status = models.SweepRunStatusFailure
			resultData = map[string]interface{}{"error": err.Error()}
			for k, v := range result {
				resultData[k] = v
			}
			log.Error("task failed", zap.Error(err))
		default:
			resultData = result
			log.Info("task completed", zap.Any("result", result))
		}
	}

	elapsed := time.Since(started)
	r.metrics.ObserveTaskRun(name, string(status), elapsed)

	run := models.SweepRun{
		TaskName: name,
		RunAt:    startTime,
		Runtime:  int(elapsed.Milliseconds()),
		Status:   status,
		Result:   resultData,
	}
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(&run).Error; err != nil {
		return run, fmt.Errorf("record sweep run: %w", err)
	}
	return run, nil
}

func (r *Runner) acquire(ctx context.Context, name string) (func(), bool, error) {
	if r.locker == nil {
		return func() {}, true, nil
	}

	key := "hotspot:task:" + name
	token, ok, err := r.locker.TryLock(ctx, key, r.cfg.TaskTimeout+30*time.Second)
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			r.log.Warn("failed to release task lock", zap.String("task", name), zap.Error(err))
		}
	}, true, nil
}
