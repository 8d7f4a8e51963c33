package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/services"
)

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Due          int `json:"due"`
	Expired      int `json:"expired"`
	RevokeFailed int `json:"revoke_failed"`
	Superseded   int `json:"superseded"` // expired without revoking, a later purchase still covers the device
	Errors       int `json:"errors"`
}

func (r SweepReport) asMap() map[string]interface{} {
	return map[string]interface{}{
		"due":           r.Due,
		"expired":       r.Expired,
		"revoke_failed": r.RevokeFailed,
		"superseded":    r.Superseded,
		"errors":        r.Errors,
	}
}

// ExpiryReconciler closes access windows that have run out.
type ExpiryReconciler struct {
	orchestrator  *services.Orchestrator
	devices       services.DeviceSessions
	clock         clock.Clock
	batchSize     int
	deviceTimeout time.Duration
	log           *zap.Logger
}

func NewExpiryReconciler(orchestrator *services.Orchestrator, devices services.DeviceSessions, clk clock.Clock, batchSize int, deviceTimeout time.Duration, log *zap.Logger) *ExpiryReconciler {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if deviceTimeout <= 0 {
		deviceTimeout = 10 * time.Second
	}
	return &ExpiryReconciler{
		orchestrator:  orchestrator,
		devices:       devices,
		clock:         clk,
		batchSize:     batchSize,
		deviceTimeout: deviceTimeout,
		log:           log.Named("expiry"),
	}
}

// Sweep revokes and expires every completed transaction past its expiry.
// The device binding is removed before the row is marked expired, so a
// failed revoke leaves the row completed and the next sweep retries it.
func (r *ExpiryReconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	now := r.clock.Now()
	due, err := r.orchestrator.ListDueForExpiry(ctx, now, r.batchSize)
	if err != nil {
		return report, err
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report, nil
	}

	session := r.devices.Session()
	defer session.Close()

	for _, txn := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		log := r.log.With(zap.Uint("transaction_id", txn.ID), zap.String("hardware_address", txn.HardwareAddress))

		covered, err := r.orchestrator.HasOverlappingAccess(ctx, txn.HardwareAddress, txn.ID, now)
		if err != nil {
			report.Errors++
			log.Error("failed to check overlapping access", zap.Error(err))
			continue
		}

		if covered {
			report.Superseded++
			log.Info("binding kept, device has a later paid window")
		} else {
			opCtx, cancel := context.WithTimeout(ctx, r.deviceTimeout)
			revoked := session.Revoke(opCtx, txn.HardwareAddress)
			cancel()
			if !revoked {
				report.RevokeFailed++
				log.Warn("revoke failed, will retry next sweep")
				continue
			}
		}

		expired, err := r.orchestrator.ExpireIfDue(ctx, txn.ID, now)
		if err != nil {
			report.Errors++
			log.Error("failed to expire transaction", zap.Error(err))
			continue
		}
		if expired {
			report.Expired++
		}
	}

	r.log.Info("expiry sweep finished",
		zap.Int("due", report.Due),
		zap.Int("expired", report.Expired),
		zap.Int("revoke_failed", report.RevokeFailed),
		zap.Int("superseded", report.Superseded),
	)
	return report, nil
}

// Handle adapts Sweep to the task registry.
func (r *ExpiryReconciler) Handle(ctx context.Context) (map[string]interface{}, error) {
	report, err := r.Sweep(ctx)
	return report.asMap(), err
}
