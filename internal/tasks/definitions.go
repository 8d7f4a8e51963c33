package tasks

import (
	"time"

	"go.uber.org/zap"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/services"
)

const (
	TaskExpireAccess             = "expire_access"
	TaskAlertFailedAuthorization = "alert_failed_authorization"
)

// Dependencies are the collaborators the periodic tasks need.
type Dependencies struct {
	Orchestrator  *services.Orchestrator
	Devices       services.DeviceSessions
	Notifier      services.Notifier
	Clock         clock.Clock
	BatchSize     int
	DeviceTimeout time.Duration
	Log           *zap.Logger
}

// DefineTasks registers all periodic tasks, expiry first.
func DefineTasks(registry *Registry, deps Dependencies) {
	expiry := NewExpiryReconciler(deps.Orchestrator, deps.Devices, deps.Clock, deps.BatchSize, deps.DeviceTimeout, deps.Log)
	registry.Register(TaskExpireAccess, expiry.Handle)

	alerter := NewAuthorizationAlerter(deps.Orchestrator, deps.Notifier, deps.BatchSize, deps.Log)
	registry.Register(TaskAlertFailedAuthorization, alerter.Handle)
}
