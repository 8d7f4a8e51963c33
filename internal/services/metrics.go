package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for billing and access control.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	deviceOps     *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	expiredAccess prometheus.Counter
}

// NewMetrics builds and registers the collectors on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_transaction_transitions_total",
			Help: "Transaction state transitions applied.",
		}, []string{"from", "to"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_payment_callbacks_total",
			Help: "Payment callbacks received by outcome.",
		}, []string{"outcome"}),
		deviceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_device_operations_total",
			Help: "Router grant and revoke attempts by result.",
		}, []string{"operation", "result"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_gateway_requests_total",
			Help: "Payment gateway requests by result.",
		}, []string{"operation", "result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotspot_worker_task_runs_total",
			Help: "Worker task executions by status.",
		}, []string{"task", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hotspot_worker_task_duration_seconds",
			Help:    "Worker task latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"task"}),
		expiredAccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotspot_access_expired_total",
			Help: "Access windows closed by the expiry sweep.",
		}),
	}

	registerer.MustRegister(
		m.transitions,
		m.callbacks,
		m.deviceOps,
		m.gatewayCalls,
		m.taskRuns,
		m.taskDuration,
		m.expiredAccess,
	)
	return m
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	if to == "expired" {
		m.expiredAccess.Inc()
	}
}

func (m *Metrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDeviceOp(operation string, ok bool) {
	if m == nil {
		return
	}
	m.deviceOps.WithLabelValues(operation, resultLabel(ok)).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation string, ok bool) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(operation, resultLabel(ok)).Inc()
}

func (m *Metrics) ObserveTaskRun(task, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, status).Inc()
	m.taskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
