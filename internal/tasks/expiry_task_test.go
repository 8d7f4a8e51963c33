package tasks_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/models"
	"hotspot_billing/internal/services"
	"hotspot_billing/internal/tasks"
	"hotspot_billing/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type sweepFixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	orch   *services.Orchestrator
	device *testutil.FakeDevice
	bundle models.Bundle
	seq    int
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewFakeClock(t0)
	return &sweepFixture{
		db:     db,
		clock:  clk,
		orch:   services.NewOrchestrator(db, clk, zaptest.NewLogger(t), services.NewMetrics(prometheus.NewRegistry())),
		device: testutil.NewFakeDevice(),
		bundle: testutil.SeedBundle(t, db, time.Hour, "50.00"),
	}
}

// paid creates a completed transaction for a fresh device whose payment landed at paidAt.
func (f *sweepFixture) paid(t *testing.T, paidAt time.Time) models.Transaction {
	t.Helper()
	return f.paidFor(t, fmt.Sprintf("AA:BB:CC:DD:EE:%02X", f.seq+1), paidAt)
}

func (f *sweepFixture) paidFor(t *testing.T, mac string, paidAt time.Time) models.Transaction {
	t.Helper()
	ctx := context.Background()
	f.seq++

	txn, err := f.orch.CreatePurchase(ctx, services.PurchaseInput{
		BundleID:        f.bundle.ID,
		HardwareAddress: mac,
		NetworkAddress:  fmt.Sprintf("10.5.50.%d", f.seq),
	})
	require.NoError(t, err)
	corr := fmt.Sprintf("CORR%d", f.seq)
	require.NoError(t, f.orch.RecordPaymentPrompt(ctx, txn.ID, corr))
	_, applied, err := f.orch.ApplyPaymentOutcome(ctx, services.PaymentOutcome{
		CorrelationID:    corr,
		Succeeded:        true,
		PaymentReference: fmt.Sprintf("REC%d", f.seq),
		PaymentTimestamp: paidAt,
	})
	require.NoError(t, err)
	require.True(t, applied)
	return testutil.Reload(t, f.db, txn.ID)
}

func (f *sweepFixture) reconciler(t *testing.T) *tasks.ExpiryReconciler {
	return tasks.NewExpiryReconciler(f.orch, f.device, f.clock, 100, time.Second, zaptest.NewLogger(t))
}

func TestSweepRevokesThenExpires(t *testing.T) {
	f := newSweepFixture(t)
	txn := f.paid(t, t0)
	f.clock.Set(t0.Add(2 * time.Hour))

	report, err := f.reconciler(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.SweepReport{Due: 1, Expired: 1}, report)

	assert.Equal(t, []string{txn.HardwareAddress}, f.device.Revokes())
	assert.Equal(t, models.TransactionStatusExpired, testutil.Reload(t, f.db, txn.ID).Status)
	assert.Equal(t, 1, f.device.Closed())
}

func TestSweepLeavesUnexpiredAlone(t *testing.T) {
	f := newSweepFixture(t)
	txn := f.paid(t, t0)
	f.clock.Set(t0.Add(30 * time.Minute))

	report, err := f.reconciler(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Equal(t, models.TransactionStatusCompleted, testutil.Reload(t, f.db, txn.ID).Status)
}

func TestSweepEmptyBatchOpensNoSession(t *testing.T) {
	f := newSweepFixture(t)
	f.paid(t, t0)

	_, err := f.reconciler(t).Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, f.device.Sessions())
	assert.Empty(t, f.device.Revokes())
}

func TestSweepRevokeFailureRetriesNextRun(t *testing.T) {
	f := newSweepFixture(t)
	stuck := f.paid(t, t0)
	fine := f.paid(t, t0.Add(10*time.Minute))
	f.device.FailRevoke(stuck.HardwareAddress, true)
	f.clock.Set(t0.Add(2 * time.Hour))

	reconciler := f.reconciler(t)
	report, err := reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.SweepReport{Due: 2, Expired: 1, RevokeFailed: 1}, report)

	assert.Equal(t, models.TransactionStatusCompleted, testutil.Reload(t, f.db, stuck.ID).Status)
	assert.Equal(t, models.TransactionStatusExpired, testutil.Reload(t, f.db, fine.ID).Status)
	// One session for the whole batch.
	assert.Equal(t, 1, f.device.Sessions())

	f.device.FailRevoke(stuck.HardwareAddress, false)
	f.clock.Advance(5 * time.Minute)

	report, err = reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.SweepReport{Due: 1, Expired: 1}, report)
	assert.Equal(t, models.TransactionStatusExpired, testutil.Reload(t, f.db, stuck.ID).Status)
}

func TestSweepRespectsBatchSize(t *testing.T) {
	f := newSweepFixture(t)
	for i := 0; i < 3; i++ {
		f.paid(t, t0.Add(time.Duration(i)*time.Minute))
	}
	f.clock.Set(t0.Add(3 * time.Hour))

	reconciler := tasks.NewExpiryReconciler(f.orch, f.device, f.clock, 2, time.Second, zaptest.NewLogger(t))
	report, err := reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)

	report, err = reconciler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}

func TestSweepKeepsBindingForOverlappingPurchase(t *testing.T) {
	f := newSweepFixture(t)
	const mac = "AA:BB:CC:DD:EE:FF"
	first := f.paidFor(t, mac, t0)
	second := f.paidFor(t, mac, t0.Add(50*time.Minute))
	f.clock.Set(t0.Add(65 * time.Minute))

	report, err := f.reconciler(t).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tasks.SweepReport{Due: 1, Expired: 1, Superseded: 1}, report)
	assert.Empty(t, f.device.Revokes())
	assert.Equal(t, models.TransactionStatusExpired, testutil.Reload(t, f.db, first.ID).Status)
	assert.Equal(t, models.TransactionStatusCompleted, testutil.Reload(t, f.db, second.ID).Status)

	// Once the later window closes the binding goes.
	f.clock.Set(t0.Add(2 * time.Hour))
	report, err = f.reconciler(t).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tasks.SweepReport{Due: 1, Expired: 1}, report)
	assert.Equal(t, []string{mac}, f.device.Revokes())
	assert.Equal(t, models.TransactionStatusExpired, testutil.Reload(t, f.db, second.ID).Status)
}
