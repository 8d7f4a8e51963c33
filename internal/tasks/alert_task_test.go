package tasks_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hotspot_billing/internal/tasks"
	"hotspot_billing/internal/testutil"
)

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

func TestAlertFailedAuthorizationOnce(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	txn := f.paid(t, t0)
	require.NoError(t, f.orch.MarkAuthorizationFailed(ctx, txn.ID))
	f.paid(t, t0) // completed, not alerted

	notifier := &recordingNotifier{}
	alerter := tasks.NewAuthorizationAlerter(f.orch, notifier, 50, zaptest.NewLogger(t))

	result, err := alerter.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result["success"])
	require.Len(t, notifier.subjects, 1)
	assert.Contains(t, notifier.subjects[0], "transaction")
	assert.Contains(t, notifier.bodies[0], txn.HardwareAddress)
	assert.Contains(t, notifier.bodies[0], "REC1")

	assert.NotNil(t, testutil.Reload(t, f.db, txn.ID).AlertedAt)

	result, err = alerter.Handle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result["total"])
	assert.Len(t, notifier.subjects, 1)
}

func TestAlertFailureKeepsRowForRetry(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	txn := f.paid(t, t0)
	require.NoError(t, f.orch.MarkAuthorizationFailed(ctx, txn.ID))

	notifier := &recordingNotifier{err: errors.New("smtp down")}
	alerter := tasks.NewAuthorizationAlerter(f.orch, notifier, 50, zaptest.NewLogger(t))

	_, err := alerter.Handle(ctx)
	assert.Error(t, err)
	assert.Nil(t, testutil.Reload(t, f.db, txn.ID).AlertedAt)
}

func TestAlertSkippedWithoutChannel(t *testing.T) {
	f := newSweepFixture(t)
	alerter := tasks.NewAuthorizationAlerter(f.orch, nil, 50, zaptest.NewLogger(t))

	_, err := alerter.Handle(context.Background())
	assert.ErrorIs(t, err, tasks.ErrSkipped)
}
