package tasks

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"hotspot_billing/internal/models"
	"hotspot_billing/internal/services"
)

// AuthorizationAlerter tells operators about customers who paid but were not let onto the network.
type AuthorizationAlerter struct {
	orchestrator *services.Orchestrator
	notifier     services.Notifier
	batchSize    int
	log          *zap.Logger
}

// NewAuthorizationAlerter builds the alert task. A nil notifier disables it.
func NewAuthorizationAlerter(orchestrator *services.Orchestrator, notifier services.Notifier, batchSize int, log *zap.Logger) *AuthorizationAlerter {
	return &AuthorizationAlerter{
		orchestrator: orchestrator,
		notifier:     notifier,
		batchSize:    batchSize,
		log:          log.Named("alerts"),
	}
}

// Handle sends one alert per unalerted failed_authorization transaction
func (a *AuthorizationAlerter) Handle(ctx context.Context) (map[string]interface{}, error) {
	if a.notifier == nil {
		return map[string]interface{}{"reason": "no alert channel configured"}, ErrSkipped
	}

	txns, err := a.orchestrator.ListUnalertedAuthorizationFailures(ctx, a.batchSize)
	if err != nil {
		return nil, err
	}

	successCount := 0
	failureCount := 0
	var failures []string

	for _, txn := range txns {
		if ctx.Err() != nil {
			break
		}

		subject, body := authorizationFailureMessage(txn)
		if err := a.notifier.Notify(ctx, subject, body); err != nil {
			failureCount++
			failures = append(failures, fmt.Sprintf("transaction %d: %v", txn.ID, err))
			a.log.Warn("failed to send alert", zap.Uint("transaction_id", txn.ID), zap.Error(err))
			continue
		}

		if err := a.orchestrator.MarkAlerted(ctx, txn.ID); err != nil {
			failureCount++
			failures = append(failures, fmt.Sprintf("transaction %d: %v", txn.ID, err))
			continue
		}
		successCount++
	}

	result := map[string]interface{}{
		"total":   len(txns),
		"success": successCount,
		"failure": failureCount,
	}
	if len(failures) > 0 {
		result["failures"] = failures
		return result, fmt.Errorf("alerts failed: %s", strings.Join(failures, "; "))
	}
	return result, nil
}

func authorizationFailureMessage(txn models.Transaction) (string, string) {
	reference := "-"
	if txn.PaymentReference != nil {
		reference = *txn.PaymentReference
	}
	expires := "-"
	if txn.ExpiresAt != nil {
		expires = txn.ExpiresAt.Format("2006-01-02 15:04 MST")
	}

	subject := fmt.Sprintf("Access grant failed for transaction %d", txn.ID)
	body := fmt.Sprintf(
		"Payment %s (KES %s, phone %s) was received but the router did not authorize device %s (%s).\n"+
			"Access window ends %s. Grant the device manually or refund the customer.",
		reference, txn.Amount.StringFixed(2), txn.Phone, txn.HardwareAddress, txn.NetworkAddress, expires,
	)
	return subject, body
}
