package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/models"
)

// PurchaseInput is a request to buy a bundle for one device.
type PurchaseInput struct {
	BundleID        uint
	HardwareAddress string
	NetworkAddress  string
	Phone           string
	UserID          *uint
}

// PaymentOutcome is the gateway's verdict for one payment prompt.
type PaymentOutcome struct {
	CorrelationID    string
	Succeeded        bool
	PaymentReference string
	PaymentTimestamp time.Time
}

// Orchestrator owns the transaction state machine. Every status change goes
// through a conditional update on the expected current status.
type Orchestrator struct {
	db      *gorm.DB
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics
}

func NewOrchestrator(db *gorm.DB, clk clock.Clock, log *zap.Logger, metrics *Metrics) *Orchestrator {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Orchestrator{
		db:      db,
		clock:   clk,
		log:     log.Named("orchestrator"),
		metrics: metrics,
	}
}

// CreatePurchase validates the device addresses and opens a pending transaction priced from the bundle.
func (o *Orchestrator) CreatePurchase(ctx context.Context, in PurchaseInput) (*models.Transaction, error) {
	if in.BundleID == 0 {
		return nil, invalid("bundle_id", "is required")
	}
	hardwareAddress, err := normalizeHardwareAddress(in.HardwareAddress)
	if err != nil {
		return nil, err
	}
	networkAddress, err := normalizeNetworkAddress(in.NetworkAddress)
	if err != nil {
		return nil, err
	}

	var bundle models.Bundle
	if err := o.db.WithContext(ctx).First(&bundle, in.BundleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("bundle %d: %w", in.BundleID, ErrNotFound)
		}
		return nil, fmt.Errorf("load bundle: %w", err)
	}

	now := o.clock.Now()
	txn := &models.Transaction{
		CreatedAt:       now,
		UpdatedAt:       now,
		UserID:          in.UserID,
		BundleID:        bundle.ID,
		Amount:          bundle.Price,
		Phone:           in.Phone,
		Status:          models.TransactionStatusPending,
		HardwareAddress: hardwareAddress,
		NetworkAddress:  networkAddress,
	}
	if err := o.db.WithContext(ctx).Omit("Bundle").Create(txn).Error; err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	txn.Bundle = bundle

	o.log.Info("purchase created",
		zap.Uint("transaction_id", txn.ID),
		zap.Uint("bundle_id", bundle.ID),
		zap.String("hardware_address", hardwareAddress),
	)
	return txn, nil
}

// RecordPaymentPrompt stores the gateway correlation id. Setting the same id
// twice is a no-op; any other change is a conflict.
func (o *Orchestrator) RecordPaymentPrompt(ctx context.Context, transactionID uint, correlationID string) error {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return invalid("correlation_id", "is required")
	}

	txn, err := o.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.CorrelationID != nil {
		if *txn.CorrelationID == correlationID {
			return nil
		}
		return fmt.Errorf("transaction %d already has a correlation id: %w", transactionID, ErrConflict)
	}

	var taken int64
	if err := o.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("correlation_id = ? AND id <> ?", correlationID, transactionID).
		Count(&taken).Error; err != nil {
		return fmt.Errorf("check correlation id: %w", err)
	}
	if taken > 0 {
		return fmt.Errorf("correlation id %q is in use: %w", correlationID, ErrConflict)
	}

	res := o.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND correlation_id IS NULL", transactionID).
		UpdateColumns(map[string]interface{}{
			"correlation_id": correlationID,
			"updated_at":     o.clock.Now(),
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("correlation id %q is in use: %w", correlationID, ErrConflict)
		}
		return fmt.Errorf("record correlation id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Someone else set it between our read and write.
		current, err := o.Get(ctx, transactionID)
		if err != nil {
			return err
		}
		if current.CorrelationID != nil && *current.CorrelationID == correlationID {
			return nil
		}
		return fmt.Errorf("transaction %d already has a correlation id: %w", transactionID, ErrConflict)
	}

	o.log.Info("payment prompt recorded",
		zap.Uint("transaction_id", transactionID),
		zap.String("correlation_id", correlationID),
	)
	return nil
}

// ApplyPaymentOutcome moves a pending transaction to completed or failed.
// It returns applied=false without touching the row when the transaction has
// already left pending, which is how duplicate callbacks are absorbed.
func (o *Orchestrator) ApplyPaymentOutcome(ctx context.Context, outcome PaymentOutcome) (*models.Transaction, bool, error) {
	correlationID := strings.TrimSpace(outcome.CorrelationID)
	if correlationID == "" {
		return nil, false, invalid("correlation_id", "is required")
	}
	reference := strings.TrimSpace(outcome.PaymentReference)
	if outcome.Succeeded {
		if reference == "" {
			return nil, false, invalid("payment_reference", "is required for a successful payment")
		}
		if outcome.PaymentTimestamp.IsZero() {
			return nil, false, invalid("payment_timestamp", "is required for a successful payment")
		}
	}

	txn, err := o.findByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, false, err
	}
	if txn.Status.IsPaymentSettled() {
		return txn, false, nil
	}

	var (
		target  models.TransactionStatus
		updates = map[string]interface{}{}
	)
	if outcome.Succeeded {
		var taken int64
		if err := o.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("payment_reference = ? AND id <> ?", reference, txn.ID).
			Count(&taken).Error; err != nil {
			return nil, false, fmt.Errorf("check payment reference: %w", err)
		}
		if taken > 0 {
			return nil, false, fmt.Errorf("payment reference %q already used: %w", reference, ErrConflict)
		}

		paidAt := outcome.PaymentTimestamp.UTC()
		target = models.TransactionStatusCompleted
		updates["payment_reference"] = reference
		updates["payment_timestamp"] = paidAt
		updates["expires_at"] = paidAt.Add(txn.Bundle.AccessWindow())
	} else {
		target = models.TransactionStatusFailed
	}

	applied, err := o.transition(ctx, txn.ID, models.TransactionStatusPending, target, updates)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("payment reference %q already used: %w", reference, ErrConflict)
		}
		return nil, false, err
	}

	current, err := o.Get(ctx, txn.ID)
	if err != nil {
		return nil, false, err
	}
	return current, applied, nil
}

// MarkAuthorizationFailed records that a paid transaction could not be granted on the device.
func (o *Orchestrator) MarkAuthorizationFailed(ctx context.Context, transactionID uint) error {
	applied, err := o.transition(ctx, transactionID, models.TransactionStatusCompleted, models.TransactionStatusFailedAuthorization, nil)
	if err != nil {
		return err
	}
	if !applied {
		return o.explainMiss(ctx, transactionID, models.TransactionStatusCompleted)
	}
	return nil
}

// ExpireIfDue closes a completed transaction whose expiry is at or before now.
func (o *Orchestrator) ExpireIfDue(ctx context.Context, transactionID uint, now time.Time) (bool, error) {
	res := o.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			transactionID, models.TransactionStatusCompleted, now.UTC()).
		UpdateColumns(map[string]interface{}{
			"status":     models.TransactionStatusExpired,
			"updated_at": o.clock.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("expire transaction %d: %w", transactionID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := o.Get(ctx, transactionID); err != nil {
			return false, err
		}
		return false, nil
	}

	o.metrics.ObserveTransition(string(models.TransactionStatusCompleted), string(models.TransactionStatusExpired))
	o.log.Info("transaction expired", zap.Uint("transaction_id", transactionID))
	return true, nil
}

// ListDueForExpiry returns completed transactions whose access window ended before now, oldest first.
func (o *Orchestrator) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	q := o.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.TransactionStatusCompleted, now.UTC()).
		Order("expires_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("list due transactions: %w", err)
	}
	return txns, nil
}

// HasOverlappingAccess reports whether another completed transaction for the
// same device is still paid for after now. The device binding is shared per
// hardware address, so it must stay in place while any such window is open.
func (o *Orchestrator) HasOverlappingAccess(ctx context.Context, hardwareAddress string, excludeID uint, now time.Time) (bool, error) {
	var count int64
	err := o.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("hardware_address = ? AND id <> ? AND status = ? AND expires_at > ?",
			hardwareAddress, excludeID, models.TransactionStatusCompleted, now.UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check overlapping access: %w", err)
	}
	return count > 0, nil
}

// ListByStatus returns the newest transactions, optionally filtered by status.
func (o *Orchestrator) ListByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error) {
	q := o.db.WithContext(ctx).Preload("Bundle").Order("id DESC")
	if status != "" {
		if !status.IsValid() {
			return nil, invalid("status", fmt.Sprintf("unknown status %q", status))
		}
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var txns []models.Transaction
	if err := q.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txns, nil
}

// ListUnalertedAuthorizationFailures returns failed_authorization rows operators have not been told about.
func (o *Orchestrator) ListUnalertedAuthorizationFailures(ctx context.Context, limit int) ([]models.Transaction, error) {
	q := o.db.WithContext(ctx).
		Where("status = ? AND alerted_at IS NULL", models.TransactionStatusFailedAuthorization).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var txns []models.Transaction
	if err := q.Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("list unalerted failures: %w", err)
	}
	return txns, nil
}

// MarkAlerted stamps alerted_at once.
func (o *Orchestrator) MarkAlerted(ctx context.Context, transactionID uint) error {
	now := o.clock.Now()
	res := o.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND alerted_at IS NULL", transactionID).
		UpdateColumns(map[string]interface{}{"alerted_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("mark transaction %d alerted: %w", transactionID, res.Error)
	}
	return nil
}

// Get loads a transaction with its bundle.
func (o *Orchestrator) Get(ctx context.Context, transactionID uint) (*models.Transaction, error) {
	var txn models.Transaction
	if err := o.db.WithContext(ctx).Preload("Bundle").First(&txn, transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %d: %w", transactionID, ErrNotFound)
		}
		return nil, fmt.Errorf("load transaction %d: %w", transactionID, err)
	}
	return &txn, nil
}

func (o *Orchestrator) findByCorrelationID(ctx context.Context, correlationID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := o.db.WithContext(ctx).Preload("Bundle").
		Where("correlation_id = ?", correlationID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("correlation id %q: %w", correlationID, ErrNotFound)
		}
		return nil, fmt.Errorf("find by correlation id: %w", err)
	}
	return &txn, nil
}

// transition applies from -> to only if the row is still in from. The bool
// reports whether this call won.
func (o *Orchestrator) transition(ctx context.Context, transactionID uint, from, to models.TransactionStatus, updates map[string]interface{}) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	columns := map[string]interface{}{}
	for k, v := range updates {
		columns[k] = v
	}
	columns["status"] = to
	columns["updated_at"] = o.clock.Now()

	res := o.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", transactionID, from).
		UpdateColumns(columns)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	o.metrics.ObserveTransition(string(from), string(to))
	o.log.Info("transaction transitioned",
		zap.Uint("transaction_id", transactionID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return true, nil
}

func (o *Orchestrator) explainMiss(ctx context.Context, transactionID uint, expected models.TransactionStatus) error {
	txn, err := o.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("transaction %d is %s, not %s: %w", transactionID, txn.Status, expected, ErrConflict)
}

func normalizeHardwareAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("hardware_address", "is required")
	}
	mac, err := net.ParseMAC(raw)
	if err != nil || len(mac) != 6 {
		return "", invalid("hardware_address", "must be a 48-bit MAC address")
	}
	return strings.ToUpper(mac.String()), nil
}

func normalizeNetworkAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("network_address", "is required")
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return "", invalid("network_address", "must be an IP address")
	}
	return ip.String(), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
