package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"hotspot_billing/internal/clock"
	"hotspot_billing/internal/models"
)

const mpesaResultSuccess = 0

// StkCallbackEnvelope is the body Daraja posts to the callback URL.
type StkCallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string       `json:"MerchantRequestID"`
	CheckoutRequestID string       `json:"CheckoutRequestID"`
	ResultCode        *json.Number `json:"ResultCode"`
	ResultDesc        string       `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type CallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// ParsedCallback is a structurally valid payment notification.
type ParsedCallback struct {
	CorrelationID    string
	ResultCode       int
	ResultDesc       string
	Receipt          string
	TransactionDate  string
	Amount           string
	Phone            string
	PaymentTimestamp time.Time
}

// Succeeded reports whether the payer authorized the payment.
func (c ParsedCallback) Succeeded() bool {
	return c.ResultCode == mpesaResultSuccess
}

// CallbackResult describes what processing did.
type CallbackResult struct {
	Transaction *models.Transaction
	Outcome     models.CallbackOutcome
	Granted     bool
}

// CallbackProcessor turns gateway notifications into transaction transitions and device grants.
type CallbackProcessor struct {
	db            *gorm.DB
	orchestrator  *Orchestrator
	devices       DeviceSessions
	clock         clock.Clock
	location      *time.Location
	deviceTimeout time.Duration
	log           *zap.Logger
	metrics       *Metrics
}

type CallbackProcessorConfig struct {
	Timezone      string
	DeviceTimeout time.Duration
}

func NewCallbackProcessor(db *gorm.DB, orchestrator *Orchestrator, devices DeviceSessions, clk clock.Clock, cfg CallbackProcessorConfig, log *zap.Logger, metrics *Metrics) *CallbackProcessor {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		location = time.FixedZone("EAT", 3*60*60)
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &CallbackProcessor{
		db:            db,
		orchestrator:  orchestrator,
		devices:       devices,
		clock:         clk,
		location:      location,
		deviceTimeout: cfg.DeviceTimeout,
		log:           log.Named("callback"),
		metrics:       metrics,
	}
}

// Parse validates the notification shape. It never touches storage.
func (p *CallbackProcessor) Parse(raw []byte) (*ParsedCallback, error) {
	var envelope StkCallbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, invalid("body", "is not valid JSON")
	}

	cb := envelope.Body.StkCallback
	correlationID := strings.TrimSpace(cb.CheckoutRequestID)
	if correlationID == "" {
		return nil, invalid("CheckoutRequestID", "is required")
	}
	if cb.ResultCode == nil {
		return nil, invalid("ResultCode", "is required")
	}
	code, err := strconv.Atoi(cb.ResultCode.String())
	if err != nil {
		return nil, invalid("ResultCode", "must be an integer")
	}

	parsed := &ParsedCallback{
		CorrelationID: correlationID,
		ResultCode:    code,
		ResultDesc:    cb.ResultDesc,
	}
	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			value := itemString(item.Value)
			switch item.Name {
			case "MpesaReceiptNumber":
				parsed.Receipt = value
			case "TransactionDate":
				parsed.TransactionDate = value
			case "Amount":
				parsed.Amount = value
			case "PhoneNumber":
				parsed.Phone = value
			}
		}
	}

	if parsed.Succeeded() {
		if parsed.Receipt == "" {
			return nil, invalid("MpesaReceiptNumber", "is required for a successful payment")
		}
		parsed.PaymentTimestamp = p.paymentTime(parsed.TransactionDate)
	}
	return parsed, nil
}

// paymentTime reads the gateway's local yyyyMMddHHmmss timestamp, falling back to now.
func (p *CallbackProcessor) paymentTime(value string) time.Time {
	if value != "" {
		if t, err := time.ParseInLocation(mpesaTimestampLayout, value, p.location); err == nil {
			return t.UTC()
		}
		p.log.Warn("unparseable TransactionDate, using receipt time", zap.String("transaction_date", value))
	}
	return p.clock.Now()
}

func itemString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}

// Process handles one raw notification end to end.
func (p *CallbackProcessor) Process(ctx context.Context, raw []byte) (*CallbackResult, error) {
	cb, err := p.Parse(raw)
	if err != nil {
		p.log.Warn("rejected malformed callback", zap.Error(err))
		return nil, err
	}

	log := p.log.With(zap.String("correlation_id", cb.CorrelationID), zap.Int("result_code", cb.ResultCode))

	txn, applied, err := p.orchestrator.ApplyPaymentOutcome(ctx, PaymentOutcome{
		CorrelationID:    cb.CorrelationID,
		Succeeded:        cb.Succeeded(),
		PaymentReference: cb.Receipt,
		PaymentTimestamp: cb.PaymentTimestamp,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			log.Warn("callback for unknown transaction")
			p.recordHistory(ctx, cb, models.CallbackOutcomeNotFound, nil, raw)
		case errors.Is(err, ErrConflict):
			return p.acknowledgeConflict(context.WithoutCancel(ctx), cb, raw, err, log), nil
		}
		return nil, err
	}

	log = log.With(zap.Uint("transaction_id", txn.ID))

	// The outcome is committed; finish the side effects even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if !applied {
		log.Info("duplicate callback acknowledged", zap.String("status", string(txn.Status)))
		p.recordHistory(ctx, cb, models.CallbackOutcomeDuplicate, &txn.ID, raw)
		return &CallbackResult{Transaction: txn, Outcome: models.CallbackOutcomeDuplicate}, nil
	}

	result := &CallbackResult{Transaction: txn, Outcome: models.CallbackOutcomeApplied}
	if txn.Status == models.TransactionStatusCompleted {
		result.Granted = p.grant(ctx, txn, log)
		if !result.Granted {
			if err := p.orchestrator.MarkAuthorizationFailed(ctx, txn.ID); err != nil {
				log.Error("failed to record authorization failure", zap.Error(err))
			}
			if current, err := p.orchestrator.Get(ctx, txn.ID); err == nil {
				result.Transaction = current
			}
		}
	} else {
		log.Info("payment failed", zap.String("result_desc", cb.ResultDesc))
	}

	p.recordHistory(ctx, cb, models.CallbackOutcomeApplied, &txn.ID, raw)
	return result, nil
}

// acknowledgeConflict keeps a receipt clash out of the gateway's retry loop.
// The transaction is left pending and the clash is logged for an operator.
func (p *CallbackProcessor) acknowledgeConflict(ctx context.Context, cb *ParsedCallback, raw []byte, cause error, log *zap.Logger) *CallbackResult {
	result := &CallbackResult{Outcome: models.CallbackOutcomeConflict}
	var transactionID *uint
	if txn, err := p.orchestrator.findByCorrelationID(ctx, cb.CorrelationID); err == nil {
		result.Transaction = txn
		transactionID = &txn.ID
		log = log.With(zap.Uint("transaction_id", txn.ID))
	}

	log.Error("payment receipt already used by another transaction",
		zap.String("receipt", cb.Receipt),
		zap.Error(cause),
	)
	p.recordHistory(ctx, cb, models.CallbackOutcomeConflict, transactionID, raw)
	return result
}

func (p *CallbackProcessor) grant(ctx context.Context, txn *models.Transaction, log *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, p.deviceTimeout)
	defer cancel()

	session := p.devices.Session()
	defer session.Close()

	reference := ""
	if txn.PaymentReference != nil {
		reference = *txn.PaymentReference
	}
	comment := fmt.Sprintf("txn:%d receipt:%s", txn.ID, reference)

	if !session.Grant(ctx, txn.HardwareAddress, txn.NetworkAddress, comment) {
		log.Error("device grant failed after payment", zap.String("hardware_address", txn.HardwareAddress))
		return false
	}
	log.Info("access granted", zap.String("hardware_address", txn.HardwareAddress), zap.Timep("expires_at", txn.ExpiresAt))
	return true
}

func (p *CallbackProcessor) recordHistory(ctx context.Context, cb *ParsedCallback, outcome models.CallbackOutcome, transactionID *uint, raw []byte) {
	p.metrics.ObserveCallback(string(outcome))

	entry := models.PaymentCallbackHistory{
		PaymentGateway: models.PaymentGatewayMpesa,
		CorrelationID:  cb.CorrelationID,
		ResultCode:     cb.ResultCode,
		Outcome:        outcome,
		TransactionID:  transactionID,
		Metadata:       json.RawMessage(raw),
		CreatedAt:      p.clock.Now(),
	}
	if err := p.db.WithContext(ctx).Create(&entry).Error; err != nil {
		p.log.Warn("failed to record callback history", zap.String("correlation_id", cb.CorrelationID), zap.Error(err))
	}
}
