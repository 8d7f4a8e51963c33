package models

import (
	"encoding/json"
	"time"
)

type PaymentGateway string

const (
	PaymentGatewayMpesa PaymentGateway = "mpesa"
)

// CallbackOutcome describes what processing a callback did to its transaction
type CallbackOutcome string

const (
	CallbackOutcomeApplied   CallbackOutcome = "applied"
	CallbackOutcomeDuplicate CallbackOutcome = "duplicate"
	CallbackOutcomeNotFound  CallbackOutcome = "not_found"
	// The receipt belongs to another transaction; the row stays pending for an operator
	CallbackOutcomeConflict CallbackOutcome = "conflict"
)

// PaymentCallbackHistory keeps every structurally valid gateway notification as received
type PaymentCallbackHistory struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	PaymentGateway PaymentGateway  `gorm:"type:varchar(50);not null" json:"payment_gateway"`
	CorrelationID  string          `gorm:"type:varchar(100);index" json:"correlation_id"`
	ResultCode     int             `json:"result_code"`
	Outcome        CallbackOutcome `gorm:"type:varchar(20)" json:"outcome"`
	TransactionID  *uint           `gorm:"index" json:"transaction_id"`
	Metadata       json.RawMessage `gorm:"type:jsonb" json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}
