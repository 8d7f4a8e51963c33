package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of an access purchase
type TransactionStatus string

const (
	TransactionStatusPending             TransactionStatus = "pending"
	TransactionStatusCompleted           TransactionStatus = "completed"
	TransactionStatusFailed              TransactionStatus = "failed"
	TransactionStatusFailedAuthorization TransactionStatus = "failed_authorization"
	TransactionStatusExpired             TransactionStatus = "expired"
)

// transitions lists every legal move of the state machine. Anything absent is illegal.
var transitions = map[TransactionStatus][]TransactionStatus{
	TransactionStatusPending:   {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted: {TransactionStatusExpired, TransactionStatusFailedAuthorization},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is one of the known statuses
func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending,
		TransactionStatusCompleted,
		TransactionStatusFailed,
		TransactionStatusFailedAuthorization,
		TransactionStatusExpired:
		return true
	}
	return false
}

// IsPaymentSettled reports whether the payment outcome has already been applied.
// Callbacks arriving for such a transaction are duplicates.
func (s TransactionStatus) IsPaymentSettled() bool {
	return s != TransactionStatusPending
}

// IsTerminal reports whether no further transition is defined from s
func (s TransactionStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Transaction is one attempt to buy timed network access. Rows are never deleted;
// the table is the audit trail of access granted.
type Transaction struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID   *uint           `gorm:"index" json:"user_id"`
	BundleID uint            `gorm:"not null;index" json:"bundle_id"`
	Amount   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	Phone    string          `gorm:"type:varchar(20)" json:"phone"`

	Status TransactionStatus `gorm:"type:varchar(32);not null;index:idx_transactions_status_expires,priority:1" json:"status"`

	// Set once after the payment prompt is issued; matches inbound callbacks.
	CorrelationID *string `gorm:"type:varchar(100);uniqueIndex" json:"correlation_id"`
	// Gateway receipt code, set only on pending -> completed.
	PaymentReference *string    `gorm:"type:varchar(100);uniqueIndex" json:"payment_reference"`
	PaymentTimestamp *time.Time `json:"payment_timestamp"`

	HardwareAddress string `gorm:"type:varchar(17);not null" json:"hardware_address"`
	NetworkAddress  string `gorm:"type:varchar(45);not null" json:"network_address"`

	ExpiresAt *time.Time `gorm:"index:idx_transactions_status_expires,priority:2" json:"expires_at"`
	AlertedAt *time.Time `json:"alerted_at,omitempty"`

	// Relationships
	Bundle Bundle `gorm:"foreignKey:BundleID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"bundle,omitempty"`
}
