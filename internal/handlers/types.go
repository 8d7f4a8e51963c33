package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	"hotspot_billing/internal/models"
)

// PurchaseRequest is the body of POST /purchases
type PurchaseRequest struct {
	BundleID        uint   `json:"bundle_id"`
	Phone           string `json:"phone"`
	HardwareAddress string `json:"hardware_address"`
	NetworkAddress  string `json:"network_address"`
	UserID          *uint  `json:"user_id,omitempty"`
}

// PromptAck is the gateway's acknowledgement of a payment prompt, as sent
type PromptAck struct {
	CorrelationID       string `json:"CheckoutRequestID"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type PurchaseResponse struct {
	TransactionID uint      `json:"transaction_id"`
	Prompt        PromptAck `json:"prompt"`
}

// CallbackAck is what the gateway expects back from the callback URL
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// TransactionStatusResponse is the public view of a transaction
type TransactionStatusResponse struct {
	ID        uint                     `json:"id"`
	Status    models.TransactionStatus `json:"status"`
	ExpiresAt *time.Time               `json:"expires_at"`
}

// TransactionView is the operator view of a transaction
type TransactionView struct {
	ID               uint                     `json:"id"`
	Status           models.TransactionStatus `json:"status"`
	BundleID         uint                     `json:"bundle_id"`
	BundleName       string                   `json:"bundle_name"`
	Amount           decimal.Decimal          `json:"amount"`
	Phone            string                   `json:"phone"`
	HardwareAddress  string                   `json:"hardware_address"`
	NetworkAddress   string                   `json:"network_address"`
	CorrelationID    *string                  `json:"correlation_id"`
	PaymentReference *string                  `json:"payment_reference"`
	PaymentTimestamp *time.Time               `json:"payment_timestamp"`
	ExpiresAt        *time.Time               `json:"expires_at"`
	AlertedAt        *time.Time               `json:"alerted_at,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
}

func newTransactionView(txn models.Transaction) TransactionView {
	return TransactionView{
		ID:               txn.ID,
		Status:           txn.Status,
		BundleID:         txn.BundleID,
		BundleName:       txn.Bundle.Name,
		Amount:           txn.Amount,
		Phone:            txn.Phone,
		HardwareAddress:  txn.HardwareAddress,
		NetworkAddress:   txn.NetworkAddress,
		CorrelationID:    txn.CorrelationID,
		PaymentReference: txn.PaymentReference,
		PaymentTimestamp: txn.PaymentTimestamp,
		ExpiresAt:        txn.ExpiresAt,
		AlertedAt:        txn.AlertedAt,
		CreatedAt:        txn.CreatedAt,
	}
}
