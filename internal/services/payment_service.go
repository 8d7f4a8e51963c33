package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"hotspot_billing/internal/models"
)

// PurchaseRequest is what a captive-portal client submits to buy access.
type PurchaseRequest struct {
	BundleID        uint
	Phone           string
	HardwareAddress string
	NetworkAddress  string
	UserID          *uint
}

// PurchaseResult holds the created transaction and the gateway's acknowledgement.
type PurchaseResult struct {
	Transaction *models.Transaction
	Prompt      *PromptResponse
}

type PaymentService struct {
	orchestrator *Orchestrator
	gateway      PaymentGateway
	countryCode  string
	log          *zap.Logger
}

func NewPaymentService(orchestrator *Orchestrator, gateway PaymentGateway, countryCode string, log *zap.Logger) *PaymentService {
	return &PaymentService{
		orchestrator: orchestrator,
		gateway:      gateway,
		countryCode:  countryCode,
		log:          log.Named("payment"),
	}
}

// InitiatePurchase creates a pending transaction and prompts the payer's phone.
// If the gateway cannot be reached the transaction stays pending without a
// correlation id and ErrGatewayUnavailable is returned.
func (s *PaymentService) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	phone := NormalizePhone(req.Phone, s.countryCode)
	if phone == "" {
		return nil, invalid("phone", "is required")
	}
	if strings.Trim(phone, "0123456789") != "" {
		return nil, invalid("phone", "must contain digits only")
	}

	// 1. Record the purchase
	txn, err := s.orchestrator.CreatePurchase(ctx, PurchaseInput{
		BundleID:        req.BundleID,
		HardwareAddress: req.HardwareAddress,
		NetworkAddress:  req.NetworkAddress,
		Phone:           phone,
		UserID:          req.UserID,
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With(zap.Uint("transaction_id", txn.ID))

	// 2. Ask the gateway to prompt the payer. Daraja only takes whole shillings.
	prompt, err := s.gateway.RequestPayment(ctx, PromptRequest{
		Phone:            phone,
		Amount:           txn.Amount.Ceil().IntPart(),
		AccountReference: fmt.Sprintf("TX%d", txn.ID),
		Description:      fmt.Sprintf("%s access", txn.Bundle.Name),
	})
	if err != nil {
		log.Warn("payment prompt failed", zap.Error(err))
		return nil, err
	}

	// 3. Remember which callback belongs to this transaction
	if err := s.orchestrator.RecordPaymentPrompt(ctx, txn.ID, prompt.CorrelationID); err != nil {
		log.Error("failed to record correlation id", zap.String("correlation_id", prompt.CorrelationID), zap.Error(err))
		return nil, err
	}

	current, err := s.orchestrator.Get(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Transaction: current, Prompt: prompt}, nil
}
