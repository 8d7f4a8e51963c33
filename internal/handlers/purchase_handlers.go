package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"hotspot_billing/internal/services"
)

type PurchaseHandler struct {
	payments *services.PaymentService
}

func NewPurchaseHandler(payments *services.PaymentService) *PurchaseHandler {
	return &PurchaseHandler{payments: payments}
}

// CreatePurchase opens a transaction and sends the payment prompt to the payer's phone
func (h *PurchaseHandler) CreatePurchase(c echo.Context) error {
	var req PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	result, err := h.payments.InitiatePurchase(c.Request().Context(), services.PurchaseRequest{
		BundleID:        req.BundleID,
		Phone:           req.Phone,
		HardwareAddress: req.HardwareAddress,
		NetworkAddress:  req.NetworkAddress,
		UserID:          req.UserID,
	})
	if err != nil {
		if errors.Is(err, services.ErrGatewayUnavailable) {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error":     "payment gateway unavailable",
				"retryable": true,
			})
		}
		return httpError(err)
	}

	return c.JSON(http.StatusOK, PurchaseResponse{
		TransactionID: result.Transaction.ID,
		Prompt: PromptAck{
			CorrelationID:       result.Prompt.CorrelationID,
			MerchantRequestID:   result.Prompt.MerchantRequestID,
			ResponseCode:        result.Prompt.ResponseCode,
			ResponseDescription: result.Prompt.ResponseDescription,
			CustomerMessage:     result.Prompt.CustomerMessage,
		},
	})
}
