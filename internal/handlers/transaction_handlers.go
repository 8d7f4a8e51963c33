package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"hotspot_billing/internal/models"
	"hotspot_billing/internal/services"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type TransactionHandler struct {
	orchestrator *services.Orchestrator
}

func NewTransactionHandler(orchestrator *services.Orchestrator) *TransactionHandler {
	return &TransactionHandler{orchestrator: orchestrator}
}

// GetStatus lets the captive portal poll whether access has been granted
func (h *TransactionHandler) GetStatus(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid transaction ID")
	}

	txn, err := h.orchestrator.Get(c.Request().Context(), uint(id))
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, TransactionStatusResponse{
		ID:        txn.ID,
		Status:    txn.Status,
		ExpiresAt: txn.ExpiresAt,
	})
}

// ListTransactions is the operator listing, newest first
func (h *TransactionHandler) ListTransactions(c echo.Context) error {
	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid limit")
		}
		limit = min(parsed, maxListLimit)
	}

	status := models.TransactionStatus(c.QueryParam("status"))
	txns, err := h.orchestrator.ListByStatus(c.Request().Context(), status, limit)
	if err != nil {
		return httpError(err)
	}

	views := make([]TransactionView, 0, len(txns))
	for _, txn := range txns {
		views = append(views, newTransactionView(txn))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
	})
}
