package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"hotspot_billing/internal/services"
)

const maxCallbackBody = 1 << 20

type MpesaHandler struct {
	processor *services.CallbackProcessor
	log       *zap.Logger
}

func NewMpesaHandler(processor *services.CallbackProcessor, log *zap.Logger) *MpesaHandler {
	return &MpesaHandler{processor: processor, log: log.Named("mpesa_handler")}
}

// Callback receives STK push results. Any structurally valid notification is
// acknowledged with 200, duplicates included, so the gateway stops retrying.
func (h *MpesaHandler) Callback(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Unable to read body")
	}

	result, err := h.processor.Process(c.Request().Context(), body)
	if err != nil {
		return httpError(err)
	}

	fields := []zap.Field{zap.String("outcome", string(result.Outcome))}
	if result.Transaction != nil {
		fields = append(fields, zap.Uint("transaction_id", result.Transaction.ID))
	}
	h.log.Debug("callback handled", fields...)
	return c.JSON(http.StatusOK, CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}
