package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"hotspot_billing/internal/services"
)

// httpError maps service errors onto HTTP responses. Internal details are never echoed.
func httpError(err error) *echo.HTTPError {
	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error()).SetInternal(err)
	case errors.Is(err, services.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found").SetInternal(err)
	case errors.Is(err, services.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "conflict").SetInternal(err)
	case errors.Is(err, services.ErrGatewayUnavailable):
		return echo.NewHTTPError(http.StatusInternalServerError, "payment gateway unavailable").SetInternal(err)
	case errors.Is(err, services.ErrDeviceUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "network device unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}
