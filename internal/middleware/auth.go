package middleware

import (
	"context"
	"net/http"
	"strings"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// TokenVerifier checks a Firebase ID token. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// RequireOperator returns a middleware that admits requests carrying a valid
// Firebase ID token as "Authorization: Bearer <token>".
func RequireOperator(verifier TokenVerifier, log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Check if Firebase is initialized
			if verifier == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "operator authentication is not configured")
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			decoded, err := verifier.VerifyIDToken(c.Request().Context(), token)
			if err != nil {
				log.Info("rejected operator token", zap.Error(err))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Set user info in context for downstream handlers
			c.Set("userUID", decoded.UID)
			if email, ok := decoded.Claims["email"].(string); ok {
				c.Set("userEmail", email)
			}

			return next(c)
		}
	}
}
