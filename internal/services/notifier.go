package services

import (
	"context"

	"go.uber.org/zap"

	"hotspot_billing/internal/config"
)

// Notifier delivers a short operator-facing message.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// LogNotifier writes alerts to the log. It is used when no alert channel is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, subject, body string) error {
	n.log.Warn("operator alert", zap.String("subject", subject), zap.String("body", body))
	return nil
}

// NewNotifier picks the alert channel named by ALERT_CHANNEL.
func NewNotifier(cfg config.Config, log *zap.Logger) Notifier {
	alert := cfg.Alert
	switch alert.Channel {
	case "whatsapp":
		if alert.Target != "" {
			return NewWahaNotifier(alert.WahaBaseURL, alert.WahaAPIKey, alert.Target, cfg.Mpesa.CountryCode)
		}
	case "email":
		if alert.Target != "" {
			return NewEmailNotifier(alert.SMTPHost, alert.SMTPPort, alert.SMTPUser, alert.SMTPPassword, alert.EmailFrom, alert.Target)
		}
	case "":
	default:
		log.Warn("unknown alert channel, falling back to log", zap.String("channel", alert.Channel))
	}
	return NewLogNotifier(log.Named("alerts"))
}
