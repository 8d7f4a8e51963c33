package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WahaNotifier delivers operator alerts over WhatsApp through a WAHA instance.
type WahaNotifier struct {
	client      *resty.Client
	chatID      string
	countryCode string
}

func NewWahaNotifier(baseURL, apiKey, target, countryCode string) *WahaNotifier {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", apiKey)
	return &WahaNotifier{
		client:      client,
		chatID:      NormalizeChatID(target, countryCode),
		countryCode: countryCode,
	}
}

// Notify sends subject and body as a single text message.
func (s *WahaNotifier) Notify(ctx context.Context, subject, body string) error {
	text := body
	if subject != "" {
		text = fmt.Sprintf("*%s*\n%s", subject, body)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chatId":  s.chatID,
			"text":    text,
			"session": "default",
		}).
		Post("/api/sendText")
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sendText failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// NormalizeChatID normalizes WhatsApp chat IDs by adding required suffixes and standardizing country codes
func NormalizeChatID(chatID, countryCode string) string {
	chatID = strings.TrimSpace(chatID)

	// Group IDs are used as is
	if strings.HasSuffix(chatID, "@g.us") {
		return chatID
	}

	chatID = strings.TrimSuffix(chatID, "@c.us")
	chatID = NormalizePhone(chatID, countryCode)

	return chatID + "@c.us"
}
