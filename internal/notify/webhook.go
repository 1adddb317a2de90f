package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WebhookSender posts notifications as JSON to an incoming-webhook URL
// (Slack-style). Destination becomes the "channel" field.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a sender for the given webhook URL
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, destination, markdown string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": destination,
		"text":    markdown,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification post returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes notifications to the log. Used when no webhook URL is
// configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, destination, markdown string) error {
	log.Info().Str("destination", destination).Str("text", markdown).Msg("Notification")
	return nil
}
