package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentrelay/internal/events"
	"github.com/agentrelay/internal/webhookutils"
)

const (
	eventKindHeader = "X-GitHub-Event"
	signatureHeader = "X-Hub-Signature-256"
)

// GitHubWebhookHandler handles incoming GitHub webhook deliveries
func (s *Server) GitHubWebhookHandler(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Failed to read request body",
		})
	}

	headers := flattenHeaders(c.Request().Header)

	signature, _ := webhookutils.GetHeaderCaseInsensitive(headers, signatureHeader)
	if !verifySignature(s.webhookSecret, body, signature) {
		log.Warn().Str("remote", c.RealIP()).Msg("Webhook signature mismatch")
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Invalid signature",
		})
	}

	kind, _ := webhookutils.GetHeaderCaseInsensitive(headers, eventKindHeader)
	delivery, _ := webhookutils.GetHeaderCaseInsensitive(headers, "X-GitHub-Delivery")
	log.Info().Str("kind", kind).Str("delivery", delivery).Msg("Received webhook")

	event, err := events.Normalize(kind, body)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("Failed to parse webhook payload")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid webhook payload",
		})
	}
	if event == nil {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "skipped",
		})
	}

	outcome, err := s.orchestrator.ProcessEvent(c.Request().Context(), event)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Str("delivery", delivery).Msg("Webhook processing failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, outcome)
}

// verifySignature checks the HMAC-SHA256 hex signature GitHub computes
// over the raw body. Comparison is constant-time.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || len(header) < len("sha256=") || header[:len("sha256=")] != "sha256=" {
		return false
	}
	provided, err := hex.DecodeString(header[len("sha256="):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	return flat
}
