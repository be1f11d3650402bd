package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pricewave.io/engine/core/config"
	"pricewave.io/engine/internal/backoff"
	"pricewave.io/engine/internal/model"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	webhookEventTypeHeader = "X-Event-Type"
)

// NewWebhookSubscriber delivers every ledger event to an HTTP consumer.
// Non-2xx responses surface as backoff errors so the dispatcher's retry
// taxonomy decides between retry and dead-letter.
func NewWebhookSubscriber(cfg config.EventWebhookConfig) Subscriber {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return Subscriber{
		Name: "event-webhook",
		Handle: func(ctx context.Context, event model.EventLogEntry) error {
			return deliverWebhook(ctx, client, cfg, event)
		},
	}
}

func deliverWebhook(ctx context.Context, client *http.Client, cfg config.EventWebhookConfig, event model.EventLogEntry) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhookEventTypeHeader, event.EventType)
	if cfg.Secret != "" {
		req.Header.Set(webhookSignatureHeader, sign(body, cfg.Secret))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backoff.NewStatusError(resp.StatusCode, string(snippet))
	}
	return nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
