package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aifx-io/aifx/internal/db"
)

// WebhookDeliverer POSTs rendered notifications to subscriber-owned URLs.
// The subscriber's platform identity is the target URL.
type WebhookDeliverer struct {
	client *http.Client
}

// NewWebhookDeliverer creates a webhook delivery adapter.
func NewWebhookDeliverer(timeout time.Duration) *WebhookDeliverer {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDeliverer{
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// Deliver posts the message as JSON. Any non-2xx response is a failure,
// so the filter's retry policy applies.
func (d *WebhookDeliverer) Deliver(ctx context.Context, subscriber *db.Subscriber, message string) error {
	body, err := json.Marshal(webhookPayload{
		Message: message,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscriber.PlatformIdentity, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid webhook URL for subscriber %s: %w", subscriber.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
