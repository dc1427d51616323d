// Package notify delivers user-visible lifecycle messages (launch, refund,
// claim, suspend) to an external chat/notification surface. Notify runs
// synchronously and returns any delivery error; the callers in this
// codebase ignore that error and carry on with their own operation.
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

// Notifier sends a single user-facing message about a lifecycle event.
// OwnerID identifies who should receive it; Category groups it for display
// (e.g. "launch", "refund", "claim", "admin").
type Notifier interface {
	Notify(ctx context.Context, ownerID, category, message string) error
}

// WebhookNotifier posts notifications to a configured webhook URL. It is the
// default Notifier implementation and uses a single plain http.Client with
// a 5s timeout, not a connection pool.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a WebhookNotifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type notifyPayload struct {
	OwnerID   string `json:"ownerId"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Notify posts the message and waits for the response: it returns the
// POST's outcome, and callers carry on with their own operation whatever
// it is.
func (n *WebhookNotifier) Notify(ctx context.Context, ownerID, category, message string) error {
	if n.url == "" {
		log.Debug().Str("category", category).Str("message", message).Msg("notify: no webhook configured, dropping")
		return nil
	}

	payload := notifyPayload{OwnerID: ownerID, Category: category, Message: message, Timestamp: time.Now().Unix()}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NopNotifier discards every message. Used when no webhook is configured but
// a Notifier value is still required.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, ownerID, category, message string) error {
	return nil
}
