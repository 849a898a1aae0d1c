// Package notify delivers webhook notifications when sessions need a human.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Notifier posts JSON payloads to a configured webhook. Delivery failures are
// returned for logging; callers never treat them as fatal.
type Notifier struct {
	webhookURL string
	client     *http.Client
	log        *zap.SugaredLogger
}

// New returns a Notifier. An empty webhookURL disables delivery: Send becomes
// a no-op.
func New(webhookURL string, log *zap.SugaredLogger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Send posts a notification, retrying transient failures a few times with
// exponential backoff. The payload shape is chosen from the webhook hostname.
func (n *Notifier) Send(ctx context.Context, title, message string, details map[string]any) error {
	if !n.Enabled() {
		return nil
	}

	payload, err := buildPayload(n.webhookURL, title, message, details)
	if err != nil {
		return err
	}

	operation := func() (struct{}, error) {
		err := n.post(ctx, payload)
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}

	n.log.Debugw("notification sent", "title", title)
	return nil
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("webhook returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// buildPayload shapes the body for the destination service. Slack-style hooks
// want {"text"}, Discord wants {"content"}, anything else gets the full
// structured payload.
func buildPayload(webhookURL, title, message string, details map[string]any) ([]byte, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	host := strings.ToLower(u.Hostname())

	var body any
	switch {
	case strings.Contains(host, "slack"):
		body = map[string]string{"text": title + "\n" + message}
	case strings.Contains(host, "discord"):
		body = map[string]string{"content": title + "\n" + message}
	default:
		generic := map[string]any{
			"title":     title,
			"message":   message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		for k, v := range details {
			generic[k] = v
		}
		body = generic
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
