package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warp/renewal-alerts/alerting"
)

// Webhook POSTs each message as JSON. With an empty URL the message is
// sent to its own contact, which must then be an http(s) URL.
type Webhook struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// SetClient sets a custom HTTP client (useful for testing).
func (w *Webhook) SetClient(client *http.Client) {
	w.client = client
}

func (w *Webhook) Deliver(ctx context.Context, msg alerting.Message) error {
	target := w.URL
	if target == "" {
		target = msg.Contact
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return alerting.Permanent(fmt.Errorf("encode message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return alerting.Permanent(fmt.Errorf("build request for %q: %w", target, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-%d", msg.InstanceID, msg.Attempt))
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classifyStatus(resp.StatusCode, snippet)
}

// classifyStatus maps an HTTP response to the notifier error contract.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("webhook returned %d: %s", code, bytes.TrimSpace(body))
	default:
		return alerting.Permanent(fmt.Errorf("webhook returned %d: %s", code, bytes.TrimSpace(body)))
	}
}
