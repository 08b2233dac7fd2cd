package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// WebhookNotifier posts run notifications to a webhook.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
	Run     RunMessage  `json:"run"`
}

type webhookText struct {
	Content string `json:"content"`
}

// WebhookOption configures the notifier.
type WebhookOption func(*WebhookNotifier)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(timeout time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		if timeout > 0 {
			n.client.HTTPClient.Timeout = timeout
		}
	}
}

// WithRetries sets the number of retries after the first attempt.
func WithRetries(retries int) WebhookOption {
	return func(n *WebhookNotifier) {
		if retries >= 0 {
			n.client.RetryMax = retries
		}
	}
}

// WithRetryWait sets the retry backoff bounds.
func WithRetryWait(min, max time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		n.client.RetryWaitMin = min
		n.client.RetryWaitMax = max
	}
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.HTTPClient.Timeout = 10 * time.Second
	n := &WebhookNotifier{url: url, client: client}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify sends a run summary to the webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, msg RunMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatRunMessage(msg)},
		Run:     msg,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}

func formatRunMessage(msg RunMessage) string {
	var b strings.Builder
	b.WriteString("[Billing Run]\n")
	if msg.ConfigName != "" {
		fmt.Fprintf(&b, "Config: %s (%s)\n", msg.ConfigName, msg.ConfigID)
	} else {
		fmt.Fprintf(&b, "Config: %s\n", msg.ConfigID)
	}
	fmt.Fprintf(&b, "Execution: %s\n", msg.ExecutionID)
	fmt.Fprintf(&b, "Status: %s\n", msg.Status)
	fmt.Fprintf(&b, "Meters: total=%d success=%d failed=%d\n", msg.Total, msg.Success, msg.Failed)
	if msg.Invoices > 0 {
		fmt.Fprintf(&b, "Invoices: %d\n", msg.Invoices)
	}
	if len(msg.Recipients) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.Recipients, ", "))
	}
	for _, e := range msg.Errors {
		fmt.Fprintf(&b, "- %s %s: %s\n", e.MeterID, e.Kind, e.Message)
	}
	return strings.TrimSpace(b.String())
}
