package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// WebhookSender posts events as JSON to a single configured endpoint,
// signed with HMAC-SHA256 so the receiver can verify origin.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender creates a sender targeting the given URL.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers the event. Any non-2xx response is an error so the
// dispatcher retries.
func (w *WebhookSender) Send(ctx context.Context, e *Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(e.Payload))
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marketpay-Event", e.Topic)
	req.Header.Set("X-Marketpay-Delivery", e.ID)
	req.Header.Set("X-Marketpay-Timestamp", timestamp)
	if w.secret != "" {
		req.Header.Set("X-Marketpay-Signature", Sign(w.secret, timestamp, e.Payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature over "timestamp.body".
// Exported so receivers can verify deliveries.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// LogSender writes events to the log. It is the fallback when no
// webhook endpoint is configured, so notifications remain observable in
// development.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Send(ctx context.Context, e *Event) error {
	l.logger.Info("notification", "topic", e.Topic, "payload", string(e.Payload))
	return nil
}

// Compile-time assertions that senders implement Sender.
var (
	_ Sender = (*WebhookSender)(nil)
	_ Sender = (*LogSender)(nil)
)
