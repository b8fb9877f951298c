package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vocera-labs/voicebridge/pkg/logging"
)

// WebhookSender is the fire-and-forget event sink for call lifecycle
// events (call.started, call.ended). Failures are logged and dropped;
// delivery is best-effort by design of the consumer contract.
type WebhookSender struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logging.NewComponentLogger(slog.Default(), "webhooks"),
	}
}

// Send posts one event asynchronously.
func (w *WebhookSender) Send(event string, data map[string]any) {
	if w == nil || w.url == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("webhook_send_failed", "event", event, "error", err.Error())
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			w.logger.Warn("webhook_rejected", "event", event, "status", resp.Status)
		}
	}()
}
