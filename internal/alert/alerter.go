// Package alert delivers operational alerts to Slack and generic webhooks.
// Alert delivery is best-effort: a failed send is logged and counted, never
// propagated into the request path that raised it.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Spritz-Labs/spritz-vault/internal/metrics"
)

// Type categorizes the kind of alert.
type Type string

const (
	TypeIndexerDown      Type = "INDEXER_DOWN"
	TypeIndexerRecovered Type = "INDEXER_RECOVERED"
	TypeSignerDrift      Type = "SIGNER_DRIFT"
)

// Alert is a single operator-facing event.
type Alert struct {
	Type    Type
	Title   string
	Message string
	Fields  map[string]string
}

// Alerter sends alerts to one delivery channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans an alert out to every configured channel, suppressing
// repeats of the same alert type within the cooldown window so a flapping
// upstream does not page on every state change.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[Type]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[Type]time.Time),
	}
}

// Send dispatches the alert to all channels, respecting the cooldown. The
// returned error is the first channel failure; other channels still run.
func (m *MultiAlerter) Send(ctx context.Context, a Alert) error {
	m.mu.Lock()
	if last, ok := m.lastSent[a.Type]; ok && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "type", a.Type)
		metrics.AlertsSuppressed.WithLabelValues(string(a.Type)).Inc()
		return nil
	}
	m.lastSent[a.Type] = time.Now()
	m.mu.Unlock()

	var firstErr error
	for _, alerter := range m.alerters {
		channel := channelName(alerter)
		if err := alerter.Send(ctx, a); err != nil {
			m.logger.Warn("alert send failed", "channel", channel, "type", a.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.AlertsSent.WithLabelValues(channel, string(a.Type)).Inc()
	}
	return firstErr
}

func channelName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "unknown"
	}
}

// SlackAlerter posts alerts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Send(ctx context.Context, a Alert) error {
	emoji := ":rotating_light:"
	if a.Type == TypeIndexerRecovered {
		emoji = ":white_check_mark:"
	}

	text := fmt.Sprintf("%s *[%s]* %s\n%s", emoji, a.Type, a.Title, a.Message)
	if len(a.Fields) > 0 {
		text += "\n"
		for k, v := range a.Fields {
			text += fmt.Sprintf("- *%s*: %s\n", k, v)
		}
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.webhookURL, body, "slack")
}

// WebhookAlerter posts the alert as JSON to a generic HTTP endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(map[string]any{
		"type":    string(a.Type),
		"title":   a.Title,
		"message": a.Message,
		"fields":  a.Fields,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body, "webhook")
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, channel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NopAlerter discards everything. Used when no alert channels are configured.
type NopAlerter struct{}

func (NopAlerter) Send(context.Context, Alert) error { return nil }
