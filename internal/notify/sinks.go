package notify

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

	"github.com/parleyhq/parley/internal/cache"
	"github.com/rs/zerolog/log"
)

// ── Log sink ────────────────────────────────────────────────

// LogSink writes every event to the structured log.
type LogSink struct{}

func (LogSink) Kind() string { return "log" }

func (LogSink) Send(_ context.Context, ev Event) error {
	log.Info().
		Str("event", string(ev.Type)).
		Str("tenant", ev.TenantID).
		Str("customer", ev.CustomerID).
		Str("entry", ev.EntryID).
		Str("operator", ev.OperatorID).
		Msg("Queue changed")
	return nil
}

// ── Bus sink ────────────────────────────────────────────────

// DefaultEventsChannel carries queue events to every node (UI refresh).
const DefaultEventsChannel = "parley:queue:events"

// BusSink publishes events as JSON on a broadcast channel.
type BusSink struct {
	Bus     cache.Bus
	Channel string
}

func (b *BusSink) Kind() string { return "bus" }

func (b *BusSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal queue event: %w", err)
	}
	ch := b.Channel
	if ch == "" {
		ch = DefaultEventsChannel
	}
	return b.Bus.Publish(ctx, ch, string(body))
}

// ── Webhook sink ────────────────────────────────────────────

// WebhookSink posts events as JSON to a URL with optional HMAC-SHA256 signing.
type WebhookSink struct {
	URL      string
	Secret   string
	Client   *http.Client
	Attempts int
	Backoff  time.Duration // base delay; attempt n waits n*Backoff
}

// NewWebhookSink creates a webhook sink with three attempts.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		URL:      url,
		Secret:   secret,
		Client:   &http.Client{Timeout: 15 * time.Second},
		Attempts: 3,
		Backoff:  2 * time.Second,
	}
}

func (w *WebhookSink) Kind() string { return "webhook" }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempts := max(w.Attempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * w.Backoff):
			case <-ctx.Done():
				return fmt.Errorf("webhook cancelled after %d attempts: %w", attempt, ctx.Err())
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Parley-Webhook/1.0")
		req.Header.Set("X-Parley-Event", string(ev.Type))
		req.Header.Set("X-Parley-Tenant", ev.TenantID)
		req.Header.Set("X-Parley-Delivery", ev.ID)
		if w.Secret != "" {
			req.Header.Set("X-Parley-Signature", Sign(w.Secret, body))
		}

		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.URL)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", attempts, lastErr)
}
