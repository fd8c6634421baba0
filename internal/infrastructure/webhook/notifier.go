// Package webhook delivers operator notifications to configured endpoints,
// with failed deliveries captured in a dead-letter file.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/foreman/pkg/domain/events"
)

// Notifier sends pipeline events to all matching webhook endpoints. It
// implements events.Notifier; delivery runs in the background and never
// blocks or fails the pipeline operation that produced the event.
type Notifier struct {
	endpoints  []events.WebhookEndpoint
	client     *http.Client
	deadLetter *DeadLetterStore
	logger     *slog.Logger
}

// NewNotifier creates a notifier with the given endpoints and dead letter store.
func NewNotifier(endpoints []events.WebhookEndpoint, deadLetter *DeadLetterStore, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		endpoints: endpoints,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// Payload is the JSON body sent to webhook endpoints.
type Payload struct {
	Level     events.Level `json:"level"`
	EventType events.Type  `json:"event_type"`
	Timestamp time.Time    `json:"timestamp"`
	Data      events.Event `json:"data"`
}

// Notify sends an event to all matching webhook endpoints.
func (n *Notifier) Notify(ctx context.Context, level events.Level, event events.Event) {
	payload := Payload{
		Level:     level,
		EventType: event.Type,
		Timestamp: event.Timestamp,
		Data:      event,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, ep := range n.endpoints {
		if !ep.Enabled {
			continue
		}
		if !n.matchesFilter(ep, string(event.Type)) {
			continue
		}
		go n.deliver(context.WithoutCancel(ctx), ep, string(event.Type), body)
	}
}

func (n *Notifier) matchesFilter(ep events.WebhookEndpoint, eventType string) bool {
	if len(ep.EventFilters) == 0 {
		return true
	}
	for _, f := range ep.EventFilters {
		if f == eventType {
			return true
		}
	}
	return false
}

func (n *Notifier) deliver(ctx context.Context, ep events.WebhookEndpoint, eventType string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		n.record(ep, eventType, body, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Secret != "" {
		req.Header.Set("X-Foreman-Signature", sign(ep.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.record(ep, eventType, body, err.Error())
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.record(ep, eventType, body, resp.Status)
	}
}

func (n *Notifier) record(ep events.WebhookEndpoint, eventType string, body []byte, reason string) {
	n.logger.Warn("webhook delivery failed", "url", ep.URL, "event", eventType, "reason", reason)
	if n.deadLetter == nil {
		return
	}
	// The store stamps the ID and timestamp.
	dl := events.DeadLetter{
		URL:       ep.URL,
		EventType: eventType,
		Payload:   string(body),
		Error:     reason,
	}
	if err := n.deadLetter.Append(dl); err != nil {
		n.logger.Error("dead letter append failed", "error", err)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
