// Package events defines the engine's domain events and the notification
// boundary for operator-visible failures.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type names the kinds of pipeline events the engine emits.
type Type string

const (
	TypeAgentAssigned     Type = "agent.assigned"
	TypeAgentCompleted    Type = "agent.completed"
	TypeStageAdvanced     Type = "stage.advanced"
	TypePipelineStarted   Type = "pipeline.started"
	TypePipelineCompleted Type = "pipeline.completed"
	TypePipelineFailed    Type = "pipeline.failed"
	TypeRecoveryTriggered Type = "recovery.triggered"
)

// Event is one pipeline occurrence, carrying enough context to log or
// deliver without a second lookup.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ItemID    int       `json:"item_id"`
	Stage     string    `json:"stage,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an event stamped with a fresh id and the current time.
func New(t Type, itemID int, stage, agent, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ItemID:    itemID,
		Stage:     stage,
		Agent:     agent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier delivers events to the operator. Delivery is best-effort; a
// failed delivery must never fail the pipeline operation that produced it.
type Notifier interface {
	Notify(ctx context.Context, level Level, event Event)
}

// WebhookEndpoint configures one outgoing notification target.
type WebhookEndpoint struct {
	URL          string   `yaml:"url" json:"url"`
	Secret       string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	EventFilters []string `yaml:"event_filters,omitempty" json:"event_filters,omitempty"`
}

// DeadLetter records a notification that could not be delivered.
type DeadLetter struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// LogNotifier writes notifications to the structured log. Used when no
// webhook endpoints are configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, level Level, event Event) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"event", string(event.Type),
		"item", event.ItemID,
		"stage", event.Stage,
		"agent", event.Agent,
	}
	switch level {
	case LevelError:
		logger.Error(event.Message, attrs...)
	case LevelWarning:
		logger.Warn(event.Message, attrs...)
	default:
		logger.Info(event.Message, attrs...)
	}
}
