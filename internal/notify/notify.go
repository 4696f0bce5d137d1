// Package notify fans domain events out to observers. Observers never fail
// the operation that emitted the event; delivery problems are logged.
package notify

import (
	"context"
	"log/slog"
	"time"

	"phiguard/pkg/domain"
)

// EventType names a notification.
type EventType string

const (
	EventAccessDenied         EventType = "access.denied"
	EventRetentionJobComplete EventType = "retention.job_completed"
	EventHoldPlaced           EventType = "retention.hold_placed"
	EventHoldReleased         EventType = "retention.hold_released"
)

// Event is a notification about something an operator may need to act on.
type Event struct {
	Type         EventType           `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	ActorID      string              `json:"actorId,omitempty"`
	ResourceType domain.ResourceType `json:"resourceType,omitempty"`
	ResourceID   string              `json:"resourceId,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
}

// Observer receives events.
type Observer interface {
	Notify(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) Notify(ctx context.Context, event Event) {
	f(ctx, event)
}

// Multi delivers each event to every observer in order.
type Multi []Observer

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(ctx, event)
		}
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogObserver writes events to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Notify(ctx context.Context, event Event) {
	level := slog.LevelInfo
	if event.Type == EventAccessDenied {
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "event",
		"type", event.Type,
		"actor_id", event.ActorID,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"data", event.Data,
	)
}
