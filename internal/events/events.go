// Package events defines the domain events the pipeline and the ingestion
// engine emit, and the sink interface delivery backends implement.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types subscribed to by webhooks.
const (
	TypeChatResponseGenerated = "chat.response.generated"
	TypeChatEscalated         = "chat.escalated"
	TypeDocumentIndexed       = "knowledge.document.indexed"
	TypeDocumentFailed        = "knowledge.document.failed"
)

// Event is one emitted domain event. ID is stable across delivery retries.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New stamps a fresh event.
func New(eventType string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Sink receives emitted events. Implementations must not block on network
// I/O; deliver asynchronously and return.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards events.
func Nop() Sink { return SinkFunc(func(context.Context, Event) {}) }
