// Package streaming fans run events out to live subscribers.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/pkg/schema"
)

// StreamEvent is the transport form of an engine event.
type StreamEvent struct {
	RunID     string           `json:"run_id"`
	StepID    string           `json:"step_id,omitempty"`
	Kind      schema.EventKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

// FromEngine converts e. Payload values are already redacted by the engine.
func FromEngine(e engine.Event) StreamEvent {
	meta := e.Meta()
	return StreamEvent{
		RunID:     meta.WorkflowID,
		StepID:    meta.StepID,
		Kind:      e.Kind(),
		Timestamp: meta.Timestamp,
		Payload:   engine.Payload(e),
	}
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID string             `json:"run_id,omitempty"`
	Kinds []schema.EventKind `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
