package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/orca/pkg/schema"
)

// Run is the persisted record of one goal execution.
type Run struct {
	ID          string            `json:"id"`
	Goal        string            `json:"goal"`
	Intent      schema.IntentType `json:"intent,omitempty"`
	Status      schema.RunStatus  `json:"status"`
	Source      string            `json:"source,omitempty"`
	Plan        json.RawMessage   `json:"plan,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
}

// Event is an immutable entry of a run's event log.
type Event struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	StepID    string           `json:"step_id,omitempty"`
	Kind      schema.EventKind `json:"kind"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Sequence  int64            `json:"sequence"`
}

// StepState is a step's status as reconstructed from the event log.
type StepState struct {
	RunID       string            `json:"run_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Statements  []string          `json:"statements,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Before *time.Time        `json:"before,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left as is.
type RunUpdate struct {
	Status      *schema.RunStatus  `json:"status,omitempty"`
	Intent      *schema.IntentType `json:"intent,omitempty"`
	Source      *string            `json:"source,omitempty"`
	Plan        json.RawMessage    `json:"plan,omitempty"`
	Error       *string            `json:"error,omitempty"`
	ErrorCode   *string            `json:"error_code,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events across runs.
type EventFilter struct {
	RunID  string           `json:"run_id,omitempty"`
	StepID string           `json:"step_id,omitempty"`
	Kind   schema.EventKind `json:"kind,omitempty"`
	Since  *time.Time       `json:"since,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}
