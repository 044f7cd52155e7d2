package engine

import (
	"time"

	"github.com/rendis/orca/pkg/schema"
)

// Event is a progress notification from a run. The set of implementations is
// closed: StepStartedEvent, StepCompletedEvent, ApprovalRequiredEvent,
// SQLExecutionEvent, PlanProposedEvent and StepFailedEvent.
type Event interface {
	Kind() schema.EventKind
	Meta() EventMeta
	sealed()
}

// EventMeta is carried by every event.
type EventMeta struct {
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Snapshot   ContextSnapshot `json:"context_snapshot"`
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) sealed()           {}

// StepStartedEvent marks the start of a step.
type StepStartedEvent struct {
	EventMeta
}

// StepCompletedEvent carries the redacted result of a successful step.
type StepCompletedEvent struct {
	EventMeta
	Result any `json:"result"`
}

// ApprovalRequiredEvent announces that the run is parked on a decision.
type ApprovalRequiredEvent struct {
	EventMeta
	Request ApprovalRequest `json:"request"`
}

// SQLExecutionEvent reports a statement executed by a step and its rows.
type SQLExecutionEvent struct {
	EventMeta
	SQL  string           `json:"sql"`
	Rows []map[string]any `json:"rows"`
}

// PlanProposedEvent publishes a plan before any approval gate of its step.
type PlanProposedEvent struct {
	EventMeta
	Plan any `json:"plan"`
}

// StepFailedEvent is the terminal event of a failed, rejected, skipped or
// cancelled step.
type StepFailedEvent struct {
	EventMeta
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (StepStartedEvent) Kind() schema.EventKind      { return schema.EventStepStarted }
func (StepCompletedEvent) Kind() schema.EventKind    { return schema.EventStepCompleted }
func (ApprovalRequiredEvent) Kind() schema.EventKind { return schema.EventApprovalRequired }
func (SQLExecutionEvent) Kind() schema.EventKind     { return schema.EventSQLExecution }
func (PlanProposedEvent) Kind() schema.EventKind     { return schema.EventPlanProposed }
func (StepFailedEvent) Kind() schema.EventKind       { return schema.EventStepFailed }

// Payload returns the variant-specific fields of e as a plain map, suitable
// for persistence and transport.
func Payload(e Event) map[string]any {
	switch ev := e.(type) {
	case StepStartedEvent:
		return map[string]any{}
	case StepCompletedEvent:
		return map[string]any{"result": ev.Result}
	case ApprovalRequiredEvent:
		return map[string]any{"request": ev.Request.Shape()}
	case SQLExecutionEvent:
		return map[string]any{"sql": ev.SQL, "rows": ev.Rows}
	case PlanProposedEvent:
		return map[string]any{"plan": ev.Plan}
	case StepFailedEvent:
		p := map[string]any{"error": ev.Error}
		if ev.Code != "" {
			p["code"] = ev.Code
		}
		return p
	}
	return nil
}

// IsTerminal reports whether e ends its step.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case StepCompletedEvent, StepFailedEvent:
		return true
	}
	return false
}
