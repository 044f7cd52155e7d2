package schema

// EventKind discriminates the progress events emitted by a run.
type EventKind string

const (
	EventStepStarted      EventKind = "step_started"
	EventStepCompleted    EventKind = "step_completed"
	EventApprovalRequired EventKind = "approval_required"
	EventSQLExecution     EventKind = "sql_execution"
	EventPlanProposed     EventKind = "plan_proposed"
	EventStepFailed       EventKind = "step_failed"
)

// EventKinds lists every event kind in declaration order.
var EventKinds = []EventKind{
	EventStepStarted,
	EventStepCompleted,
	EventApprovalRequired,
	EventSQLExecution,
	EventPlanProposed,
	EventStepFailed,
}

// ApprovalType names the kind of human sign-off a step needs before it runs.
type ApprovalType string

const (
	ApprovalNone   ApprovalType = "none"
	ApprovalSQL    ApprovalType = "sql"
	ApprovalPlan   ApprovalType = "plan"
	ApprovalCustom ApprovalType = "custom"
)

// Requires reports whether the approval type gates execution.
func (a ApprovalType) Requires() bool {
	return a != "" && a != ApprovalNone
}

// IntentType is the planner's classification of a goal.
type IntentType string

const (
	IntentSQL    IntentType = "sql"
	IntentRAG    IntentType = "rag"
	IntentCustom IntentType = "custom"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusAwaiting  StepStatus = "awaiting_approval"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)
