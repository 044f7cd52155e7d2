package engine

import (
	"maps"
	"sync"

	"github.com/rendis/orca/pkg/schema"
)

// TransitionHook is called after a step changes state.
type TransitionHook func(stepID string, from, to schema.StepStatus)

// StepFSM tracks the lifecycle state of every step in one run and rejects
// transitions the table below does not allow.
type StepFSM struct {
	mu     sync.Mutex
	states map[string]schema.StepStatus
	hooks  []TransitionHook
}

// NewStepFSM creates a machine with every id in pending.
func NewStepFSM(ids []string) *StepFSM {
	states := make(map[string]schema.StepStatus, len(ids))
	for _, id := range ids {
		states[id] = schema.StepStatusPending
	}
	return &StepFSM{states: states}
}

// OnTransition registers a hook run after every successful transition.
func (f *StepFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition moves stepID to the given state.
func (f *StepFSM) Transition(stepID string, to schema.StepStatus) error {
	f.mu.Lock()
	from, ok := f.states[stepID]
	if !ok {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown step: %s", stepID).WithStep(stepID)
	}
	if !isValidStepTransition(from, to) {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	f.states[stepID] = to
	hooks := f.hooks
	f.mu.Unlock()

	for _, hook := range hooks {
		hook(stepID, from, to)
	}
	return nil
}

// Status returns the current state of stepID.
func (f *StepFSM) Status(stepID string) schema.StepStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[stepID]
}

// States returns a copy of all step states.
func (f *StepFSM) States() map[string]schema.StepStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.states)
}

// IsTerminalStep reports whether no further transitions are possible from s.
func IsTerminalStep(s schema.StepStatus) bool {
	return s == schema.StepStatusCompleted || s == schema.StepStatusFailed || s == schema.StepStatusSkipped
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusAwaiting, schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusAwaiting:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}
