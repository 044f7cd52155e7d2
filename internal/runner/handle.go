package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/planner"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/pkg/schema"
)

// handle is the in-memory state of a run started by this process. It
// observes the run's events to track status and keep a local event log.
type handle struct {
	id        string
	goal      string
	plan      *planner.PlanArtifact
	metadata  map[string]any // redacted
	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	status      schema.RunStatus
	events      []*store.Event
	failure     *store.StepState
	errMsg      string
	errCode     string
	completedAt *time.Time
	finished    bool
}

var _ engine.Observer = (*handle)(nil)

func (h *handle) OnEvent(_ context.Context, e engine.Event) {
	rec, err := store.Record(e)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		rec.Sequence = int64(len(h.events) + 1)
		h.events = append(h.events, rec)
	}
	h.status = schema.RunStatusActive
	switch ev := e.(type) {
	case engine.ApprovalRequiredEvent:
		h.status = schema.RunStatusSuspended
	case engine.StepFailedEvent:
		if h.failure == nil {
			h.failure = &store.StepState{StepID: ev.StepID, Error: ev.Error, ErrorCode: ev.Code}
		}
	}
}

// finish records the run's outcome once. It reports false if the run had
// already finished. The caller closes done once the outcome is persisted.
func (h *handle) finish(runErr error) bool {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.finished = true
	now := time.Now().UTC()
	h.completedAt = &now

	switch {
	case runErr != nil && engine.IsCancelled(runErr):
		h.status = schema.RunStatusCancelled
		h.errMsg = runErr.Error()
		h.errCode = schema.ErrCodeCancelled
	case runErr != nil:
		h.status = schema.RunStatusFailed
		h.errMsg = runErr.Error()
		h.errCode = schema.CodeOf(runErr)
	case h.failure != nil:
		h.status = schema.RunStatusFailed
		h.errMsg = h.failure.StepID + ": " + h.failure.Error
		h.errCode = h.failure.ErrorCode
	default:
		h.status = schema.RunStatusCompleted
	}
	h.mu.Unlock()
	return true
}

func (h *handle) snapshot() *RunInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Replay cannot fail on a log this handle numbered itself.
	steps, _ := store.Replay(h.id, h.events)
	return &RunInfo{
		ID:          h.id,
		Goal:        h.goal,
		Intent:      h.plan.Intent,
		Source:      h.plan.DataSource.Key,
		Status:      h.status,
		Plan:        h.plan,
		Metadata:    h.metadata,
		Steps:       steps,
		Error:       h.errMsg,
		ErrorCode:   h.errCode,
		CreatedAt:   h.createdAt,
		CompletedAt: h.completedAt,
	}
}

func (h *handle) eventsSince(since int64) []*store.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*store.Event
	for _, e := range h.events {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out
}
