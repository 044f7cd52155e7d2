package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/pkg/schema"
)

// EventLog records run events and reconstructs step state from them.
type EventLog struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	status map[string]schema.RunStatus
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	return &EventLog{
		store:  s,
		logger: logging.OrDefault(logger),
		status: make(map[string]schema.RunStatus),
	}
}

var _ engine.Observer = (*EventLog)(nil)

// OnEvent persists e and keeps the run's status in step with it: an approval
// request suspends the run, any other event marks it active. Persistence
// failures are logged; they never interrupt the run.
func (el *EventLog) OnEvent(ctx context.Context, e engine.Event) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(ctx, el.logger)

	rec, err := Record(e)
	if err != nil {
		log.Warn("event not encodable", "kind", e.Kind(), "error", err)
		rec = &Event{
			RunID:     e.Meta().WorkflowID,
			StepID:    e.Meta().StepID,
			Kind:      e.Kind(),
			Payload:   json.RawMessage(`{"error":"payload not encodable"}`),
			Timestamp: e.Meta().Timestamp,
		}
	}
	if err := el.store.AppendEvent(ctx, rec); err != nil {
		log.Warn("event not persisted", "kind", e.Kind(), "error", err)
		return
	}

	next := schema.RunStatusActive
	if e.Kind() == schema.EventApprovalRequired {
		next = schema.RunStatusSuspended
	}
	if !el.advance(rec.RunID, next) {
		return
	}
	if err := el.store.UpdateRun(ctx, rec.RunID, RunUpdate{Status: &next}); err != nil {
		log.Warn("run status not persisted", "status", next, "error", err)
	}
}

// Forget drops the cached status of a finished run.
func (el *EventLog) Forget(runID string) {
	el.mu.Lock()
	delete(el.status, runID)
	el.mu.Unlock()
}

func (el *EventLog) advance(runID string, next schema.RunStatus) bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.status[runID] == next {
		return false
	}
	el.status[runID] = next
	return true
}

// Record converts an engine event into its persisted form. The payload is
// the event's variant fields; the context snapshot is not stored.
func Record(e engine.Event) (*Event, error) {
	payload, err := json.Marshal(engine.Payload(e))
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	meta := e.Meta()
	return &Event{
		RunID:     meta.WorkflowID,
		StepID:    meta.StepID,
		Kind:      e.Kind(),
		Payload:   payload,
		Timestamp: meta.Timestamp,
	}, nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

type failurePayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type sqlPayload struct {
	SQL string `json:"sql"`
}

type completedPayload struct {
	Result json.RawMessage `json:"result"`
}

// ReplayEvents replays all events of a run and returns the reconstructed
// step states. A gap in the sequence numbers is a STORE_ERROR.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return Replay(runID, events)
}

// Replay folds events, which must be the complete ordered log of one run.
func Replay(runID string, events []*Event) (map[string]*StepState, error) {
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{RunID: runID, StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}

		switch e.Kind {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventApprovalRequired:
			ss.Status = schema.StepStatusAwaiting

		case schema.EventSQLExecution:
			var p sqlPayload
			if json.Unmarshal(e.Payload, &p) == nil && p.SQL != "" {
				ss.Statements = append(ss.Statements, p.SQL)
			}

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			var p completedPayload
			if json.Unmarshal(e.Payload, &p) == nil {
				ss.Output = p.Result
			}
			finish(ss, e)

		case schema.EventStepFailed:
			var p failurePayload
			_ = json.Unmarshal(e.Payload, &p)
			ss.Status = schema.StepStatusFailed
			if p.Code == schema.ErrCodeDependencyFailed {
				ss.Status = schema.StepStatusSkipped
			}
			ss.Error = p.Error
			ss.ErrorCode = p.Code
			finish(ss, e)
		}
	}
	return states, nil
}

func finish(ss *StepState, e *Event) {
	ts := e.Timestamp
	ss.CompletedAt = &ts
	if ss.StartedAt != nil {
		ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
	}
}

// StatusMaps splits replayed states into the status and error maps used by
// diagram overlays.
func StatusMaps(states map[string]*StepState) (map[string]schema.StepStatus, map[string]string) {
	status := make(map[string]schema.StepStatus, len(states))
	errs := make(map[string]string)
	for id, ss := range states {
		status[id] = ss.Status
		if ss.Error != "" {
			errs[id] = ss.Error
		}
	}
	return status, errs
}
