package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/redact"
	"github.com/rendis/orca/pkg/schema"
)

const defaultEventBuffer = 64

// Observer receives every event of a run synchronously, in emission order,
// before the event is delivered to the stream consumer.
type Observer interface {
	OnEvent(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) OnEvent(ctx context.Context, e Event) { f(ctx, e) }

// Config configures an Orchestrator.
type Config struct {
	// Approve resolves approval gates. When nil, every gated step is rejected.
	Approve     ApprovalFunc
	Observers   []Observer
	Logger      *slog.Logger
	EventBuffer int
	Now         func() time.Time
}

// Orchestrator executes step graphs one step at a time.
type Orchestrator struct {
	approve   ApprovalFunc
	observers []Observer
	logger    *slog.Logger
	buffer    int
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		approve:   cfg.Approve,
		observers: cfg.Observers,
		logger:    logging.OrDefault(cfg.Logger),
		buffer:    cfg.EventBuffer,
		now:       cfg.Now,
	}
	if o.approve == nil {
		o.approve = AutoReject("no approval handler configured")
	}
	if o.buffer <= 0 {
		o.buffer = defaultEventBuffer
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Execution is a running graph. Consume Events until it is closed, then call
// Wait for the run's error.
type Execution struct {
	workflowID string
	events     chan Event
	done       chan struct{}
	cancel     context.CancelFunc
	fsm        *StepFSM

	mu  sync.Mutex
	err error
}

// WorkflowID returns the ID of the context being executed.
func (x *Execution) WorkflowID() string { return x.workflowID }

// Events returns the ordered event stream. It is closed when the run ends.
func (x *Execution) Events() <-chan Event { return x.events }

// Done is closed when the run has ended.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Cancel stops the run. A parked approval wait is released.
func (x *Execution) Cancel() { x.cancel() }

// States returns the current state of every step.
func (x *Execution) States() map[string]schema.StepStatus { return x.fsm.States() }

// Wait blocks until the run ends. It returns nil when every step reached a
// terminal event, a GRAPH error for a malformed or stuck graph, and a
// CANCELLED error when the run was cancelled. Step failures are reported as
// events, not as errors.
func (x *Execution) Wait() error {
	<-x.done
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}

// Collect drains the stream and returns all events with the run's error.
func Collect(x *Execution) ([]Event, error) {
	var events []Event
	for e := range x.Events() {
		events = append(events, e)
	}
	return events, x.Wait()
}

// Run starts executing g against wc in a new goroutine. Dropping the stream
// without draining it requires Cancel (or cancelling ctx) to release the run.
func (o *Orchestrator) Run(ctx context.Context, g *StepGraph, wc *WorkflowContext) *Execution {
	ctx, cancel := context.WithCancel(ctx)
	x := &Execution{
		workflowID: wc.WorkflowID(),
		events:     make(chan Event, o.buffer),
		done:       make(chan struct{}),
		cancel:     cancel,
		fsm:        NewStepFSM(g.Order()),
	}
	r := &run{o: o, x: x, g: g, wc: wc}
	go func() {
		defer close(x.done)
		defer cancel()
		err := r.drive(logging.WithRunID(ctx, wc.WorkflowID()))
		x.mu.Lock()
		x.err = err
		x.mu.Unlock()
		close(x.events)
	}()
	return x
}

// run holds the state of one execution.
type run struct {
	o  *Orchestrator
	x  *Execution
	g  *StepGraph
	wc *WorkflowContext

	completed map[string]bool
	failed    map[string]bool
}

func (r *run) drive(ctx context.Context) error {
	log := logging.LogWith(ctx, r.o.logger)

	if res := r.g.Validate(); !res.OK() {
		failures := res.Failures()
		return schema.NewError(schema.ErrCodeGraph, failures[0].Message).
			WithDetails(map[string]any{"problems": failures})
	}

	r.completed = make(map[string]bool, r.g.Len())
	r.failed = make(map[string]bool)
	log.Debug("run started", "steps", r.g.Len())

	for len(r.completed) < r.g.Len() {
		if ctx.Err() != nil {
			return r.cancelled(ctx, "")
		}
		ready := r.g.ReadySteps(r.completed)
		if len(ready) == 0 {
			return schema.NewErrorf(schema.ErrCodeGraphStuck,
				"no step is ready but %d of %d steps have not finished",
				r.g.Len()-len(r.completed), r.g.Len())
		}
		for _, id := range ready {
			if ctx.Err() != nil {
				return r.cancelled(ctx, "")
			}
			ok, err := r.step(logging.WithStepID(ctx, id), id)
			if err != nil {
				return err
			}
			r.completed[id] = true
			if !ok {
				r.failed[id] = true
			}
		}
	}

	log.Debug("run finished", "failed", len(r.failed))
	return nil
}

// step processes one ready step. It returns ok=false for a failed, rejected or
// skipped step and a non-nil error only when the run must stop.
func (r *run) step(ctx context.Context, id string) (bool, error) {
	def, _ := r.g.Step(id)
	log := logging.LogWith(ctx, r.o.logger)

	if err := r.x.fsm.Transition(id, schema.StepStatusRunning); err != nil {
		return false, err
	}
	if !r.emit(ctx, StepStartedEvent{EventMeta: r.meta(id)}) {
		return false, r.cancelled(ctx, id)
	}

	if dep := r.failedDependency(id); dep != "" {
		log.Info("step skipped", "dependency", dep)
		_ = r.x.fsm.Transition(id, schema.StepStatusSkipped)
		msg := fmt.Sprintf("skipped: dependency %s did not complete", dep)
		if !r.emit(ctx, r.failure(id, msg, schema.ErrCodeDependencyFailed)) {
			return false, r.cancelled(ctx, "")
		}
		return false, nil
	}

	if def.Proposal != nil {
		ev := PlanProposedEvent{EventMeta: r.meta(id), Plan: redact.Value(def.Proposal)}
		if !r.emit(ctx, ev) {
			return false, r.cancelled(ctx, id)
		}
	}

	if def.ApprovalType.Requires() {
		ok, err := r.gate(ctx, def)
		if err != nil || !ok {
			return false, err
		}
	}

	result, err := r.invoke(ctx, def)
	if ctx.Err() != nil {
		return false, r.cancelled(ctx, id)
	}
	if err != nil {
		log.Warn("step failed", "error", err)
		_ = r.x.fsm.Transition(id, schema.StepStatusFailed)
		if !r.emit(ctx, r.failure(id, err.Error(), schema.CodeOf(err))) {
			return false, r.cancelled(ctx, "")
		}
		return false, nil
	}

	r.wc.setArtifact(id, result)
	_ = r.x.fsm.Transition(id, schema.StepStatusCompleted)
	log.Debug("step completed")
	if !r.emit(ctx, StepCompletedEvent{EventMeta: r.meta(id), Result: redact.Value(result)}) {
		return true, r.cancelled(ctx, "")
	}
	return true, nil
}

// gate suspends the run on the approval callback.
func (r *run) gate(ctx context.Context, def *StepDefinition) (bool, error) {
	log := logging.LogWith(ctx, r.o.logger)
	id := def.ID

	_ = r.x.fsm.Transition(id, schema.StepStatusAwaiting)
	req := ApprovalRequest{
		WorkflowID:   r.wc.WorkflowID(),
		StepID:       id,
		ApprovalType: def.ApprovalType,
		Summary:      redact.String(def.Label()),
	}
	if !r.emit(ctx, ApprovalRequiredEvent{EventMeta: r.meta(id), Request: req}) {
		return false, r.cancelled(ctx, id)
	}

	log.Info("awaiting approval", "approval_type", def.ApprovalType)
	decision, err := r.o.approve(ctx, req)
	if ctx.Err() != nil {
		return false, r.cancelled(ctx, id)
	}
	if err != nil {
		log.Warn("approval failed", "error", err)
		_ = r.x.fsm.Transition(id, schema.StepStatusFailed)
		msg := "approval failed: " + err.Error()
		if !r.emit(ctx, r.failure(id, msg, schema.ErrCodeApproval)) {
			return false, r.cancelled(ctx, "")
		}
		return false, nil
	}
	if !decision.Approved {
		log.Info("approval rejected", "reason", decision.Reason)
		_ = r.x.fsm.Transition(id, schema.StepStatusFailed)
		if !r.emit(ctx, r.failure(id, "not approved: "+decision.Reason, schema.ErrCodeNotApproved)) {
			return false, r.cancelled(ctx, "")
		}
		return false, nil
	}

	log.Info("approval granted")
	_ = r.x.fsm.Transition(id, schema.StepStatusRunning)
	return true, nil
}

// invoke runs the action, converting a panic into a step error.
func (r *run) invoke(ctx context.Context, def *StepDefinition) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeStepPanic, "step panicked: %v", rec).WithStep(def.ID)
		}
	}()
	return def.Action(ctx, r.wc, &stepEmitter{r: r, ctx: ctx, stepID: def.ID})
}

func (r *run) failedDependency(id string) string {
	for _, dep := range r.g.Dependencies(id) {
		if r.failed[dep] {
			return dep
		}
	}
	return ""
}

func (r *run) meta(stepID string) EventMeta {
	return EventMeta{
		WorkflowID: r.wc.WorkflowID(),
		StepID:     stepID,
		Timestamp:  r.o.now().UTC(),
		Snapshot:   r.wc.Snapshot(),
	}
}

func (r *run) failure(stepID, msg, code string) StepFailedEvent {
	return StepFailedEvent{EventMeta: r.meta(stepID), Error: redact.String(msg), Code: code}
}

// emit notifies observers and delivers e to the stream. It returns false
// when the run was cancelled before the consumer accepted the event.
func (r *run) emit(ctx context.Context, e Event) bool {
	r.notify(ctx, e)
	select {
	case r.x.events <- e:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (r *run) notify(ctx context.Context, e Event) {
	octx := context.WithoutCancel(ctx)
	for _, obs := range r.o.observers {
		obs.OnEvent(octx, e)
	}
}

// cancelled ends the run after cancellation. The in-flight step, if any, gets
// a terminal StepFailedEvent; delivery to the stream is best-effort because
// the consumer may be gone.
func (r *run) cancelled(ctx context.Context, inFlight string) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	if inFlight != "" && !IsTerminalStep(r.x.fsm.Status(inFlight)) {
		_ = r.x.fsm.Transition(inFlight, schema.StepStatusFailed)
		e := r.failure(inFlight, "cancelled", schema.ErrCodeCancelled)
		r.notify(ctx, e)
		select {
		case r.x.events <- e:
		default:
		}
	}
	logging.LogWith(ctx, r.o.logger).Info("run cancelled", "cause", cause)
	err := schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(cause)
	if inFlight != "" {
		err = err.WithStep(inFlight)
	}
	return err
}

// stepEmitter forwards an action's sub-events in-line.
type stepEmitter struct {
	r      *run
	ctx    context.Context
	stepID string
}

func (s *stepEmitter) EmitSQL(sql string, rows []map[string]any) {
	s.r.emit(s.ctx, SQLExecutionEvent{
		EventMeta: s.r.meta(s.stepID),
		SQL:       redact.String(sql),
		Rows:      redact.Rows(rows),
	})
}

func (s *stepEmitter) EmitPlan(plan any) {
	s.r.emit(s.ctx, PlanProposedEvent{EventMeta: s.r.meta(s.stepID), Plan: redact.Value(plan)})
}

// IsCancelled reports whether err ended a run through cancellation.
func IsCancelled(err error) bool {
	return schema.HasCode(err, schema.ErrCodeCancelled) || errors.Is(err, context.Canceled)
}
