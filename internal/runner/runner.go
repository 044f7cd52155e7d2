// Package runner ties planning, execution, approvals and event delivery
// together behind one service used by the CLI, the MCP server and the
// scheduler.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/diagram"
	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/planner"
	"github.com/rendis/orca/internal/redact"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/internal/streaming"
	"github.com/rendis/orca/internal/tools"
	"github.com/rendis/orca/pkg/schema"
)

// DefaultMaxConcurrentRuns bounds parallel runs when Config leaves it unset.
const DefaultMaxConcurrentRuns = 4

// Config wires a Service. Planner is required; everything else is optional.
type Config struct {
	Planner    *planner.Planner
	Tools      *tools.Registry
	Connectors map[string]connectors.Connector
	// Store persists runs and their event logs. Without it runs live in memory.
	Store store.Store
	Hub   *streaming.MemoryHub
	Gate  *engine.ApprovalGate

	Logger            *slog.Logger
	MaxConcurrentRuns int
	EventBuffer       int
}

// StartOptions tune a single run.
type StartOptions struct {
	Metadata map[string]any
	Persona  map[string]any
	// Approve overrides the service's approval gate for this run.
	Approve engine.ApprovalFunc
}

// RunInfo is the externally visible state of a run.
type RunInfo struct {
	ID          string                      `json:"id"`
	Goal        string                      `json:"goal"`
	Intent      schema.IntentType           `json:"intent,omitempty"`
	Source      string                      `json:"source,omitempty"`
	Status      schema.RunStatus            `json:"status"`
	Plan        *planner.PlanArtifact       `json:"plan,omitempty"`
	Metadata    map[string]any              `json:"metadata,omitempty"`
	Steps       map[string]*store.StepState `json:"steps,omitempty"`
	Pending     []engine.PendingApproval    `json:"pending,omitempty"`
	Diagram     string                      `json:"diagram,omitempty"`
	Error       string                      `json:"error,omitempty"`
	ErrorCode   string                      `json:"error_code,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
}

// Service runs goals. It is safe for concurrent use.
type Service struct {
	planner    *planner.Planner
	tools      *tools.Registry
	connectors map[string]connectors.Connector
	store      store.Store
	eventLog   *store.EventLog
	hub        *streaming.MemoryHub
	gate       *engine.ApprovalGate
	logger     *slog.Logger
	pool       *Pool
	buffer     int

	ctx  context.Context
	stop context.CancelFunc

	mu   sync.RWMutex
	runs map[string]*handle
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Planner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires a planner")
	}
	s := &Service{
		planner:    cfg.Planner,
		tools:      cfg.Tools,
		connectors: cfg.Connectors,
		store:      cfg.Store,
		hub:        cfg.Hub,
		gate:       cfg.Gate,
		logger:     logging.OrDefault(cfg.Logger),
		buffer:     cfg.EventBuffer,
		runs:       make(map[string]*handle),
	}
	if s.hub == nil {
		s.hub = streaming.NewMemoryHub(0)
	}
	if s.gate == nil {
		s.gate = engine.NewApprovalGate()
	}
	if s.store != nil {
		s.eventLog = store.NewEventLog(s.store, s.logger)
	}
	size := cfg.MaxConcurrentRuns
	if size <= 0 {
		size = DefaultMaxConcurrentRuns
	}
	s.pool = NewPool(size)
	s.ctx, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// Gate returns the approval gate runs park on.
func (s *Service) Gate() *engine.ApprovalGate { return s.gate }

// Hub returns the live event hub.
func (s *Service) Hub() *streaming.MemoryHub { return s.hub }

// PoolMetrics reports the run pool counters.
func (s *Service) PoolMetrics() PoolMetrics { return s.pool.Metrics() }

// Start plans goal and queues the run. It returns as soon as the plan is
// built; planning failures (such as NO_ROUTE) are returned directly.
func (s *Service) Start(ctx context.Context, goal string, opts StartOptions) (*RunInfo, error) {
	wc := s.workflowContext(opts)
	runID := wc.WorkflowID()
	ctx = logging.WithRunID(ctx, runID)
	log := logging.LogWith(ctx, s.logger)

	g, plan, err := s.planner.BuildGraph(ctx, goal, wc, s.toolFuncs())
	if err != nil {
		log.Info("goal not planned", "error", err)
		s.persistUnplanned(ctx, runID, goal, opts.Metadata, err)
		return nil, err
	}

	h := &handle{
		id:        runID,
		goal:      goal,
		plan:      plan,
		metadata:  redactMetadata(opts.Metadata),
		createdAt: time.Now().UTC(),
		status:    schema.RunStatusPending,
		done:      make(chan struct{}),
	}
	if err := s.persistRun(ctx, h); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(logging.WithIntent(logging.WithRunID(s.ctx, runID), string(plan.Intent)))
	h.cancel = cancel
	s.mu.Lock()
	s.runs[runID] = h
	s.mu.Unlock()

	approve := opts.Approve
	if approve == nil {
		approve = s.gate.Await
	}
	log.Info("run queued", "intent", plan.Intent, "steps", plan.StepIDs())
	go s.launch(runCtx, h, g, wc, approve)

	return s.info(h), nil
}

// Plan classifies goal and returns its plan without running or recording it.
func (s *Service) Plan(ctx context.Context, goal string) (*planner.PlanArtifact, error) {
	_, plan, err := s.planner.BuildGraph(ctx, goal, s.workflowContext(StartOptions{}), s.toolFuncs())
	return plan, err
}

func (s *Service) workflowContext(opts StartOptions) *engine.WorkflowContext {
	wc := engine.NewWorkflowContext(opts.Metadata, opts.Persona)
	for _, name := range sortedKeys(s.connectors) {
		wc = wc.WithConnector(name, s.connectors[name])
	}
	return wc
}

func (s *Service) toolFuncs() map[string]tools.Func {
	if s.tools == nil {
		return nil
	}
	return s.tools.Funcs()
}

// Run starts goal and waits for it to finish. Cancelling ctx cancels the run.
func (s *Service) Run(ctx context.Context, goal string, opts StartOptions) (*RunInfo, error) {
	info, err := s.Start(ctx, goal, opts)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, info.ID)
}

// Wait blocks until the run finishes. When ctx ends first the run is
// cancelled and a CANCELLED error returned.
func (s *Service) Wait(ctx context.Context, runID string) (*RunInfo, error) {
	h, ok := s.handle(runID)
	if !ok {
		return s.Status(ctx, runID)
	}
	select {
	case <-h.done:
		return s.info(h), nil
	case <-ctx.Done():
		h.cancel()
		<-h.done
		return s.info(h), schema.NewError(schema.ErrCodeCancelled, "wait cancelled").WithCause(ctx.Err())
	}
}

// Approve delivers a decision to a parked step. An empty stepID selects the
// run's only pending step.
func (s *Service) Approve(runID, stepID string, d engine.ApprovalDecision) error {
	if stepID == "" {
		pending := s.gate.Pending(runID)
		switch len(pending) {
		case 0:
			return schema.NewErrorf(schema.ErrCodeNotFound, "run %s has no pending approval", runID)
		case 1:
			stepID = pending[0].StepID
		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"run %s has %d pending approvals; name the step", runID, len(pending))
		}
	}
	return s.gate.Submit(runID, stepID, d)
}

// Pending lists parked approvals of a run, or of every run when runID is empty.
func (s *Service) Pending(runID string) []engine.PendingApproval {
	return s.gate.Pending(runID)
}

// Cancel stops an active run.
func (s *Service) Cancel(runID string) error {
	h, ok := s.handle(runID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not active", runID)
	}
	select {
	case <-h.done:
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already finished", runID)
	default:
	}
	h.cancel()
	return nil
}

// Status reports a run's state, step by step.
func (s *Service) Status(ctx context.Context, runID string) (*RunInfo, error) {
	if h, ok := s.handle(runID); ok {
		return s.info(h), nil
	}
	if s.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	info := fromRecord(run)
	if info.Steps, err = s.eventLog.ReplayEvents(ctx, runID); err != nil {
		return nil, err
	}
	info.Diagram = render(info.Plan, info.Steps)
	return info, nil
}

// Events returns a run's recorded events with sequence > since.
func (s *Service) Events(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	if s.store != nil {
		if _, err := s.store.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return s.store.GetEvents(ctx, runID, since)
	}
	h, ok := s.handle(runID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return h.eventsSince(since), nil
}

// Subscribe streams live events matching filter.
func (s *Service) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	return s.hub.Subscribe(ctx, filter)
}

// ListRuns lists runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*RunInfo, error) {
	if s.store != nil {
		runs, err := s.store.ListRuns(ctx, filter)
		if err != nil {
			return nil, err
		}
		out := make([]*RunInfo, len(runs))
		for i, r := range runs {
			out[i] = fromRecord(r)
		}
		return out, nil
	}

	s.mu.RLock()
	var out []*RunInfo
	for _, h := range s.runs {
		info := s.info(h)
		if filter.Status != nil && info.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && info.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		out = out[min(filter.Offset, len(out)):]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close cancels every active run and waits for them to end.
func (s *Service) Close() {
	s.stop()
	s.pool.Shutdown()
	s.mu.RLock()
	handles := make([]*handle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.mu.RUnlock()
	for _, h := range handles {
		<-h.done
	}
}

func (s *Service) handle(runID string) (*handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.runs[runID]
	return h, ok
}

func (s *Service) launch(ctx context.Context, h *handle, g *engine.StepGraph, wc *engine.WorkflowContext, approve engine.ApprovalFunc) {
	err := s.pool.Submit(ctx, func(ctx context.Context) error {
		return s.execute(ctx, h, g, wc, approve)
	})
	if err != nil {
		s.finish(ctx, h, schema.NewError(schema.ErrCodeCancelled, "run cancelled before it started").WithCause(err))
	}
}

func (s *Service) execute(ctx context.Context, h *handle, g *engine.StepGraph, wc *engine.WorkflowContext, approve engine.ApprovalFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "run panicked: %v", r)
			s.finish(ctx, h, err)
		}
	}()

	observers := []engine.Observer{h}
	if s.eventLog != nil {
		observers = append(observers, s.eventLog)
	}
	observers = append(observers, s.hub)
	o := engine.NewOrchestrator(engine.Config{
		Approve:     approve,
		Observers:   observers,
		Logger:      s.logger,
		EventBuffer: s.buffer,
	})

	started := time.Now().UTC()
	s.updateRun(ctx, h.id, store.RunUpdate{StartedAt: &started})

	x := o.Run(ctx, g, wc)
	for range x.Events() {
	}
	err = x.Wait()
	s.finish(ctx, h, err)
	return err
}

func (s *Service) finish(ctx context.Context, h *handle, runErr error) {
	if !h.finish(runErr) {
		return
	}
	info := s.info(h)
	log := logging.LogWith(ctx, s.logger)
	log.Info("run finished", "status", info.Status, "error_code", info.ErrorCode)

	update := store.RunUpdate{Status: &info.Status, CompletedAt: info.CompletedAt}
	if info.Error != "" {
		update.Error = &info.Error
		update.ErrorCode = &info.ErrorCode
	}
	s.updateRun(ctx, h.id, update)
	if s.eventLog != nil {
		s.eventLog.Forget(h.id)
	}
	close(h.done)
}

func (s *Service) persistRun(ctx context.Context, h *handle) error {
	if s.store == nil {
		return nil
	}
	planJSON, err := json.Marshal(redact.Value(h.plan))
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode plan").WithCause(err)
	}
	return s.store.CreateRun(ctx, &store.Run{
		ID:        h.id,
		Goal:      redact.String(h.goal),
		Intent:    h.plan.Intent,
		Status:    schema.RunStatusPending,
		Source:    h.plan.DataSource.Key,
		Plan:      planJSON,
		Metadata:  encodeMetadata(h.metadata),
		CreatedAt: h.createdAt,
	})
}

func (s *Service) persistUnplanned(ctx context.Context, runID, goal string, metadata map[string]any, cause error) {
	if s.store == nil {
		return
	}
	now := time.Now().UTC()
	err := s.store.CreateRun(ctx, &store.Run{
		ID:          runID,
		Goal:        redact.String(goal),
		Status:      schema.RunStatusFailed,
		Error:       redact.String(cause.Error()),
		ErrorCode:   schema.CodeOf(cause),
		Metadata:    encodeMetadata(redactMetadata(metadata)),
		CreatedAt:   now,
		CompletedAt: &now,
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("unplanned run not persisted", "error", err)
	}
}

func (s *Service) updateRun(ctx context.Context, runID string, update store.RunUpdate) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateRun(context.WithoutCancel(ctx), runID, update); err != nil {
		logging.LogWith(ctx, s.logger).Warn("run update not persisted", "error", err)
	}
}

func (s *Service) info(h *handle) *RunInfo {
	info := h.snapshot()
	info.Pending = s.gate.Pending(h.id)
	info.Diagram = render(info.Plan, info.Steps)
	return info
}

func fromRecord(r *store.Run) *RunInfo {
	info := &RunInfo{
		ID:          r.ID,
		Goal:        r.Goal,
		Intent:      r.Intent,
		Source:      r.Source,
		Status:      r.Status,
		Error:       r.Error,
		ErrorCode:   r.ErrorCode,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	if len(r.Plan) > 0 {
		var plan planner.PlanArtifact
		if json.Unmarshal(r.Plan, &plan) == nil {
			info.Plan = &plan
		}
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &info.Metadata)
	}
	return info
}

func redactMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return redact.Map(m)
}

// encodeMetadata returns nil for empty metadata so the column stays NULL.
func encodeMetadata(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

func render(plan *planner.PlanArtifact, steps map[string]*store.StepState) string {
	if plan == nil {
		return ""
	}
	status, errs := store.StatusMaps(steps)
	out, err := plan.Render(diagram.Overlay(status, errs))
	if err != nil {
		return ""
	}
	return out
}

func sortedKeys(m map[string]connectors.Connector) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
