package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/orca/internal/redact"
	"github.com/rendis/orca/pkg/schema"
)

// ApprovalRequest asks an external party to sign off on a gated step.
type ApprovalRequest struct {
	WorkflowID   string              `json:"workflow_id"`
	StepID       string              `json:"step_id"`
	ApprovalType schema.ApprovalType `json:"approval_type"`
	Summary      string              `json:"summary"`
}

// Shape implements redact.Shaper.
func (r ApprovalRequest) Shape() any {
	return map[string]any{
		"workflow_id":   r.WorkflowID,
		"step_id":       r.StepID,
		"approval_type": string(r.ApprovalType),
		"summary":       r.Summary,
	}
}

// ApprovalDecision is the outcome of an approval request.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalFunc resolves an approval request. It may block indefinitely and
// must return promptly once ctx is done.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// AutoApprove approves every request.
func AutoApprove(context.Context, ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approved: true, Reason: "auto-approved"}, nil
}

// AutoReject returns an ApprovalFunc that rejects every request with reason.
func AutoReject(reason string) ApprovalFunc {
	return func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
		return ApprovalDecision{Approved: false, Reason: reason}, nil
	}
}

// PendingApproval is a request parked on an ApprovalGate.
type PendingApproval struct {
	ApprovalRequest
	RequestedAt time.Time `json:"requested_at"`
}

type gateKey struct {
	workflowID, stepID string
}

type gateSlot struct {
	req       PendingApproval
	decisions chan ApprovalDecision
}

// ApprovalGate parks runs on single-slot channels until a decision is
// submitted from elsewhere (CLI prompt, MCP tool call, HTTP handler).
type ApprovalGate struct {
	mu    sync.Mutex
	slots map[gateKey]*gateSlot
}

// NewApprovalGate returns an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{slots: make(map[gateKey]*gateSlot)}
}

// Await is an ApprovalFunc. It blocks until Submit delivers a decision for
// the request's workflow and step, or ctx is done.
func (g *ApprovalGate) Await(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	key := gateKey{req.WorkflowID, req.StepID}
	slot := &gateSlot{
		req:       PendingApproval{ApprovalRequest: req, RequestedAt: time.Now().UTC()},
		decisions: make(chan ApprovalDecision, 1),
	}

	g.mu.Lock()
	if _, exists := g.slots[key]; exists {
		g.mu.Unlock()
		return ApprovalDecision{}, schema.NewErrorf(schema.ErrCodeConflict,
			"approval already pending for step %s", req.StepID).WithStep(req.StepID)
	}
	g.slots[key] = slot
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.slots, key)
		g.mu.Unlock()
	}()

	select {
	case d := <-slot.decisions:
		return d, nil
	case <-ctx.Done():
		return ApprovalDecision{}, schema.NewError(schema.ErrCodeCancelled, "approval wait cancelled").
			WithStep(req.StepID).WithCause(ctx.Err())
	}
}

// Submit delivers a decision to a parked request. It fails with NOT_FOUND if
// nothing is waiting and CONFLICT if a decision was already delivered.
func (g *ApprovalGate) Submit(workflowID, stepID string, d ApprovalDecision) error {
	g.mu.Lock()
	slot, ok := g.slots[gateKey{workflowID, stepID}]
	g.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no pending approval for workflow %s step %s", workflowID, stepID).WithStep(stepID)
	}
	select {
	case slot.decisions <- d:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"decision already submitted for step %s", stepID).WithStep(stepID)
	}
}

// Pending lists parked requests, oldest first. Summaries are redacted.
func (g *ApprovalGate) Pending(workflowID string) []PendingApproval {
	g.mu.Lock()
	out := make([]PendingApproval, 0, len(g.slots))
	for k, s := range g.slots {
		if workflowID != "" && k.workflowID != workflowID {
			continue
		}
		p := s.req
		p.Summary = redact.String(p.Summary)
		out = append(out, p)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}
