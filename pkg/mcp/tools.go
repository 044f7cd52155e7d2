package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/pkg/schema"
)

// handleRun plans a goal and starts the run.
func (s *OrcaServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal, err := req.RequireString("goal")
	if err != nil {
		return mcp.NewToolResultError("goal is required"), nil
	}
	opts := runner.StartOptions{Metadata: mcp.ParseStringMap(req, "metadata", nil)}
	if req.GetBool("auto_approve", false) {
		opts.Approve = engine.AutoApprove
	}

	info, err := s.runner.Start(ctx, goal, opts)
	if err != nil {
		return toolError("run failed", err), nil
	}
	s.captureSession(ctx, info.ID)

	if req.GetBool("wait", false) {
		info, err = s.runner.Wait(ctx, info.ID)
		if err != nil {
			return toolError("wait failed", err), nil
		}
	}
	return marshalResult(info)
}

// handleApprove submits a decision for a parked step.
func (s *OrcaServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	stepID := req.GetString("step_id", "")
	decision := engine.ApprovalDecision{Approved: approved, Reason: req.GetString("reason", "")}

	if err := s.runner.Approve(runID, stepID, decision); err != nil {
		return toolError("approve failed", err), nil
	}
	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"ok":       true,
		"run_id":   runID,
		"step_id":  stepID,
		"approved": approved,
	})
}

// handleStatus returns the current state of a run.
func (s *OrcaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	info, err := s.runner.Status(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(info)
}

// handleEvents returns a run's events, optionally reshaped by a jq filter.
func (s *OrcaServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := int64(req.GetInt("since", 0))

	events, err := s.runner.Events(ctx, runID, since)
	if err != nil {
		return toolError("events query failed", err), nil
	}
	if events == nil {
		events = []*store.Event{}
	}

	filter := req.GetString("filter", "")
	if filter == "" {
		return marshalResult(map[string]any{"events": events})
	}

	input, err := toJSONValue(events)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode events: %v", err)), nil
	}
	results, err := s.jq.Query(ctx, filter, input)
	if err != nil {
		return toolError("filter failed", err), nil
	}
	return marshalResult(map[string]any{"results": results})
}

// handleCancel stops an active run.
func (s *OrcaServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.runner.Cancel(runID); err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleRuns lists runs.
func (s *OrcaServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		Limit:  req.GetInt("limit", 50),
		Offset: req.GetInt("offset", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		filter.Since = &t
	}

	runs, err := s.runner.ListRuns(ctx, filter)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if runs == nil {
		runs = []*runner.RunInfo{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleSchedules lists schedules or runs one immediately.
func (s *OrcaServer) handleSchedules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if name := req.GetString("run_now", ""); name != "" {
		info, err := s.schedules.RunNow(ctx, name)
		if err != nil {
			return toolError("scheduled run failed", err), nil
		}
		return marshalResult(info)
	}
	return marshalResult(map[string]any{"schedules": s.schedules.Jobs()})
}

// --- Internal helpers ---

// captureSession maps the run to the caller's MCP session for notifications.
func (s *OrcaServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping its code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
