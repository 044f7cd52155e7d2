package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/internal/planner"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/pkg/schema"
)

func waitPending(t *testing.T, svc *runner.Service, runID, stepID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range svc.Pending(runID) {
			if p.StepID == stepID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "step %s never parked", stepID)
}

func TestRunTool_AutoApproveWait(t *testing.T) {
	s := NewOrcaServer(ServerDeps{Runner: newTestService(t)})

	result, err := s.handleRun(context.Background(), buildRequest("orca.run", map[string]any{
		"goal":         "list all orders",
		"auto_approve": true,
		"wait":         true,
	}))
	require.NoError(t, err)

	var info runner.RunInfo
	unmarshalResult(t, result, &info)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, schema.RunStatusCompleted, info.Status)
	assert.Equal(t, schema.IntentSQL, info.Intent)
	assert.Equal(t, schema.StepStatusCompleted, info.Steps[planner.StepExecuteSQL].Status)
	assert.Contains(t, info.Diagram, "class execute_sql completed")
}

func TestRunTool_MissingGoal(t *testing.T) {
	s := NewOrcaServer(ServerDeps{Runner: newTestService(t)})

	result, err := s.handleRun(context.Background(), buildRequest("orca.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "goal is required")
}

func TestRunTool_PlanningFailure(t *testing.T) {
	s := NewOrcaServer(ServerDeps{Runner: newTestService(t)})

	result, err := s.handleRun(context.Background(), buildRequest("orca.run", map[string]any{"goal": "   "}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "run failed")
}

func TestApproveFlow(t *testing.T) {
	svc := newTestService(t)
	s := NewOrcaServer(ServerDeps{Runner: svc})
	ctx := context.Background()

	result, err := s.handleRun(ctx, buildRequest("orca.run", map[string]any{"goal": "list all orders"}))
	require.NoError(t, err)
	var started runner.RunInfo
	unmarshalResult(t, result, &started)
	require.NotEmpty(t, started.ID)

	waitPending(t, svc, started.ID, planner.StepPlan)

	result, err = s.handleStatus(ctx, buildRequest("orca.status", map[string]any{"run_id": started.ID}))
	require.NoError(t, err)
	var status runner.RunInfo
	unmarshalResult(t, result, &status)
	assert.Equal(t, schema.RunStatusSuspended, status.Status)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, planner.StepPlan, status.Pending[0].StepID)

	result, err = s.handleApprove(ctx, buildRequest("orca.approve", map[string]any{
		"run_id":   started.ID,
		"approved": true,
	}))
	require.NoError(t, err)
	var ack map[string]any
	unmarshalResult(t, result, &ack)
	assert.Equal(t, true, ack["ok"])

	waitPending(t, svc, started.ID, planner.StepExecuteSQL)
	result, err = s.handleApprove(ctx, buildRequest("orca.approve", map[string]any{
		"run_id":   started.ID,
		"step_id":  planner.StepExecuteSQL,
		"approved": true,
		"reason":   "looks fine",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	done, err := svc.Wait(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, done.Status)

	// Nothing left to approve.
	result, err = s.handleApprove(ctx, buildRequest("orca.approve", map[string]any{
		"run_id":   started.ID,
		"approved": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestApproveTool_MissingParams(t *testing.T) {
	s := NewOrcaServer(ServerDeps{Runner: newTestService(t)})

	result, err := s.handleApprove(context.Background(), buildRequest("orca.approve", map[string]any{"approved": true}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "run_id is required")

	result, err = s.handleApprove(context.Background(), buildRequest("orca.approve", map[string]any{"run_id": "r1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "approved is required")
}

func TestStatusTool_NotFound(t *testing.T) {
	s := NewOrcaServer(ServerDeps{Runner: newTestService(t)})

	result, err := s.handleStatus(context.Background(), buildRequest("orca.status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleStatus(context.Background(), buildRequest("orca.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEventsTool(t *testing.T) {
	svc := newTestService(t)
	s := NewOrcaServer(ServerDeps{Runner: svc})
	ctx := context.Background()

	info, err := svc.Run(ctx, "calculate 2 + 3 * 4", runner.StartOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusCompleted, info.Status)

	result, err := s.handleEvents(ctx, buildRequest("orca.events", map[string]any{"run_id": info.ID}))
	require.NoError(t, err)
	var all struct {
		Events []map[string]any `json:"events"`
	}
	unmarshalResult(t, result, &all)
	require.NotEmpty(t, all.Events)
	assert.Equal(t, "step_started", all.Events[0]["kind"])
	assert.Equal(t, "step_completed", all.Events[len(all.Events)-1]["kind"])

	result, err = s.handleEvents(ctx, buildRequest("orca.events", map[string]any{
		"run_id": info.ID,
		"since":  float64(len(all.Events) - 1),
	}))
	require.NoError(t, err)
	var tail struct {
		Events []map[string]any `json:"events"`
	}
	unmarshalResult(t, result, &tail)
	assert.Len(t, tail.Events, 1)

	result, err = s.handleEvents(ctx, buildRequest("orca.events", map[string]any{
		"run_id": info.ID,
		"filter": `[.[] | select(.kind == "step_completed") | .step_id]`,
	}))
	require.NoError(t, err)
	var filtered struct {
		Results []any `json:"results"`
	}
	unmarshalResult(t, result, &filtered)
	require.Len(t, filtered.Results, 1)
	assert.Contains(t, filtered.Results[0], planner.StepInvokeTool)
}

func TestEventsTool_Errors(t *testing.T) {
	svc := newTestService(t)
	s := NewOrcaServer(ServerDeps{Runner: svc})
	ctx := context.Background()

	result, err := s.handleEvents(ctx, buildRequest("orca.events", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	info, err := svc.Run(ctx, "calculate 1 + 1", runner.StartOptions{})
	require.NoError(t, err)
	result, err = s.handleEvents(ctx, buildRequest("orca.events", map[string]any{
		"run_id": info.ID,
		"filter": ".[",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "filter failed")
}

func TestCancelTool(t *testing.T) {
	svc := newTestService(t)
	s := NewOrcaServer(ServerDeps{Runner: svc})
	ctx := context.Background()

	info, err := svc.Start(ctx, "list all orders", runner.StartOptions{})
	require.NoError(t, err)
	waitPending(t, svc, info.ID, planner.StepPlan)

	result, err := s.handleCancel(ctx, buildRequest("orca.cancel", map[string]any{"run_id": info.ID}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	done, err := svc.Wait(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, done.Status)

	result, err = s.handleCancel(ctx, buildRequest("orca.cancel", map[string]any{"run_id": info.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)
}

func TestRunsTool(t *testing.T) {
	svc := newTestService(t)
	s := NewOrcaServer(ServerDeps{Runner: svc})
	ctx := context.Background()

	_, err := svc.Run(ctx, "calculate 1 + 1", runner.StartOptions{})
	require.NoError(t, err)
	_, err = svc.Run(ctx, "calculate 2 + 2", runner.StartOptions{})
	require.NoError(t, err)

	result, err := s.handleRuns(ctx, buildRequest("orca.runs", map[string]any{"status": "completed"}))
	require.NoError(t, err)
	var out struct {
		Runs []runner.RunInfo `json:"runs"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Runs, 2)

	result, err = s.handleRuns(ctx, buildRequest("orca.runs", map[string]any{"limit": float64(1)}))
	require.NoError(t, err)
	out.Runs = nil
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Runs, 1)

	result, err = s.handleRuns(ctx, buildRequest("orca.runs", map[string]any{"status": "failed"}))
	require.NoError(t, err)
	out.Runs = nil
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.Runs)

	result, err = s.handleRuns(ctx, buildRequest("orca.runs", map[string]any{"since": "yesterday"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSchedulesTool(t *testing.T) {
	fs := &fakeSchedules{}
	s := NewOrcaServer(ServerDeps{Schedules: fs})
	ctx := context.Background()

	result, err := s.handleSchedules(ctx, buildRequest("orca.schedules", map[string]any{}))
	require.NoError(t, err)
	var list struct {
		Schedules []map[string]any `json:"schedules"`
	}
	unmarshalResult(t, result, &list)
	require.Len(t, list.Schedules, 1)
	assert.Equal(t, "nightly", list.Schedules[0]["name"])

	result, err = s.handleSchedules(ctx, buildRequest("orca.schedules", map[string]any{"run_now": "nightly"}))
	require.NoError(t, err)
	var info runner.RunInfo
	unmarshalResult(t, result, &info)
	assert.Equal(t, "run-1", info.ID)
	assert.Equal(t, []string{"nightly"}, fs.ran)

	result, err = s.handleSchedules(ctx, buildRequest("orca.schedules", map[string]any{"run_now": "weekly"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
