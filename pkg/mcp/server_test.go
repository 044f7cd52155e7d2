package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/llm"
	"github.com/rendis/orca/internal/planner"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/internal/scheduler"
	"github.com/rendis/orca/internal/sqlagent"
	"github.com/rendis/orca/internal/tools"
	"github.com/rendis/orca/pkg/schema"
)

type fakeDB struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeDB) Type() string                       { return "fake_sql" }
func (f *fakeDB) Dialect() string                    { return "sqlite" }
func (f *fakeDB) Policy() *connectors.ApprovalPolicy { return connectors.DefaultPolicy("sqlite") }

func (f *fakeDB) Schema(context.Context) (string, error) {
	return "CREATE TABLE orders (id INTEGER, item TEXT)", nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	return []map[string]any{{"id": int64(1), "item": "widget"}}, nil
}

func newTestService(t *testing.T) *runner.Service {
	t.Helper()
	completer := llm.CompleterFunc(func(context.Context, string) (string, error) {
		return "SELECT * FROM orders", nil
	})
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))
	svc, err := runner.New(runner.Config{
		Planner:    planner.New(sqlagent.NewAgent(completer, nil)),
		Tools:      reg,
		Connectors: map[string]connectors.Connector{"db": &fakeDB{}},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

type fakeSchedules struct {
	ran []string
}

func (f *fakeSchedules) Jobs() []scheduler.JobStatus {
	return []scheduler.JobStatus{{
		Job:       scheduler.Job{Name: "nightly", Cron: "@daily", Goal: "count orders"},
		NextRunAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}}
}

func (f *fakeSchedules) RunNow(_ context.Context, name string) (*runner.RunInfo, error) {
	if name != "nightly" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	f.ran = append(f.ran, name)
	return &runner.RunInfo{ID: "run-1", Goal: "count orders", Status: schema.RunStatusCompleted}, nil
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func TestNewOrcaServer(t *testing.T) {
	s := NewOrcaServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
}

type fakeSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (f *fakeSession) Initialize()                                         {}
func (f *fakeSession) Initialized() bool                                   { return true }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return f.ch }
func (f *fakeSession) SessionID() string                                   { return f.id }

func TestDisconnectForgetsSessionRuns(t *testing.T) {
	s := NewOrcaServer(ServerDeps{})
	ctx := context.Background()
	sess := &fakeSession{id: "client-1", ch: make(chan mcp.JSONRPCNotification, 1)}
	require.NoError(t, s.mcpServer.RegisterSession(ctx, sess))
	s.sessions.Register("run-1", "client-1")
	s.sessions.Register("run-2", "client-2")

	s.mcpServer.UnregisterSession(ctx, "client-1")

	_, ok := s.sessions.SessionFor("run-1")
	assert.False(t, ok)
	sid, ok := s.sessions.SessionFor("run-2")
	assert.True(t, ok)
	assert.Equal(t, "client-2", sid)
}

func TestToolRegistration(t *testing.T) {
	s := NewOrcaServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)
	for _, name := range []string{"orca.run", "orca.approve", "orca.status", "orca.events", "orca.cancel", "orca.runs"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
	assert.Nil(t, s.mcpServer.GetTool("orca.schedules"))

	withSchedules := NewOrcaServer(ServerDeps{Schedules: &fakeSchedules{}})
	assert.Len(t, withSchedules.mcpServer.ListTools(), 7)
	assert.NotNil(t, withSchedules.mcpServer.GetTool("orca.schedules"))
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"orca.run", "Plan and start a run for a natural-language goal"},
		{"orca.approve", "Approve or reject a step waiting for approval"},
		{"orca.status", "Get a run's status, steps, pending approvals and diagram"},
		{"orca.events", "Read a run's event log"},
		{"orca.cancel", "Cancel an active run"},
		{"orca.runs", "List runs, newest first"},
	}

	s := NewOrcaServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
