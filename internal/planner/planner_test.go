package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/diagram"
	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/llm"
	"github.com/rendis/orca/internal/sqlagent"
	"github.com/rendis/orca/internal/tools"
	"github.com/rendis/orca/pkg/schema"
)

type fakeDB struct {
	rows    []map[string]any
	queries []string
	policy  *connectors.ApprovalPolicy
}

func (f *fakeDB) Type() string    { return "fake_sql" }
func (f *fakeDB) Dialect() string { return "sqlite" }

func (f *fakeDB) Policy() *connectors.ApprovalPolicy {
	if f.policy != nil {
		return f.policy
	}
	return connectors.DefaultPolicy("sqlite")
}

func (f *fakeDB) Schema(context.Context) (string, error) {
	return "CREATE TABLE orders (id INTEGER, item TEXT)", nil
}

func (f *fakeDB) Query(_ context.Context, sql string, _ ...any) ([]map[string]any, error) {
	f.queries = append(f.queries, sql)
	return f.rows, nil
}

func ordersDB() *fakeDB {
	return &fakeDB{rows: []map[string]any{
		{"id": int64(1), "item": "widget"},
		{"id": int64(2), "item": "gadget"},
	}}
}

func manuals() *connectors.MemoryRetriever {
	return connectors.NewMemoryRetriever(
		connectors.Snippet{Text: "The manual is stored in the shared drive under /docs/manual.pdf"},
		connectors.Snippet{Text: "Quarterly sales figures are published every April"},
	)
}

func runAll(t *testing.T, g *engine.StepGraph, wc *engine.WorkflowContext, approve engine.ApprovalFunc) []engine.Event {
	t.Helper()
	x := engine.NewOrchestrator(engine.Config{Approve: approve}).Run(context.Background(), g, wc)
	events, err := engine.Collect(x)
	require.NoError(t, err)
	return events
}

func kinds(events []engine.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Kind()) + ":" + e.Meta().StepID
	}
	return out
}

func TestBuildGraph_SQLRouting(t *testing.T) {
	db := ordersDB()
	wc := engine.NewWorkflowContext(nil, nil).WithConnector("db", db)
	agent := sqlagent.NewAgent(&llm.Scripted{Responses: []string{"SELECT * FROM orders"}}, nil)
	p := New(agent)

	g, plan, err := p.BuildGraph(context.Background(), "select all rows from orders table", wc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.IntentSQL, plan.Intent)
	assert.Equal(t, "db", plan.DataSource.Key)
	assert.Equal(t, "fake_sql", plan.DataSource.Type)
	assert.Equal(t, []string{StepPlan, StepExecuteSQL}, g.Order())
	assert.Equal(t, []string{StepPlan, StepExecuteSQL}, plan.StepIDs())
	assert.Equal(t, []string{StepPlan}, g.Dependencies(StepExecuteSQL))
	assert.Contains(t, plan.Diagram, "plan --> execute_sql")

	first, _ := g.Step(StepPlan)
	assert.Equal(t, schema.ApprovalPlan, first.ApprovalType)
	assert.Same(t, plan, first.Proposal)
	exec, _ := g.Step(StepExecuteSQL)
	assert.Equal(t, schema.ApprovalSQL, exec.ApprovalType)

	events := runAll(t, g, wc, engine.AutoApprove)
	assert.Equal(t, []string{
		"step_started:plan",
		"plan_proposed:plan",
		"approval_required:plan",
		"step_completed:plan",
		"step_started:execute_sql",
		"approval_required:execute_sql",
		"sql_execution:execute_sql",
		"step_completed:execute_sql",
	}, kinds(events))

	sqlEvent := events[6].(engine.SQLExecutionEvent)
	assert.Equal(t, "SELECT * FROM orders", sqlEvent.SQL)

	done := events[7].(engine.StepCompletedEvent)
	result := done.Result.(map[string]any)
	assert.Equal(t, "SELECT * FROM orders", result["sql"])
	assert.Equal(t, db.rows, result["rows"])

	art, ok := wc.Artifact(StepExecuteSQL)
	require.True(t, ok)
	assert.Equal(t, db.rows, art.(*sqlagent.Result).Rows)
	planArt, _ := wc.Artifact(StepPlan)
	assert.Same(t, plan, planArt)
}

func TestBuildGraph_SQLExecutionGateFollowsPolicy(t *testing.T) {
	db := ordersDB()
	db.policy = &connectors.ApprovalPolicy{Engine: "sqlite"}
	wc := engine.NewWorkflowContext(nil, nil).WithConnector("db", db)
	agent := sqlagent.NewAgent(&llm.Scripted{Responses: []string{"SELECT * FROM orders"}}, nil)

	g, plan, err := New(agent).BuildGraph(context.Background(), "list all orders", wc, nil)
	require.NoError(t, err)
	exec, _ := g.Step(StepExecuteSQL)
	assert.Equal(t, schema.ApprovalNone, exec.ApprovalType)
	assert.Equal(t, schema.ApprovalNone, plan.Steps[1].ApprovalType)

	events := runAll(t, g, wc, engine.AutoApprove)
	assert.Equal(t, []string{
		"step_started:plan",
		"plan_proposed:plan",
		"approval_required:plan",
		"step_completed:plan",
		"step_started:execute_sql",
		"sql_execution:execute_sql",
		"step_completed:execute_sql",
	}, kinds(events))
	assert.Equal(t, []string{"SELECT * FROM orders"}, db.queries)
}

func TestBuildGraph_SQLRejectedPlanSkipsExecution(t *testing.T) {
	db := ordersDB()
	wc := engine.NewWorkflowContext(nil, nil).WithConnector("db", db)
	agent := sqlagent.NewAgent(&llm.Scripted{Responses: []string{"SELECT * FROM orders"}}, nil)

	g, _, err := New(agent).BuildGraph(context.Background(), "list all orders", wc, nil)
	require.NoError(t, err)

	events := runAll(t, g, wc, engine.AutoReject("not today"))
	last := events[len(events)-1].(engine.StepFailedEvent)
	assert.Equal(t, StepExecuteSQL, last.StepID)
	assert.Equal(t, schema.ErrCodeDependencyFailed, last.Code)
	assert.Empty(t, db.queries)
	_, ok := wc.Artifact(StepExecuteSQL)
	assert.False(t, ok)
}

func TestBuildGraph_RAGRouting(t *testing.T) {
	wc := engine.NewWorkflowContext(nil, nil).WithConnector("docs", manuals())

	g, plan, err := New(nil).BuildGraph(context.Background(), "Where is the manual stored?", wc, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.IntentRAG, plan.Intent)
	assert.Equal(t, "docs", plan.DataSource.Key)
	assert.Equal(t, []string{StepRetrieveContext}, g.Order())

	events := runAll(t, g, wc, nil)
	assert.Equal(t, []string{
		"step_started:retrieve_context",
		"plan_proposed:retrieve_context",
		"step_completed:retrieve_context",
	}, kinds(events))

	snippets := events[2].(engine.StepCompletedEvent).Result.([]any)
	require.NotEmpty(t, snippets)
	assert.Contains(t, snippets[0].(map[string]any)["text"], "manual is stored")
}

func TestBuildGraph_CustomToolRouting(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg))
	wc := engine.NewWorkflowContext(nil, nil)

	g, plan, err := New(nil).BuildGraph(context.Background(), "calculate 2 + 3 * 4", wc, reg.Funcs())
	require.NoError(t, err)

	assert.Equal(t, schema.IntentCustom, plan.Intent)
	assert.Equal(t, "calculate", plan.DataSource.Key)
	assert.Equal(t, []string{StepInvokeTool}, g.Order())

	events := runAll(t, g, wc, nil)
	done := events[len(events)-1].(engine.StepCompletedEvent)
	assert.Equal(t, 14, done.Result.(map[string]any)["result"])
}

func TestBuildGraph_CustomToolError(t *testing.T) {
	wc := engine.NewWorkflowContext(nil, nil)
	custom := map[string]tools.Func{
		"weather": func(context.Context, string) (any, error) { return nil, errors.New("station offline") },
	}

	g, _, err := New(nil).BuildGraph(context.Background(), "weather in Lisbon", wc, custom)
	require.NoError(t, err)

	events := runAll(t, g, wc, nil)
	failed := events[len(events)-1].(engine.StepFailedEvent)
	assert.Equal(t, StepInvokeTool, failed.StepID)
	assert.Contains(t, failed.Error, "station offline")
}

func TestBuildGraph_NoRoute(t *testing.T) {
	_, _, err := New(nil).BuildGraph(context.Background(), "what's up", engine.NewWorkflowContext(nil, nil), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNoRoute, schema.CodeOf(err))

	db := ordersDB()
	wc := engine.NewWorkflowContext(nil, nil).WithConnector("db", db)
	agent := sqlagent.NewAgent(&llm.Scripted{Responses: []string{"SELECT 1"}}, nil)
	_, _, err = New(agent).BuildGraph(context.Background(), "hello", wc, nil)
	assert.Equal(t, schema.ErrCodeNoRoute, schema.CodeOf(err))
	assert.Empty(t, db.queries)
}

func TestBuildGraph_Validation(t *testing.T) {
	p := New(nil)
	_, _, err := p.BuildGraph(context.Background(), "  ", engine.NewWorkflowContext(nil, nil), nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	wc := engine.NewWorkflowContext(nil, nil).WithConnector("db", ordersDB())
	_, _, err = p.BuildGraph(context.Background(), "count orders", wc, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestClassifyIntent(t *testing.T) {
	wc := engine.NewWorkflowContext(nil, nil).
		WithConnector("warehouse", ordersDB()).
		WithConnector("analytics", ordersDB()).
		WithConnector("docs", manuals())

	tests := []struct {
		goal   string
		intent schema.IntentType
		key    string
	}{
		{"how many orders shipped last week", schema.IntentSQL, "analytics"},
		{"total revenue per region from warehouse", schema.IntentSQL, "warehouse"},
		{"Where is the manual stored?", schema.IntentRAG, "docs"},
		{"ask warehouse about it", schema.IntentSQL, "warehouse"},
	}
	for _, tt := range tests {
		t.Run(tt.goal, func(t *testing.T) {
			route, err := ClassifyIntent(tt.goal, wc, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, route.Intent)
			assert.Equal(t, tt.key, route.Source.Key)
			assert.NotEmpty(t, route.Source.Reason)
		})
	}
}

func TestClassifyIntent_Precedence(t *testing.T) {
	names := []string{"weather"}

	onlySQL := engine.NewWorkflowContext(nil, nil).WithConnector("db", ordersDB())
	route, err := ClassifyIntent("weather in Oslo", onlySQL, names)
	require.NoError(t, err)
	assert.Equal(t, schema.IntentCustom, route.Intent)

	_, err = ClassifyIntent("hello there", onlySQL, names)
	assert.Equal(t, schema.ErrCodeNoRoute, schema.CodeOf(err))

	withDocs := onlySQL.WithConnector("docs", manuals())
	route, err = ClassifyIntent("weather in Oslo", withDocs, names)
	require.NoError(t, err)
	assert.Equal(t, schema.IntentRAG, route.Intent)
}

func TestPlanArtifact_Shape(t *testing.T) {
	plan := &PlanArtifact{
		Goal:       "email bob@example.com the totals",
		Intent:     schema.IntentSQL,
		DataSource: DataSource{Key: "db", Type: "libsql", Reason: "r"},
		Steps:      []PlannedStep{{ID: "plan", ApprovalType: schema.ApprovalPlan}, {ID: "execute_sql", DependsOn: []string{"plan"}}},
	}
	shape := plan.Shape().(map[string]any)
	assert.Equal(t, "sql", shape["intent"])
	steps := shape["steps"].([]any)
	require.Len(t, steps, 2)
	assert.Equal(t, []any{"plan"}, steps[1].(map[string]any)["depends_on"])
}

func TestPlanArtifact_RenderWithStatus(t *testing.T) {
	plan := &PlanArtifact{
		Goal:   "count orders",
		Intent: schema.IntentSQL,
		Steps: []PlannedStep{
			{ID: StepPlan, Name: "Plan SQL query", ApprovalType: schema.ApprovalPlan},
			{ID: StepExecuteSQL, Name: "Execute SQL", ApprovalType: schema.ApprovalSQL, DependsOn: []string{StepPlan}},
		},
	}
	out, err := plan.Render(map[string]diagram.StatusOverlay{
		StepPlan:       {Status: schema.StepStatusCompleted},
		StepExecuteSQL: {Status: schema.StepStatusFailed, Error: "boom"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "plan --> execute_sql")
	assert.Contains(t, out, "class plan completed")
	assert.Contains(t, out, "class execute_sql failed")

	steps := plan.DiagramSteps()
	require.Len(t, steps, 2)
	assert.True(t, steps[1].Gated)
	assert.Equal(t, []string{StepPlan}, steps[1].DependsOn)
}
