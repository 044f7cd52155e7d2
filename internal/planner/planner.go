// Package planner turns a natural-language goal into a step graph: it
// classifies the goal's intent against the registered connectors and custom
// tools, then lays out the steps for that intent.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/sqlagent"
	"github.com/rendis/orca/internal/tools"
	"github.com/rendis/orca/pkg/schema"
)

// Step ids of the generated graphs.
const (
	StepPlan            = "plan"
	StepExecuteSQL      = "execute_sql"
	StepRetrieveContext = "retrieve_context"
	StepInvokeTool      = "invoke_tool"
)

// DefaultTopK is the number of snippets retrieved for RAG goals.
const DefaultTopK = 5

// Planner builds step graphs for goals.
type Planner struct {
	agent   *sqlagent.Agent
	logger  *slog.Logger
	topK    int
	sqlOpts []sqlagent.Option
}

// Option configures a Planner.
type Option func(*Planner)

// WithTopK sets how many snippets RAG plans retrieve.
func WithTopK(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.topK = n
		}
	}
}

// WithSQLOptions passes options to every SQL agent call.
func WithSQLOptions(opts ...sqlagent.Option) Option {
	return func(p *Planner) { p.sqlOpts = append(p.sqlOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// New creates a Planner. agent may be nil when no SQL connector will be used.
func New(agent *sqlagent.Agent, opts ...Option) *Planner {
	p := &Planner{agent: agent, topK: DefaultTopK}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	return p
}

// BuildGraph classifies goal and returns the graph to run together with its
// plan. The first step carries the plan as its proposal, so the plan is
// published before any approval gate.
func (p *Planner) BuildGraph(ctx context.Context, goal string, wc *engine.WorkflowContext, customTools map[string]tools.Func) (*engine.StepGraph, *PlanArtifact, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "goal is empty")
	}
	if wc == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow context is nil")
	}

	names := make([]string, 0, len(customTools))
	for name := range customTools {
		names = append(names, name)
	}
	sort.Strings(names)

	route, err := ClassifyIntent(goal, wc, names)
	if err != nil {
		return nil, nil, err
	}
	ctx = logging.WithIntent(ctx, string(route.Intent))
	logging.LogWith(ctx, p.logger).Info("goal classified",
		"source", route.Source.Key, "reason", route.Source.Reason)

	var specs []engine.StepSpec
	switch route.Intent {
	case schema.IntentSQL:
		specs, err = p.sqlSteps(goal, wc, route.Source)
	case schema.IntentRAG:
		specs = p.ragSteps(goal, route.Source)
	case schema.IntentCustom:
		specs = customSteps(goal, route.Source, customTools[route.Source.Key])
	}
	if err != nil {
		return nil, nil, err
	}

	plan := &PlanArtifact{Goal: goal, Intent: route.Intent, DataSource: route.Source}
	for _, s := range specs {
		plan.Steps = append(plan.Steps, PlannedStep{
			ID:           s.Step.ID,
			Name:         s.Step.Name,
			ApprovalType: s.Step.ApprovalType,
			DependsOn:    s.DependsOn,
			Summary:      s.Step.Summary,
		})
	}
	if plan.Diagram, err = plan.Render(nil); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeGraph, "render plan diagram").WithCause(err)
	}

	specs[0].Step.Proposal = plan
	if specs[0].Step.ID == StepPlan {
		specs[0].Step.Action = func(context.Context, *engine.WorkflowContext, engine.Emitter) (any, error) {
			return plan, nil
		}
	}
	g, err := engine.ParseGraph(specs)
	if err != nil {
		return nil, nil, err
	}
	return g, plan, nil
}

func (p *Planner) sqlSteps(goal string, wc *engine.WorkflowContext, src DataSource) ([]engine.StepSpec, error) {
	if p.agent == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no SQL agent configured")
	}
	c, _ := wc.Connector(src.Key)
	conn, _ := connectors.AsSQL(c)
	policy := conn.Policy()
	if policy == nil {
		policy = connectors.DefaultPolicy(conn.Dialect())
	}
	access := "read-only"
	if policy.AllowWrites {
		access = "read-write"
	}
	gated := policy.GatesExecution()
	execApproval := schema.ApprovalNone
	if gated {
		execApproval = schema.ApprovalSQL
	}

	plan := engine.StepDefinition{
		ID:           StepPlan,
		Name:         "Plan SQL query",
		ApprovalType: schema.ApprovalPlan,
		Summary:      fmt.Sprintf("Answer %q with a generated %s query on %s (%s)", goal, conn.Dialect(), src.Key, access),
		// Replaced in BuildGraph by an action returning the approved plan.
		Action: func(context.Context, *engine.WorkflowContext, engine.Emitter) (any, error) { return nil, nil },
	}
	exec := engine.StepDefinition{
		ID:           StepExecuteSQL,
		Name:         "Execute SQL",
		ApprovalType: execApproval,
		Summary:      fmt.Sprintf("Run the generated query against %s (%s, %s)", src.Key, policy.Engine, access),
		Action:       p.executeSQL(goal, src.Key, gated),
	}
	return []engine.StepSpec{
		{Step: plan},
		{Step: exec, DependsOn: []string{StepPlan}},
	}, nil
}

func (p *Planner) executeSQL(goal, key string, signedOff bool) engine.ActionFunc {
	return func(ctx context.Context, wc *engine.WorkflowContext, emit engine.Emitter) (any, error) {
		c, ok := wc.Connector(key)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDataConnector, "connector %q is not registered", key)
		}
		conn, ok := connectors.AsSQL(c)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDataConnector, "connector %q cannot run SQL", key)
		}
		opts := append(slices.Clone(p.sqlOpts), sqlagent.WithObserver(emit.EmitSQL))
		if !signedOff {
			opts = append(opts, sqlagent.WithoutSignOff())
		}
		return p.agent.GenerateAndExecute(ctx, goal, conn, opts...)
	}
}

func (p *Planner) ragSteps(goal string, src DataSource) []engine.StepSpec {
	topK := p.topK
	return []engine.StepSpec{{Step: engine.StepDefinition{
		ID:           StepRetrieveContext,
		Name:         "Retrieve context",
		ApprovalType: schema.ApprovalNone,
		Summary:      fmt.Sprintf("Search %s for the %d most relevant snippets", src.Key, topK),
		Action: func(ctx context.Context, wc *engine.WorkflowContext, _ engine.Emitter) (any, error) {
			c, ok := wc.Connector(src.Key)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDataConnector, "connector %q is not registered", src.Key)
			}
			r, ok := connectors.AsRetriever(c)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDataConnector, "connector %q cannot search", src.Key)
			}
			snippets, err := r.Search(ctx, goal, topK)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "search %s: %s", src.Key, err.Error()).WithCause(err)
			}
			return connectors.Snippets(snippets), nil
		},
	}}}
}

func customSteps(goal string, src DataSource, fn tools.Func) []engine.StepSpec {
	return []engine.StepSpec{{Step: engine.StepDefinition{
		ID:           StepInvokeTool,
		Name:         "Invoke " + src.Key,
		ApprovalType: schema.ApprovalNone,
		Summary:      fmt.Sprintf("Call custom tool %s with the goal", src.Key),
		Action: func(ctx context.Context, _ *engine.WorkflowContext, _ engine.Emitter) (any, error) {
			return fn(ctx, goal)
		},
	}}}
}
