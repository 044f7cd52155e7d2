package engine

import (
	"context"

	"github.com/rendis/orca/pkg/schema"
)

// Emitter lets a step action publish typed sub-events that the orchestrator
// forwards in-line, before the step's own terminal event.
type Emitter interface {
	EmitSQL(sql string, rows []map[string]any)
	EmitPlan(plan any)
}

// ActionFunc is the body of a step. It receives the working context and may
// emit sub-events; its result is stored as the step's artifact.
type ActionFunc func(ctx context.Context, wc *WorkflowContext, emit Emitter) (any, error)

// StepDefinition is a named unit of work with optional approval gating.
// A step must not be modified after it is added to a graph.
type StepDefinition struct {
	ID           string
	Name         string
	Action       ActionFunc
	ApprovalType schema.ApprovalType
	Summary      string
	// Proposal, when set, is published as a PlanProposedEvent after the step
	// starts and before its approval gate.
	Proposal any
}

// Label is the human text used in approval requests and diagrams.
func (s *StepDefinition) Label() string {
	if s.Summary != "" {
		return s.Summary
	}
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// StepGraph is a directed acyclic graph of steps. Dependencies must be added
// before their dependents, which keeps the graph acyclic by construction.
type StepGraph struct {
	steps   map[string]*StepDefinition
	order   []string            // insertion order
	deps    map[string][]string // step ID → dependencies
	reverse map[string][]string // step ID → dependents
}

// NewStepGraph returns an empty graph.
func NewStepGraph() *StepGraph {
	return &StepGraph{
		steps:   make(map[string]*StepDefinition),
		deps:    make(map[string][]string),
		reverse: make(map[string][]string),
	}
}

// AddStep registers a step and its incoming edges. It fails with a
// GRAPH_ERROR when the id is empty or reused, the action is missing, or a
// dependency is unknown, repeated or the step itself.
func (g *StepGraph) AddStep(step StepDefinition, dependencies ...string) error {
	if step.ID == "" {
		return schema.NewError(schema.ErrCodeGraph, "step has empty ID")
	}
	if _, exists := g.steps[step.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeGraph, "duplicate step ID: %s", step.ID)
	}
	if step.Action == nil {
		return schema.NewErrorf(schema.ErrCodeGraph, "step %s has no action", step.ID)
	}
	if step.ApprovalType == "" {
		step.ApprovalType = schema.ApprovalNone
	}

	seen := make(map[string]bool, len(dependencies))
	deps := make([]string, 0, len(dependencies))
	for _, dep := range dependencies {
		if dep == step.ID {
			return schema.NewErrorf(schema.ErrCodeGraph, "step %s depends on itself", step.ID)
		}
		if _, exists := g.steps[dep]; !exists {
			return schema.NewErrorf(schema.ErrCodeGraph, "step %s depends on unknown step: %s", step.ID, dep)
		}
		if seen[dep] {
			return schema.NewErrorf(schema.ErrCodeGraph, "step %s has duplicate dependency: %s", step.ID, dep)
		}
		seen[dep] = true
		deps = append(deps, dep)
	}

	s := step
	g.steps[s.ID] = &s
	g.order = append(g.order, s.ID)
	g.deps[s.ID] = deps
	for _, dep := range deps {
		g.reverse[dep] = append(g.reverse[dep], s.ID)
	}
	return nil
}

// Len returns the number of steps.
func (g *StepGraph) Len() int { return len(g.order) }

// Step returns the definition for id.
func (g *StepGraph) Step(id string) (*StepDefinition, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Order returns step IDs in insertion order.
func (g *StepGraph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the declared dependencies of id.
func (g *StepGraph) Dependencies(id string) []string {
	out := make([]string, len(g.deps[id]))
	copy(out, g.deps[id])
	return out
}

// ReadySteps returns, in insertion order, the steps whose dependencies are
// all in completed and which are not in completed themselves.
func (g *StepGraph) ReadySteps(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Validate re-checks the graph with Kahn's algorithm and reports every
// structural problem found.
func (g *StepGraph) Validate() *schema.Report {
	res := &schema.Report{}
	if len(g.order) == 0 {
		res.Failf("steps", schema.ErrCodeGraph, "graph has no steps")
		return res
	}
	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			if _, ok := g.steps[dep]; !ok {
				res.Failf("steps."+id+".depends_on", schema.ErrCodeGraph, "unknown dependency: %s", dep)
			}
		}
	}
	if !res.OK() {
		return res
	}
	if _, err := g.topoSort(); err != nil {
		res.Failf("steps", schema.ErrCodeGraph, "%s", err.Error())
	}
	return res
}

// topoSort orders steps so every step follows its dependencies. Ties are
// broken by insertion order.
func (g *StepGraph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.deps[id])
	}

	queue := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, dep := range g.reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.order) {
		return nil, schema.NewError(schema.ErrCodeGraph, "graph contains a cycle")
	}
	return sorted, nil
}

// StepSpec declares a step together with its dependencies for ParseGraph.
type StepSpec struct {
	Step      StepDefinition
	DependsOn []string
}

// ParseGraph builds a graph from declarations in any order. Unlike AddStep it
// accepts forward references, so it detects cycles explicitly.
func ParseGraph(specs []StepSpec) (*StepGraph, error) {
	if len(specs) == 0 {
		return nil, schema.NewError(schema.ErrCodeGraph, "graph has no steps")
	}

	byID := make(map[string]int, len(specs))
	for i, sp := range specs {
		if sp.Step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "step at index %d has empty ID", i)
		}
		if _, dup := byID[sp.Step.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeGraph, "duplicate step ID: %s", sp.Step.ID)
		}
		byID[sp.Step.ID] = i
	}
	for _, sp := range specs {
		for _, dep := range sp.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeGraph, "step %s depends on unknown step: %s", sp.Step.ID, dep)
			}
		}
	}

	// Kahn's algorithm over declaration order.
	inDegree := make([]int, len(specs))
	dependents := make([][]int, len(specs))
	for i, sp := range specs {
		inDegree[i] = len(sp.DependsOn)
		for _, dep := range sp.DependsOn {
			j := byID[dep]
			dependents[j] = append(dependents[j], i)
		}
	}
	queue := make([]int, 0, len(specs))
	for i := range specs {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	g := NewStepGraph()
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if err := g.AddStep(specs[i].Step, specs[i].DependsOn...); err != nil {
			return nil, err
		}
		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if g.Len() != len(specs) {
		var stuck []string
		for i, sp := range specs {
			if inDegree[i] > 0 {
				stuck = append(stuck, sp.Step.ID)
			}
		}
		return nil, schema.NewError(schema.ErrCodeGraph, "graph contains a cycle").
			WithDetails(map[string]any{"steps": stuck})
	}
	return g, nil
}
