package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Step is the renderer's view of a graph step. Plans persist steps in this
// form, so diagrams can be rebuilt for runs whose graph is gone.
type Step struct {
	ID        string
	Label     string
	Gated     bool
	DependsOn []string
}

// StepsFromGraph lists g's steps in insertion order.
func StepsFromGraph(g *engine.StepGraph) []Step {
	steps := make([]Step, 0, g.Len())
	for _, id := range g.Order() {
		def, _ := g.Step(id)
		steps = append(steps, Step{
			ID:        id,
			Label:     def.Label(),
			Gated:     def.ApprovalType.Requires(),
			DependsOn: g.Dependencies(id),
		})
	}
	return steps
}

// Build constructs a Model with virtual start and end nodes. states,
// when given, overlays runtime status by step id.
func Build(title string, steps []Step, states map[string]StatusOverlay) (*Model, error) {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		if known[s.ID] {
			return nil, fmt.Errorf("diagram: duplicate step %q", s.ID)
		}
		known[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("diagram: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	levels, err := stepLevels(steps)
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Shape: ShapeTerminal})
	for _, s := range steps {
		node := &Node{ID: s.ID, Label: s.Label}
		if node.Label == "" {
			node.Label = s.ID
		}
		if s.Gated {
			node.Shape = ShapeGate
		}
		if st, ok := states[s.ID]; ok {
			overlay := st
			node.Status = &overlay
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Shape: ShapeTerminal})

	if title == "" {
		title = "Plan"
	}
	return &Model{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(steps),
		Levels: append(append([][]string{{startID}}, levels...), []string{endID}),
	}, nil
}

// buildEdges connects start to roots, dependencies to dependents and leaves
// to end, in step order.
func buildEdges(steps []Step) []Edge {
	hasDependents := make(map[string]bool, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			hasDependents[dep] = true
		}
	}

	var edges []Edge
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			edges = append(edges, Edge{From: startID, To: s.ID})
		}
		for _, dep := range s.DependsOn {
			edges = append(edges, Edge{From: dep, To: s.ID})
		}
	}
	for _, s := range steps {
		if !hasDependents[s.ID] {
			edges = append(edges, Edge{From: s.ID, To: endID})
		}
	}
	return edges
}

// stepLevels groups steps by dependency depth (Kahn's algorithm).
func stepLevels(steps []Step) ([][]string, error) {
	indeg := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indeg[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var current []string
	for _, s := range steps {
		if indeg[s.ID] == 0 {
			current = append(current, s.ID)
		}
	}

	var levels [][]string
	visited := 0
	for len(current) > 0 {
		levels = append(levels, current)
		visited += len(current)
		var next []string
		for _, id := range current {
			for _, d := range dependents[id] {
				indeg[d]--
				if indeg[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	if visited != len(steps) {
		return nil, fmt.Errorf("diagram: steps contain a cycle")
	}
	return levels, nil
}

// Overlay converts step states into status overlays. errs adds failure text.
func Overlay(states map[string]schema.StepStatus, errs map[string]string) map[string]StatusOverlay {
	out := make(map[string]StatusOverlay, len(states))
	for id, st := range states {
		out[id] = StatusOverlay{Status: st, Error: errs[id]}
	}
	return out
}
