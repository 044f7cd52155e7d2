// Package diagram draws step graphs as Mermaid flowcharts, ASCII boxes or
// PNG images. A status overlay colors each step by its replayed state.
package diagram

import "github.com/rendis/orca/pkg/schema"

// Shape selects how a node is drawn.
type Shape int

const (
	ShapeStep     Shape = iota
	ShapeGate           // step that waits for an approval
	ShapeTerminal       // virtual start or end node
)

// Model is what every renderer draws from.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node looks up a node by id.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Node is one drawn step.
type Node struct {
	ID     string
	Label  string
	Shape  Shape
	Status *StatusOverlay
}

// StatusOverlay is the runtime state drawn on top of a step.
type StatusOverlay struct {
	Status schema.StepStatus
	Error  string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From string
	To   string
}

// look is the per-status styling shared by the renderers.
type look struct {
	class  string // mermaid classDef name
	tag    string // ascii marker
	fill   string
	font   string
	dashed bool
}

var looks = map[schema.StepStatus]look{
	schema.StepStatusPending:   {class: "pending", tag: "[PEND]", fill: "#d3d3d3", font: "black"},
	schema.StepStatusRunning:   {class: "running", tag: "[RUN]", fill: "#1a5276", font: "white"},
	schema.StepStatusAwaiting:  {class: "suspended", tag: "[WAIT]", fill: "#b7791a", font: "white"},
	schema.StepStatusCompleted: {class: "completed", tag: "[OK]", fill: "#2d6a2d", font: "white"},
	schema.StepStatusFailed:    {class: "failed", tag: "[FAIL]", fill: "#8b1a1a", font: "white"},
	schema.StepStatusSkipped:   {class: "skipped", tag: "[SKIP]", fill: "#e8e8e8", font: "#888888", dashed: true},
}

// lookOf returns n's styling, if it has a known status.
func lookOf(n *Node) (look, bool) {
	if n.Status == nil {
		return look{}, false
	}
	l, ok := looks[n.Status.Status]
	return l, ok
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
