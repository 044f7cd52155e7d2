package planner

import (
	"github.com/rendis/orca/internal/diagram"
	"github.com/rendis/orca/pkg/schema"
)

// PlannedStep describes one step of a plan for display.
type PlannedStep struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	ApprovalType schema.ApprovalType `json:"approval_type"`
	DependsOn    []string            `json:"depends_on,omitempty"`
	Summary      string              `json:"summary,omitempty"`
}

// PlanArtifact is what a UI shows before execution: the routing decision,
// the ordered steps and a Mermaid flowchart of them.
type PlanArtifact struct {
	Goal       string            `json:"goal"`
	Intent     schema.IntentType `json:"intent"`
	DataSource DataSource        `json:"data_source"`
	Steps      []PlannedStep     `json:"steps"`
	Diagram    string            `json:"diagram,omitempty"`
}

// StepIDs lists the plan's step ids in order.
func (p *PlanArtifact) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Shape implements redact.Shaper.
func (p *PlanArtifact) Shape() any {
	steps := make([]any, len(p.Steps))
	for i, s := range p.Steps {
		deps := make([]any, len(s.DependsOn))
		for j, d := range s.DependsOn {
			deps[j] = d
		}
		steps[i] = map[string]any{
			"id":            s.ID,
			"name":          s.Name,
			"approval_type": string(s.ApprovalType),
			"depends_on":    deps,
			"summary":       s.Summary,
		}
	}
	return map[string]any{
		"goal":   p.Goal,
		"intent": string(p.Intent),
		"data_source": map[string]any{
			"key":    p.DataSource.Key,
			"type":   p.DataSource.Type,
			"reason": p.DataSource.Reason,
		},
		"steps":   steps,
		"diagram": p.Diagram,
	}
}

// DiagramSteps lays the plan out for rendering.
func (p *PlanArtifact) DiagramSteps() []diagram.Step {
	out := make([]diagram.Step, len(p.Steps))
	for i, s := range p.Steps {
		label := s.Name
		if label == "" {
			label = s.ID
		}
		out[i] = diagram.Step{
			ID:        s.ID,
			Label:     label,
			Gated:     s.ApprovalType.Requires(),
			DependsOn: s.DependsOn,
		}
	}
	return out
}

// Render draws the plan as a Mermaid flowchart, colouring steps that have an
// entry in states.
func (p *PlanArtifact) Render(states map[string]diagram.StatusOverlay) (string, error) {
	model, err := diagram.Build(p.Goal, p.DiagramSteps(), states)
	if err != nil {
		return "", err
	}
	return diagram.RenderMermaid(model), nil
}
