package engine

import (
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/redact"
)

// WorkflowContext is the state a run's step actions see: metadata, persona,
// registered connectors and the results of completed steps.
//
// The workflow ID is fixed at creation. Connectors are replaced copy-on-write
// by WithConnector. Artifacts are written only by the orchestrator, once per
// completed step.
type WorkflowContext struct {
	workflowID string
	Metadata   map[string]any
	Persona    map[string]any
	connectors map[string]connectors.Connector

	mu        *sync.RWMutex
	artifacts map[string]any
}

// NewWorkflowContext creates a context with a fresh workflow ID.
func NewWorkflowContext(metadata, persona map[string]any) *WorkflowContext {
	return newWorkflowContext(uuid.New().String(), metadata, persona)
}

// NewWorkflowContextWithID creates a context with a caller-supplied ID.
func NewWorkflowContextWithID(id string, metadata, persona map[string]any) *WorkflowContext {
	if id == "" {
		id = uuid.New().String()
	}
	return newWorkflowContext(id, metadata, persona)
}

func newWorkflowContext(id string, metadata, persona map[string]any) *WorkflowContext {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if persona == nil {
		persona = map[string]any{}
	}
	return &WorkflowContext{
		workflowID: id,
		Metadata:   metadata,
		Persona:    persona,
		connectors: map[string]connectors.Connector{},
		mu:         &sync.RWMutex{},
		artifacts:  map[string]any{},
	}
}

// WorkflowID returns the immutable run identifier.
func (wc *WorkflowContext) WorkflowID() string { return wc.workflowID }

// WithConnector returns a new context that also carries c under name. All
// other fields are shared with the receiver, which is left untouched.
func (wc *WorkflowContext) WithConnector(name string, c connectors.Connector) *WorkflowContext {
	next := *wc
	next.connectors = make(map[string]connectors.Connector, len(wc.connectors)+1)
	maps.Copy(next.connectors, wc.connectors)
	next.connectors[name] = c
	return &next
}

// Connector returns the connector registered under name.
func (wc *WorkflowContext) Connector(name string) (connectors.Connector, bool) {
	c, ok := wc.connectors[name]
	return c, ok
}

// Connectors returns a copy of the connector registry.
func (wc *WorkflowContext) Connectors() map[string]connectors.Connector {
	return maps.Clone(wc.connectors)
}

// Artifact returns the stored result of a completed step.
func (wc *WorkflowContext) Artifact(stepID string) (any, bool) {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	v, ok := wc.artifacts[stepID]
	return v, ok
}

// Artifacts returns a shallow copy of all stored step results.
func (wc *WorkflowContext) Artifacts() map[string]any {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return maps.Clone(wc.artifacts)
}

// setArtifact is the orchestrator's single write path.
func (wc *WorkflowContext) setArtifact(stepID string, v any) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.artifacts[stepID] = v
}

// ContextSnapshot is the redacted, read-only projection of a context that is
// attached to every event.
type ContextSnapshot struct {
	WorkflowID string            `json:"workflow_id"`
	Metadata   map[string]any    `json:"workflow_metadata"`
	Connectors map[string]string `json:"connectors"`
	Artifacts  map[string]any    `json:"transient_artifacts"`
}

// Snapshot projects the context for external consumption. Metadata is
// redacted and connectors are reduced to their type names. Artifacts are
// included as stored.
func (wc *WorkflowContext) Snapshot() ContextSnapshot {
	conns := make(map[string]string, len(wc.connectors))
	for name, c := range wc.connectors {
		conns[name] = c.Type()
	}
	return ContextSnapshot{
		WorkflowID: wc.workflowID,
		Metadata:   redact.Map(wc.Metadata),
		Connectors: conns,
		Artifacts:  wc.Artifacts(),
	}
}
