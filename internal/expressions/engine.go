// Package expressions evaluates row checks and result transforms written in
// CEL, jq or expr against a scope built from query rows and run metadata.
package expressions

import (
	"context"
	"sort"

	"github.com/rendis/orca/pkg/schema"
)

// Engine evaluates an expression against a scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the available engines by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry creates a Registry with the cel, jq and expr engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine, 3)}
	for _, e := range []Engine{celEngine, NewGoJQEngine(), NewExprEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
	return e, nil
}

// Names lists the registered engine names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
