package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/orca/pkg/schema"
)

// CELEngine evaluates Common Expression Language checks over a row scope,
// e.g. `count > 0 && rows.all(r, r.total >= 0.0)`. Safe for concurrent use.
type CELEngine struct {
	programs *programs[cel.Program]
}

// celDefaults holds the value each declared variable takes when the scope
// lacks it, so CEL never sees an undeclared variable at runtime.
var celDefaults = map[string]func() any{
	"rows":     func() any { return []any{} },
	"count":    func() any { return 0 },
	"first":    func() any { return map[string]any{} },
	"metadata": func() any { return map[string]any{} },
}

// NewCELEngine creates a CEL engine whose environment declares the RowScope
// variables.
func NewCELEngine() (*CELEngine, error) {
	object := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("rows", cel.ListType(cel.DynType)),
		cel.Variable("count", cel.IntType),
		cel.Variable("first", object),
		cel.Variable("metadata", object),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{programs: newPrograms("cel", func(src string) (cel.Program, error) {
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, issues.Err()
		}
		return env.Program(ast)
	})}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Missing scope variables default to
// empty values.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(celDefaults))
	for name, def := range celDefaults {
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = def()
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, e.programs.fail(schema.ErrCodeExecution, "evaluation", expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
