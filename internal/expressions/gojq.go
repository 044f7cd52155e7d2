package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/orca/pkg/schema"
)

// GoJQEngine evaluates jq programs, both as row checks (`.count > 0`) and to
// reshape results or event logs (`[.rows[] | .region] | unique`). Programs
// cannot read the process environment. Safe for concurrent use.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", func(src string) (*gojq.Code, error) {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, err
		}
		return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	})}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as input. One output is returned as is,
// several are collected into []any, none gives nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.Query(ctx, expression, data)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// Query runs expression against any input, normalized first, and returns
// every output.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	results := []any{}
	iter := code.RunWithContext(ctx, Normalize(input))
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, e.programs.fail(schema.ErrCodeExecution, "evaluation", expression, err)
		}
		results = append(results, v)
	}
}

var _ Engine = (*GoJQEngine)(nil)
