// Package validation holds row validators for the SQL agent: expression
// checks in CEL, jq or expr, JSON Schema checks and simple predicates. A
// rejection is a VALIDATION_REJECTED error, which the agent retries.
package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/orca/internal/expressions"
	"github.com/rendis/orca/pkg/schema"
)

// RowValidator checks the rows returned by a query.
type RowValidator interface {
	Validate(ctx context.Context, rows []map[string]any) error
}

// ExpressionValidator accepts rows when a boolean expression over
// expressions.RowScope evaluates to true.
type ExpressionValidator struct {
	engine     expressions.Engine
	expression string
	metadata   map[string]any
}

// NewExpressionValidator creates a validator for expression on engine.
// metadata is exposed to the expression as `metadata`.
func NewExpressionValidator(engine expressions.Engine, expression string, metadata map[string]any) *ExpressionValidator {
	return &ExpressionValidator{engine: engine, expression: expression, metadata: metadata}
}

func (v *ExpressionValidator) Validate(ctx context.Context, rows []map[string]any) error {
	out, err := v.engine.Evaluate(ctx, v.expression, expressions.RowScope(rows, v.metadata))
	if err != nil {
		return err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s check %q returned %T, want bool", v.engine.Name(), v.expression, out)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidationRejected,
			"rows failed %s check %q", v.engine.Name(), v.expression).
			WithDetails(map[string]any{"rows": len(rows)})
	}
	return nil
}

// String returns the validator in Parse syntax.
func (v *ExpressionValidator) String() string {
	return v.engine.Name() + ":" + v.expression
}

type nonEmpty struct{}

// NonEmpty rejects an empty result set.
func NonEmpty() RowValidator { return nonEmpty{} }

func (nonEmpty) Validate(_ context.Context, rows []map[string]any) error {
	if len(rows) == 0 {
		return schema.NewError(schema.ErrCodeValidationRejected, "query returned no rows")
	}
	return nil
}

func (nonEmpty) String() string { return "non_empty" }

// RequireColumns rejects rows missing any of the named columns.
func RequireColumns(columns ...string) RowValidator {
	return columnCheck(columns)
}

type columnCheck []string

func (c columnCheck) Validate(_ context.Context, rows []map[string]any) error {
	for i, row := range rows {
		for _, col := range c {
			if _, ok := row[col]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidationRejected,
					"row %d is missing column %q", i, col)
			}
		}
	}
	return nil
}

func (c columnCheck) String() string { return "columns:" + strings.Join(c, ",") }

// All runs validators in order and returns the first rejection.
func All(validators ...RowValidator) RowValidator {
	return chain(validators)
}

type chain []RowValidator

func (c chain) Validate(ctx context.Context, rows []map[string]any) error {
	for _, v := range c {
		if err := v.Validate(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func (c chain) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " && ")
}

// Parse builds a validator from its textual form:
//
//	cel:<expression>   CEL check over the row scope
//	jq:<expression>    jq check over the row scope
//	expr:<expression>  expr check over the row scope
//	schema:<json>      JSON Schema applied to the row list
//	columns:a,b        every row has columns a and b
//	non_empty          at least one row
func Parse(spec string, engines *expressions.Registry, metadata map[string]any) (RowValidator, error) {
	spec = strings.TrimSpace(spec)
	if spec == "non_empty" {
		return NonEmpty(), nil
	}
	kind, body, ok := strings.Cut(spec, ":")
	body = strings.TrimSpace(body)
	if !ok || body == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid validator %q: want <kind>:<body>", spec)
	}
	switch kind {
	case "cel", "jq", "expr":
		engine, err := engines.Get(kind)
		if err != nil {
			return nil, err
		}
		return NewExpressionValidator(engine, body, metadata), nil
	case "schema":
		return NewSchemaValidator([]byte(body))
	case "columns":
		var cols []string
		for _, c := range strings.Split(body, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
		return RequireColumns(cols...), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown validator kind %q", kind)
}

// ParseAll parses each spec and chains the results. No specs yields nil.
func ParseAll(specs []string, engines *expressions.Registry, metadata map[string]any) (RowValidator, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	vs := make([]RowValidator, 0, len(specs))
	for _, s := range specs {
		v, err := Parse(s, engines, metadata)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	if len(vs) == 1 {
		return vs[0], nil
	}
	return All(vs...), nil
}
