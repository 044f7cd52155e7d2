package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rendis/orca/internal/expressions"
	"github.com/rendis/orca/internal/sqlagent"
	"github.com/rendis/orca/pkg/schema"
)

// RegisterBuiltins adds the calculate and jq tools.
func RegisterBuiltins(r *Registry) error {
	calc := sqlagent.NewCalculator()
	jq := expressions.NewGoJQEngine()

	if err := r.RegisterFunc("calculate",
		"Evaluate the arithmetic expression contained in the goal, e.g. \"calculate (2 + 3) * 4\"",
		func(_ context.Context, goal string) (any, error) {
			return calculate(calc, goal)
		}); err != nil {
		return err
	}
	return r.RegisterFunc("jq",
		"Run a jq program over an inline JSON document: jq '<program>' <json>",
		func(ctx context.Context, goal string) (any, error) {
			return runJQ(ctx, jq, goal)
		})
}

var wordRe = regexp.MustCompile(`[A-Za-z_]+`)

var calcWords = map[string]bool{"abs": true, "min": true, "max": true, "round": true, "floor": true, "ceil": true}

// calculate drops every word that is not a calculator function and
// evaluates what is left.
func calculate(calc *sqlagent.Calculator, goal string) (any, error) {
	expression := wordRe.ReplaceAllStringFunc(goal, func(w string) string {
		if calcWords[strings.ToLower(w)] {
			return strings.ToLower(w)
		}
		return ""
	})
	expression = strings.Trim(strings.TrimSpace(expression), "?=:")
	expression = strings.TrimSpace(expression)
	if !sqlagent.IsArithmetic(expression) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no arithmetic expression in %q", goal)
	}
	v, err := calc.Evaluate(expression)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expression, "result": v}, nil
}

var jqGoalRe = regexp.MustCompile("(?s)^\\s*jq\\s+(?:'([^']*)'|`([^`]*)`|\"([^\"]*)\"|(\\S+))\\s*(.*)$")

// runJQ parses `jq <program> <json>` and returns every output of program.
func runJQ(ctx context.Context, jq *expressions.GoJQEngine, goal string) (any, error) {
	m := jqGoalRe.FindStringSubmatch(goal)
	if m == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "expected: jq '<program>' <json>")
	}
	program := m[1] + m[2] + m[3] + m[4]
	raw := strings.TrimSpace(m[5])

	var input any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "jq input is not valid JSON").WithCause(err)
		}
	}
	out, err := jq.Query(ctx, program, input)
	if err != nil {
		return nil, err
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}
