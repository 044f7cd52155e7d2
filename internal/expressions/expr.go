package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/orca/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions with the scope as environment:
// `count > 0 && all(rows, .total >= 0)`. Safe for concurrent use.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms("expr", func(src string) (*vm.Program, error) {
		// One program serves scopes of any shape.
		return expr.Compile(src, expr.AllowUndefinedVariables())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, e.programs.fail(schema.ErrCodeExecution, "evaluation", expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
