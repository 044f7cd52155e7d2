package sqlagent

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/orca/pkg/schema"
)

// calcFunctions is the allow-list of callable functions.
var calcFunctions = []string{"abs", "min", "max", "round", "floor", "ceil"}

var calcOperators = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true, "**": true, "^": true,
}

// Calculator evaluates bare arithmetic: numeric literals, + - * / % ** ^,
// parentheses and a fixed set of numeric functions. Names, member access and
// every other builtin are rejected before compilation.
// Thread-safe: compiled programs are cached.
type Calculator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewCalculator creates a Calculator.
func NewCalculator() *Calculator {
	return &Calculator{cache: make(map[string]*vm.Program)}
}

// IsArithmetic reports whether text is a bare arithmetic expression the
// Calculator accepts.
func IsArithmetic(text string) bool {
	return checkArithmetic(text) == nil
}

// Evaluate computes expression. Integer arithmetic stays integral
// ("2 + 3 * 4" is 14); division and powers yield floats.
func (c *Calculator) Evaluate(expression string) (any, error) {
	prg, err := c.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: %s", expression, err.Error()).WithCause(err)
	}
	switch v := out.(type) {
	case int:
		return v, nil
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: result is not finite", expression)
		}
		return v, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate %q: non-numeric result %T", expression, out)
}

func (c *Calculator) getOrCompile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	if prg, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.cache[expression]; ok {
		return prg, nil
	}
	if err := checkArithmetic(expression); err != nil {
		return nil, err
	}
	opts := []expr.Option{expr.DisableAllBuiltins()}
	for _, fn := range calcFunctions {
		opts = append(opts, expr.EnableBuiltin(fn))
	}
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile %q: %s", expression, err.Error()).WithCause(err)
	}
	c.cache[expression] = prg
	return prg, nil
}

// checkArithmetic parses text and walks the tree against the allow-list.
func checkArithmetic(text string) error {
	text = strings.TrimSpace(text)
	if text == "" || !strings.ContainsAny(text, "0123456789") {
		return schema.NewError(schema.ErrCodeValidation, "not an arithmetic expression")
	}
	tree, err := parser.Parse(text)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "not an arithmetic expression: %s", err.Error())
	}
	v := &arithmeticVisitor{}
	ast.Walk(&tree.Node, v)
	return v.err
}

type arithmeticVisitor struct {
	err error
}

func (v *arithmeticVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IntegerNode, *ast.FloatNode:
	case *ast.BinaryNode:
		if !calcOperators[n.Operator] {
			v.fail("operator %q", n.Operator)
		}
	case *ast.UnaryNode:
		if n.Operator != "-" && n.Operator != "+" {
			v.fail("operator %q", n.Operator)
		}
	case *ast.BuiltinNode:
		if !allowedFunction(n.Name) {
			v.fail("function %q", n.Name)
		}
	default:
		v.fail("%T", n)
	}
}

func (v *arithmeticVisitor) fail(format string, args ...any) {
	v.err = schema.NewErrorf(schema.ErrCodeValidation, "not allowed in arithmetic: %s", fmt.Sprintf(format, args...))
}

func allowedFunction(name string) bool {
	for _, fn := range calcFunctions {
		if fn == name {
			return true
		}
	}
	return false
}
