package expressions

import (
	"context"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/genchain/pkg/schema"
)

// ExprEngine evaluates pricing formulas with expr-lang, e.g.
// `base * (params.num_images ?? 1) + (params.duration > 5 ? 20 : 0)`.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms("expr", func(expression string) (*vm.Program, error) {
		return expr.Compile(expression, expr.AllowUndefinedVariables())
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs an expression with the keys of data as top-level variables.
// Unknown variables evaluate to nil.
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
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// EvaluateInt runs a numeric formula and rounds up to whole tokens.
// Negative, NaN and infinite results are rejected.
func (e *ExprEngine) EvaluateInt(ctx context.Context, expression string, data map[string]any) (int64, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return 0, err
	}
	var f float64
	switch n := out.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, schema.NewErrorf(schema.ErrCodeExpression, "expr %q returned %T, want number", expression, out)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeExpression, "expr %q returned invalid amount %v", expression, f)
	}
	return int64(math.Ceil(f)), nil
}

// Compile checks a formula without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
