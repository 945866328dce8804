package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/genchain/pkg/schema"
)

// Variables visible to parameter rules. Each is a map(string, dyn):
// params holds the values about to be sent to the provider, model the
// catalog metadata, user the caller.
var celVariables = []string{"params", "model", "user"}

// CELEngine evaluates model parameter rules such as
// `params.num_images <= 4 && params.width % 8 == 0`.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms("CEL", e.compile)
	return e, nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, err
	}
	return e.env.Program(ast)
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs a rule. Variables missing from data are bound to empty maps
// so a rule can test `has(params.seed)` without erroring.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	activation := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		if v := data[name]; v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]any{}
		}
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a rule that must produce a boolean.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression, "CEL rule %q returned %T, want bool", expression, out)
	}
	return b, nil
}

// Compile checks a rule without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*CELEngine)(nil)
