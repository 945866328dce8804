package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries over decoded webhook bodies to pull out the
// generation id, status, outputs and error text. Safe for concurrent use.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms("jq", compileJQ)}
}

// compileJQ builds code with an empty environment so adapters cannot read
// process variables through $ENV.
func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, err
	}
	return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a query against data. One output is returned as is, several
// are collected into []any, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.Query(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Query runs a query against any decoded JSON value and returns every
// non-null output.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	var results []any
	iter := code.RunWithContext(ctx, input)
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		if v != nil {
			results = append(results, v)
		}
	}
	return results, nil
}

// Compile checks a query without running it.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*GoJQEngine)(nil)
