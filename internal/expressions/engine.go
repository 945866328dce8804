// Package expressions hosts the three expression languages genchain
// evaluates at runtime: CEL for model parameter rules, expr for pricing
// formulas, and jq for extracting results from provider webhook payloads.
package expressions

import "context"

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
