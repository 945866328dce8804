package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/genchain/pkg/schema"
)

// Resolved is the outcome of resolving one step: the prompt and the
// parameters that go to the provider.
type Resolved struct {
	Prompt  string
	Params  schema.Params
	Missing []string
}

// Resolver runs the full resolution pipeline for a step.
type Resolver struct {
	policy    MissingPolicy
	sanitizer *Sanitizer
	logger    *slog.Logger
}

// New creates a Resolver. A nil sanitizer leaves inline images untouched.
func New(policy MissingPolicy, sanitizer *Sanitizer, logger *slog.Logger) *Resolver {
	if policy == "" {
		policy = MissingEmpty
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{policy: policy, sanitizer: sanitizer, logger: logger}
}

// Policy returns the missing-variable policy in effect.
func (r *Resolver) Policy() MissingPolicy { return r.policy }

// ResolveStep builds the provider request for a step. Template
// substitution applies only to the step's own text (static string parameters
// and the prompt). Mapped values are data and pass through verbatim; they
// override static parameters of the same name, and a mapped "prompt"
// replaces the built one. The merged bag is then coerced against
// inputSchema and inline images are promoted.
func (r *Resolver) ResolveStep(ctx context.Context, step *schema.StepDefinition, wctx schema.Value, userID string, inputSchema json.RawMessage) (*Resolved, error) {
	mapped, missing := ResolveInputMappings(step.InputMappings, wctx)
	if len(missing) > 0 {
		r.logger.WarnContext(ctx, "input mappings did not resolve",
			"step", step.StepNumber, "paths", missing)
	}

	static := step.Parameters.Clone()
	for name, v := range static {
		if name == PromptParam {
			continue
		}
		s, ok := v.AsString()
		if !ok || !strings.Contains(s, "{{") {
			continue
		}
		sub, err := ReplaceTemplateVariables(s, wctx, r.policy)
		if err != nil {
			return nil, withStep(err, step.StepNumber)
		}
		static[name] = schema.String(sub)
	}

	prompt, err := BuildPrompt(step, static, wctx, r.policy)
	if err != nil {
		return nil, withStep(err, step.StepNumber)
	}
	if v, ok := mapped[PromptParam]; ok {
		delete(mapped, PromptParam)
		if s, isString := v.AsString(); !v.IsNull() && (!isString || s != "") {
			prompt = v.Text()
		}
	}

	params := CoerceParametersToSchema(static.Merge(mapped), inputSchema)

	if r.sanitizer != nil {
		params, err = r.sanitizer.SanitizeParametersForProviders(ctx, params, userID)
		if err != nil {
			return nil, withStep(err, step.StepNumber)
		}
	}

	return &Resolved{Prompt: prompt, Params: params, Missing: missing}, nil
}

func withStep(err error, step int) error {
	if ge, ok := err.(*schema.GenchainError); ok {
		return ge.WithStep(step)
	}
	return err
}
