package resolver

import (
	"github.com/rendis/genchain/pkg/schema"
)

// Context keys.
const (
	UserKey         = "user"
	GenerationIDKey = "generation_id"
	PromptParam     = "prompt"
)

// BuildContext assembles the resolution context for the next step:
// {"user": <initial input>, "step1": {<output_key>: value, "generation_id": id}, ...}.
func BuildContext(userInput schema.Params, outputs schema.StepOutputs) schema.Value {
	m := make(map[string]schema.Value, len(outputs)+1)
	m[UserKey] = userInput.Clone().Value()
	for key, out := range outputs {
		m[key] = schema.Object(map[string]schema.Value{
			out.OutputKey:   out.Value.Clone(),
			GenerationIDKey: schema.String(out.GenerationID),
		})
	}
	return schema.Object(m)
}

// BuildPrompt picks the prompt from the step's own text. A static "prompt"
// parameter wins over prompt_template; either is template-substituted
// against ctx. The prompt parameter is removed from params. Pass only
// template-authored parameters here, never mapped data.
func BuildPrompt(step *schema.StepDefinition, params schema.Params, ctx schema.Value, policy MissingPolicy) (string, error) {
	if v, ok := params[PromptParam]; ok {
		delete(params, PromptParam)
		if s, isString := v.AsString(); isString && s != "" {
			return ReplaceTemplateVariables(s, ctx, policy)
		}
		if !v.IsNull() {
			return v.Text(), nil
		}
	}
	if step == nil || step.PromptTemplate == "" {
		return "", nil
	}
	return ReplaceTemplateVariables(step.PromptTemplate, ctx, policy)
}
