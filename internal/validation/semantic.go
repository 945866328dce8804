package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/genchain/internal/resolver"
	"github.com/rendis/genchain/pkg/schema"
)

// validateSemantic checks what the structural schema cannot: step numbering,
// output key uniqueness, model existence, and that every reference points at
// the user input or an earlier step's declared output.
func validateSemantic(tpl *schema.WorkflowTemplate, models ModelLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	outputKeys := make(map[int]string, len(tpl.Steps))
	seenKeys := make(map[string]int, len(tpl.Steps))

	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.StepNumber != i+1 {
			result.AddError(path+".step_number", schema.ErrCodeValidation,
				fmt.Sprintf("step numbers must run 1..%d without gaps; got %d at position %d",
					len(tpl.Steps), step.StepNumber, i+1))
		}

		switch key := step.OutputKey; {
		case key == resolver.GenerationIDKey:
			result.AddError(path+".output_key", schema.ErrCodeValidation,
				fmt.Sprintf("output_key %q is reserved", key))
		case seenKeys[key] > 0:
			result.AddError(path+".output_key", schema.ErrCodeValidation,
				fmt.Sprintf("output_key %q already used by step %d", key, seenKeys[key]))
		default:
			seenKeys[key] = i + 1
		}
		outputKeys[i+1] = step.OutputKey

		if models != nil && step.ModelRecordID != "" && !models.HasModel(step.ModelRecordID) {
			result.AddError(path+".model_record_id", schema.ErrCodeNotFound,
				fmt.Sprintf("model %q not found in catalog", step.ModelRecordID))
		}

		for _, name := range sortedKeys(step.InputMappings) {
			ref := resolver.NormalizePath(step.InputMappings[name])
			checkReference(ref, i+1, outputKeys, path+".input_mappings."+name, result)
		}
		for _, ref := range resolver.References(step.PromptTemplate) {
			checkReference(ref, i+1, outputKeys, path+".prompt_template", result)
		}
		for _, name := range sortedParams(step.Parameters) {
			if s, ok := step.Parameters[name].AsString(); ok {
				for _, ref := range resolver.References(s) {
					checkReference(ref, i+1, outputKeys, path+".parameters."+name, result)
				}
			}
		}

		if step.PromptTemplate == "" && step.Parameters.GetString(resolver.PromptParam) == "" {
			result.AddWarning(path, schema.ErrCodeValidation,
				"step has neither prompt_template nor a prompt parameter")
		}
	}

	return result
}

// checkReference validates one dotted path used by step current.
func checkReference(ref string, current int, outputKeys map[int]string, path string, result *schema.ValidationResult) {
	root, rest, _ := strings.Cut(ref, ".")
	if root == resolver.UserKey {
		return
	}

	n, ok := schema.ParseStepKey(root)
	if !ok {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("reference %q must start with %q or stepN", ref, resolver.UserKey))
		return
	}
	if n >= current {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("reference %q points at step %d, which has not run before step %d", ref, n, current))
		return
	}

	field, _, _ := strings.Cut(rest, ".")
	if field == "" || field == resolver.GenerationIDKey {
		return
	}
	if key := outputKeys[n]; key != "" && field != key {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("reference %q: step %d exposes %q, not %q", ref, n, key, field))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedParams(p schema.Params) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
