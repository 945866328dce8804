package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// WorkflowTemplate is the immutable definition of a chained generation workflow.
type WorkflowTemplate struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Steps           []StepDefinition `json:"steps"`
	UserInputSchema json.RawMessage  `json:"user_input_schema,omitempty"`
}

// StepDefinition describes one generation step of a template.
type StepDefinition struct {
	StepNumber     int               `json:"step_number"`
	Name           string            `json:"name,omitempty"`
	ModelRecordID  string            `json:"model_record_id"`
	PromptTemplate string            `json:"prompt_template,omitempty"`
	InputMappings  map[string]string `json:"input_mappings,omitempty"`
	Parameters     Params            `json:"parameters,omitempty"`
	OutputKey      string            `json:"output_key"`
}

// TotalSteps returns the number of steps in the template.
func (t *WorkflowTemplate) TotalSteps() int {
	return len(t.Steps)
}

// Step returns the step with the given number, or nil.
func (t *WorkflowTemplate) Step(n int) *StepDefinition {
	if n < 1 || n > len(t.Steps) {
		return nil
	}
	s := &t.Steps[n-1]
	if s.StepNumber != n {
		return nil
	}
	return s
}

// StepKey returns the step_outputs key for a step number ("step3").
func StepKey(n int) string {
	return "step" + strconv.Itoa(n)
}

// ParseStepKey is the inverse of StepKey.
func ParseStepKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "step")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// StepOutput is the recorded result of one completed step.
type StepOutput struct {
	OutputKey    string `json:"output_key"`
	Value        Value  `json:"value"`
	GenerationID string `json:"generation_id"`
}

// MarshalJSON renders the stored shape {<output_key>: value, generation_id}.
func (o StepOutput) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		o.OutputKey:     o.Value,
		"generation_id": o.GenerationID,
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the stored shape back. The single non generation_id key
// is the output key.
func (o *StepOutput) UnmarshalJSON(data []byte) error {
	var raw map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = StepOutput{}
	for k, v := range raw {
		if k == "generation_id" {
			s, _ := v.AsString()
			o.GenerationID = s
			continue
		}
		if o.OutputKey != "" {
			return fmt.Errorf("step output has more than one output key (%q, %q)", o.OutputKey, k)
		}
		o.OutputKey = k
		o.Value = v
	}
	return nil
}

// StepOutputs maps "stepN" to that step's recorded output. Append-only.
type StepOutputs map[string]StepOutput

// Clone returns a shallow copy.
func (s StepOutputs) Clone() StepOutputs {
	out := make(StepOutputs, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
