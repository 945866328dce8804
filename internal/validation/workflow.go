package validation

import (
	"encoding/json"
	"errors"

	"github.com/rendis/genchain/pkg/schema"
)

// TemplateValidator runs the two-stage template pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (numbering, output keys, references, models, input schema)
type TemplateValidator struct {
	jsonSchema *JSONSchemaValidator
	models     ModelLookup
}

// NewTemplateValidator creates a TemplateValidator. models may be nil to
// skip model existence checks.
func NewTemplateValidator(models ModelLookup) (*TemplateValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{jsonSchema: jsv, models: models}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// semantic stage.
func (tv *TemplateValidator) Validate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	if tpl == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "workflow template is nil")
		return r
	}

	result := validateStructural(tv.jsonSchema, tpl)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(tpl, tv.models))

	if len(tpl.UserInputSchema) > 0 {
		if err := tv.jsonSchema.CheckSchema(tpl.UserInputSchema); err != nil {
			result.AddError("user_input_schema", schema.ErrCodeValidation,
				"user_input_schema does not compile: "+err.Error())
		}
	}
	return result
}

// ValidateTemplate satisfies Validator.
func (tv *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	return tv.Validate(tpl).ToError()
}

// ValidateInput satisfies Validator.
func (tv *TemplateValidator) ValidateInput(input schema.Params, inputSchema json.RawMessage) error {
	return tv.jsonSchema.ValidateInput(input, inputSchema)
}

// Schemas exposes the underlying schema validator for parameter checks.
func (tv *TemplateValidator) Schemas() *JSONSchemaValidator { return tv.jsonSchema }

func validateStructural(v *JSONSchemaValidator, tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateTemplate(tpl)
	if err == nil {
		return result
	}

	var ge *schema.GenchainError
	if !errors.As(err, &ge) {
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return result
	}
	vs, _ := ge.Details["violations"].([]Violation)
	if len(vs) == 0 {
		result.AddError("", schema.ErrCodeValidation, ge.Message)
		return result
	}
	for _, v := range vs {
		result.AddError(v.Path, schema.ErrCodeValidation, v.Message)
	}
	return result
}

var _ Validator = (*TemplateValidator)(nil)
