package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/pkg/schema"
)

func TestTemplateValidator_Valid(t *testing.T) {
	tv, err := NewTemplateValidator(mockModels{"m-image": true, "m-caption": true})
	require.NoError(t, err)
	assert.NoError(t, tv.ValidateTemplate(validTemplate()))
}

func TestTemplateValidator_StructuralShortCircuits(t *testing.T) {
	tv, err := NewTemplateValidator(mockModels{})
	require.NoError(t, err)

	tpl := validTemplate()
	tpl.Name = ""
	result := tv.Validate(tpl)
	require.False(t, result.Valid())
	// Unknown models would add errors if the semantic stage ran.
	for _, issue := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeNotFound, issue.Code)
	}
}

func TestTemplateValidator_AggregatesErrors(t *testing.T) {
	tv, err := NewTemplateValidator(nil)
	require.NoError(t, err)

	tpl := validTemplate()
	tpl.Steps[1].StepNumber = 5
	tpl.Steps[1].OutputKey = "image"
	err = tv.ValidateTemplate(tpl)
	require.Error(t, err)
	ge := err.(*schema.GenchainError)
	assert.Len(t, ge.Details["errors"], 2)
	issues := ge.Details["errors"].([]schema.TemplateIssue)
	assert.Equal(t, "steps[1].step_number", issues[0].Path)
	assert.Equal(t, "steps[1].output_key", issues[1].Path)
	assert.Equal(t, 2, issues[1].Step)
}

func TestTemplateValidator_UserInputSchema(t *testing.T) {
	tv, err := NewTemplateValidator(nil)
	require.NoError(t, err)

	tpl := validTemplate()
	tpl.UserInputSchema = json.RawMessage(`{"type":"object","properties":{"topic":{"type":"nope"}}}`)
	result := tv.Validate(tpl)
	require.False(t, result.Valid())
	assert.Equal(t, "user_input_schema", result.Errors[0].Path)

	tpl.UserInputSchema = json.RawMessage(`{"type":"object","required":["topic"]}`)
	require.NoError(t, tv.ValidateTemplate(tpl))
	assert.Error(t, tv.ValidateInput(schema.Params{}, tpl.UserInputSchema))
	assert.NoError(t, tv.ValidateInput(schema.Params{"topic": schema.String("x")}, tpl.UserInputSchema))
}

func TestTemplateValidator_Nil(t *testing.T) {
	tv, err := NewTemplateValidator(nil)
	require.NoError(t, err)
	assert.False(t, tv.Validate(nil).Valid())
}
