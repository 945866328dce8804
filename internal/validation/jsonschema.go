package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/genchain/pkg/schema"
)

const templateSchemaURL = "https://genchain.dev/schemas/workflow-template.json"

// templateSchemaJSON describes the shape of a stored WorkflowTemplate.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "steps"],
  "additionalProperties": false,
  "properties": {
    "id":                { "type": "string", "minLength": 1 },
    "name":              { "type": "string", "minLength": 1 },
    "description":       { "type": "string" },
    "user_input_schema": { "type": "object" },
    "steps": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/step" } }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_number", "model_record_id", "output_key"],
      "additionalProperties": false,
      "properties": {
        "step_number":     { "type": "integer", "minimum": 1 },
        "name":            { "type": "string" },
        "model_record_id": { "type": "string", "minLength": 1 },
        "prompt_template": { "type": "string" },
        "parameters":      { "type": "object" },
        "input_mappings":  { "type": "object", "additionalProperties": { "type": "string", "minLength": 1 } },
        "output_key":      { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" }
      }
    }
  }
}`

// Violation is one failed schema keyword. Path uses the template issue
// notation ("steps[0].output_key"); the document root is "".
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// JSONSchemaValidator checks template shape and validates parameter bags
// against model and template input schemas. Safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	tpl, err := compileSchema(templateSchemaURL, []byte(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("template schema: %w", err)
	}
	return &JSONSchemaValidator{templateSchema: tpl, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateTemplate checks the template document shape.
func (v *JSONSchemaValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow template is nil")
	}
	return validateDoc(v.templateSchema, tpl)
}

// ValidateInput validates a parameter bag against a JSON Schema. An empty
// schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input schema.Params, inputSchema json.RawMessage) error {
	if len(inputSchema) == 0 {
		return nil
	}
	sch, err := v.schemaFor(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if input == nil {
		input = schema.Params{}
	}
	return validateDoc(sch, input.Value())
}

// CheckSchema reports whether raw compiles as a JSON Schema.
func (v *JSONSchemaValidator) CheckSchema(raw json.RawMessage) error {
	_, err := v.schemaFor(raw)
	return err
}

// schemaFor compiles raw once per distinct content.
func (v *JSONSchemaValidator) schemaFor(raw []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	sch := v.cache[key]
	v.mu.RUnlock()
	if sch != nil {
		return sch, nil
	}

	sch, err := compileSchema("genchain://schemas/"+key+".json", raw)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	if existing := v.cache[key]; existing != nil {
		sch = existing
	} else {
		v.cache[key] = sch
	}
	v.mu.Unlock()
	return sch, nil
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateDoc re-decodes v with jsonschema's decoder so numbers arrive as
// json.Number and integer keywords behave.
func validateDoc(sch *jsonschema.Schema, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not JSON encodable").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not valid JSON").WithCause(err)
	}
	err = sch.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	vs := leafViolations(verr, nil)
	msg := fmt.Sprintf("%d schema violations", len(vs))
	if len(vs) == 1 {
		msg = vs[0].String()
	}
	return schema.NewError(schema.ErrCodeValidation, msg).WithDetails(map[string]any{"violations": vs})
}

var violationPrinter = message.NewPrinter(language.English)

func leafViolations(verr *jsonschema.ValidationError, out []Violation) []Violation {
	if len(verr.Causes) == 0 {
		return append(out, Violation{Path: issuePath(verr.InstanceLocation), Message: verr.ErrorKind.LocalizedString(violationPrinter)})
	}
	for _, c := range verr.Causes {
		out = leafViolations(c, out)
	}
	return out
}

// issuePath renders ["steps","0","output_key"] as "steps[0].output_key".
func issuePath(loc []string) string {
	var b strings.Builder
	for _, seg := range loc {
		if seg != "" && strings.Trim(seg, "0123456789") == "" && b.Len() > 0 {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
