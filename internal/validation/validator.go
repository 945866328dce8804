package validation

import (
	"encoding/json"

	"github.com/rendis/genchain/pkg/schema"
)

// Validator checks workflow templates before they are stored and user input
// before an execution starts. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateTemplate(tpl *schema.WorkflowTemplate) error
	ValidateInput(input schema.Params, inputSchema json.RawMessage) error
}

// ModelLookup reports whether a model record exists in the catalog.
type ModelLookup interface {
	HasModel(recordID string) bool
}
