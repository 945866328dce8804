// Package registry is the model catalog: which provider serves a model
// record, what its parameters look like, what it costs, and which API key
// it is dispatched with.
package registry

import (
	"encoding/json"
)

// Content types served by providers.
const (
	ContentImageEditing  = "image_editing"
	ContentImageToVideo  = "image_to_video"
	ContentPromptToImage = "prompt_to_image"
	ContentPromptToVideo = "prompt_to_video"
	ContentPromptToAudio = "prompt_to_audio"
)

// Providers with API-key routing.
const (
	ProviderKieAI   = "kie_ai"
	ProviderRunware = "runware"
)

// Output kinds.
const (
	OutputURL  = "url"
	OutputText = "text"
)

// Rule is a CEL boolean expression over params, model and user that must
// hold before a generation is dispatched.
type Rule struct {
	Expr    string `yaml:"expr" toml:"expr" json:"expr"`
	Message string `yaml:"message" toml:"message" json:"message,omitempty"`
}

// Model is one catalog entry.
type Model struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Provider    string          `json:"provider"`
	ContentType string          `json:"content_type"`
	Endpoint    string          `json:"endpoint"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	TokenCost   int64           `json:"token_cost"`
	CostExpr    string          `json:"cost_expr,omitempty"`
	Rules       []Rule          `json:"rules,omitempty"`
	APIKeyEnv   string          `json:"api_key_env,omitempty"`
	// OutputKind is what the step output holds: "url" (default) or "text".
	OutputKind string `json:"output_kind,omitempty"`
}

// Meta is the model view exposed to CEL rules.
func (m *Model) Meta() map[string]any {
	return map[string]any{
		"id":           m.ID,
		"name":         m.Name,
		"provider":     m.Provider,
		"content_type": m.ContentType,
	}
}

// modelFile is the on-disk shape. input_schema is a nested mapping in YAML
// and TOML and is re-encoded to JSON after decoding.
type modelFile struct {
	ID          string         `yaml:"id" toml:"id" json:"id"`
	Name        string         `yaml:"name" toml:"name" json:"name"`
	Provider    string         `yaml:"provider" toml:"provider" json:"provider"`
	ContentType string         `yaml:"content_type" toml:"content_type" json:"content_type"`
	Endpoint    string         `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	InputSchema map[string]any `yaml:"input_schema" toml:"input_schema" json:"input_schema"`
	TokenCost   int64          `yaml:"token_cost" toml:"token_cost" json:"token_cost"`
	CostExpr    string         `yaml:"cost_expr" toml:"cost_expr" json:"cost_expr"`
	Rules       []Rule         `yaml:"rules" toml:"rules" json:"rules"`
	APIKeyEnv   string         `yaml:"api_key_env" toml:"api_key_env" json:"api_key_env"`
	OutputKind  string         `yaml:"output_kind" toml:"output_kind" json:"output_kind"`
}

type catalogFile struct {
	Models []modelFile `yaml:"models" toml:"models" json:"models"`
}

func (f modelFile) toModel() (Model, error) {
	m := Model{
		ID:          f.ID,
		Name:        f.Name,
		Provider:    f.Provider,
		ContentType: f.ContentType,
		Endpoint:    f.Endpoint,
		TokenCost:   f.TokenCost,
		CostExpr:    f.CostExpr,
		Rules:       f.Rules,
		APIKeyEnv:   f.APIKeyEnv,
		OutputKind:  f.OutputKind,
	}
	if len(f.InputSchema) > 0 {
		raw, err := json.Marshal(f.InputSchema)
		if err != nil {
			return Model{}, err
		}
		m.InputSchema = raw
	}
	return m, nil
}
