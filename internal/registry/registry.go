package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/rendis/genchain/internal/expressions"
	"github.com/rendis/genchain/internal/validation"
	"github.com/rendis/genchain/pkg/schema"
)

// KeyLookup resolves a credential by name.
type KeyLookup interface {
	Lookup(ctx context.Context, name string) (value string, found bool, err error)
}

// Registry holds the model catalog. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model

	pricing *expressions.ExprEngine
	rules   *expressions.CELEngine
	schemas *validation.JSONSchemaValidator
	keys    KeyLookup
	logger  *slog.Logger
}

// New creates an empty registry. keys may be nil, in which case models
// are dispatched without credentials.
func New(keys KeyLookup, logger *slog.Logger) (*Registry, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		models:  make(map[string]*Model),
		pricing: expressions.NewExprEngine(),
		rules:   celEngine,
		schemas: schemas,
		keys:    keys,
		logger:  logger,
	}, nil
}

// Register adds or replaces models. Expressions and schemas are compiled up
// front so a bad catalog fails at load rather than at dispatch.
func (r *Registry) Register(models ...Model) error {
	for i := range models {
		m := models[i]
		if m.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "model without id")
		}
		if m.CostExpr != "" {
			if err := r.pricing.Compile(m.CostExpr); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "model %s: cost_expr: %v", m.ID, err).WithCause(err)
			}
		}
		for _, rule := range m.Rules {
			if err := r.rules.Compile(rule.Expr); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "model %s: rule %q: %v", m.ID, rule.Expr, err).WithCause(err)
			}
		}
		if len(m.InputSchema) > 0 {
			if err := r.schemas.CheckSchema(m.InputSchema); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "model %s: input_schema: %v", m.ID, err).WithCause(err)
			}
		}
		if _, ok := APIKeyEnv(&m); !ok {
			r.logger.Warn("no api key mapping for model",
				"model_record_id", m.ID, "provider", m.Provider, "content_type", m.ContentType)
		}

		r.mu.Lock()
		r.models[m.ID] = &m
		r.mu.Unlock()
	}
	return nil
}

// LoadFile reads a catalog from a .yaml, .yml, .toml or .json file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}
	models, err := ParseCatalog(data, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return r.Register(models...)
}

// ParseCatalog decodes catalog bytes. ext selects the format.
func ParseCatalog(data []byte, ext string) ([]Model, error) {
	var file catalogFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode yaml catalog: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("decode toml catalog: %w", err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("decode json catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}

	models := make([]Model, 0, len(file.Models))
	for _, f := range file.Models {
		m, err := f.toModel()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", f.ID, err)
		}
		models = append(models, m)
	}
	return models, nil
}

// GetModel returns the catalog entry for recordID.
func (r *Registry) GetModel(recordID string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[recordID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "model %q not found", recordID)
	}
	return m, nil
}

// HasModel satisfies validation.ModelLookup.
func (r *Registry) HasModel(recordID string) bool {
	_, err := r.GetModel(recordID)
	return err == nil
}

// List returns all models sorted by id.
func (r *Registry) List() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Price returns the token cost of running m with params. cost_expr sees
// params and base (the flat token_cost); without it the flat cost applies.
func (r *Registry) Price(ctx context.Context, m *Model, params schema.Params) (int64, error) {
	if m.CostExpr == "" {
		return m.TokenCost, nil
	}
	cost, err := r.pricing.EvaluateInt(ctx, m.CostExpr, map[string]any{
		"params": params.Map(),
		"base":   m.TokenCost,
	})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExpression, "price model %s: %v", m.ID, err).WithCause(err)
	}
	return cost, nil
}

// ValidateParams checks params against the model's input schema and rules.
func (r *Registry) ValidateParams(ctx context.Context, m *Model, params schema.Params, userID string) error {
	if err := r.schemas.ValidateInput(params, m.InputSchema); err != nil {
		if ge, ok := err.(*schema.GenchainError); ok {
			ge.Message = fmt.Sprintf("model %s parameters: %s", m.ID, ge.Message)
		}
		return err
	}
	if len(m.Rules) == 0 {
		return nil
	}
	data := map[string]any{
		"params": params.Map(),
		"model":  m.Meta(),
		"user":   map[string]any{"id": userID},
	}
	for _, rule := range m.Rules {
		ok, err := r.rules.EvaluateBool(ctx, rule.Expr, data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "model %s rule %q: %v", m.ID, rule.Expr, err).WithCause(err)
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = "rule failed: " + rule.Expr
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "model %s: %s", m.ID, msg).
				WithDetails(map[string]any{"rule": rule.Expr})
		}
	}
	return nil
}

// APIKey resolves the credential m is dispatched with. A model with no
// mapping, or whose key is not configured, gets "" and a warning.
func (r *Registry) APIKey(ctx context.Context, m *Model) (string, error) {
	name, ok := APIKeyEnv(m)
	if !ok {
		r.logger.WarnContext(ctx, "no api key mapping for model",
			"model_record_id", m.ID, "provider", m.Provider, "content_type", m.ContentType)
		return "", nil
	}
	if r.keys == nil {
		return "", nil
	}
	key, found, err := r.keys.Lookup(ctx, name)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault, "resolve %s: %v", name, err).WithCause(err)
	}
	if !found {
		r.logger.WarnContext(ctx, "api key not configured", "model_record_id", m.ID, "key", name)
	}
	return key, nil
}

var _ validation.ModelLookup = (*Registry)(nil)
