package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/pkg/schema"
)

const yamlCatalog = `
models:
  - id: flux-dev
    name: Flux Dev
    provider: runware
    content_type: prompt_to_image
    endpoint: https://api.runware.test/v1/generate
    token_cost: 4
    cost_expr: "base * (params.num_images ?? 1)"
    input_schema:
      type: object
      properties:
        num_images: {type: integer, minimum: 1}
        width: {type: integer}
    rules:
      - expr: "!has(params.num_images) || params.num_images <= 4.0"
        message: at most 4 images per request
  - id: 8aac94cb-5625-47f4-880c-4f0fd8bd83a1
    name: Veo 3
    provider: kie_ai
    content_type: prompt_to_video
    endpoint: https://api.kie.test/veo
    token_cost: 40
`

const tomlCatalog = `
[[models]]
id = "suno"
provider = "kie_ai"
content_type = "prompt_to_audio"
endpoint = "https://api.kie.test/suno"
token_cost = 12

[models.input_schema]
type = "object"

[[models.rules]]
expr = "params.duration <= 240.0"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func newTestRegistry(t *testing.T, keys KeyLookup) *Registry {
	t.Helper()
	r, err := New(keys, nil)
	require.NoError(t, err)
	require.NoError(t, r.LoadFile(writeFile(t, "models.yaml", yamlCatalog)))
	require.NoError(t, r.LoadFile(writeFile(t, "audio.toml", tomlCatalog)))
	return r
}

func TestLoadCatalogs(t *testing.T) {
	r := newTestRegistry(t, nil)

	models := r.List()
	require.Len(t, models, 3)
	assert.Equal(t, "8aac94cb-5625-47f4-880c-4f0fd8bd83a1", models[0].ID)

	flux, err := r.GetModel("flux-dev")
	require.NoError(t, err)
	assert.Equal(t, ProviderRunware, flux.Provider)
	assert.JSONEq(t, `{"type":"object","properties":{"num_images":{"type":"integer","minimum":1},"width":{"type":"integer"}}}`,
		string(flux.InputSchema))
	require.Len(t, flux.Rules, 1)

	suno, err := r.GetModel("suno")
	require.NoError(t, err)
	assert.Equal(t, int64(12), suno.TokenCost)
	assert.Len(t, suno.Rules, 1)

	assert.True(t, r.HasModel("suno"))
	_, err = r.GetModel("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRegister_RejectsBrokenEntries(t *testing.T) {
	r, err := New(nil, nil)
	require.NoError(t, err)

	assert.Error(t, r.Register(Model{ID: "a", CostExpr: "base *"}))
	assert.Error(t, r.Register(Model{ID: "b", Rules: []Rule{{Expr: "params.x >"}}}))
	assert.Error(t, r.Register(Model{ID: "c", InputSchema: []byte(`{"type": 5}`)}))
	assert.Error(t, r.Register(Model{}))
	assert.Empty(t, r.List())
}

func TestParseCatalog_UnknownFormat(t *testing.T) {
	_, err := ParseCatalog([]byte("x"), ".ini")
	assert.Error(t, err)
}

func TestPrice(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	flux, _ := r.GetModel("flux-dev")

	cost, err := r.Price(ctx, flux, schema.Params{"num_images": schema.Int(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(12), cost)

	cost, err = r.Price(ctx, flux, schema.Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), cost)

	veo, _ := r.GetModel("8aac94cb-5625-47f4-880c-4f0fd8bd83a1")
	cost, err = r.Price(ctx, veo, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(40), cost)
}

func TestValidateParams(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	flux, _ := r.GetModel("flux-dev")

	assert.NoError(t, r.ValidateParams(ctx, flux, schema.Params{"num_images": schema.Int(2)}, "u1"))

	err := r.ValidateParams(ctx, flux, schema.Params{"num_images": schema.Int(6)}, "u1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "at most 4 images")

	err = r.ValidateParams(ctx, flux, schema.Params{"num_images": schema.String("two")}, "u1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestAPIKeyEnv_RoutingTable(t *testing.T) {
	cases := []struct {
		model Model
		want  string
		ok    bool
	}{
		{Model{ID: "8aac94cb-5625-47f4-880c-4f0fd8bd83a1", Provider: ProviderKieAI, ContentType: ContentPromptToVideo}, "KIE_AI_API_KEY_VEO3", true},
		{Model{ID: "c6e5b4a3-5d2f-1c0e-6a9f-3d5b6c7e4a8f", Provider: ProviderKieAI, ContentType: ContentPromptToVideo}, "KIE_AI_API_KEY_SORA2", true},
		{Model{ID: "c7e9a5f3-8d4b-6f2c-9a1e-5d8b3c7f4a6e", Provider: ProviderKieAI, ContentType: ContentImageEditing}, "KIE_AI_API_KEY_NANO_BANANA", true},
		{Model{ID: "d2ffb834-fc59-4c80-bf48-c2cc25281fdd", Provider: ProviderKieAI, ContentType: ContentPromptToImage}, "KIE_AI_API_KEY_SEEDREAM_V4", true},
		{Model{ID: "x", Provider: ProviderKieAI, ContentType: ContentPromptToAudio}, "KIE_AI_API_KEY_PROMPT_TO_AUDIO", true},
		{Model{ID: "x", Provider: ProviderKieAI, ContentType: ContentImageToVideo}, "KIE_AI_API_KEY_IMAGE_TO_VIDEO", true},
		{Model{ID: "x", Provider: ProviderRunware, ContentType: ContentPromptToImage}, "RUNWARE_API_KEY_PROMPT_TO_IMAGE", true},
		{Model{ID: "x", Provider: ProviderRunware, ContentType: ContentImageEditing}, "RUNWARE_API_KEY_IMAGE_EDITING", true},
		{Model{ID: "x", Provider: ProviderRunware, ContentType: ContentPromptToVideo}, "", false},
		{Model{ID: "x", Provider: "other", ContentType: ContentPromptToImage, APIKeyEnv: "OTHER_KEY"}, "OTHER_KEY", true},
	}
	for _, tc := range cases {
		got, ok := APIKeyEnv(&tc.model)
		assert.Equal(t, tc.ok, ok, tc.model.ID+"/"+tc.model.ContentType)
		assert.Equal(t, tc.want, got, tc.model.ID+"/"+tc.model.ContentType)
	}
}

type mapKeys map[string]string

func (m mapKeys) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

func TestAPIKey(t *testing.T) {
	r := newTestRegistry(t, mapKeys{"KIE_AI_API_KEY_VEO3": "veo-key"})
	ctx := context.Background()

	veo, _ := r.GetModel("8aac94cb-5625-47f4-880c-4f0fd8bd83a1")
	key, err := r.APIKey(ctx, veo)
	require.NoError(t, err)
	assert.Equal(t, "veo-key", key)

	// Mapped but unconfigured: empty key, no error.
	flux, _ := r.GetModel("flux-dev")
	key, err = r.APIKey(ctx, flux)
	require.NoError(t, err)
	assert.Empty(t, key)

	// Unmapped: empty key, no error.
	key, err = r.APIKey(ctx, &Model{ID: "z", Provider: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, key)
}
