package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/pkg/schema"
)

func testContext() schema.Value {
	return BuildContext(
		schema.Params{"topic": schema.String("space"), "count": schema.Int(3)},
		schema.StepOutputs{
			"step1": {OutputKey: "image", Value: schema.String("https://cdn/img.png"), GenerationID: "g1"},
			"step2": {OutputKey: "caption", Value: schema.String("a cat"), GenerationID: "g2"},
		},
	)
}

func TestReplaceTemplateVariables_Policies(t *testing.T) {
	ctx := testContext()
	tpl := "Draw {{ user.topic }} with {{step2.caption}} and {{step9.nothing}}"

	got, err := ReplaceTemplateVariables(tpl, ctx, MissingEmpty)
	require.NoError(t, err)
	assert.Equal(t, "Draw space with a cat and ", got)

	got, err = ReplaceTemplateVariables(tpl, ctx, MissingKeep)
	require.NoError(t, err)
	assert.Equal(t, "Draw space with a cat and {{step9.nothing}}", got)

	_, err = ReplaceTemplateVariables(tpl, ctx, MissingError)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
	assert.Contains(t, err.Error(), "step9.nothing")
}

func TestReplaceTemplateVariables_Rendering(t *testing.T) {
	ctx := testContext()

	got, err := ReplaceTemplateVariables("n={{user.count}} id={{step1.generation_id}}", ctx, MissingError)
	require.NoError(t, err)
	assert.Equal(t, "n=3 id=g1", got)

	got, err = ReplaceTemplateVariables("plain text", ctx, MissingError)
	require.NoError(t, err)
	assert.Equal(t, "plain text", got)

	got, err = ReplaceTemplateVariables("broken {{user.topic", ctx, MissingError)
	require.NoError(t, err)
	assert.Equal(t, "broken {{user.topic", got)

	got, err = ReplaceTemplateVariables("{{}} stays", ctx, MissingError)
	require.NoError(t, err)
	assert.Equal(t, "{{}} stays", got)
}

func TestParseMissingPolicy(t *testing.T) {
	p, err := ParseMissingPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MissingEmpty, p)

	p, err = ParseMissingPolicy("ERROR")
	require.NoError(t, err)
	assert.Equal(t, MissingError, p)

	_, err = ParseMissingPolicy("loud")
	assert.Error(t, err)
}

func TestReferences(t *testing.T) {
	refs := References("{{user.a}} then {{ step2.b }} {{user.a}} {{unterminated")
	assert.Equal(t, []string{"user.a", "step2.b", "user.a"}, refs)
	assert.Empty(t, References("none"))
}

func TestResolveInputMappings(t *testing.T) {
	params, missing := ResolveInputMappings(map[string]string{
		"image_url": "step1.image",
		"caption":   "{{step2.caption}}",
		"style":     "user.style",
	}, testContext())

	assert.Equal(t, "https://cdn/img.png", params.GetString("image_url"))
	assert.Equal(t, "a cat", params.GetString("caption"))
	_, present := params["style"]
	assert.False(t, present)
	assert.Equal(t, []string{"user.style"}, missing)
}

func TestBuildContext_IsolatedFromInput(t *testing.T) {
	input := schema.Params{"tags": schema.Array(schema.String("a"))}
	ctx := BuildContext(input, nil)
	input["tags"] = schema.String("changed")

	v, ok := ctx.Lookup("user.tags.0")
	require.True(t, ok)
	assert.Equal(t, "a", v.Text())
}

func TestBuildPrompt(t *testing.T) {
	ctx := testContext()
	step := &schema.StepDefinition{StepNumber: 3, PromptTemplate: "Illustrate {{step2.caption}}"}

	params := schema.Params{}
	prompt, err := BuildPrompt(step, params, ctx, MissingEmpty)
	require.NoError(t, err)
	assert.Equal(t, "Illustrate a cat", prompt)

	params = schema.Params{"prompt": schema.String("Override: {{user.topic}}"), "seed": schema.Int(1)}
	prompt, err = BuildPrompt(step, params, ctx, MissingEmpty)
	require.NoError(t, err)
	assert.Equal(t, "Override: space", prompt)
	_, present := params["prompt"]
	assert.False(t, present)
	assert.Len(t, params, 1)
}

func TestCoerceParametersToSchema(t *testing.T) {
	inputSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"width":    {"type": "integer"},
			"strength": {"type": "number"},
			"hd":       {"type": ["boolean", "null"]},
			"seed":     {"type": "string"},
			"images":   {"type": "array"},
			"loop":     {"type": "boolean"}
		}
	}`)

	in := schema.Params{
		"width":    schema.String("1024"),
		"strength": schema.String(" 0.75 "),
		"hd":       schema.String("true"),
		"seed":     schema.Int(42),
		"images":   schema.String("https://x/y.png"),
		"loop":     schema.String("sometimes"),
		"extra":    schema.String("5"),
	}
	out := CoerceParametersToSchema(in, inputSchema)

	assert.True(t, out["width"].Equal(schema.Int(1024)))
	assert.True(t, out["strength"].Equal(schema.Number(0.75)))
	assert.True(t, out["hd"].Equal(schema.Bool(true)))
	assert.True(t, out["seed"].Equal(schema.String("42")))
	assert.True(t, out["images"].Equal(schema.Array(schema.String("https://x/y.png"))))
	// Uncoercible and undeclared values are left alone.
	assert.True(t, out["loop"].Equal(schema.String("sometimes")))
	assert.True(t, out["extra"].Equal(schema.String("5")))
	// Input untouched.
	assert.True(t, in["width"].Equal(schema.String("1024")))
}

func TestCoerceParametersToSchema_NoSchema(t *testing.T) {
	in := schema.Params{"width": schema.String("5")}
	assert.True(t, CoerceParametersToSchema(in, nil)["width"].Equal(schema.String("5")))
	assert.True(t, CoerceParametersToSchema(in, json.RawMessage(`not json`))["width"].Equal(schema.String("5")))
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	paths []string
	err   error
}

func (f *fakeUploader) UploadAndSign(_ context.Context, data []byte, contentType, objectPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	f.paths = append(f.paths, objectPath)
	return fmt.Sprintf("https://storage/%s?sig=%d", objectPath, f.calls), nil
}

type mapIndex struct {
	mu sync.Mutex
	m  map[string]string
}

func (i *mapIndex) Lookup(_ context.Context, key string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	url, ok := i.m[key]
	return url, ok, nil
}

func (i *mapIndex) Remember(_ context.Context, key, url string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[key] = url
	return nil
}

func pngURI() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("\x89PNG fake image bytes"))
}

func TestSanitize_NoDedupUploadsEveryTime(t *testing.T) {
	up := &fakeUploader{}
	s := NewSanitizer(up)
	ctx := context.Background()
	params := schema.Params{"image": schema.String(pngURI()), "prompt": schema.String("keep me")}

	first, err := s.SanitizeParametersForProviders(ctx, params, "u1")
	require.NoError(t, err)
	second, err := s.SanitizeParametersForProviders(ctx, params, "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, up.calls)
	assert.NotEqual(t, first.GetString("image"), second.GetString("image"))
	assert.Equal(t, "keep me", first.GetString("prompt"))
	assert.Contains(t, up.paths[0], "u1/inline/")
	assert.Contains(t, up.paths[0], ".png")
	// Original params keep the inline payload.
	assert.Equal(t, pngURI(), params.GetString("image"))
}

func TestSanitize_DedupReusesURL(t *testing.T) {
	up := &fakeUploader{}
	s := NewSanitizer(up, WithDedup(&mapIndex{m: map[string]string{}}))
	require.True(t, s.Dedup())
	ctx := context.Background()
	params := schema.Params{
		"images": schema.Array(schema.String(pngURI()), schema.String(pngURI())),
	}

	first, err := s.SanitizeParametersForProviders(ctx, params, "u1")
	require.NoError(t, err)
	second, err := s.SanitizeParametersForProviders(ctx, params, "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, up.calls)
	assert.True(t, first["images"].Equal(second["images"]))

	// Another user's identical payload is stored separately.
	_, err = s.SanitizeParametersForProviders(ctx, params, "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, up.calls)
}

func TestSanitize_UploadFailureIsHard(t *testing.T) {
	s := NewSanitizer(&fakeUploader{err: errors.New("bucket unavailable")})
	_, err := s.SanitizeParametersForProviders(context.Background(),
		schema.Params{"ref": schema.Object(map[string]schema.Value{"img": schema.String(pngURI())})}, "u1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSanitize))
	assert.Contains(t, err.Error(), "ref.img")
}

func TestSanitize_MalformedPayload(t *testing.T) {
	s := NewSanitizer(&fakeUploader{})
	_, err := s.SanitizeParametersForProviders(context.Background(),
		schema.Params{"img": schema.String("data:image/png;base64,@@@")}, "u1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeSanitize))

	out, err := s.SanitizeParametersForProviders(context.Background(),
		schema.Params{"img": schema.String("https://already/hosted.png")}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://already/hosted.png", out.GetString("img"))
}

func TestResolveStep_PromptFromPreviousStep(t *testing.T) {
	r := New(MissingEmpty, nil, nil)
	step := &schema.StepDefinition{
		StepNumber:     3,
		PromptTemplate: "A watercolor of {{step2.caption}} in {{user.topic}}",
		InputMappings:  map[string]string{"image_url": "step1.image"},
		Parameters:     schema.Params{"steps": schema.String("30"), "style": schema.String("{{user.topic}}-art")},
	}
	res, err := r.ResolveStep(context.Background(), step, testContext(), "u1",
		json.RawMessage(`{"properties":{"steps":{"type":"integer"}}}`))
	require.NoError(t, err)

	assert.Contains(t, res.Prompt, "a cat")
	assert.Equal(t, "https://cdn/img.png", res.Params.GetString("image_url"))
	assert.Equal(t, "space-art", res.Params.GetString("style"))
	assert.True(t, res.Params["steps"].Equal(schema.Int(30)))
}

func TestResolveStep_StrictPolicyNamesStep(t *testing.T) {
	r := New(MissingError, nil, nil)
	step := &schema.StepDefinition{StepNumber: 2, PromptTemplate: "{{step1.missing}}"}
	_, err := r.ResolveStep(context.Background(), step, testContext(), "u1", nil)
	require.Error(t, err)
	var ge *schema.GenchainError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 2, ge.Step)
}

func TestResolveStep_SanitizeFailurePropagates(t *testing.T) {
	r := New(MissingEmpty, NewSanitizer(&fakeUploader{err: errors.New("down")}), nil)
	step := &schema.StepDefinition{StepNumber: 2, Parameters: schema.Params{"image": schema.String(pngURI())}}
	_, err := r.ResolveStep(context.Background(), step, testContext(), "u1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeSanitize))
}

func TestResolveStep_MappedValuesAreNotTemplates(t *testing.T) {
	wctx := BuildContext(
		schema.Params{"note": schema.String("literal {{braces}} from the user"), "secret": schema.String("hunter2")},
		schema.StepOutputs{
			"step1": {OutputKey: "text", Value: schema.String("LLM said {{user.secret}} and {{x}}"), GenerationID: "g1"},
		},
	)
	step := &schema.StepDefinition{
		StepNumber:     2,
		PromptTemplate: "unused {{user.secret}}",
		InputMappings:  map[string]string{"caption": "user.note", "prompt": "step1.text"},
		Parameters:     schema.Params{"style": schema.String("{{user.secret}}-ink"), "caption": schema.String("static")},
	}

	for _, policy := range []MissingPolicy{MissingEmpty, MissingKeep, MissingError} {
		t.Run(string(policy), func(t *testing.T) {
			res, err := New(policy, nil, nil).ResolveStep(context.Background(), step, wctx, "u1", nil)
			require.NoError(t, err)
			assert.Equal(t, "LLM said {{user.secret}} and {{x}}", res.Prompt)
			assert.Equal(t, "literal {{braces}} from the user", res.Params.GetString("caption"))
			assert.Equal(t, "hunter2-ink", res.Params.GetString("style"))
			_, hasPrompt := res.Params[PromptParam]
			assert.False(t, hasPrompt)
		})
	}
}

func TestResolveStep_EmptyMappedPromptKeepsTemplate(t *testing.T) {
	wctx := BuildContext(schema.Params{"topic": schema.String("space"), "blank": schema.String("")}, nil)
	step := &schema.StepDefinition{
		StepNumber:     1,
		PromptTemplate: "Draw {{user.topic}}",
		InputMappings:  map[string]string{"prompt": "user.blank"},
	}
	res, err := New(MissingEmpty, nil, nil).ResolveStep(context.Background(), step, wctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Draw space", res.Prompt)
}
