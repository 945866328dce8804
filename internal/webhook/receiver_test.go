package webhook

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/internal/expressions"
	"github.com/rendis/genchain/internal/ledger"
	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/provider"
	"github.com/rendis/genchain/internal/registry"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

type secretMap map[string]string

func (m secretMap) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

type recordingSteps struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (r *recordingSteps) OnGenerationCompleted(_ context.Context, gen *store.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, gen.ID)
	return nil
}

func (r *recordingSteps) OnGenerationFailed(_ context.Context, gen *store.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, gen.ID)
	return nil
}

const testSecret = "whsec-test"

type fixture struct {
	receiver *Receiver
	lc       *lifecycle.Service
	store    *store.SQLStore
	ledger   *ledger.Ledger
	steps    *recordingSteps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateAccount(ctx, "user-1", 100))

	reg, err := registry.New(nil, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Register(registry.Model{ID: "flux-dev", Provider: registry.ProviderRunware, TokenCost: 10}))

	l := ledger.New(s, ledger.DefaultConfig(), nil)
	lc := lifecycle.New(s, reg, l, provider.DispatcherFunc(func(_ context.Context, req *provider.Request) (*provider.Ack, error) {
		return &provider.Ack{ProviderTaskID: "task-" + req.GenerationID}, nil
	}))
	steps := &recordingSteps{}
	secrets := secretMap{
		SecretName(registry.ProviderRunware): testSecret,
		SecretName(registry.ProviderKieAI):   testSecret,
		SecretName(GenericProvider):          testSecret,
	}
	rcv, err := NewReceiver(lc, s, steps, secrets)
	require.NoError(t, err)
	return &fixture{receiver: rcv, lc: lc, store: s, ledger: l, steps: steps}
}

func (f *fixture) generation(t *testing.T, corr provider.Correlation) *store.Generation {
	t.Helper()
	gen, err := f.lc.Create(context.Background(), lifecycle.CreateRequest{
		UserID: "user-1", ModelRecordID: "flux-dev", Prompt: "a cat", Correlation: corr,
	})
	require.NoError(t, err)
	return gen
}

func signed(providerName, genID string, body any) Delivery {
	raw, _ := json.Marshal(body)
	return Delivery{
		Provider:     providerName,
		GenerationID: genID,
		Signature:    Sign([]byte(testSecret), raw),
		Body:         raw,
	}
}

func TestHandle_CompletesGeneration(t *testing.T) {
	f := newFixture(t)
	gen := f.generation(t, provider.Correlation{})

	receipt, err := f.receiver.Handle(context.Background(), signed(GenericProvider, gen.ID, map[string]any{
		"status": "completed", "outputs": []string{"https://cdn.test/cat.png"},
	}))
	require.NoError(t, err)
	assert.True(t, receipt.Applied)
	assert.Equal(t, schema.GenerationStatusCompleted, receipt.Status)

	stored, err := f.store.GetGeneration(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/cat.png", stored.StoragePath)
	assert.NotEmpty(t, stored.ProviderResponse)
	// Standalone generations never reach the orchestrator.
	assert.Empty(t, f.steps.completed)
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	gen := f.generation(t, provider.Correlation{})
	ctx := context.Background()
	d := signed(GenericProvider, gen.ID, map[string]any{"status": "failed", "error": "nsfw"})

	first, err := f.receiver.Handle(ctx, d)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := f.receiver.Handle(ctx, d)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, schema.GenerationStatusFailed, second.Status)

	bal, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "refund applied once")

	stored, err := f.store.GetGeneration(ctx, gen.ID)
	require.NoError(t, err)
	assert.Equal(t, "nsfw", stored.ErrorMessage)
}

func TestHandle_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	gen := f.generation(t, provider.Correlation{})

	d := signed(GenericProvider, gen.ID, map[string]any{"status": "completed", "outputs": []string{"x"}})
	d.Signature = Sign([]byte("wrong"), d.Body)

	_, err := f.receiver.Handle(context.Background(), d)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnauthorized))

	stored, err := f.store.GetGeneration(context.Background(), gen.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GenerationStatusProcessing, stored.Status)
}

func TestHandle_RejectsUnknownProviderSecret(t *testing.T) {
	f := newFixture(t)
	d := signed("acme", "", map[string]any{"status": "completed"})
	_, err := f.receiver.Handle(context.Background(), d)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnauthorized))
}

func TestHandle_ProgressIsNoop(t *testing.T) {
	f := newFixture(t)
	gen := f.generation(t, provider.Correlation{})

	receipt, err := f.receiver.Handle(context.Background(), signed(GenericProvider, gen.ID, map[string]any{"status": "running"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProgress, receipt.Outcome)
	assert.False(t, receipt.Applied)
}

func TestHandle_LocatesByProviderTaskID(t *testing.T) {
	f := newFixture(t)
	gen := f.generation(t, provider.Correlation{})

	body := map[string]any{"data": []any{map[string]any{
		"taskType": "imageInference", "taskUUID": gen.ProviderTaskID, "imageURL": "https://runware.test/out.webp",
	}}}
	receipt, err := f.receiver.Handle(context.Background(), signed(registry.ProviderRunware, "", body))
	require.NoError(t, err)
	assert.Equal(t, gen.ID, receipt.GenerationID)
	assert.True(t, receipt.Applied)
}

func TestHandle_WorkflowGenerationReachesOrchestrator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tpl := &schema.WorkflowTemplate{ID: "tpl-1", Name: "one", Steps: []schema.StepDefinition{
		{StepNumber: 1, ModelRecordID: "flux-dev", PromptTemplate: "x", OutputKey: "image_url"},
	}}
	require.NoError(t, f.store.StoreTemplate(ctx, tpl))
	exec := &store.Execution{ID: "exec-1", TemplateID: tpl.ID, UserID: "user-1", CurrentStep: 1, TotalSteps: 1,
		StepOutputs: schema.StepOutputs{}, Status: schema.ExecutionStatusRunning}
	require.NoError(t, f.store.CreateExecution(ctx, exec))
	gen := f.generation(t, provider.Correlation{WorkflowExecutionID: "exec-1", WorkflowStepNumber: 1})

	d := signed(GenericProvider, gen.ID, map[string]any{"status": "completed", "outputs": []string{"https://cdn.test/1.png"}})
	_, err := f.receiver.Handle(ctx, d)
	require.NoError(t, err)
	_, err = f.receiver.Handle(ctx, d)
	require.NoError(t, err)

	// Both deliveries reach the orchestrator, which owns replay protection.
	assert.Equal(t, []string{gen.ID, gen.ID}, f.steps.completed)
}

func TestAdapters_KieAIResultJSON(t *testing.T) {
	jq := expressions.NewGoJQEngine()
	a := DefaultAdapters()[registry.ProviderKieAI]
	require.NoError(t, a.Compile(jq))

	var body any
	require.NoError(t, json.Unmarshal([]byte(`{
		"code": 200,
		"data": {"taskId": "kie-1", "state": "success",
		         "resultJson": "{\"resultUrls\":[\"https://kie.test/a.mp4\",\"https://kie.test/b.mp4\"]}"}
	}`), &body))
	res, err := a.Extract(context.Background(), jq, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "kie-1", res.TaskID)
	assert.Equal(t, []string{"https://kie.test/a.mp4", "https://kie.test/b.mp4"}, res.Outputs)

	require.NoError(t, json.Unmarshal([]byte(`{"code": 501, "msg": "quota", "data": {"taskId": "kie-2", "state": "fail", "failMsg": "content policy"}}`), &body))
	res, err = a.Extract(context.Background(), jq, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "content policy", res.Error)
	assert.Empty(t, res.Outputs)
}

func TestAdapters_RunwareError(t *testing.T) {
	jq := expressions.NewGoJQEngine()
	a := DefaultAdapters()[registry.ProviderRunware]

	var body any
	require.NoError(t, json.Unmarshal([]byte(`{"errors":[{"taskUUID":"rw-1","message":"invalid model"}]}`), &body))
	res, err := a.Extract(context.Background(), jq, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "rw-1", res.TaskID)
	assert.Equal(t, "invalid model", res.Error)
}

func TestSignature(t *testing.T) {
	body := []byte(`{"ok":true}`)
	sig := Sign([]byte("k"), body)
	assert.True(t, Verify([]byte("k"), body, sig))
	assert.True(t, Verify([]byte("k"), body, sig[len("sha256="):]))
	assert.False(t, Verify([]byte("k"), []byte(`{"ok":false}`), sig))
	assert.False(t, Verify([]byte("k"), body, "sha256=zz"))
	assert.False(t, Verify([]byte("k"), body, ""))
	assert.Equal(t, "WEBHOOK_SECRET_KIE_AI", SecretName("kie_ai"))
}
