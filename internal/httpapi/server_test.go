package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/orchestrator"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/streaming"
	"github.com/rendis/genchain/internal/webhook"
	"github.com/rendis/genchain/pkg/schema"
)

type fakeExecutions struct {
	mu       sync.Mutex
	started  []orchestrator.StartRequest
	startErr error
	cancels  []string
}

func (f *fakeExecutions) Start(_ context.Context, req orchestrator.StartRequest) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if req.TemplateID == "missing" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", req.TemplateID)
	}
	exec := &store.Execution{ID: "exec-1", TemplateID: req.TemplateID, UserID: req.UserID, CurrentStep: 1, TotalSteps: 2,
		Status: schema.ExecutionStatusRunning}
	if f.startErr != nil {
		exec.Status = schema.ExecutionStatusFailed
		exec.ErrorStep = 1
		return exec, f.startErr
	}
	return exec, nil
}

func (f *fakeExecutions) Status(_ context.Context, id string) (*orchestrator.ExecutionStatus, error) {
	if id != "exec-1" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return &orchestrator.ExecutionStatus{
		Execution: &store.Execution{ID: id, TemplateID: "tpl-1", UserID: "user-1", Status: schema.ExecutionStatusRunning,
			CurrentStep: 2, TotalSteps: 3},
		Generations: []*store.Generation{{ID: "gen-1", Status: schema.GenerationStatusCompleted,
			WorkflowExecutionID: id, WorkflowStepNumber: 1}},
	}, nil
}

func (f *fakeExecutions) Cancel(_ context.Context, id, reason string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, reason)
	if len(f.cancels) > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is already failed", id)
	}
	return &store.Execution{ID: id, Status: schema.ExecutionStatusFailed, ErrorMessage: "cancelled: " + reason}, nil
}

type fakeGenerations struct {
	last lifecycle.CreateRequest
}

func (f *fakeGenerations) Create(_ context.Context, req lifecycle.CreateRequest) (*store.Generation, error) {
	f.last = req
	switch req.ModelRecordID {
	case "broke":
		return nil, schema.NewError(schema.ErrCodeInsufficientTokens, "balance 3 below cost 10")
	case "offline":
		return &store.Generation{ID: "gen-2", Status: schema.GenerationStatusFailed},
			schema.NewError(schema.ErrCodeDispatch, "provider unavailable")
	}
	return &store.Generation{ID: "gen-1", UserID: req.UserID, ModelRecordID: req.ModelRecordID,
		Status: schema.GenerationStatusProcessing, TokensUsed: 10}, nil
}

type fakeRecords struct {
	events []*store.Event
}

func (f *fakeRecords) GetTemplate(_ context.Context, id string) (*schema.WorkflowTemplate, error) {
	if id != "tpl-1" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", id)
	}
	return &schema.WorkflowTemplate{ID: id, Name: "teaser", Steps: []schema.StepDefinition{
		{StepNumber: 1, Name: "poster", ModelRecordID: "img-v1"},
		{StepNumber: 2, ModelRecordID: "vid-v1", InputMappings: map[string]string{"image_url": "step1.poster"}},
	}}, nil
}

func (f *fakeRecords) GetGeneration(_ context.Context, id string) (*store.Generation, error) {
	if id != "gen-1" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "generation %s not found", id)
	}
	return &store.Generation{ID: id, UserID: "user-1", Status: schema.GenerationStatusCompleted,
		StoragePath: "https://cdn.test/1.png"}, nil
}

func (f *fakeRecords) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	if id != "exec-1" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return &store.Execution{ID: id, UserID: "user-1"}, nil
}

func (f *fakeRecords) GetEvents(_ context.Context, _ string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range f.events {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeWebhooks struct {
	last webhook.Delivery
}

func (f *fakeWebhooks) Handle(_ context.Context, d webhook.Delivery) (*webhook.Receipt, error) {
	f.last = d
	if d.Signature != "sha256=good" {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "invalid signature")
	}
	return &webhook.Receipt{GenerationID: d.GenerationID, Outcome: webhook.OutcomeCompleted,
		Status: schema.GenerationStatusCompleted, Applied: true}, nil
}

type fixture struct {
	server      *httptest.Server
	executions  *fakeExecutions
	generations *fakeGenerations
	records     *fakeRecords
	webhooks    *fakeWebhooks
	hub         *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		executions:  &fakeExecutions{},
		generations: &fakeGenerations{},
		records:     &fakeRecords{},
		webhooks:    &fakeWebhooks{},
		hub:         streaming.NewMemoryHub(),
	}
	srv := NewServer(Deps{
		Executions:  f.executions,
		Generations: f.generations,
		Records:     f.records,
		Webhooks:    f.webhooks,
		Hub:         f.hub,
	})
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

// open sends a bodiless request as user-1 and leaves the response body to the caller.
func (f *fixture) open(t *testing.T, path string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, "user-1")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

var asOwner = map[string]string{UserHeader: "user-1"}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestWebhook_PassesDeliveryThrough(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/webhooks/runware?generation_id=gen-1", `{"status":"completed"}`,
		map[string]string{webhook.SignatureHeader: "sha256=good"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "runware", f.webhooks.last.Provider)
	assert.Equal(t, "gen-1", f.webhooks.last.GenerationID)
	assert.JSONEq(t, `{"status":"completed"}`, string(f.webhooks.last.Body))
}

func TestWebhook_BadSignatureIs401(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/webhooks/runware", `{}`,
		map[string]string{webhook.SignatureHeader: "sha256=bad"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeUnauthorized, errorCode(body))
}

func TestStartExecution(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/templates/tpl-1/executions", `{"input":{"subject":"a cat","n":2}}`,
		map[string]string{UserHeader: "user-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	exec := body["execution"].(map[string]any)
	assert.Equal(t, "exec-1", exec["id"])

	require.Len(t, f.executions.started, 1)
	req := f.executions.started[0]
	assert.Equal(t, "tpl-1", req.TemplateID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "a cat", req.Input.GetString("subject"))
}

func TestStartExecution_RequiresUser(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/templates/tpl-1/executions", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeUnauthorized, errorCode(body))
	assert.Empty(t, f.executions.started)
}

func TestStartExecution_UnknownTemplate(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/templates/missing/executions", `{}`, map[string]string{UserHeader: "user-1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(body))
}

func TestStartExecution_DispatchFailureReturnsExecution(t *testing.T) {
	f := newFixture(t)
	f.executions.startErr = schema.NewError(schema.ErrCodeInsufficientTokens, "balance 0 below cost 10").WithStep(1)
	resp, body := f.do(t, http.MethodPost, "/v1/templates/tpl-1/executions", `{}`, map[string]string{UserHeader: "user-1"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	exec := body["execution"].(map[string]any)
	assert.Equal(t, string(schema.ExecutionStatusFailed), exec["status"])
	assert.Equal(t, schema.ErrCodeInsufficientTokens, errorCode(body))
}

func TestGetExecution(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/executions/exec-1", "", asOwner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["generations"], 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/executions/nope", "", asOwner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecutionDiagram(t *testing.T) {
	f := newFixture(t)
	get := func(path string) (*http.Response, string) {
		resp := f.open(t, path, nil)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(raw)
	}

	resp, body := get("/v1/executions/exec-1/diagram")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/vnd.mermaid")
	assert.Contains(t, body, "step1 -->|image_url| step2")
	assert.Contains(t, body, "class step1 completed")
	assert.Contains(t, body, "class step2 waiting")

	resp, body = get("/v1/executions/exec-1/diagram?format=ascii")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "=== teaser ===")
	assert.Contains(t, body, "[OK]")

	resp, _ = get("/v1/executions/exec-1/diagram?format=svg")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get("/v1/executions/nope/diagram")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/executions/exec-1/cancel", `{"reason":"changed my mind"}`, asOwner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exec := body["execution"].(map[string]any)
	assert.Equal(t, "cancelled: changed my mind", exec["error_message"])

	resp, body = f.do(t, http.MethodPost, "/v1/executions/exec-1/cancel", "", asOwner)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeInvalidTransition, errorCode(body))
	assert.Equal(t, "cancelled by user", f.executions.cancels[1])
}

func TestCreateGeneration(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/generations",
		`{"model_record_id":"flux-dev","prompt":"a cat","params":{"width":1024}}`, map[string]string{UserHeader: "user-1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	gen := body["generation"].(map[string]any)
	assert.Equal(t, "gen-1", gen["id"])
	assert.Equal(t, "a cat", f.generations.last.Prompt)
	assert.Empty(t, f.generations.last.Correlation.WorkflowExecutionID)
	w, ok := f.generations.last.Params["width"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(1024), w)
}

func TestCreateGeneration_Errors(t *testing.T) {
	f := newFixture(t)
	user := map[string]string{UserHeader: "user-1"}

	resp, body := f.do(t, http.MethodPost, "/v1/generations", `{"prompt":"x"}`, user)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(body))

	resp, body = f.do(t, http.MethodPost, "/v1/generations", `{"model_record_id":"broke"}`, user)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Nil(t, body["generation"])

	resp, body = f.do(t, http.MethodPost, "/v1/generations", `{"model_record_id":"offline"}`, user)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	gen := body["generation"].(map[string]any)
	assert.Equal(t, string(schema.GenerationStatusFailed), gen["status"])
}

func TestGetGeneration(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/generations/gen-1", "", asOwner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gen := body["generation"].(map[string]any)
	assert.Equal(t, "https://cdn.test/1.png", gen["storage_path"])

	resp, _ = f.do(t, http.MethodGet, "/v1/generations/nope", "", asOwner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserRoutes_RequireUserHeader(t *testing.T) {
	routes := []struct{ method, path string }{
		{http.MethodPost, "/v1/templates/tpl-1/executions"},
		{http.MethodGet, "/v1/executions/exec-1"},
		{http.MethodPost, "/v1/executions/exec-1/cancel"},
		{http.MethodGet, "/v1/executions/exec-1/events"},
		{http.MethodGet, "/v1/executions/exec-1/diagram"},
		{http.MethodPost, "/v1/generations"},
		{http.MethodGet, "/v1/generations/gen-1"},
	}
	f := newFixture(t)
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			resp, body := f.do(t, rt.method, rt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, schema.ErrCodeUnauthorized, errorCode(body))
		})
	}
	assert.Empty(t, f.executions.started)
	assert.Empty(t, f.executions.cancels)
}

func TestUserRoutes_HideOtherUsersRecords(t *testing.T) {
	routes := []struct{ method, path string }{
		{http.MethodGet, "/v1/executions/exec-1"},
		{http.MethodPost, "/v1/executions/exec-1/cancel"},
		{http.MethodGet, "/v1/executions/exec-1/events"},
		{http.MethodGet, "/v1/executions/exec-1/diagram"},
		{http.MethodGet, "/v1/generations/gen-1"},
	}
	f := newFixture(t)
	intruder := map[string]string{UserHeader: "user-2"}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			resp, body := f.do(t, rt.method, rt.path, "", intruder)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, schema.ErrCodeNotFound, errorCode(body))
		})
	}
	assert.Empty(t, f.executions.cancels, "another user's execution must not be cancelled")
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(body))
}

// readSSE collects "event:" names and ids until the stream closes.
func readSSE(t *testing.T, r io.Reader) (types []string, ids []string) {
	t.Helper()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	return types, ids
}

func storedEvent(seq int64, typ string) *store.Event {
	return &store.Event{SubjectID: "exec-1", ExecutionID: "exec-1", Type: typ, Sequence: seq, Timestamp: time.Now()}
}

func TestStreamEvents_ReplaysSettledExecution(t *testing.T) {
	f := newFixture(t)
	f.records.events = []*store.Event{
		storedEvent(1, schema.EventExecutionStarted),
		storedEvent(2, schema.EventStepDispatched),
		storedEvent(3, schema.EventExecutionCompleted),
	}

	resp := f.open(t, "/v1/executions/exec-1/events", map[string]string{"Last-Event-ID": "1"})
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	types, ids := readSSE(t, resp.Body)
	assert.Equal(t, []string{schema.EventStepDispatched, schema.EventExecutionCompleted}, types)
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestStreamEvents_FollowsLiveEvents(t *testing.T) {
	f := newFixture(t)
	f.records.events = []*store.Event{storedEvent(1, schema.EventExecutionStarted)}

	resp := f.open(t, "/v1/executions/exec-1/events", nil)
	defer resp.Body.Close()

	ctx := context.Background()
	// A duplicate of a replayed event is skipped.
	require.NoError(t, f.hub.Publish(ctx, streaming.FromStore(storedEvent(1, schema.EventExecutionStarted))))
	require.NoError(t, f.hub.Publish(ctx, streaming.FromStore(storedEvent(2, schema.EventStepCompleted))))
	require.NoError(t, f.hub.Publish(ctx, streaming.StreamEvent{SubjectID: "exec-other", EventType: schema.EventStepCompleted, Sequence: 3}))
	require.NoError(t, f.hub.Publish(ctx, streaming.FromStore(storedEvent(3, schema.EventExecutionFailed))))

	types, _ := readSSE(t, resp.Body)
	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventStepCompleted, schema.EventExecutionFailed}, types)
}

func TestStreamEvents_UnknownExecution(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/executions/nope/events", "", asOwner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(body))
}

func TestStreamEvents_InvalidCursor(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v1/executions/exec-1/events?since=abc", "", asOwner)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
