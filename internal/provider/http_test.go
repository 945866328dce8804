package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/registry"
	"github.com/rendis/genchain/pkg/schema"
)

func fastConfig() HTTPConfig {
	return HTTPConfig{
		CallbackBaseURL: "https://genchain.test/",
		Retry:           engine.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, Backoff: engine.BackoffConstant},
		Breaker:         engine.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	}
}

func testRequest(endpoint string) *Request {
	return &Request{
		GenerationID: "gen-1",
		UserID:       "u1",
		Model:        &registry.Model{ID: "flux", Provider: "runware", Endpoint: endpoint},
		APIKey:       "secret-key",
		Prompt:       "a cat",
		Params:       schema.Params{"width": schema.Int(512)},
		Correlation:  Correlation{WorkflowExecutionID: "exec-1", WorkflowStepNumber: 2},
	}
}

func TestInvoke_Accepted(t *testing.T) {
	var got map[string]any
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"task-42"}}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(fastConfig(), nil, nil, nil)
	ack, err := d.Invoke(context.Background(), testRequest(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "task-42", ack.ProviderTaskID)
	assert.JSONEq(t, `{"code":200,"data":{"taskId":"task-42"}}`, string(ack.Raw))
	assert.Equal(t, "Bearer secret-key", headers.Get("Authorization"))
	assert.Equal(t, "gen-1", headers.Get("Idempotency-Key"))
	assert.Equal(t, "a cat", got["prompt"])
	assert.Equal(t, "https://genchain.test/v1/webhooks/runware?generation_id=gen-1", got["callback_url"])
	meta := got["metadata"].(map[string]any)
	assert.Equal(t, "exec-1", meta["workflow_execution_id"])
	assert.Equal(t, float64(2), meta["workflow_step_number"])
	assert.Equal(t, float64(512), got["parameters"].(map[string]any)["width"])
}

func TestInvoke_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"t-2"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(fastConfig(), nil, nil, nil)
	ack, err := d.Invoke(context.Background(), testRequest(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "t-2", ack.ProviderTaskID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, engine.CircuitClosed, d.Breakers().State("runware"))
}

func TestInvoke_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad size"}`))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(fastConfig(), nil, nil, nil)
	_, err := d.Invoke(context.Background(), testRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatch))
	assert.Contains(t, err.Error(), "bad size")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, engine.CircuitClosed, d.Breakers().State("runware"))
}

func TestInvoke_BreakerOpensAfterRepeatedOutages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(fastConfig(), nil, nil, nil)
	_, err := d.Invoke(context.Background(), testRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatch))
	// Threshold 2: the third attempt is short-circuited.
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, engine.CircuitOpen, d.Breakers().State("runware"))

	_, err = d.Invoke(context.Background(), testRequest(srv.URL))
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvoke_NoEndpoint(t *testing.T) {
	d := NewHTTPDispatcher(fastConfig(), nil, nil, nil)
	_, err := d.Invoke(context.Background(), testRequest(""))
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatch))
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "", CallbackURL("", "kie_ai", "g"))
	assert.Equal(t, "https://x/v1/webhooks/kie_ai?generation_id=a+b", CallbackURL("https://x", "kie_ai", "a b"))
}

func TestTaskID_Numeric(t *testing.T) {
	var v schema.Value
	require.NoError(t, json.Unmarshal([]byte(`{"task_id": 991}`), &v))
	assert.Equal(t, "991", taskID(v))
}
