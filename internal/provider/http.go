package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/telemetry"
	"github.com/rendis/genchain/pkg/schema"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 1 << 20
)

// taskIDPaths are tried in order against the provider's acceptance body.
var taskIDPaths = []string{"data.taskId", "data.task_id", "taskId", "task_id", "id", "data.0.taskUUID"}

// HTTPConfig configures HTTPDispatcher.
type HTTPConfig struct {
	// CallbackBaseURL is the public base of this service, e.g. https://api.example.com.
	CallbackBaseURL string                      `mapstructure:"callback_base_url"`
	Timeout         time.Duration               `mapstructure:"timeout"`
	MaxResponseBody int64                       `mapstructure:"max_response_body"`
	Retry           engine.RetryPolicy          `mapstructure:"retry"`
	Breaker         engine.CircuitBreakerConfig `mapstructure:"breaker"`
}

// HTTPDispatcher posts jobs to model endpoints as JSON.
type HTTPDispatcher struct {
	client   *http.Client
	cfg      HTTPConfig
	breakers *engine.CircuitBreakerRegistry
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewHTTPDispatcher creates a dispatcher. breakers may be shared across
// dispatchers; nil creates a private registry.
func NewHTTPDispatcher(cfg HTTPConfig, breakers *engine.CircuitBreakerRegistry, metrics *telemetry.Metrics, logger *slog.Logger) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = engine.DefaultRetryPolicy()
	}
	if breakers == nil {
		breakers = engine.NewCircuitBreakerRegistry(cfg.Breaker)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDispatcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
	}
}

// Breakers exposes the circuit breaker registry.
func (d *HTTPDispatcher) Breakers() *engine.CircuitBreakerRegistry { return d.breakers }

type requestBody struct {
	Prompt      string         `json:"prompt,omitempty"`
	Parameters  schema.Params  `json:"parameters"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// CallbackURL is the webhook address a provider reports a generation to.
func CallbackURL(base, providerName, generationID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/v1/webhooks/" + url.PathEscape(providerName) +
		"?generation_id=" + url.QueryEscape(generationID)
}

// Invoke posts the job, retrying transient failures behind the provider's
// circuit breaker. Every failure surfaces as DISPATCH_ERROR.
func (d *HTTPDispatcher) Invoke(ctx context.Context, req *Request) (*Ack, error) {
	if req.Model == nil || req.Model.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeDispatch, "model has no endpoint")
	}
	providerName := req.Model.Provider

	body, err := json.Marshal(requestBody{
		Prompt:      req.Prompt,
		Parameters:  req.Params,
		CallbackURL: CallbackURL(d.cfg.CallbackBaseURL, providerName, req.GenerationID),
		Metadata: map[string]any{
			"generation_id":         req.GenerationID,
			"model_record_id":       req.Model.ID,
			"workflow_execution_id": req.Correlation.WorkflowExecutionID,
			"workflow_step_number":  req.Correlation.WorkflowStepNumber,
		},
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "encode provider request").WithCause(err)
	}

	var ack *Ack
	attempts := 0
	err = engine.Retry(ctx, d.cfg.Retry, func(ctx context.Context, attempt int) error {
		attempts = attempt + 1
		return d.breakers.Do(ctx, providerName, func(ctx context.Context) error {
			start := time.Now()
			a, err := d.post(ctx, req, body)
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			d.metrics.Dispatch(ctx, providerName, outcome, time.Since(start))
			if err != nil {
				d.logger.WarnContext(ctx, "provider dispatch attempt failed",
					"provider", providerName, "generation_id", req.GenerationID,
					"attempt", attempt+1, "error", err)
				return err
			}
			ack = a
			return nil
		})
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "dispatch to %s failed: %v", providerName, err).
			WithCause(err).
			WithDetails(map[string]any{"provider": providerName, "attempts": attempts})
	}
	return ack, nil
}

func (d *HTTPDispatcher) post(ctx context.Context, req *Request, body []byte) (*Ack, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Model.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "build provider request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.GenerationID)
	httpReq.Header.Set("X-Genchain-Generation-Id", req.GenerationID)
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "read response: %v", err).WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "provider returned %d: %s", resp.StatusCode, snippet(raw)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	case resp.StatusCode >= 300:
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "provider rejected request with %d: %s", resp.StatusCode, snippet(raw)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	ack := &Ack{}
	if json.Valid(raw) {
		ack.Raw = raw
		var v schema.Value
		if err := json.Unmarshal(raw, &v); err == nil {
			ack.ProviderTaskID = taskID(v)
		}
	}
	return ack, nil
}

func taskID(v schema.Value) string {
	for _, p := range taskIDPaths {
		found, ok := v.Lookup(p)
		if !ok || found.IsNull() {
			continue
		}
		if s, isString := found.AsString(); isString && s != "" {
			return s
		}
		if n, isNumber := found.AsNumber(); isNumber {
			return strconv.FormatInt(int64(n), 10)
		}
	}
	return ""
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	if s == "" {
		return fmt.Sprintf("(%d bytes)", len(b))
	}
	return s
}
