// Package provider sends generation requests to third-party model APIs.
// Dispatch is fire-and-forget: the call returns once the provider accepts
// the job, and the result arrives later on the webhook.
package provider

import (
	"context"
	"encoding/json"

	"github.com/rendis/genchain/internal/registry"
	"github.com/rendis/genchain/pkg/schema"
)

// Correlation ties a dispatched generation back to its workflow step.
type Correlation struct {
	WorkflowExecutionID string `json:"workflow_execution_id,omitempty"`
	WorkflowStepNumber  int    `json:"workflow_step_number,omitempty"`
}

// Request is one generation to dispatch.
type Request struct {
	GenerationID string
	UserID       string
	Model        *registry.Model
	APIKey       string
	Prompt       string
	Params       schema.Params
	Correlation  Correlation
}

// Ack is the provider's acceptance of a job.
type Ack struct {
	ProviderTaskID string
	Raw            json.RawMessage
}

// Dispatcher invokes a provider.
type Dispatcher interface {
	Invoke(ctx context.Context, req *Request) (*Ack, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req *Request) (*Ack, error)

func (f DispatcherFunc) Invoke(ctx context.Context, req *Request) (*Ack, error) { return f(ctx, req) }
