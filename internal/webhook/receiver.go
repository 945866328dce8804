// Package webhook receives provider callbacks: it authenticates them,
// normalizes the body with a per-provider jq adapter, settles the generation
// and hands workflow generations to the orchestrator.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/genchain/internal/expressions"
	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/logging"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/telemetry"
	"github.com/rendis/genchain/pkg/schema"
)

// Lifecycle settles generations.
type Lifecycle interface {
	Complete(ctx context.Context, c lifecycle.Completion) (*store.Generation, bool, error)
	FailWith(ctx context.Context, f lifecycle.Failure) (bool, error)
}

// Generations looks generations up by id or provider task id.
type Generations interface {
	GetGeneration(ctx context.Context, id string) (*store.Generation, error)
	ListGenerations(ctx context.Context, filter store.GenerationFilter) ([]*store.Generation, error)
}

// StepHandler advances workflows. Both calls must tolerate replays.
type StepHandler interface {
	OnGenerationCompleted(ctx context.Context, gen *store.Generation) error
	OnGenerationFailed(ctx context.Context, gen *store.Generation) error
}

// SecretLookup resolves a webhook secret by name.
type SecretLookup interface {
	Lookup(ctx context.Context, name string) (value string, found bool, err error)
}

// Delivery is one inbound callback.
type Delivery struct {
	Provider     string
	GenerationID string // from the callback URL, if present
	Signature    string
	Body         []byte
}

// Receipt is what the receiver did with a delivery.
type Receipt struct {
	GenerationID string                  `json:"generation_id"`
	Outcome      Outcome                 `json:"outcome"`
	Status       schema.GenerationStatus `json:"status"`
	Applied      bool                    `json:"applied"`
}

// Receiver processes callbacks.
type Receiver struct {
	lifecycle   Lifecycle
	generations Generations
	steps       StepHandler
	secrets     SecretLookup
	adapters    map[string]Adapter
	jq          *expressions.GoJQEngine
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithAdapters adds or replaces provider adapters.
func WithAdapters(adapters map[string]Adapter) Option {
	return func(r *Receiver) {
		for name, a := range adapters {
			r.adapters[name] = a
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option { return func(r *Receiver) { r.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(r *Receiver) { r.logger = l } }

// NewReceiver creates a Receiver. steps may be nil when only standalone
// generations are served.
func NewReceiver(lc Lifecycle, generations Generations, steps StepHandler, secrets SecretLookup, opts ...Option) (*Receiver, error) {
	r := &Receiver{
		lifecycle:   lc,
		generations: generations,
		steps:       steps,
		secrets:     secrets,
		adapters:    DefaultAdapters(),
		jq:          expressions.NewGoJQEngine(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for name, a := range r.adapters {
		if err := a.Compile(r.jq); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "webhook adapter %s: %v", name, err).WithCause(err)
		}
	}
	return r, nil
}

// Handle authenticates and applies a delivery. Redeliveries after the
// generation settled return Applied=false and no error.
func (r *Receiver) Handle(ctx context.Context, d Delivery) (*Receipt, error) {
	if err := r.authenticate(ctx, d); err != nil {
		r.metrics.Webhook(ctx, d.Provider, "unauthorized")
		return nil, err
	}

	var body any
	if err := json.Unmarshal(d.Body, &body); err != nil {
		r.metrics.Webhook(ctx, d.Provider, "malformed")
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "callback body is not JSON: %v", err).WithCause(err)
	}
	adapter, ok := r.adapters[d.Provider]
	if !ok {
		adapter = r.adapters[GenericProvider]
	}
	res, err := adapter.Extract(ctx, r.jq, body)
	if err != nil {
		r.metrics.Webhook(ctx, d.Provider, "malformed")
		return nil, err
	}

	gen, err := r.locate(ctx, d, res)
	if err != nil {
		r.metrics.Webhook(ctx, d.Provider, "unknown_generation")
		return nil, err
	}
	ctx = logging.WithWorkflowStep(logging.WithGenerationID(ctx, gen.ID),
		gen.WorkflowExecutionID, gen.WorkflowStepNumber, gen.UserID)

	receipt := &Receipt{GenerationID: gen.ID, Outcome: res.Outcome, Status: gen.Status}
	switch res.Outcome {
	case OutcomeCompleted:
		done, applied, err := r.lifecycle.Complete(ctx, lifecycle.Completion{
			GenerationID:     gen.ID,
			ProviderResponse: d.Body,
			Outputs:          res.Outputs,
			Text:             res.Text,
		})
		if err != nil {
			return nil, err
		}
		gen = done
		receipt.Applied = applied
	case OutcomeFailed:
		msg := res.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		applied, err := r.lifecycle.FailWith(ctx, lifecycle.Failure{
			GenerationID: gen.ID, ProviderResponse: d.Body, ErrorMessage: msg,
		})
		if err != nil {
			return nil, err
		}
		receipt.Applied = applied
		if gen, err = r.generations.GetGeneration(ctx, gen.ID); err != nil {
			return nil, err
		}
	default:
		r.logger.DebugContext(ctx, "progress callback", "provider_status", res.Status)
		r.metrics.Webhook(ctx, d.Provider, "progress")
		return receipt, nil
	}
	receipt.Status = gen.Status
	if !receipt.Applied {
		r.logger.InfoContext(ctx, "duplicate callback ignored", "status", gen.Status)
	}
	r.metrics.Webhook(ctx, d.Provider, string(res.Outcome))

	// The orchestrator's own guard absorbs replays, so a redelivery still
	// reaches it in case an earlier delivery died before advancing.
	r.advance(ctx, gen)
	return receipt, nil
}

func (r *Receiver) advance(ctx context.Context, gen *store.Generation) {
	if r.steps == nil || !gen.InWorkflow() {
		return
	}
	var err error
	switch gen.Status {
	case schema.GenerationStatusCompleted:
		err = r.steps.OnGenerationCompleted(ctx, gen)
	case schema.GenerationStatusFailed:
		err = r.steps.OnGenerationFailed(ctx, gen)
	}
	if err != nil {
		// The generation is settled; workflow bookkeeping errors do not
		// bounce the callback.
		r.logger.ErrorContext(ctx, "advance workflow", "error", err)
	}
}

func (r *Receiver) authenticate(ctx context.Context, d Delivery) error {
	if r.secrets == nil {
		return schema.NewError(schema.ErrCodeUnauthorized, "webhook secrets not configured")
	}
	name := SecretName(d.Provider)
	secret, found, err := r.secrets.Lookup(ctx, name)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeVault, "resolve %s: %v", name, err).WithCause(err)
	}
	if !found || secret == "" {
		r.logger.WarnContext(ctx, "webhook secret not configured", "provider", d.Provider, "key", name)
		return schema.NewErrorf(schema.ErrCodeUnauthorized, "no webhook secret for provider %s", d.Provider)
	}
	if !Verify([]byte(secret), d.Body, d.Signature) {
		return schema.NewErrorf(schema.ErrCodeUnauthorized, "invalid signature for provider %s", d.Provider)
	}
	return nil
}

// locate finds the generation by the id in the callback URL, then the id in
// the body, then the provider task id.
func (r *Receiver) locate(ctx context.Context, d Delivery, res *Result) (*store.Generation, error) {
	for _, id := range []string{d.GenerationID, res.GenerationID} {
		if id == "" {
			continue
		}
		return r.generations.GetGeneration(ctx, id)
	}
	if res.TaskID != "" {
		gens, err := r.generations.ListGenerations(ctx, store.GenerationFilter{
			ProviderTaskID: res.TaskID, TopLevelOnly: true, Limit: 1,
		})
		if err != nil {
			return nil, err
		}
		if len(gens) == 1 {
			return gens[0], nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no generation for provider task %s", res.TaskID)
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "callback carries no generation or task id")
}
