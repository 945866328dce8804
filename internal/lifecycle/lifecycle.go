// Package lifecycle owns a generation from charge to terminal state: it
// deducts tokens, dispatches to the provider, records the result and refunds
// failures exactly once.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/logging"
	"github.com/rendis/genchain/internal/provider"
	"github.com/rendis/genchain/internal/registry"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/telemetry"
	"github.com/rendis/genchain/pkg/schema"
)

// Store is the persistence the lifecycle needs.
type Store interface {
	engine.EventAppender
	CreateGeneration(ctx context.Context, gen *store.Generation) error
	GetGeneration(ctx context.Context, id string) (*store.Generation, error)
	ListGenerations(ctx context.Context, filter store.GenerationFilter) ([]*store.Generation, error)
	TransitionGeneration(ctx context.Context, id string, from []schema.GenerationStatus, to schema.GenerationStatus, update store.GenerationUpdate) (bool, error)
	RefundGeneration(ctx context.Context, id string, at time.Time) (bool, error)
}

// Models is the catalog view used to price and validate a request.
type Models interface {
	GetModel(recordID string) (*registry.Model, error)
	Price(ctx context.Context, m *registry.Model, params schema.Params) (int64, error)
	ValidateParams(ctx context.Context, m *registry.Model, params schema.Params, userID string) error
	APIKey(ctx context.Context, m *registry.Model) (string, error)
}

// Charger moves tokens.
type Charger interface {
	Charge(ctx context.Context, userID string, amount int64, generationID string) error
	Refund(ctx context.Context, userID string, amount int64, generationID string) (int64, error)
}

// CreateRequest describes one generation to start.
type CreateRequest struct {
	UserID        string
	ModelRecordID string
	Prompt        string
	Params        schema.Params
	Correlation   provider.Correlation
}

// Completion is a provider's successful result. Outputs are in provider
// order; more than one output produces batch children.
type Completion struct {
	GenerationID     string
	ProviderResponse json.RawMessage
	Outputs          []string
	Text             string
}

// SweepReport summarizes one RecoverStuck pass.
type SweepReport struct {
	Failed   []*store.Generation `json:"failed"`
	Refunded int                 `json:"refunded"`

	// Stalled lists running executions failed because their current step
	// never got a generation.
	Stalled []string `json:"stalled,omitempty"`
}

// Service runs generation lifecycles.
type Service struct {
	store      Store
	models     Models
	ledger     Charger
	dispatcher provider.Dispatcher
	fsm        *engine.GenerationFSM
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now, for sweeps in tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New creates a Service.
func New(st Store, models Models, ledger Charger, dispatcher provider.Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      st,
		models:     models,
		ledger:     ledger,
		dispatcher: dispatcher,
		fsm:        engine.NewGenerationFSM(st),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates, prices and charges the request, records a pending
// generation and dispatches it. Validation and pricing failures return
// before any tokens move. Once tokens are charged, every failure path ends
// with the generation failed and refunded; the failed generation is returned
// alongside the error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Generation, error) {
	model, err := s.models.GetModel(req.ModelRecordID)
	if err != nil {
		return nil, err
	}
	params := req.Params
	if params == nil {
		params = schema.Params{}
	}
	if err := s.models.ValidateParams(ctx, model, params, req.UserID); err != nil {
		return nil, err
	}
	cost, err := s.models.Price(ctx, model, params)
	if err != nil {
		return nil, err
	}

	id := s.newID()
	ctx = logging.WithGenerationID(logging.WithUserID(ctx, req.UserID), id)

	if err := s.ledger.Charge(ctx, req.UserID, cost, id); err != nil {
		return nil, err
	}
	s.metrics.Tokens(ctx, "charge", cost)

	gen := &store.Generation{
		ID:                  id,
		UserID:              req.UserID,
		ModelRecordID:       model.ID,
		Status:              schema.GenerationStatusPending,
		Prompt:              req.Prompt,
		Parameters:          params,
		TokensUsed:          cost,
		WorkflowExecutionID: req.Correlation.WorkflowExecutionID,
		WorkflowStepNumber:  req.Correlation.WorkflowStepNumber,
		CreatedAt:           s.now(),
	}
	if err := s.store.CreateGeneration(ctx, gen); err != nil {
		// No row to flag, so the refund goes straight to the ledger.
		if _, rerr := s.ledger.Refund(ctx, req.UserID, cost, id); rerr != nil {
			s.logger.ErrorContext(ctx, "refund after failed insert", "tokens", cost, "error", rerr)
		} else {
			s.metrics.Tokens(ctx, "refund", cost)
		}
		return nil, err
	}
	s.metrics.Generation(ctx, string(schema.GenerationStatusPending))
	s.emit(ctx, s.fsm.Created(ctx, gen))

	apiKey, err := s.models.APIKey(ctx, model)
	if err != nil {
		return s.abort(ctx, gen, err)
	}
	ack, err := s.dispatcher.Invoke(ctx, &provider.Request{
		GenerationID: id,
		UserID:       req.UserID,
		Model:        model,
		APIKey:       apiKey,
		Prompt:       req.Prompt,
		Params:       params,
		Correlation:  req.Correlation,
	})
	if err != nil {
		return s.abort(ctx, gen, err)
	}

	at := s.now()
	ok, err := s.store.TransitionGeneration(ctx, id,
		[]schema.GenerationStatus{schema.GenerationStatusPending}, schema.GenerationStatusProcessing,
		store.GenerationUpdate{ProviderTaskID: ack.ProviderTaskID, ProviderResponse: ack.Raw, ProcessingAt: &at})
	if err != nil {
		// The provider has the job; its callback can still complete it.
		s.logger.ErrorContext(ctx, "record dispatch acknowledgement", "error", err)
	} else if ok {
		s.metrics.Generation(ctx, string(schema.GenerationStatusProcessing))
		s.emit(ctx, s.fsm.Transition(ctx, gen, schema.GenerationStatusPending, schema.GenerationStatusProcessing,
			map[string]any{"provider_task_id": ack.ProviderTaskID}))
	} else {
		s.logger.DebugContext(ctx, "generation settled before dispatch was recorded")
	}
	return s.store.GetGeneration(ctx, id)
}

// abort fails a generation whose dispatch never reached the provider and
// returns the failed row with the original error.
func (s *Service) abort(ctx context.Context, gen *store.Generation, cause error) (*store.Generation, error) {
	msg := "dispatch failed: " + cause.Error()
	if _, err := s.Fail(ctx, gen.ID, msg); err != nil {
		s.logger.ErrorContext(ctx, "fail undispatched generation", "error", err)
	}
	if failed, err := s.store.GetGeneration(ctx, gen.ID); err == nil {
		gen = failed
	}
	return gen, cause
}

// Complete records a successful result. It applies only from a non-terminal
// status and reports whether it did; a replayed or late completion returns
// the stored generation and false.
func (s *Service) Complete(ctx context.Context, c Completion) (*store.Generation, bool, error) {
	gen, err := s.store.GetGeneration(ctx, c.GenerationID)
	if err != nil {
		return nil, false, err
	}
	if gen.Status.IsTerminal() {
		return gen, false, nil
	}
	ctx = logging.WithGenerationID(ctx, gen.ID)

	at := s.now()
	update := store.GenerationUpdate{
		ProviderResponse: c.ProviderResponse,
		OutputText:       c.Text,
		CompletedAt:      &at,
	}
	if len(c.Outputs) > 0 {
		update.StoragePath = c.Outputs[0]
		update.OutputURL = c.Outputs[0]
	}
	ok, err := s.store.TransitionGeneration(ctx, gen.ID,
		engine.SourcesFor(schema.GenerationStatusCompleted), schema.GenerationStatusCompleted, update)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		current, err := s.store.GetGeneration(ctx, gen.ID)
		return current, false, err
	}
	s.metrics.Generation(ctx, string(schema.GenerationStatusCompleted))
	s.emit(ctx, s.fsm.Transition(ctx, gen, gen.Status, schema.GenerationStatusCompleted,
		map[string]any{"outputs": len(c.Outputs)}))

	if len(c.Outputs) > 1 {
		s.createChildren(ctx, gen, c.Outputs, at)
	}

	done, err := s.store.GetGeneration(ctx, gen.ID)
	return done, true, err
}

// createChildren records one completed child per output. The parent carries
// the charge; children cost nothing and sit outside the workflow.
func (s *Service) createChildren(ctx context.Context, parent *store.Generation, outputs []string, at time.Time) {
	for i, out := range outputs {
		child := &store.Generation{
			ID:                 s.newID(),
			UserID:             parent.UserID,
			ModelRecordID:      parent.ModelRecordID,
			Status:             schema.GenerationStatusCompleted,
			Prompt:             parent.Prompt,
			Parameters:         parent.Parameters,
			StoragePath:        out,
			OutputURL:          out,
			ParentGenerationID: parent.ID,
			OutputIndex:        i,
			CreatedAt:          at,
			CompletedAt:        &at,
		}
		if err := s.store.CreateGeneration(ctx, child); err != nil {
			s.logger.ErrorContext(ctx, "record batch output", "output_index", i, "error", err)
		}
	}
}

// Failure is a provider's failed result.
type Failure struct {
	GenerationID     string
	ProviderResponse json.RawMessage
	ErrorMessage     string
}

// Fail moves a generation to failed and refunds it. It reports whether the
// transition applied. A generation already failed but not yet refunded is
// refunded now; the store flag keeps that to once.
func (s *Service) Fail(ctx context.Context, id, message string) (bool, error) {
	return s.FailWith(ctx, Failure{GenerationID: id, ErrorMessage: message})
}

// FailWith is Fail with the provider's raw response attached.
func (s *Service) FailWith(ctx context.Context, f Failure) (bool, error) {
	gen, err := s.store.GetGeneration(ctx, f.GenerationID)
	if err != nil {
		return false, err
	}
	ctx = logging.WithGenerationID(ctx, gen.ID)
	if gen.Status == schema.GenerationStatusCompleted {
		return false, nil
	}

	applied := false
	if gen.Status != schema.GenerationStatusFailed {
		at := s.now()
		ok, err := s.store.TransitionGeneration(ctx, gen.ID,
			engine.SourcesFor(schema.GenerationStatusFailed), schema.GenerationStatusFailed,
			store.GenerationUpdate{ErrorMessage: f.ErrorMessage, ProviderResponse: f.ProviderResponse, CompletedAt: &at})
		if err != nil {
			return false, err
		}
		if ok {
			applied = true
			s.metrics.Generation(ctx, string(schema.GenerationStatusFailed))
			s.emit(ctx, s.fsm.Transition(ctx, gen, gen.Status, schema.GenerationStatusFailed,
				map[string]any{"error": f.ErrorMessage}))
		}
	}

	if err := s.refund(ctx, gen); err != nil {
		return applied, err
	}
	return applied, nil
}

func (s *Service) refund(ctx context.Context, gen *store.Generation) error {
	ok, err := s.store.RefundGeneration(ctx, gen.ID, s.now())
	if err != nil {
		return err
	}
	if ok {
		s.metrics.Tokens(ctx, "refund", gen.TokensUsed)
		s.emit(ctx, s.fsm.Refunded(ctx, gen))
		s.logger.InfoContext(ctx, "generation refunded", "tokens", gen.TokensUsed)
	}
	return nil
}

// RecoverStuck fails top-level generations that have sat in pending or
// processing longer than timeout, then refunds any failed generation whose
// refund never landed. Running it twice is harmless.
func (s *Service) RecoverStuck(ctx context.Context, timeout time.Duration) (*SweepReport, error) {
	cutoff := s.now().Add(-timeout)
	stuck, err := s.store.ListGenerations(ctx, store.GenerationFilter{
		Statuses:      []schema.GenerationStatus{schema.GenerationStatusPending, schema.GenerationStatusProcessing},
		UpdatedBefore: &cutoff,
		TopLevelOnly:  true,
	})
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, gen := range stuck {
		ok, err := s.Fail(ctx, gen.ID, fmt.Sprintf("no provider callback within %s", timeout))
		if err != nil {
			s.logger.ErrorContext(ctx, "sweep stuck generation", "generation_id", gen.ID, "error", err)
			continue
		}
		if ok {
			failed, err := s.store.GetGeneration(ctx, gen.ID)
			if err != nil {
				failed = gen
			}
			report.Failed = append(report.Failed, failed)
			report.Refunded++
		}
	}
	s.metrics.Swept(ctx, len(report.Failed))

	notRefunded := false
	orphans, err := s.store.ListGenerations(ctx, store.GenerationFilter{
		Statuses: []schema.GenerationStatus{schema.GenerationStatusFailed},
		Refunded: &notRefunded,
	})
	if err != nil {
		return report, err
	}
	for _, gen := range orphans {
		ok, err := s.store.RefundGeneration(ctx, gen.ID, s.now())
		if err != nil {
			s.logger.ErrorContext(ctx, "repair refund", "generation_id", gen.ID, "error", err)
			continue
		}
		if ok {
			report.Refunded++
			s.metrics.Tokens(ctx, "refund", gen.TokensUsed)
			s.emit(ctx, s.fsm.Refunded(ctx, gen))
		}
	}

	if len(report.Failed) > 0 || report.Refunded > 0 {
		s.logger.InfoContext(ctx, "recovery sweep", "failed", len(report.Failed), "refunded", report.Refunded)
	}
	return report, nil
}

// emit logs event-log failures. The state change already committed, so the
// caller carries on.
func (s *Service) emit(ctx context.Context, err error) {
	if err != nil {
		s.logger.WarnContext(ctx, "append event", "error", err)
	}
}
