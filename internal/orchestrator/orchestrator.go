// Package orchestrator drives workflow executions. It reacts to generation
// completions: each completed step is recorded in the execution, the next
// step is resolved and dispatched, and the last step completes the run.
// Every write is guarded on the execution's status and current step, so
// redelivered events are harmless.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/logging"
	"github.com/rendis/genchain/internal/provider"
	"github.com/rendis/genchain/internal/registry"
	"github.com/rendis/genchain/internal/resolver"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/telemetry"
	"github.com/rendis/genchain/pkg/schema"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	engine.EventAppender
	StoreTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error)
	CreateExecution(ctx context.Context, exec *store.Execution) error
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	AdvanceExecution(ctx context.Context, id string, expectedStep int, adv store.ExecutionAdvance) (bool, error)
	CompleteExecution(ctx context.Context, id string, expectedStep int, done store.ExecutionCompletion) (bool, error)
	FailExecution(ctx context.Context, id string, failure store.ExecutionFailure) (bool, error)
	ListGenerations(ctx context.Context, filter store.GenerationFilter) ([]*store.Generation, error)
	GetEvents(ctx context.Context, subjectID string, since int64) ([]*store.Event, error)
}

// Generator starts and sweeps generations.
type Generator interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*store.Generation, error)
	RecoverStuck(ctx context.Context, timeout time.Duration) (*lifecycle.SweepReport, error)
}

// Models looks up catalog entries.
type Models interface {
	GetModel(recordID string) (*registry.Model, error)
}

// Validator checks templates and user input.
type Validator interface {
	ValidateTemplate(tpl *schema.WorkflowTemplate) error
	ValidateInput(input schema.Params, inputSchema json.RawMessage) error
}

// Config tunes the orchestrator.
type Config struct {
	// Workers bounds concurrent next-step dispatches.
	Workers int `mapstructure:"workers"`
}

// Orchestrator runs workflow executions.
type Orchestrator struct {
	store     Store
	gens      Generator
	models    Models
	validator Validator
	resolver  *resolver.Resolver
	fsm       *engine.ExecutionFSM
	pool      *engine.WorkerPool
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides the time source used for timestamps and sweep cutoffs.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator.
func New(st Store, gens Generator, models Models, validator Validator, res *resolver.Resolver, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		gens:      gens,
		models:    models,
		validator: validator,
		resolver:  res,
		fsm:       engine.NewExecutionFSM(st),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resolver == nil {
		o.resolver = resolver.New(resolver.MissingEmpty, nil, o.logger)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	o.pool = engine.NewWorkerPool(cfg.Workers, o.logger)
	return o
}

// Define validates and stores a template.
func (o *Orchestrator) Define(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if err := o.validator.ValidateTemplate(tpl); err != nil {
		return err
	}
	return o.store.StoreTemplate(ctx, tpl)
}

// StartRequest starts one run of a template.
type StartRequest struct {
	TemplateID string
	UserID     string
	Input      schema.Params
}

// Start validates the input, creates the execution and dispatches step 1.
// When step 1 cannot be dispatched the execution is returned failed along
// with the dispatch error.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	tpl, err := o.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl.TotalSteps() == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %s has no steps", tpl.ID)
	}
	input := req.Input
	if input == nil {
		input = schema.Params{}
	}
	if err := o.validator.ValidateInput(input, tpl.UserInputSchema); err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:          uuid.NewString(),
		TemplateID:  tpl.ID,
		UserID:      req.UserID,
		UserInput:   input,
		CurrentStep: 1,
		TotalSteps:  tpl.TotalSteps(),
		StepOutputs: schema.StepOutputs{},
		Status:      schema.ExecutionStatusRunning,
		CreatedAt:   o.now(),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowStep(ctx, exec.ID, 1, exec.UserID)
	o.metrics.Execution(ctx, string(schema.ExecutionStatusRunning))
	o.emit(ctx, o.fsm.Started(ctx, exec.ID, map[string]any{
		"template_id": tpl.ID, "total_steps": exec.TotalSteps,
	}))
	o.logger.InfoContext(ctx, "execution started", "template_id", tpl.ID, "total_steps", exec.TotalSteps)

	dispatchErr := o.dispatchStep(ctx, exec, tpl, 1)
	current, err := o.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return current, dispatchErr
}

// dispatchStep resolves step n against the execution's state and starts its
// generation. Any failure fails the execution with step n named.
func (o *Orchestrator) dispatchStep(ctx context.Context, exec *store.Execution, tpl *schema.WorkflowTemplate, n int) error {
	ctx = logging.WithWorkflowStep(ctx, exec.ID, n, exec.UserID)
	gen, err := o.startStep(ctx, exec, tpl, n)
	if err != nil {
		msg := fmt.Sprintf("step %d dispatch failed: %s", n, message(err))
		o.logger.WarnContext(ctx, "step dispatch failed", "error", err)
		o.fail(ctx, exec.ID, n, msg)
		return err
	}
	o.emit(ctx, o.fsm.StepDispatched(ctx, exec.ID, n, gen.ID))
	o.logger.InfoContext(ctx, "step dispatched", "generation_id", gen.ID, "model_record_id", gen.ModelRecordID)
	return nil
}

func (o *Orchestrator) startStep(ctx context.Context, exec *store.Execution, tpl *schema.WorkflowTemplate, n int) (*store.Generation, error) {
	step := tpl.Step(n)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s has no step %d", tpl.ID, n).WithStep(n)
	}
	model, err := o.models.GetModel(step.ModelRecordID)
	if err != nil {
		return nil, err
	}
	wctx := resolver.BuildContext(exec.UserInput, exec.StepOutputs)
	resolved, err := o.resolver.ResolveStep(ctx, step, wctx, exec.UserID, model.InputSchema)
	if err != nil {
		return nil, err
	}
	return o.gens.Create(ctx, lifecycle.CreateRequest{
		UserID:        exec.UserID,
		ModelRecordID: model.ID,
		Prompt:        resolved.Prompt,
		Params:        resolved.Params,
		Correlation:   provider.Correlation{WorkflowExecutionID: exec.ID, WorkflowStepNumber: n},
	})
}

// OnGenerationCompleted records a completed step generation and moves the
// execution on. Generations outside a workflow, and completions for a step
// the execution has already left, are ignored.
func (o *Orchestrator) OnGenerationCompleted(ctx context.Context, gen *store.Generation) error {
	if gen == nil || !gen.InWorkflow() || gen.Status != schema.GenerationStatusCompleted {
		return nil
	}
	n := gen.WorkflowStepNumber
	ctx = logging.WithGenerationID(logging.WithWorkflowStep(ctx, gen.WorkflowExecutionID, n, gen.UserID), gen.ID)

	exec, err := o.store.GetExecution(ctx, gen.WorkflowExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusRunning || exec.CurrentStep != n {
		o.replayed(ctx, exec, gen)
		return nil
	}
	if _, done := exec.StepOutputs[schema.StepKey(n)]; done {
		o.replayed(ctx, exec, gen)
		return nil
	}

	tpl, err := o.store.GetTemplate(ctx, exec.TemplateID)
	if err != nil {
		return err
	}
	step := tpl.Step(n)
	if step == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %s has no step %d", tpl.ID, n).WithStep(n)
	}
	value, err := o.outputValue(ctx, gen)
	if err != nil {
		return err
	}

	outputs := exec.StepOutputs.Clone()
	outputs[schema.StepKey(n)] = schema.StepOutput{OutputKey: step.OutputKey, Value: value, GenerationID: gen.ID}
	tokens := exec.TokensUsed + gen.TokensUsed

	if n < exec.TotalSteps {
		return o.advance(ctx, exec, tpl, outputs, tokens, gen)
	}
	o.complete(ctx, exec, outputs, tokens, value, gen)
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, exec *store.Execution, tpl *schema.WorkflowTemplate,
	outputs schema.StepOutputs, tokens int64, gen *store.Generation) error {
	n := exec.CurrentStep
	ok, err := o.store.AdvanceExecution(ctx, exec.ID, n, store.ExecutionAdvance{
		NextStep: n + 1, StepOutputs: outputs, TokensUsed: tokens,
	})
	if err != nil {
		return err
	}
	if !ok {
		o.replayed(ctx, exec, gen)
		return nil
	}
	o.emit(ctx, o.fsm.Transition(ctx, exec.ID, n, schema.ExecutionStatusRunning, schema.ExecutionStatusRunning,
		map[string]any{"generation_id": gen.ID, "tokens_used": tokens}))

	next := *exec
	next.CurrentStep = n + 1
	next.StepOutputs = outputs
	next.TokensUsed = tokens
	err = o.pool.Submit(ctx, fmt.Sprintf("%s/step%d", exec.ID, n+1), func(ctx context.Context) error {
		return o.dispatchStep(ctx, &next, tpl, n+1)
	})
	if err != nil {
		o.fail(ctx, exec.ID, n+1, fmt.Sprintf("step %d dispatch failed: %s", n+1, message(err)))
		return err
	}
	return nil
}

// complete finalizes the run. The generation is already settled, so errors
// here are logged and never surface to the caller.
func (o *Orchestrator) complete(ctx context.Context, exec *store.Execution, outputs schema.StepOutputs,
	tokens int64, value schema.Value, gen *store.Generation) {
	n := exec.CurrentStep
	final, _ := value.AsString()
	ok, err := o.store.CompleteExecution(ctx, exec.ID, n, store.ExecutionCompletion{
		StepOutputs: outputs, TokensUsed: tokens, FinalOutputURL: final, CompletedAt: o.now(),
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "record final step", "error", err)
		return
	}
	if !ok {
		o.replayed(ctx, exec, gen)
		return
	}
	o.metrics.Execution(ctx, string(schema.ExecutionStatusCompleted))
	o.emit(ctx, o.fsm.Transition(ctx, exec.ID, n, schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted,
		map[string]any{"final_output_url": final, "tokens_used": tokens}))
	o.logger.InfoContext(ctx, "execution completed", "tokens_used", tokens)
}

// outputValue is what a completed generation contributes to step_outputs:
// the first batch child's storage path for multi-output generations, the
// text for text models, otherwise the storage path.
func (o *Orchestrator) outputValue(ctx context.Context, gen *store.Generation) (schema.Value, error) {
	children, err := o.store.ListGenerations(ctx, store.GenerationFilter{ParentID: gen.ID, Limit: 1})
	if err != nil {
		return schema.Null(), err
	}
	if len(children) > 0 {
		return schema.String(children[0].StoragePath), nil
	}
	if model, err := o.models.GetModel(gen.ModelRecordID); err == nil && model.OutputKind == registry.OutputText {
		return schema.String(gen.OutputText), nil
	}
	if gen.StoragePath == "" && gen.OutputText != "" {
		return schema.String(gen.OutputText), nil
	}
	path := gen.StoragePath
	if path == "" {
		path = gen.OutputURL
	}
	return schema.String(path), nil
}

// OnGenerationFailed fails the execution that was waiting on gen. Tokens of
// earlier steps stay spent; the lifecycle refunds gen itself.
func (o *Orchestrator) OnGenerationFailed(ctx context.Context, gen *store.Generation) error {
	if gen == nil || !gen.InWorkflow() || gen.Status != schema.GenerationStatusFailed {
		return nil
	}
	n := gen.WorkflowStepNumber
	ctx = logging.WithGenerationID(logging.WithWorkflowStep(ctx, gen.WorkflowExecutionID, n, gen.UserID), gen.ID)

	exec, err := o.store.GetExecution(ctx, gen.WorkflowExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionStatusRunning || exec.CurrentStep != n {
		o.replayed(ctx, exec, gen)
		return nil
	}
	reason := gen.ErrorMessage
	if reason == "" {
		reason = "generation failed"
	}
	o.fail(ctx, exec.ID, n, fmt.Sprintf("step %d failed: %s", n, reason))
	return nil
}

// Cancel fails a running execution. An in-flight provider job is not
// stopped; its result is ignored when it arrives.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if err := o.fsm.Check(exec.ID, exec.Status, schema.ExecutionStatusFailed); err != nil {
		return exec, err
	}
	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	if !o.fail(logging.WithExecutionID(ctx, exec.ID), exec.ID, exec.CurrentStep, msg) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s finished before it could be cancelled", exec.ID)
	}
	return o.store.GetExecution(ctx, exec.ID)
}

// fail moves a running execution to failed and reports whether it applied.
func (o *Orchestrator) fail(ctx context.Context, executionID string, step int, msg string) bool {
	ok, err := o.store.FailExecution(ctx, executionID, store.ExecutionFailure{
		ErrorMessage: msg, ErrorStep: step, CompletedAt: o.now(),
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "record execution failure", "error", err, "reason", msg)
		return false
	}
	if !ok {
		return false
	}
	o.metrics.Execution(ctx, string(schema.ExecutionStatusFailed))
	o.emit(ctx, o.fsm.Transition(ctx, executionID, step, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed,
		map[string]any{"error": msg}))
	o.logger.WarnContext(ctx, "execution failed", "reason", msg)
	return true
}

func (o *Orchestrator) replayed(ctx context.Context, exec *store.Execution, gen *store.Generation) {
	o.logger.DebugContext(ctx, "ignoring settled step", "execution_status", exec.Status, "current_step", exec.CurrentStep)
	o.emit(ctx, o.fsm.StepReplayed(ctx, exec.ID, gen.WorkflowStepNumber, gen.ID))
}

// ExecutionStatus is an execution with its generations and event log.
type ExecutionStatus struct {
	Execution   *store.Execution    `json:"execution"`
	Generations []*store.Generation `json:"generations"`
	Events      []*store.Event      `json:"events"`
}

// Status returns the execution, its step generations and its events.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*ExecutionStatus, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	gens, err := o.store.ListGenerations(ctx, store.GenerationFilter{ExecutionID: exec.ID})
	if err != nil {
		return nil, err
	}
	events, err := o.store.GetEvents(ctx, exec.ID, 0)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{Execution: exec, Generations: gens, Events: events}, nil
}

// Sweep recovers stuck generations and fails the executions waiting on them.
// It then fails running executions whose current step has had no generation
// for longer than timeout, as left behind when the process dies between
// advancing the cursor and dispatching the next step.
func (o *Orchestrator) Sweep(ctx context.Context, timeout time.Duration) (*lifecycle.SweepReport, error) {
	report, err := o.gens.RecoverStuck(ctx, timeout)
	if err != nil {
		return report, err
	}
	for _, gen := range report.Failed {
		if err := o.OnGenerationFailed(ctx, gen); err != nil {
			o.logger.ErrorContext(ctx, "fail execution of swept generation", "generation_id", gen.ID, "error", err)
		}
	}
	stalled, err := o.failUndispatched(ctx, timeout)
	report.Stalled = stalled
	return report, err
}

func (o *Orchestrator) failUndispatched(ctx context.Context, timeout time.Duration) ([]string, error) {
	running := schema.ExecutionStatusRunning
	cutoff := o.now().Add(-timeout)
	execs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running, UpdatedBefore: &cutoff})
	if err != nil {
		return nil, err
	}
	var stalled []string
	for _, exec := range execs {
		n := exec.CurrentStep
		gens, err := o.store.ListGenerations(ctx, store.GenerationFilter{ExecutionID: exec.ID, StepNumber: n, Limit: 1})
		if err != nil {
			o.logger.ErrorContext(ctx, "check step dispatch", "execution_id", exec.ID, "step", n, "error", err)
			continue
		}
		if len(gens) > 0 {
			continue
		}
		ectx := logging.WithWorkflowStep(ctx, exec.ID, n, exec.UserID)
		if o.fail(ectx, exec.ID, n, fmt.Sprintf("step %d was never dispatched within %s", n, timeout)) {
			stalled = append(stalled, exec.ID)
		}
	}
	return stalled, nil
}

// Wait blocks until queued dispatches finish.
func (o *Orchestrator) Wait() { o.pool.Wait() }

// Shutdown stops accepting dispatches and drains the queue.
func (o *Orchestrator) Shutdown() { o.pool.Shutdown() }

// PoolMetrics exposes dispatch pool counters.
func (o *Orchestrator) PoolMetrics() engine.PoolMetrics { return o.pool.Metrics() }

func (o *Orchestrator) emit(ctx context.Context, err error) {
	if err != nil {
		o.logger.WarnContext(ctx, "append event", "error", err)
	}
}

func message(err error) string {
	var ge *schema.GenchainError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
