package engine

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/pkg/schema"
)

// EventAppender is satisfied by the Store; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ValidExecutionTransitions defines the allowed state transitions for workflow executions.
// running -> running is a step advance.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
}

// ValidGenerationTransitions defines the allowed state transitions for generations.
var ValidGenerationTransitions = map[schema.GenerationStatus][]schema.GenerationStatus{
	schema.GenerationStatusPending:    {schema.GenerationStatusProcessing, schema.GenerationStatusCompleted, schema.GenerationStatusFailed},
	schema.GenerationStatusProcessing: {schema.GenerationStatusCompleted, schema.GenerationStatusFailed},
	schema.GenerationStatusCompleted:  {},
	schema.GenerationStatusFailed:     {},
}

// SourcesFor returns every status that may transition to `to`. Used to build
// the guard of a conditional update.
func SourcesFor(to schema.GenerationStatus) []schema.GenerationStatus {
	var out []schema.GenerationStatus
	for _, from := range []schema.GenerationStatus{
		schema.GenerationStatusPending,
		schema.GenerationStatusProcessing,
		schema.GenerationStatusCompleted,
		schema.GenerationStatusFailed,
	} {
		if slices.Contains(ValidGenerationTransitions[from], to) {
			out = append(out, from)
		}
	}
	return out
}

// --- Execution FSM ---

// ExecutionFSM validates execution transitions and emits the matching event.
// The caller persists the new state with a conditional update and only calls
// Transition once that update applied.
type ExecutionFSM struct {
	appender EventAppender
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Check validates a transition without emitting anything.
func (f *ExecutionFSM) Check(executionID string, from, to schema.ExecutionStatus) error {
	if !slices.Contains(ValidExecutionTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates from -> to for the given step and appends the event.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, step int, from, to schema.ExecutionStatus, payload any) error {
	if err := f.Check(executionID, from, to); err != nil {
		return err
	}
	eventType := executionEventType(from, to)
	if eventType == "" {
		return nil
	}
	return emit(ctx, f.appender, &store.Event{
		ExecutionID: executionID,
		Step:        step,
		Type:        eventType,
	}, payload)
}

// Started emits execution_started. There is no prior status to validate.
func (f *ExecutionFSM) Started(ctx context.Context, executionID string, payload any) error {
	return emit(ctx, f.appender, &store.Event{
		ExecutionID: executionID,
		Step:        1,
		Type:        schema.EventExecutionStarted,
	}, payload)
}

// StepDispatched emits step_dispatched for the generation serving a step.
func (f *ExecutionFSM) StepDispatched(ctx context.Context, executionID string, step int, generationID string) error {
	return emit(ctx, f.appender, &store.Event{
		ExecutionID:  executionID,
		GenerationID: generationID,
		Step:         step,
		Type:         schema.EventStepDispatched,
	}, nil)
}

// StepReplayed emits step_replayed when a duplicate completion is ignored.
func (f *ExecutionFSM) StepReplayed(ctx context.Context, executionID string, step int, generationID string) error {
	return emit(ctx, f.appender, &store.Event{
		ExecutionID:  executionID,
		GenerationID: generationID,
		Step:         step,
		Type:         schema.EventStepReplayed,
	}, nil)
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch {
	case from == schema.ExecutionStatusRunning && to == schema.ExecutionStatusRunning:
		return schema.EventStepCompleted
	case to == schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case to == schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// --- Generation FSM ---

// GenerationFSM validates generation transitions and emits the matching event.
type GenerationFSM struct {
	appender EventAppender
}

// NewGenerationFSM creates a GenerationFSM that emits events via the given appender.
func NewGenerationFSM(appender EventAppender) *GenerationFSM {
	return &GenerationFSM{appender: appender}
}

// Check validates a transition without emitting anything.
func (f *GenerationFSM) Check(generationID string, from, to schema.GenerationStatus) error {
	if !slices.Contains(ValidGenerationTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid generation transition: %s -> %s", from, to).
			WithDetails(map[string]any{"generation_id": generationID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates from -> to and appends the event. Workflow generations
// log under their execution so the execution stream shows them in order.
func (f *GenerationFSM) Transition(ctx context.Context, gen *store.Generation, from, to schema.GenerationStatus, payload any) error {
	if err := f.Check(gen.ID, from, to); err != nil {
		return err
	}
	return emit(ctx, f.appender, generationEvent(gen, generationEventType(to)), payload)
}

// Created emits generation_created.
func (f *GenerationFSM) Created(ctx context.Context, gen *store.Generation) error {
	return emit(ctx, f.appender, generationEvent(gen, schema.EventGenerationCreated), map[string]any{
		"model_record_id": gen.ModelRecordID,
		"tokens":          gen.TokensUsed,
	})
}

// Refunded emits generation_refunded.
func (f *GenerationFSM) Refunded(ctx context.Context, gen *store.Generation) error {
	return emit(ctx, f.appender, generationEvent(gen, schema.EventGenerationRefunded), map[string]any{
		"tokens": gen.TokensUsed,
	})
}

func generationEvent(gen *store.Generation, eventType string) *store.Event {
	return &store.Event{
		ExecutionID:  gen.WorkflowExecutionID,
		GenerationID: gen.ID,
		Step:         gen.WorkflowStepNumber,
		Type:         eventType,
	}
}

func generationEventType(to schema.GenerationStatus) string {
	switch to {
	case schema.GenerationStatusProcessing:
		return schema.EventGenerationProcessing
	case schema.GenerationStatusCompleted:
		return schema.EventGenerationCompleted
	case schema.GenerationStatusFailed:
		return schema.EventGenerationFailed
	default:
		return ""
	}
}

func emit(ctx context.Context, appender EventAppender, event *store.Event, payload any) error {
	if appender == nil || event.Type == "" {
		return nil
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %s", event.Type, err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", event.Type, err.Error()).
			WithStep(event.Step).WithCause(err)
	}
	return nil
}
