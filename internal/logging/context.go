// Package logging carries correlation IDs on the context and injects them
// into every slog record.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepKey
	generationIDKey
	userIDKey
)

// WithExecutionID returns a context carrying the workflow execution ID.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStep returns a context carrying the workflow step number.
func WithStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithGenerationID returns a context carrying the generation ID.
func WithGenerationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, generationIDKey, id)
}

// WithUserID returns a context carrying the user ID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// Step returns the step number, or 0 if absent.
func Step(ctx context.Context) int {
	v, _ := ctx.Value(stepKey).(int)
	return v
}

func GenerationID(ctx context.Context) string {
	v, _ := ctx.Value(generationIDKey).(string)
	return v
}

func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// WithWorkflowStep sets execution, step and user at once. Empty values are
// skipped so an outer context's IDs survive.
func WithWorkflowStep(ctx context.Context, executionID string, step int, userID string) context.Context {
	if executionID != "" {
		ctx = WithExecutionID(ctx, executionID)
	}
	if step > 0 {
		ctx = WithStep(ctx, step)
	}
	if userID != "" {
		ctx = WithUserID(ctx, userID)
	}
	return ctx
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		out = append(out, slog.String("execution_id", v))
	}
	if v := Step(ctx); v > 0 {
		out = append(out, slog.Int("step", v))
	}
	if v := GenerationID(ctx); v != "" {
		out = append(out, slog.String("generation_id", v))
	}
	if v := UserID(ctx); v != "" {
		out = append(out, slog.String("user_id", v))
	}
	return out
}

// LogWith returns a logger enriched with the context's correlation IDs.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the context's
// correlation IDs to every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
