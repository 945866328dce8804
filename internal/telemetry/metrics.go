// Package telemetry holds the OpenTelemetry instruments genchain records.
// With no SDK installed the global meter is a no-op.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/rendis/genchain"

// Metrics is a set of counters and histograms. A nil *Metrics records
// nothing, so components can take one optionally.
type Metrics struct {
	dispatches       metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	generations      metric.Int64Counter
	executions       metric.Int64Counter
	tokens           metric.Int64Counter
	webhooks         metric.Int64Counter
	sweeps           metric.Int64Counter
}

// New creates instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates instruments on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.dispatches, err = meter.Int64Counter("genchain.provider.dispatches",
		metric.WithDescription("Provider dispatch attempts by provider and outcome")); err != nil {
		return nil, err
	}
	if m.dispatchDuration, err = meter.Float64Histogram("genchain.provider.dispatch.duration",
		metric.WithDescription("Provider dispatch latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.generations, err = meter.Int64Counter("genchain.generations",
		metric.WithDescription("Generation status transitions")); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("genchain.executions",
		metric.WithDescription("Workflow execution status transitions")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("genchain.tokens",
		metric.WithDescription("Tokens charged and refunded"), metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.webhooks, err = meter.Int64Counter("genchain.webhooks",
		metric.WithDescription("Provider callbacks by outcome")); err != nil {
		return nil, err
	}
	if m.sweeps, err = meter.Int64Counter("genchain.recovery.swept",
		metric.WithDescription("Generations failed by the recovery sweep")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Dispatch records one provider call.
func (m *Metrics) Dispatch(ctx context.Context, provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", outcome))
	m.dispatches.Add(ctx, 1, attrs)
	m.dispatchDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// Generation records a generation entering status.
func (m *Metrics) Generation(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.generations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Execution records an execution entering status.
func (m *Metrics) Execution(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Tokens records a ledger movement; direction is "charge" or "refund".
func (m *Metrics) Tokens(ctx context.Context, direction string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.tokens.Add(ctx, amount, metric.WithAttributes(attribute.String("direction", direction)))
}

// Webhook records one callback.
func (m *Metrics) Webhook(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", outcome)))
}

// Swept records generations failed by a sweep.
func (m *Metrics) Swept(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.Add(ctx, int64(n))
}
