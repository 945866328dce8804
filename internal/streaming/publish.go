package streaming

import (
	"context"
	"log/slog"

	"github.com/rendis/genchain/internal/store"
)

// PublishingStore appends events through the wrapped store and then
// publishes them. A publish failure is logged; the event log stays the
// source of truth.
type PublishingStore struct {
	store.Store
	hub    EventHub
	logger *slog.Logger
}

func NewPublishingStore(s store.Store, hub EventHub, logger *slog.Logger) *PublishingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingStore{Store: s, hub: hub, logger: logger}
}

func (p *PublishingStore) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := p.Store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if err := p.hub.Publish(context.WithoutCancel(ctx), FromStore(event)); err != nil {
		p.logger.WarnContext(ctx, "publish event", "event_type", event.Type, "subject_id", event.SubjectID, "error", err)
	}
	return nil
}

// FromStore converts an event-log row.
func FromStore(e *store.Event) StreamEvent {
	return StreamEvent{
		SubjectID:    e.SubjectID,
		ExecutionID:  e.ExecutionID,
		GenerationID: e.GenerationID,
		Step:         e.Step,
		EventType:    e.Type,
		Payload:      e.Payload,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
	}
}
