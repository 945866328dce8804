// Package streaming fans out event-log entries to live subscribers, such as
// an SSE client following one execution.
package streaming

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// StreamEvent is an event-log entry as seen by subscribers.
type StreamEvent struct {
	SubjectID    string          `json:"subject_id"`
	ExecutionID  string          `json:"execution_id,omitempty"`
	GenerationID string          `json:"generation_id,omitempty"`
	Step         int             `json:"step,omitempty"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Sequence     int64           `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EventFilter selects events for a subscriber. Empty fields match anything.
type EventFilter struct {
	SubjectID  string   `json:"subject_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.SubjectID != "" && f.SubjectID != e.SubjectID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}

// EventHub provides pub/sub for execution and generation events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
