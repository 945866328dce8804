package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendEvent appends an event with a monotonically increasing per-subject
// sequence. SubjectID defaults to ExecutionID, then GenerationID.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.SubjectID == "" {
		event.SubjectID = event.ExecutionID
	}
	if event.SubjectID == "" {
		event.SubjectID = event.GenerationID
	}
	if event.SubjectID == "" {
		return fmt.Errorf("event %q has no subject", event.Type)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// A unique (subject_id, sequence) collision means a concurrent writer won
	// the sequence number; retry with the next one.
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = s.appendEventOnce(ctx, event)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return storeError("append event", lastErr)
}

func (s *SQLStore) appendEventOnce(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE subject_id = ?`), event.SubjectID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO events (subject_id, execution_id, generation_id, step, event_type, payload, occurred_at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		event.SubjectID, nullStr(event.ExecutionID), nullStr(event.GenerationID), nullInt(event.Step),
		event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	return nil
}

// GetEvents returns events for a subject with sequence > since, ordered by sequence.
func (s *SQLStore) GetEvents(ctx context.Context, subjectID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, subject_id, execution_id, generation_id, step, event_type, payload, occurred_at, sequence
		 FROM events WHERE subject_id = ? AND sequence > ? ORDER BY sequence`,
		subjectID, since,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var execID, genID, payload sql.NullString
		var step sql.NullInt64
		if err := rows.Scan(&e.ID, &e.SubjectID, &execID, &genID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ExecutionID = execID.String
		e.GenerationID = genID.String
		e.Step = int(step.Int64)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
