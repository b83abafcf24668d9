package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/reach/internal/ir"
)

func insertEvents(ctx context.Context, tx *sql.Tx, runID string, events []ir.Event) error {
	for _, e := range events {
		payload, err := marshalObject(e.Payload)
		if err != nil {
			return fmt.Errorf("event %d: %w", e.Seq, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (run_id, seq, type, node_id, scope, payload, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			e.Seq,
			string(e.Type),
			e.NodeID,
			e.Scope,
			payload,
			toNanos(e.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("write event %d: %w", e.Seq, err)
		}
	}
	return nil
}

// Events returns the full event log of a run in sequence order.
// Returns an empty slice (not nil) if the run has no events.
func (s *Store) Events(ctx context.Context, runID string) ([]ir.Event, error) {
	return s.EventsAfter(ctx, runID, 0)
}

// EventsAfter returns the events of a run with seq > after.
func (s *Store) EventsAfter(ctx context.Context, runID string, after int64) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, node_id, scope, payload, timestamp
		FROM events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
	`, runID, after)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		var (
			e       ir.Event
			typ     string
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.Seq, &typ, &e.NodeID, &e.Scope, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = ir.EventType(typ)
		e.Timestamp = fromNanos(ts)
		if e.Payload, err = unmarshalObject(payload); err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Seq, err)
		}
		if e.Payload == nil {
			e.Payload = ir.Object{}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
