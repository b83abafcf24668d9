package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/reach/internal/ir"
)

func insertAudit(ctx context.Context, tx *sql.Tx, rec ir.AuditRecord, now time.Time) (int64, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit (run_id, seq, kind, tool, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Seq, rec.Kind, rec.Tool, rec.Reason, toNanos(created))
	if err != nil {
		return 0, fmt.Errorf("write audit: %w", err)
	}
	return res.LastInsertId()
}

// RecordAudit appends one audit record outside of a step, e.g. a denied
// trust handshake. It satisfies gate.AuditSink.
func (s *Store) RecordAudit(ctx context.Context, rec ir.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record audit: begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := insertAudit(ctx, tx, rec, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Audit returns the audit records of a run ("" for records not tied to a
// run) in insertion order.
func (s *Store) Audit(ctx context.Context, runID string) ([]ir.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, kind, tool, reason, created_at
		FROM audit
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	records := []ir.AuditRecord{}
	for rows.Next() {
		var rec ir.AuditRecord
		var created int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Seq, &rec.Kind, &rec.Tool, &rec.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.CreatedAt = fromNanos(created)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return records, nil
}
