package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/reach/internal/ir"
)

// ErrVersionConflict is returned by ApplyStep when the run was changed by
// another step since it was read. Nothing is written; the caller reloads
// and steps again.
var ErrVersionConflict = errors.New("run version conflict")

// StepWrite is everything one engine step persists: the new run document,
// the events it appended, the jobs it enqueued and any audit records.
type StepWrite struct {
	Run    ir.Run
	Events []ir.Event
	Jobs   []ir.Job
	Audit  []ir.AuditRecord

	// Dropped lists jobs of abandoned work. Queued or leased rows among
	// them are marked failed, so they are never leased again and an
	// in-flight lease can no longer complete or requeue.
	Dropped []string
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Statuses []ir.RunStatus
	TenantID string
	PackHash string

	// DeadlineBefore matches runs with a deadline at or before this time.
	DeadlineBefore time.Time

	Limit int
}

const runColumns = "state, last_seq, version"

// CreateRun inserts a new run at version 1 together with its first events
// and jobs. It returns the stored version.
func (s *Store) CreateRun(ctx context.Context, w StepWrite) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create run: begin tx: %w", err)
	}
	defer tx.Rollback()

	run := w.Run
	lastSeq, err := nextSeq(0, w.Events)
	if err != nil {
		return 0, fmt.Errorf("create run %s: %w", run.ID, err)
	}
	run.LastSeq = lastSeq
	run.Version = 1
	state, err := marshalRun(run)
	if err != nil {
		return 0, err
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, tenant_id, pack_hash, status, deterministic, state, last_seq, version, fingerprint, created_at, updated_at, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.TenantID,
		run.PackHash,
		string(run.Status),
		boolToInt(run.Deterministic),
		state,
		run.LastSeq,
		run.Version,
		run.Fingerprint,
		toNanos(run.CreatedAt),
		toNanos(now),
		toNanos(run.Deadline),
	)
	if err != nil {
		return 0, fmt.Errorf("create run %s: %w", run.ID, err)
	}

	if err := s.writeStepRows(ctx, tx, run, w, now); err != nil {
		return 0, fmt.Errorf("create run %s: %w", run.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create run %s: commit: %w", run.ID, err)
	}
	return run.Version, nil
}

// ApplyStep commits one engine step atomically. w.Run.Version must equal
// the stored version, otherwise ErrVersionConflict is returned and nothing
// is written. The events must continue the run's sequence exactly. When
// the new status is terminal, jobs of the run still waiting in the queue
// are marked failed so they are never leased.
//
// It returns the new version.
func (s *Store) ApplyStep(ctx context.Context, w StepWrite) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("apply step: begin tx: %w", err)
	}
	defer tx.Rollback()

	run := w.Run
	var storedSeq, storedVersion int64
	err = tx.QueryRowContext(ctx, `SELECT last_seq, version FROM runs WHERE id = ?`, run.ID).
		Scan(&storedSeq, &storedVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &ir.Error{Code: ir.ErrCodeNotFound, Message: "run not found", RunID: run.ID}
	}
	if err != nil {
		return 0, fmt.Errorf("apply step %s: read version: %w", run.ID, err)
	}
	if storedVersion != run.Version {
		return 0, fmt.Errorf("apply step %s: expected version %d, stored %d: %w",
			run.ID, run.Version, storedVersion, ErrVersionConflict)
	}

	lastSeq, err := nextSeq(storedSeq, w.Events)
	if err != nil {
		return 0, fmt.Errorf("apply step %s: %w", run.ID, err)
	}
	expected := run.Version
	run.LastSeq = lastSeq
	run.Version = expected + 1
	state, err := marshalRun(run)
	if err != nil {
		return 0, err
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, state = ?, last_seq = ?, version = ?, fingerprint = ?, updated_at = ?, deadline = ?
		WHERE id = ? AND version = ?
	`,
		string(run.Status),
		state,
		run.LastSeq,
		run.Version,
		run.Fingerprint,
		toNanos(now),
		toNanos(run.Deadline),
		run.ID,
		expected,
	)
	if err != nil {
		return 0, fmt.Errorf("apply step %s: update run: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("apply step %s: rows affected: %w", run.ID, err)
	} else if n == 0 {
		return 0, fmt.Errorf("apply step %s: %w", run.ID, ErrVersionConflict)
	}

	if err := s.writeStepRows(ctx, tx, run, w, now); err != nil {
		return 0, fmt.Errorf("apply step %s: %w", run.ID, err)
	}

	if err := dropJobs(ctx, tx, run.ID, w.Dropped, now); err != nil {
		return 0, fmt.Errorf("apply step %s: %w", run.ID, err)
	}

	if run.Status.Terminal() {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
			WHERE run_id = ? AND status = ?
		`, string(ir.JobFailed), "run "+string(run.Status), toNanos(now), run.ID, string(ir.JobQueued))
		if err != nil {
			return 0, fmt.Errorf("apply step %s: drop queued jobs: %w", run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("apply step %s: commit: %w", run.ID, err)
	}
	return run.Version, nil
}

// writeStepRows appends the events, jobs and audit records of a step.
func (s *Store) writeStepRows(ctx context.Context, tx *sql.Tx, run ir.Run, w StepWrite, now time.Time) error {
	if err := insertEvents(ctx, tx, run.ID, w.Events); err != nil {
		return err
	}
	for _, job := range w.Jobs {
		if _, err := insertJob(ctx, tx, job, now); err != nil {
			return err
		}
	}
	for _, rec := range w.Audit {
		if rec.RunID == "" {
			rec.RunID = run.ID
		}
		if _, err := insertAudit(ctx, tx, rec, now); err != nil {
			return err
		}
	}
	return nil
}

// dropJobs fails the queued or leased rows among ids.
func dropJobs(ctx context.Context, tx *sql.Tx, runID string, ids []string, now time.Time) error {
	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, last_error = ?, lease_token = '', lease_owner = '', lease_expires_at = 0, updated_at = ?
			WHERE id = ? AND run_id = ? AND status IN (?, ?)
		`, string(ir.JobFailed), "abandoned", toNanos(now), id, runID, string(ir.JobQueued), string(ir.JobLeased))
		if err != nil {
			return fmt.Errorf("drop job %s: %w", id, err)
		}
	}
	return nil
}

// nextSeq checks that events continue last exactly and returns the new
// last sequence number.
func nextSeq(last int64, events []ir.Event) (int64, error) {
	for _, e := range events {
		if e.Seq != last+1 {
			return 0, ir.NewProtocolViolation("event sequence %d does not follow %d", e.Seq, last)
		}
		last = e.Seq
	}
	return last, nil
}

// GetRun loads a run. A missing run is a NOT_FOUND error.
func (s *Store) GetRun(ctx context.Context, id string) (ir.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Run{}, &ir.Error{Code: ir.ErrCodeNotFound, Message: "run not found", RunID: id}
	}
	if err != nil {
		return ir.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs matching f ordered by creation time, then ID.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]ir.Run, error) {
	q := newSelect("runs", runColumns)
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	q.WhereIn("status", statuses)
	if f.TenantID != "" {
		q.Where("tenant_id = ?", f.TenantID)
	}
	if f.PackHash != "" {
		q.Where("pack_hash = ?", f.PackHash)
	}
	if !f.DeadlineBefore.IsZero() {
		q.Where("deadline != 0 AND deadline <= ?", toNanos(f.DeadlineBefore))
	}
	query, args := q.OrderBy("created_at ASC").Limit(f.Limit).Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ActiveRuns lists runs that are not terminal. After a restart the engine
// resumes from these; the database holds all authoritative state.
func (s *Store) ActiveRuns(ctx context.Context) ([]ir.Run, error) {
	return s.ListRuns(ctx, RunFilter{
		Statuses: []ir.RunStatus{ir.RunPending, ir.RunRunning, ir.RunWaitingApproval},
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ir.Run, error) {
	var state string
	var lastSeq, version int64
	if err := row.Scan(&state, &lastSeq, &version); err != nil {
		return ir.Run{}, err
	}
	run, err := unmarshalRun(state)
	if err != nil {
		return ir.Run{}, err
	}
	run.LastSeq = lastSeq
	run.Version = version
	return run, nil
}
