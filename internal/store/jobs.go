package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/reach/internal/ir"
)

const jobColumns = `id, run_id, scope, node_id, epoch, tool, args, permissions, status,
	lease_token, lease_owner, lease_expires_at, attempts, max_attempts, priority,
	next_run_at, created_at, updated_at, last_error, result`

// LeaseRequest asks LeaseJobs for up to Max ready jobs.
type LeaseRequest struct {
	WorkerID string
	Max      int
	Now      time.Time
	TTL      time.Duration

	// Token mints a fresh lease token per leased job.
	Token func() string
}

// FailRequest records a failed attempt of a leased job.
type FailRequest struct {
	JobID    string
	Token    string
	WorkerID string
	Now      time.Time
	Error    string

	// Hard sends the job straight to dead_letter.
	Hard bool

	// Backoff is the delay before the given attempt number may run.
	Backoff func(attempt int) time.Duration
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	RunID    string
	Statuses []ir.JobStatus
	Limit    int
}

func insertJob(ctx context.Context, tx *sql.Tx, job ir.Job, now time.Time) (bool, error) {
	args, err := marshalObject(job.Args)
	if err != nil {
		return false, fmt.Errorf("job %s: %w", job.ID, err)
	}
	perms, err := marshalStrings(job.Permissions)
	if err != nil {
		return false, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.Status == "" {
		job.Status = ir.JobQueued
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = job.CreatedAt
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs
		(id, run_id, scope, node_id, epoch, tool, args, permissions, status,
		 attempts, max_attempts, priority, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		job.ID,
		job.RunID,
		job.Scope,
		job.NodeID,
		job.Epoch,
		job.Tool,
		args,
		perms,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.Priority,
		toNanos(job.NextRunAt),
		toNanos(job.CreatedAt),
		toNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("write job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write job %s: rows affected: %w", job.ID, err)
	}
	return n > 0, nil
}

// InsertJob enqueues a job outside of a step. It reports false when a job
// with the same ID already exists; the existing row is left untouched.
func (s *Store) InsertJob(ctx context.Context, job ir.Job) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("insert job: begin tx: %w", err)
	}
	defer tx.Rollback()
	inserted, err := insertJob(ctx, tx, job, s.now())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert job %s: commit: %w", job.ID, err)
	}
	return inserted, nil
}

// LeaseJobs atomically claims up to req.Max jobs: queued jobs whose
// next_run_at has passed, and leased jobs whose lease expired. Jobs are
// taken by priority, then creation time, then ID. Each claimed job gets a
// fresh token; a reclaimed job's old token stops working.
func (s *Store) LeaseJobs(ctx context.Context, req LeaseRequest) ([]ir.Job, error) {
	if req.Max <= 0 {
		return []ir.Job{}, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(req.Now)
	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE (status = ? AND next_run_at <= ?)
		   OR (status = ? AND lease_expires_at <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?
	`, string(ir.JobQueued), now, string(ir.JobLeased), now, req.Max)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: select: %w", err)
	}
	var jobs []ir.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("lease jobs: iterate: %w", err)
	}
	rows.Close()

	expires := req.Now.Add(req.TTL)
	for i := range jobs {
		job := &jobs[i]
		if job.Status == ir.JobLeased {
			if err := insertAttempt(ctx, tx, ir.JobAttempt{
				JobID:     job.ID,
				Attempt:   job.NextAttempt(),
				Status:    ir.JobLeased,
				WorkerID:  job.LeaseOwner,
				Error:     "lease expired",
				CreatedAt: req.Now,
			}); err != nil {
				return nil, err
			}
		}
		token := req.Token()
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, lease_token = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ?
		`, string(ir.JobLeased), token, req.WorkerID, toNanos(expires), now, job.ID)
		if err != nil {
			return nil, fmt.Errorf("lease job %s: %w", job.ID, err)
		}
		job.Status = ir.JobLeased
		job.LeaseToken = token
		job.LeaseOwner = req.WorkerID
		job.LeaseExpiresAt = expires
		job.UpdatedAt = req.Now.UTC()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease jobs: commit: %w", err)
	}
	if jobs == nil {
		jobs = []ir.Job{}
	}
	return jobs, nil
}

// checkLease loads a job inside tx and verifies the caller still holds
// its lease. Any mismatch is a LEASE_CONFLICT and the caller must not
// write.
func checkLease(ctx context.Context, tx *sql.Tx, jobID, token string, now time.Time) (ir.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Job{}, &ir.Error{Code: ir.ErrCodeNotFound, Message: "job not found", JobID: jobID}
	}
	if err != nil {
		return ir.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != ir.JobLeased || job.LeaseToken == "" || job.LeaseToken != token {
		return ir.Job{}, ir.NewLeaseConflict(jobID)
	}
	if !job.LeaseExpiresAt.After(now) {
		return ir.Job{}, ir.NewLeaseConflict(jobID)
	}
	return job, nil
}

// CompleteJob marks a leased job completed with its result.
func (s *Store) CompleteJob(ctx context.Context, jobID, token string, now time.Time, result ir.Object) (ir.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Job{}, fmt.Errorf("complete job: begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := checkLease(ctx, tx, jobID, token, now)
	if err != nil {
		return ir.Job{}, err
	}
	res, err := marshalObject(result)
	if err != nil {
		return ir.Job{}, err
	}
	job.Attempts++
	job.Status = ir.JobCompleted
	job.Result = result
	job.UpdatedAt = now.UTC()
	if err := insertAttempt(ctx, tx, ir.JobAttempt{
		JobID: jobID, Attempt: job.Attempts, Status: ir.JobCompleted, WorkerID: job.LeaseOwner, CreatedAt: now,
	}); err != nil {
		return ir.Job{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = ?, result = ?, lease_token = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ?
	`, string(job.Status), job.Attempts, res, toNanos(now), jobID)
	if err != nil {
		return ir.Job{}, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return ir.Job{}, fmt.Errorf("complete job %s: commit: %w", jobID, err)
	}
	job.LeaseToken = ""
	job.LeaseExpiresAt = time.Time{}
	return job, nil
}

// FailJob records a failed attempt. While attempts remain the job goes
// back to queued with next_run_at pushed out by the backoff; otherwise,
// or when the failure is hard, it moves to dead_letter. The returned job
// reflects the new state.
func (s *Store) FailJob(ctx context.Context, req FailRequest) (ir.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Job{}, fmt.Errorf("fail job: begin tx: %w", err)
	}
	defer tx.Rollback()

	job, err := checkLease(ctx, tx, req.JobID, req.Token, req.Now)
	if err != nil {
		return ir.Job{}, err
	}
	job.Attempts++
	job.LastError = req.Error
	job.UpdatedAt = req.Now.UTC()
	if req.Hard || job.Attempts >= job.MaxAttempts {
		job.Status = ir.JobDeadLetter
	} else {
		job.Status = ir.JobQueued
		var delay time.Duration
		if req.Backoff != nil {
			delay = req.Backoff(job.Attempts)
		}
		job.NextRunAt = req.Now.Add(delay).UTC()
	}

	worker := req.WorkerID
	if worker == "" {
		worker = job.LeaseOwner
	}
	if err := insertAttempt(ctx, tx, ir.JobAttempt{
		JobID: job.ID, Attempt: job.Attempts, Status: ir.JobFailed, WorkerID: worker, Error: req.Error, CreatedAt: req.Now,
	}); err != nil {
		return ir.Job{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = ?, last_error = ?, next_run_at = ?,
		    lease_token = '', lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ?
	`, string(job.Status), job.Attempts, job.LastError, toNanos(job.NextRunAt), toNanos(req.Now), job.ID)
	if err != nil {
		return ir.Job{}, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return ir.Job{}, fmt.Errorf("fail job %s: commit: %w", job.ID, err)
	}
	job.LeaseToken = ""
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	return job, nil
}

// RequeueDeadLetter puts a dead-lettered job back in the queue with a
// fresh attempt budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = 0, next_run_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(ir.JobQueued), toNanos(now), toNanos(now), jobID, string(ir.JobDeadLetter))
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue job %s: rows affected: %w", jobID, err)
	}
	if n == 0 {
		return &ir.Error{Code: ir.ErrCodeNotFound, Message: "no dead-lettered job", JobID: jobID}
	}
	return nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (ir.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Job{}, &ir.Error{Code: ir.ErrCodeNotFound, Message: "job not found", JobID: id}
	}
	if err != nil {
		return ir.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching f ordered by creation time, then ID.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]ir.Job, error) {
	q := newSelect("jobs", jobColumns)
	if f.RunID != "" {
		q.Where("run_id = ?", f.RunID)
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	q.WhereIn("status", statuses)
	query, args := q.OrderBy("created_at ASC").Limit(f.Limit).Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []ir.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[ir.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[ir.JobStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[ir.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func insertAttempt(ctx context.Context, tx *sql.Tx, a ir.JobAttempt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_attempts (job_id, attempt, status, worker_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.JobID, a.Attempt, string(a.Status), a.WorkerID, a.Error, toNanos(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("write attempt %s#%d: %w", a.JobID, a.Attempt, err)
	}
	return nil
}

// JobAttempts returns the attempt history of a job, oldest first.
func (s *Store) JobAttempts(ctx context.Context, jobID string) ([]ir.JobAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, attempt, status, worker_id, error, created_at
		FROM job_attempts
		WHERE job_id = ?
		ORDER BY rowid ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []ir.JobAttempt{}
	for rows.Next() {
		var a ir.JobAttempt
		var status string
		var created int64
		if err := rows.Scan(&a.JobID, &a.Attempt, &status, &a.WorkerID, &a.Error, &created); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = ir.JobStatus(status)
		a.CreatedAt = fromNanos(created)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanJob(row rowScanner) (ir.Job, error) {
	var (
		job                                 ir.Job
		args, perms, status, result         string
		leaseExp, nextRun, created, updated int64
	)
	err := row.Scan(
		&job.ID, &job.RunID, &job.Scope, &job.NodeID, &job.Epoch, &job.Tool, &args, &perms, &status,
		&job.LeaseToken, &job.LeaseOwner, &leaseExp, &job.Attempts, &job.MaxAttempts, &job.Priority,
		&nextRun, &created, &updated, &job.LastError, &result,
	)
	if err != nil {
		return ir.Job{}, err
	}
	job.Status = ir.JobStatus(status)
	job.LeaseExpiresAt = fromNanos(leaseExp)
	job.NextRunAt = fromNanos(nextRun)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	if job.Args, err = unmarshalObject(args); err != nil {
		return ir.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.Permissions, err = unmarshalStrings(perms); err != nil {
		return ir.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.Result, err = unmarshalObject(result); err != nil {
		return ir.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return job, nil
}
