// Package queue is the durable job queue: jobs are leased to workers under
// a time-limited token, completed or failed against that token, retried
// with backoff and dead-lettered when their attempt budget runs out.
//
// All state lives in the store; a Queue holds only configuration, so any
// number of Queues (and processes) may share one database.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/store"
)

// DefaultLeaseTTL is how long a worker holds a job before it may be
// reclaimed by another worker.
const DefaultLeaseTTL = 30 * time.Second

// Queue leases, completes and fails jobs stored in a store.Store.
type Queue struct {
	store    *store.Store
	leaseTTL time.Duration
	backoff  Backoff
	now      func() time.Time
	token    func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithLeaseTTL sets the lease duration.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

// WithBackoff sets the retry backoff.
func WithBackoff(b Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithClock sets the clock used for lease expiry and next_run_at.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithTokenSource overrides lease token generation (ULIDs by default).
func WithTokenSource(token func() string) Option {
	return func(q *Queue) { q.token = token }
}

// New creates a Queue over s.
func New(s *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:    s,
		leaseTTL: DefaultLeaseTTL,
		backoff:  DefaultBackoff(),
		now:      time.Now,
		token:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// LeaseTTL returns the configured lease duration.
func (q *Queue) LeaseTTL() time.Duration { return q.leaseTTL }

// Prepare fills the queue defaults of a new job: queued status, at least
// one attempt, and zero progress.
func Prepare(job ir.Job) ir.Job {
	job.Status = ir.JobQueued
	job.Attempts = 0
	job.LeaseToken = ""
	job.LeaseOwner = ""
	job.LeaseExpiresAt = time.Time{}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	return job
}

// Enqueue adds a job. Enqueueing an ID that already exists is a no-op and
// reports inserted=false.
func (q *Queue) Enqueue(ctx context.Context, job ir.Job) (bool, error) {
	if job.ID == "" {
		return false, ir.NewProtocolViolation("job has no id")
	}
	job = Prepare(job)
	now := q.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = job.CreatedAt
	}
	inserted, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	slog.Debug("job enqueued", "job_id", job.ID, "run_id", job.RunID, "tool", job.Tool, "inserted", inserted)
	return inserted, nil
}

// LeaseReady leases up to max ready jobs to workerID in one transaction,
// reclaiming jobs whose lease has expired.
func (q *Queue) LeaseReady(ctx context.Context, workerID string, max int) ([]ir.Job, error) {
	jobs, err := q.store.LeaseJobs(ctx, store.LeaseRequest{
		WorkerID: workerID,
		Max:      max,
		Now:      q.now().UTC(),
		TTL:      q.leaseTTL,
		Token:    q.token,
	})
	if err != nil {
		return nil, fmt.Errorf("lease ready: %w", err)
	}
	for _, job := range jobs {
		slog.Debug("job leased", "job_id", job.ID, "worker", workerID, "attempt", job.NextAttempt())
	}
	return jobs, nil
}

// Complete marks a leased job completed. A stale or mismatched token is a
// LEASE_CONFLICT and changes nothing.
func (q *Queue) Complete(ctx context.Context, jobID, token string, result ir.Object) (ir.Job, error) {
	job, err := q.store.CompleteJob(ctx, jobID, token, q.now().UTC(), result)
	if err != nil {
		if ir.IsLeaseConflict(err) {
			slog.Warn("stale lease on complete", "job_id", jobID)
		}
		return ir.Job{}, err
	}
	return job, nil
}

// Fail records a failed attempt. With attempts left the job is requeued
// after the backoff delay. When the budget is spent, or cause is a hard
// error, the job moves to dead_letter and Fail returns the updated job
// together with an EXHAUSTED_RETRIES error.
func (q *Queue) Fail(ctx context.Context, jobID, token string, cause error) (ir.Job, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	job, err := q.store.FailJob(ctx, store.FailRequest{
		JobID:   jobID,
		Token:   token,
		Now:     q.now().UTC(),
		Error:   msg,
		Hard:    ir.IsHard(cause),
		Backoff: func(attempt int) time.Duration { return q.backoff.Delay(jobID, attempt) },
	})
	if err != nil {
		if ir.IsLeaseConflict(err) {
			slog.Warn("stale lease on fail", "job_id", jobID)
		}
		return ir.Job{}, err
	}
	if job.Status == ir.JobDeadLetter {
		slog.Warn("job dead-lettered", "job_id", jobID, "attempts", job.Attempts, "error", msg)
		exhausted := ir.NewExhaustedRetries(jobID, job.Attempts)
		exhausted.RunID = job.RunID
		exhausted.Err = cause
		return job, exhausted
	}
	slog.Info("job retry scheduled", "job_id", jobID, "attempts", job.Attempts, "next_run_at", job.NextRunAt)
	return job, nil
}

// IsDeadLettered reports whether err from Fail means the job moved to
// dead_letter.
func IsDeadLettered(err error) bool {
	return ir.HasCode(err, ir.ErrCodeExhaustedRetries)
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (ir.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// DeadLetters lists dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]ir.Job, error) {
	return q.store.ListJobs(ctx, store.JobFilter{Statuses: []ir.JobStatus{ir.JobDeadLetter}})
}

// Redrive puts a dead-lettered job back into the queue with a fresh
// attempt budget.
func (q *Queue) Redrive(ctx context.Context, jobID string) error {
	if err := q.store.RequeueDeadLetter(ctx, jobID, q.now().UTC()); err != nil {
		return fmt.Errorf("redrive %s: %w", jobID, err)
	}
	slog.Info("job redriven", "job_id", jobID)
	return nil
}

// Stats counts jobs per status.
type Stats struct {
	Queued     int `json:"queued"`
	Leased     int `json:"leased"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// Total is the number of jobs in any status.
func (s Stats) Total() int {
	return s.Queued + s.Leased + s.Completed + s.Failed + s.DeadLetter
}

// Stats returns job counts per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.JobCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Queued:     counts[ir.JobQueued],
		Leased:     counts[ir.JobLeased],
		Completed:  counts[ir.JobCompleted],
		Failed:     counts[ir.JobFailed],
		DeadLetter: counts[ir.JobDeadLetter],
	}, nil
}

// ErrNoWork is returned by LeaseOne when nothing is ready.
var ErrNoWork = errors.New("no ready jobs")

// LeaseOne leases a single ready job.
func (q *Queue) LeaseOne(ctx context.Context, workerID string) (ir.Job, error) {
	jobs, err := q.LeaseReady(ctx, workerID, 1)
	if err != nil {
		return ir.Job{}, err
	}
	if len(jobs) == 0 {
		return ir.Job{}, ErrNoWork
	}
	return jobs[0], nil
}
