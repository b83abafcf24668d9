package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
)

// WorkerPool leases jobs, runs their tools and feeds the outcomes back to
// the engine. Workers share nothing but the store; any number of pools
// may run against one database.
type WorkerPool struct {
	engine  *Engine
	exec    ToolExecutor
	workers int
	batch   int
	idle    time.Duration
	prefix  string
	limiter *rate.Limiter
}

// WorkerOption configures a WorkerPool.
type WorkerOption func(*WorkerPool)

// WithWorkers sets the number of worker goroutines. Default: 4.
func WithWorkers(n int) WorkerOption {
	return func(wp *WorkerPool) {
		if n > 0 {
			wp.workers = n
		}
	}
}

// WithBatch sets how many jobs one lease call may take. Default: 1.
func WithBatch(n int) WorkerOption {
	return func(wp *WorkerPool) {
		if n > 0 {
			wp.batch = n
		}
	}
}

// WithPollRate limits lease polls across the pool to perSecond, with the
// given burst. Default: 50/s, burst 10.
func WithPollRate(perSecond float64, burst int) WorkerOption {
	return func(wp *WorkerPool) {
		wp.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithIdleWait sets how long a worker sleeps after finding no work.
func WithIdleWait(d time.Duration) WorkerOption {
	return func(wp *WorkerPool) {
		wp.idle = d
	}
}

// WithWorkerPrefix sets the prefix of worker IDs recorded on leases.
func WithWorkerPrefix(prefix string) WorkerOption {
	return func(wp *WorkerPool) {
		wp.prefix = prefix
	}
}

// NewWorkerPool creates a pool executing tools with exec.
func NewWorkerPool(e *Engine, exec ToolExecutor, opts ...WorkerOption) *WorkerPool {
	wp := &WorkerPool{
		engine:  e,
		exec:    exec,
		workers: 4,
		batch:   1,
		idle:    100 * time.Millisecond,
		prefix:  "worker",
		limiter: rate.NewLimiter(rate.Limit(50), 10),
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Run starts the workers and blocks until ctx is cancelled or a worker
// hits a store error.
func (wp *WorkerPool) Run(ctx context.Context) error {
	slog.Info("worker pool starting", "workers", wp.workers, "batch", wp.batch)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < wp.workers; i++ {
		id := fmt.Sprintf("%s-%d", wp.prefix, i)
		g.Go(func() error { return wp.loop(gctx, id) })
	}
	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		slog.Info("worker pool stopped")
		return nil
	}
	return err
}

func (wp *WorkerPool) loop(ctx context.Context, workerID string) error {
	for {
		if err := wp.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		jobs, err := wp.engine.queue.LeaseReady(ctx, workerID, wp.batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %s: %w", workerID, err)
		}
		for _, job := range jobs {
			if err := wp.Process(ctx, workerID, job); err != nil {
				slog.Error("job processing failed", "worker", workerID, "job_id", job.ID, "error", err)
			}
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wp.idle):
			}
		}
	}
}

// Process runs one leased job and reports its outcome. A lease lost to
// another worker is not an error: that worker now owns the job.
func (wp *WorkerPool) Process(ctx context.Context, workerID string, job ir.Job) error {
	q := wp.engine.queue
	call := ToolCall{
		RunID:       job.RunID,
		JobID:       job.ID,
		Scope:       job.Scope,
		NodeID:      job.NodeID,
		Tool:        job.Tool,
		Args:        job.Args.Clone(),
		Permissions: job.Permissions,
		Attempt:     job.NextAttempt(),
	}

	execCtx, cancel := context.WithTimeout(ctx, q.LeaseTTL())
	value, execErr := wp.exec.Execute(execCtx, call)
	cancel()
	if execErr != nil && errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
		execErr = &ir.Error{Code: ir.ErrCodeTimeout, Message: "tool exceeded lease", JobID: job.ID, Err: execErr}
	}

	o := ir.Outcome{JobID: job.ID, Scope: job.Scope, Node: job.NodeID}
	if execErr == nil {
		result := resultObject(value)
		done, err := q.Complete(ctx, job.ID, job.LeaseToken, result)
		if ir.IsLeaseConflict(err) {
			return nil
		}
		if err != nil {
			return err
		}
		o.Attempt = done.Attempts
		o.OK = true
		o.Result = result
	} else {
		failed, err := q.Fail(ctx, job.ID, job.LeaseToken, execErr)
		if ir.IsLeaseConflict(err) {
			return nil
		}
		if err != nil && !queue.IsDeadLettered(err) {
			return err
		}
		o.Attempt = failed.Attempts
		o.Error = execErr.Error()
		o.Code = string(ir.CodeOf(execErr))
		o.Hard = ir.IsHard(execErr)
	}

	slog.Debug("job executed",
		"worker", workerID,
		"job_id", job.ID,
		"tool", job.Tool,
		"attempt", o.Attempt,
		"ok", o.OK,
	)
	_, err := wp.engine.HandleOutcome(ctx, o)
	return err
}

// Drain processes ready jobs on the calling goroutine until none is left
// and returns how many it ran. Jobs waiting out a backoff are left alone.
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	workerID := wp.prefix + "-drain"
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		jobs, err := wp.engine.queue.LeaseReady(ctx, workerID, wp.batch)
		if err != nil {
			return n, err
		}
		if len(jobs) == 0 {
			return n, nil
		}
		for _, job := range jobs {
			if err := wp.Process(ctx, workerID, job); err != nil {
				return n, err
			}
			n++
		}
	}
}

// RunUntilDone drains jobs until runID reaches a terminal state, waiting
// out backoff delays and checking deadlines between rounds. It returns the
// terminal run, or the run as it stands when it is waiting for approval.
func (wp *WorkerPool) RunUntilDone(ctx context.Context, runID string) (ir.Run, error) {
	for {
		if _, err := wp.Drain(ctx); err != nil {
			return ir.Run{}, err
		}
		if _, err := wp.engine.CheckDeadlines(ctx); err != nil {
			return ir.Run{}, err
		}
		run, err := wp.engine.store.GetRun(ctx, runID)
		if err != nil {
			return ir.Run{}, err
		}
		if run.Status.Terminal() || run.Status == ir.RunWaitingApproval {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(wp.idle):
		}
	}
}
