package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
	"github.com/roach88/reach/internal/store"
)

// maxConflictRetries bounds how often a step is recomputed after losing an
// optimistic version check to a concurrent step on the same run.
const maxConflictRetries = 16

// Engine drives runs: it loads a run from the store, applies one input
// with Machine.Step and commits the result in a single transaction.
//
// The engine holds no authoritative state. Every call starts from the
// stored run, so any number of engines (one per worker process) may drive
// the same runs concurrently; the run's version column serializes them.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store  *store.Store
	queue  *queue.Queue
	graphs *compiler.Cache
	ids    RunIDGenerator
	now    func() time.Time

	maxSteps int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxSteps sets the per-run event quota.
//
// Default: DefaultMaxSteps. Use a small value to test quota enforcement.
func WithMaxSteps(maxSteps int) EngineOption {
	return func(e *Engine) {
		e.maxSteps = maxSteps
	}
}

// WithClock sets the wall clock used for event timestamps and deadlines.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRunIDs sets the run ID generator. Default: UUIDv7Generator.
func WithRunIDs(gen RunIDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = gen
	}
}

// WithGraphCache shares a compiled-graph cache between engines.
func WithGraphCache(c *compiler.Cache) EngineOption {
	return func(e *Engine) {
		e.graphs = c
	}
}

// New creates an Engine over a store and the queue that feeds its workers.
func New(s *store.Store, q *queue.Queue, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		queue:    q,
		graphs:   compiler.NewCache(),
		ids:      UUIDv7Generator{},
		now:      time.Now,
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store { return e.store }

// Queue returns the engine's queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// SubmitRequest starts a run.
type SubmitRequest struct {
	Pack     ir.Pack
	Inputs   ir.Object
	TenantID string

	// Timeout sets the run deadline relative to submission. Zero means
	// no deadline.
	Timeout time.Duration

	FederationPath []string
}

// NewRun builds the pending run for a compiled pack. The run copies the
// pack's allowlists so later policy checks do not depend on the pack.
func NewRun(cg *compiler.CompiledGraph, id string) ir.Run {
	return ir.Run{
		ID:             id,
		PackHash:       cg.PackHash,
		PackName:       cg.Pack.Name,
		PackVersion:    cg.Pack.Version,
		RegistryHash:   cg.RegistryHash,
		PolicyVersion:  cg.Pack.PolicyVersion,
		Tools:          append([]string(nil), cg.Pack.Tools...),
		Permissions:    append([]string(nil), cg.Pack.Permissions...),
		Deterministic:  cg.Pack.Deterministic,
		Status:         ir.RunPending,
		Context:        ir.Object{},
		FederationPath: []string{},
	}
}

func (e *Engine) machine(cg *compiler.CompiledGraph) *Machine {
	return &Machine{Graph: cg, MaxEvents: e.maxSteps}
}

// Submit compiles the pack, creates the run and applies its start step.
// A pack that fails compilation is a PROTOCOL_VIOLATION and no run is
// created.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (ir.Run, error) {
	cg, err := e.graphs.Compile(req.Pack)
	if err != nil {
		return ir.Run{}, err
	}
	if _, err := e.store.SavePack(ctx, cg.Pack); err != nil {
		return ir.Run{}, err
	}

	now := e.now().UTC()
	run := NewRun(cg, e.ids.Generate())
	run.TenantID = req.TenantID
	run.CreatedAt = now
	run.UpdatedAt = now
	if req.Timeout > 0 {
		run.Deadline = now.Add(req.Timeout)
	}
	if req.FederationPath != nil {
		run.FederationPath = append([]string{}, req.FederationPath...)
	}

	res, err := e.machine(cg).Step(run, StartInput{Inputs: req.Inputs})
	if err != nil {
		return ir.Run{}, err
	}
	if err := e.seal(ctx, &res, now, nil); err != nil {
		return ir.Run{}, err
	}
	version, err := e.store.CreateRun(ctx, store.StepWrite{
		Run:    res.Run,
		Events: res.Events,
		Jobs:   e.jobs(res.Commands, now),
		Audit:  res.Audit,
	})
	if err != nil {
		return ir.Run{}, err
	}
	res.Run.Version = version
	e.logStep(res, "start")
	return res.Run, nil
}

// HandleOutcome applies a job outcome to its run. Outcomes for terminal
// runs, finished nodes or superseded attempts are discarded.
func (e *Engine) HandleOutcome(ctx context.Context, o ir.Outcome) (ir.Run, error) {
	job, err := e.store.GetJob(ctx, o.JobID)
	if err != nil {
		return ir.Run{}, err
	}
	return e.advance(ctx, job.RunID, OutcomeInput{Outcome: o}, "outcome")
}

// Approve resolves a pending approval.
func (e *Engine) Approve(ctx context.Context, runID, scope, node string, approved bool, reason string) (ir.Run, error) {
	return e.advance(ctx, runID, ApprovalInput{Scope: scope, Node: node, Approved: approved, Reason: reason}, "approval")
}

// Cancel cancels a run. Jobs still queued for it are never leased and
// results of jobs already leased are discarded.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (ir.Run, error) {
	return e.advance(ctx, runID, CancelInput{Reason: reason}, "cancel")
}

// CheckDeadlines fails every active run whose deadline has passed and
// returns how many were failed.
func (e *Engine) CheckDeadlines(ctx context.Context) (int, error) {
	now := e.now().UTC()
	runs, err := e.store.ListRuns(ctx, store.RunFilter{
		Statuses:       []ir.RunStatus{ir.RunPending, ir.RunRunning, ir.RunWaitingApproval},
		DeadlineBefore: now,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range runs {
		if run.Deadline.IsZero() || run.Deadline.After(now) {
			continue
		}
		res, err := e.advance(ctx, run.ID, DeadlineInput{}, "deadline")
		if err != nil {
			return n, err
		}
		if res.Status == ir.RunFailed {
			n++
		}
	}
	return n, nil
}

// Recover redelivers outcomes that were committed to the queue but never
// applied to their run, for example because a worker crashed between the
// two writes. It is safe to call at any time.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ActiveRuns(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, run := range runs {
		for _, p := range run.Pointers {
			if p.Wait != ir.WaitJob {
				continue
			}
			outcomes, err := e.pendingOutcomes(ctx, p)
			if err != nil {
				return delivered, err
			}
			for _, o := range outcomes {
				if _, err := e.advance(ctx, run.ID, OutcomeInput{Outcome: o}, "recover"); err != nil {
					return delivered, err
				}
				delivered++
			}
		}
	}
	if delivered > 0 {
		slog.Info("recovered outcomes", "count", delivered)
	}
	return delivered, nil
}

// pendingOutcomes rebuilds the outcomes of p's job from its attempt
// history. Attempts the run has already moved past are discarded by Step.
func (e *Engine) pendingOutcomes(ctx context.Context, p ir.Pointer) ([]ir.Outcome, error) {
	job, err := e.store.GetJob(ctx, p.JobID)
	if ir.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.JobAttempts(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	var out []ir.Outcome
	for _, a := range attempts {
		o := ir.Outcome{JobID: job.ID, Scope: p.Scope, Node: p.Node, Attempt: a.Attempt}
		switch a.Status {
		case ir.JobCompleted:
			o.OK = true
			o.Result = job.Result
		case ir.JobFailed:
			o.Error = a.Error
			// A job dead-lettered before its budget was spent failed hard.
			if job.Status == ir.JobDeadLetter && a.Attempt == job.Attempts && job.Attempts < job.MaxAttempts {
				o.Hard = true
			}
		default:
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Graph returns the compiled pack a run executes, loading it from the
// store when it is not cached.
func (e *Engine) Graph(ctx context.Context, packHash string) (*compiler.CompiledGraph, error) {
	if cg, ok := e.graphs.Get(packHash); ok {
		return cg, nil
	}
	pack, err := e.store.GetPack(ctx, packHash)
	if err != nil {
		return nil, err
	}
	return e.graphs.Compile(pack)
}

// advance applies in to the stored run, retrying on version conflicts.
func (e *Engine) advance(ctx context.Context, runID string, in Input, kind string) (ir.Run, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return ir.Run{}, err
		}
		cg, err := e.Graph(ctx, run.PackHash)
		if err != nil {
			return ir.Run{}, err
		}
		res, err := e.machine(cg).Step(run, in)
		if err != nil {
			return run, err
		}
		if res.Discarded {
			slog.Debug("input discarded", "run_id", runID, "input", kind, "status", run.Status)
			return run, nil
		}

		now := e.now().UTC()
		if err := e.seal(ctx, &res, now, &run); err != nil {
			return ir.Run{}, err
		}
		version, err := e.store.ApplyStep(ctx, store.StepWrite{
			Run:     res.Run,
			Events:  res.Events,
			Jobs:    e.jobs(res.Commands, now),
			Audit:   res.Audit,
			Dropped: dropped(res.Commands),
		})
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Debug("step lost version race, retrying", "run_id", runID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return ir.Run{}, err
		}
		res.Run.Version = version
		e.logStep(res, kind)
		return res.Run, nil
	}
	return ir.Run{}, fmt.Errorf("advance run %s: gave up after %d version conflicts: %w",
		runID, maxConflictRetries, store.ErrVersionConflict)
}

// seal stamps the step's events and audit records with the wall clock and
// computes the fingerprint when the run has finished. prev is the stored
// run, nil for a new one.
func (e *Engine) seal(ctx context.Context, res *Result, now time.Time, prev *ir.Run) error {
	for i := range res.Events {
		res.Events[i].Timestamp = now
	}
	for i := range res.Audit {
		res.Audit[i].CreatedAt = now
	}
	res.Run.UpdatedAt = now
	if !res.Run.Status.Terminal() {
		return nil
	}

	log := res.Events
	if prev != nil {
		stored, err := e.store.Events(ctx, prev.ID)
		if err != nil {
			return err
		}
		log = append(stored, res.Events...)
	}
	m, err := ir.NewManifest(res.Run, log)
	if err != nil {
		return fmt.Errorf("fingerprint run %s: %w", res.Run.ID, err)
	}
	res.Run.Fingerprint = m.RunFingerprint
	return nil
}

// jobs turns EnqueueJob commands into queue rows.
func (e *Engine) jobs(cmds []Command, now time.Time) []ir.Job {
	var out []ir.Job
	for _, c := range cmds {
		enq, ok := c.(EnqueueJob)
		if !ok {
			continue
		}
		job := queue.Prepare(enq.Job)
		job.CreatedAt = now
		job.NextRunAt = now
		job.UpdatedAt = now
		out = append(out, job)
	}
	return out
}

// dropped collects the job IDs of DropJobs commands.
func dropped(cmds []Command) []string {
	var out []string
	for _, c := range cmds {
		if d, ok := c.(DropJobs); ok {
			out = append(out, d.JobIDs...)
		}
	}
	return out
}

func (e *Engine) logStep(res Result, kind string) {
	for _, c := range res.Commands {
		if ra, ok := c.(RequestApproval); ok {
			slog.Info("approval requested",
				"run_id", res.Run.ID,
				"node", ir.NodeKey(ra.Scope, ra.Node),
				"tool", ra.Tool,
			)
		}
	}
	attrs := []any{
		"run_id", res.Run.ID,
		"input", kind,
		"status", res.Run.Status,
		"events", len(res.Events),
		"last_seq", res.Run.LastSeq,
	}
	switch res.Run.Status {
	case ir.RunFailed:
		slog.Warn("run failed", append(attrs, "code", res.Run.FailureCode, "reason", res.Run.FailureReason)...)
	case ir.RunCompleted:
		slog.Info("run completed", append(attrs, "fingerprint", res.Run.Fingerprint)...)
	default:
		slog.Debug("step applied", attrs...)
	}
}
