package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
	"github.com/roach88/reach/internal/store"
	"github.com/roach88/reach/internal/testutil"
)

// DefaultTimeout bounds a single scenario execution.
const DefaultTimeout = 30 * time.Second

// Harness executes scenarios against a fresh engine each time.
type Harness struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithTimeout bounds each scenario. Default: DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithLogger sets the logger for harness progress. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// New creates a Harness.
func New(opts ...Option) *Harness {
	h := &Harness{
		timeout: DefaultTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with default settings.
func Run(s *Scenario) (*Result, error) {
	return New().Run(context.Background(), s)
}

// Run executes a scenario and evaluates its expect clause and assertions.
//
// Each scenario runs in a fresh in-memory database with a fixed clock,
// the scenario's run id and sequential lease tokens. An error means the
// scenario could not be executed at all; a failed check is reported in
// the Result.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	pack, err := compiler.LoadFile(s.PackPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load pack: %w", err)
	}
	inputs, err := ir.ObjectFrom(s.Inputs)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	exec, err := executorFor(s.Script)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewFakeClock()
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	q := queue.New(st,
		queue.WithClock(clock.Now),
		queue.WithBackoff(queue.Backoff{}),
		queue.WithTokenSource(testutil.NewTokenSequence("lease").Next),
	)
	eng := engine.New(st, q,
		engine.WithClock(clock.Now),
		engine.WithRunIDs(engine.NewFixedGenerator(s.RunID)),
	)
	pool := engine.NewWorkerPool(eng, exec,
		engine.WithWorkers(1),
		engine.WithIdleWait(time.Millisecond),
		engine.WithWorkerPrefix("harness"),
	)

	run, err := eng.Submit(ctx, engine.SubmitRequest{
		Pack:     *pack,
		Inputs:   inputs,
		TenantID: s.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit run: %w", err)
	}
	h.logger.Info("scenario started", "scenario", s.Name, "run_id", run.ID)

	run, err = h.drive(ctx, eng, pool, s, run.ID)
	if err != nil {
		return nil, err
	}

	events, err := st.Events(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	result := NewResult()
	result.RunID = run.ID
	result.Status = string(run.Status)
	result.FailureCode = run.FailureCode
	result.Fingerprint = run.Fingerprint
	result.Trace = traceOf(events)
	result.Context = run.Context

	checkExpect(result, s.Expect)
	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}

	h.logger.Info("scenario finished",
		"scenario", s.Name,
		"status", result.Status,
		"events", len(result.Trace),
		"pass", result.Pass,
	)
	return result, nil
}

// drive works the queue until the run ends or waits for an approval the
// scenario does not answer.
func (h *Harness) drive(ctx context.Context, eng *engine.Engine, pool *engine.WorkerPool, s *Scenario, runID string) (ir.Run, error) {
	approvals := s.Approvals
	cancelled := false
	for {
		run, err := pool.RunUntilDone(ctx, runID)
		if err != nil {
			return ir.Run{}, fmt.Errorf("failed to run %s: %w", runID, err)
		}
		if run.Status != ir.RunWaitingApproval {
			return run, nil
		}

		switch {
		case len(approvals) > 0:
			a := approvals[0]
			approvals = approvals[1:]
			h.logger.Info("answering approval", "node", ir.NodeKey(a.Scope, a.Node), "approved", a.Approved)
			if _, err := eng.Approve(ctx, runID, a.Scope, a.Node, a.Approved, a.Reason); err != nil {
				return ir.Run{}, fmt.Errorf("approval for %s: %w", ir.NodeKey(a.Scope, a.Node), err)
			}
		case s.Cancel != "" && !cancelled:
			cancelled = true
			if _, err := eng.Cancel(ctx, runID, s.Cancel); err != nil {
				return ir.Run{}, fmt.Errorf("cancel: %w", err)
			}
		default:
			return run, nil
		}
	}
}

func executorFor(script map[string][]ScriptStep) (*engine.ScriptedExecutor, error) {
	scripts := make(map[string][]engine.Response, len(script))
	for key, steps := range script {
		responses := make([]engine.Response, len(steps))
		for i, step := range steps {
			if step.Error != "" {
				responses[i] = engine.Response{Err: scriptError(step)}
				continue
			}
			result, err := ir.ObjectFrom(step.Result)
			if err != nil {
				return nil, fmt.Errorf("script.%s[%d]: %w", key, i, err)
			}
			responses[i] = engine.Response{Result: result}
		}
		scripts[key] = responses
	}
	return engine.NewScriptedExecutor(scripts), nil
}

func scriptError(step ScriptStep) error {
	if step.Code == "" {
		return errors.New(step.Error)
	}
	return &ir.Error{Code: ir.ErrorCode(step.Code), Message: step.Error}
}

func checkExpect(r *Result, want Expect) {
	if r.Status != want.Status {
		r.AddError(fmt.Sprintf("expected run status %s, got %s (%s)", want.Status, r.Status, r.FailureCode))
	}
	if want.FailureCode != "" && r.FailureCode != want.FailureCode {
		r.AddError(fmt.Sprintf("expected failure code %s, got %q", want.FailureCode, r.FailureCode))
	}
}
