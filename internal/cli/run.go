package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	EngineFlags
	Inputs   string
	Tenant   string
	Timeout  time.Duration
	Results  string
	Approve  bool
	Deadline time.Duration // wall-clock limit for the command itself

	// RunIDs overrides the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// RunReport is the outcome of a run command.
type RunReport struct {
	RunID       string       `json:"run_id"`
	Pack        ir.PackRef   `json:"pack"`
	Status      ir.RunStatus `json:"status"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	FailureCode string       `json:"failure_code,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Events      int64        `json:"events"`
	Waiting     []string     `json:"waiting,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pack>",
		Short: "Submit a pack and execute it to completion",
		Long: `Submit a pack as a new run and execute it with an in-process worker pool.

Tools are simulated: a tool listed in --results returns that value, any
other tool echoes its arguments. The run stops when it reaches a terminal
state or waits for approval; --approve grants every approval request.

Exit codes:
  0 - Run completed (or is waiting for approval)
  1 - Run failed or was cancelled
  2 - Command error (invalid pack, database error, etc.)

Example:
  reach run --db ./reach.db ./packs/ingest.yaml --inputs '{"url":"https://example.test"}'
  reach run --db ./reach.db ./packs/deploy.yaml --results tools.yaml --approve`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Inputs, "inputs", "{}", "run inputs as a JSON object")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant ID recorded on the run")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "run deadline relative to submission (0 = none)")
	cmd.Flags().StringVar(&opts.Results, "results", "", "YAML or JSON file mapping tool names to results")
	cmd.Flags().BoolVar(&opts.Approve, "approve", false, "grant every approval request")
	cmd.Flags().IntVar(&opts.Workers, "workers", 2, "worker goroutines")
	cmd.Flags().IntVar(&opts.MaxSteps, "max-events", 0, "per-run event quota (0 = engine default)")
	cmd.Flags().DurationVar(&opts.LeaseTTL, "lease-ttl", 0, "job lease TTL (0 = queue default)")
	cmd.Flags().DurationVar(&opts.Deadline, "wait", 5*time.Minute, "give up waiting for the run after this long")

	return cmd
}

func runPack(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cg, err := compilePack(path)
	if err != nil {
		return outputProblems(formatter, "Compilation failed", problemsOf(err))
	}
	inputs, err := parseInputs(opts.Inputs)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid --inputs", err)
	}
	exec, err := loadResults(opts.Results)
	if err != nil {
		return formatter.Fail(ExitCommandError, "invalid --results", err)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Deadline)
	defer cancel()

	st, err := openStore(opts.Database, true)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ids := opts.RunIDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	eng := opts.EngineFlags.build(st, engine.WithRunIDs(ids))
	pool := opts.EngineFlags.pool(eng, exec, 5*time.Millisecond)

	run, err := eng.Submit(ctx, engine.SubmitRequest{
		Pack:     cg.Pack,
		Inputs:   inputs,
		TenantID: opts.Tenant,
		Timeout:  opts.Timeout,
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to submit run", err)
	}
	formatter.VerboseLog("Submitted run %s (%s@%s)", run.ID, run.PackName, run.PackVersion)

	run, err = drive(ctx, eng, pool, run.ID, opts.Approve)
	if err != nil {
		return formatter.Fail(ExitCommandError, "run did not finish", err)
	}

	report := reportOf(run)
	if err := formatter.Success(report, func(w io.Writer) { printReport(w, report) }); err != nil {
		return err
	}
	if run.Status == ir.RunFailed || run.Status == ir.RunCancelled {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s %s", run.ID, run.Status))
	}
	return nil
}

// drive executes a run until it is terminal or waits for approval. With
// approve set every approval request is granted and execution continues.
func drive(ctx context.Context, eng *engine.Engine, pool *engine.WorkerPool, runID string, approve bool) (ir.Run, error) {
	for {
		run, err := pool.RunUntilDone(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Status != ir.RunWaitingApproval || !approve {
			return run, nil
		}
		for _, p := range run.Pointers {
			if p.Wait != ir.WaitApproval {
				continue
			}
			slog.Info("approval granted", "run_id", runID, "node", p.Key())
			if _, err := eng.Approve(ctx, runID, p.Scope, p.Node, true, "approved from the command line"); err != nil {
				return run, err
			}
		}
	}
}

func reportOf(run ir.Run) RunReport {
	r := RunReport{
		RunID:       run.ID,
		Pack:        ir.PackRef{Name: run.PackName, Version: run.PackVersion, Hash: run.PackHash},
		Status:      run.Status,
		Fingerprint: run.Fingerprint,
		FailureCode: run.FailureCode,
		Reason:      run.FailureReason,
		Events:      run.LastSeq,
	}
	for _, p := range run.Pointers {
		if p.Wait == ir.WaitApproval {
			r.Waiting = append(r.Waiting, p.Key())
		}
	}
	return r
}

func printReport(w io.Writer, r RunReport) {
	mark := "✓"
	if r.Status == ir.RunFailed || r.Status == ir.RunCancelled {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Run %s %s\n", mark, r.RunID, r.Status)
	fmt.Fprintf(w, "  pack:   %s@%s\n", r.Pack.Name, r.Pack.Version)
	fmt.Fprintf(w, "  events: %d\n", r.Events)
	if r.Fingerprint != "" {
		fmt.Fprintf(w, "  fingerprint: %s\n", r.Fingerprint)
	}
	if r.FailureCode != "" {
		fmt.Fprintf(w, "  failure: %s: %s\n", r.FailureCode, r.Reason)
	}
	for _, key := range r.Waiting {
		fmt.Fprintf(w, "  waiting for approval: %s (reach approve --run %s --node %s)\n", key, r.RunID, key)
	}
}

func parseInputs(s string) (ir.Object, error) {
	if s == "" {
		return ir.Object{}, nil
	}
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return ir.ObjectFrom(m)
}

// loadResults reads a tool -> result mapping for the simulated executor.
func loadResults(path string) (engine.StaticExecutor, error) {
	exec := engine.StaticExecutor{}
	if path == "" {
		return exec, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for tool, raw := range m {
		v, err := ir.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: result for %s: %w", path, tool, err)
		}
		exec[tool] = v
	}
	return exec, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
