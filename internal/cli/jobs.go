package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
	"github.com/roach88/reach/internal/store"
)

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and redrive queued jobs",
	}
	cmd.PersistentFlags().StringVar(&database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	// run opens the queue read side for the subcommands.
	run := func(cmd *cobra.Command, fn func(context.Context, *queue.Queue, *store.Store) (any, func(io.Writer), error)) error {
		formatter := newFormatter(rootOpts, cmd)
		var data any
		var text func(io.Writer)
		err := withEngine(commandContext(cmd), EngineFlags{Database: database}, false,
			func(ctx context.Context, e *engine.Engine) error {
				var err error
				data, text, err = fn(ctx, e.Queue(), e.Store())
				return err
			})
		if err != nil {
			return formatter.Fail(ExitCommandError, cmd.Name()+" failed", err)
		}
		return formatter.Success(data, text)
	}

	var runID string
	var statuses []string
	var limit int
	list := &cobra.Command{
		Use:           "list",
		Short:         "List jobs, oldest first",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, _ *queue.Queue, st *store.Store) (any, func(io.Writer), error) {
				f := store.JobFilter{RunID: runID, Limit: limit}
				for _, s := range statuses {
					f.Statuses = append(f.Statuses, ir.JobStatus(s))
				}
				jobs, err := st.ListJobs(ctx, f)
				return jobs, func(w io.Writer) { printJobs(w, jobs) }, err
			})
		},
	}
	list.Flags().StringVar(&runID, "run", "", "only jobs of this run")
	list.Flags().StringSliceVar(&statuses, "status", nil, "only jobs in these statuses")
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs")

	deadLetter := &cobra.Command{
		Use:           "dead-letter",
		Short:         "List dead-lettered jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, q *queue.Queue, _ *store.Store) (any, func(io.Writer), error) {
				jobs, err := q.DeadLetters(ctx)
				return jobs, func(w io.Writer) { printJobs(w, jobs) }, err
			})
		},
	}

	redrive := &cobra.Command{
		Use:           "redrive <job-id>",
		Short:         "Requeue a dead-lettered job with a fresh attempt budget",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, q *queue.Queue, _ *store.Store) (any, func(io.Writer), error) {
				if err := q.Redrive(ctx, args[0]); err != nil {
					return nil, nil, err
				}
				job, err := q.Get(ctx, args[0])
				return job, func(w io.Writer) { fmt.Fprintf(w, "✓ Job %s requeued\n", job.ID) }, err
			})
		},
	}

	stats := &cobra.Command{
		Use:           "stats",
		Short:         "Count jobs per status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, q *queue.Queue, _ *store.Store) (any, func(io.Writer), error) {
				s, err := q.Stats(ctx)
				return s, func(w io.Writer) {
					fmt.Fprintf(w, "queued:      %d\n", s.Queued)
					fmt.Fprintf(w, "leased:      %d\n", s.Leased)
					fmt.Fprintf(w, "completed:   %d\n", s.Completed)
					fmt.Fprintf(w, "failed:      %d\n", s.Failed)
					fmt.Fprintf(w, "dead_letter: %d\n", s.DeadLetter)
				}, err
			})
		},
	}

	cmd.AddCommand(list, deadLetter, redrive, stats)
	return cmd
}

func printJobs(w io.Writer, jobs []ir.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN\tNODE\tTOOL\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.RunID, ir.NodeKey(j.Scope, j.NodeID), j.Tool, j.Status,
			j.Attempts, j.MaxAttempts, j.UpdatedAt.Format(time.RFC3339), j.LastError)
	}
	tw.Flush()
}
