package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
)

// ApproveOptions holds flags for the approve command.
type ApproveOptions struct {
	*RootOptions
	Database string
	RunID    string
	Scope    string
	Node     string
	Deny     bool
	Reason   string
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApproveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Grant or deny a pending approval",
		Long: `Resolve the approval request of a gated action node.

A granted node is enqueued for the workers of "reach serve"; a denied node
fails the run with SECURITY_VIOLATION. Nodes inside parallel branches or
subgraphs are addressed by --scope (for example "fan#001").

Examples:
  reach approve --db ./reach.db --run 0190... --node deploy
  reach approve --db ./reach.db --run 0190... --node deploy --deny --reason "change freeze"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprove(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.Node, "node", "", "node awaiting approval (required)")
	_ = cmd.MarkFlagRequired("node")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "scope of the node, empty at top level")
	cmd.Flags().BoolVar(&opts.Deny, "deny", false, "deny instead of grant")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the decision")

	return cmd
}

func runApprove(opts *ApproveOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	var run ir.Run
	err := withEngine(commandContext(cmd), EngineFlags{Database: opts.Database}, false,
		func(ctx context.Context, e *engine.Engine) error {
			var err error
			run, err = e.Approve(ctx, opts.RunID, opts.Scope, opts.Node, !opts.Deny, opts.Reason)
			return err
		})
	if err != nil {
		return formatter.Fail(ExitCommandError, "approval failed", err)
	}
	report := reportOf(run)
	return formatter.Success(report, func(w io.Writer) {
		verb := "granted"
		if opts.Deny {
			verb = "denied"
		}
		fmt.Fprintf(w, "Approval %s for %s\n", verb, ir.NodeKey(opts.Scope, opts.Node))
		printReport(w, report)
	})
}

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Database string
	RunID    string
	Reason   string
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a run",
		Long: `Cancel a run that has not reached a terminal state.

No further jobs are enqueued for the run and outcomes of jobs already
leased are discarded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.Reason, "reason", "cancelled by operator", "reason recorded on the run")

	return cmd
}

func runCancel(opts *CancelOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	var run ir.Run
	err := withEngine(commandContext(cmd), EngineFlags{Database: opts.Database}, false,
		func(ctx context.Context, e *engine.Engine) error {
			var err error
			run, err = e.Cancel(ctx, opts.RunID, opts.Reason)
			return err
		})
	if err != nil {
		return formatter.Fail(ExitCommandError, "cancel failed", err)
	}
	report := reportOf(run)
	return formatter.Success(report, func(w io.Writer) { printReport(w, report) })
}
