package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/capsule"
	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
)

// CapsuleReport describes one capsule after export, verify or replay.
type CapsuleReport struct {
	File        string     `json:"file,omitempty"`
	RunID       string     `json:"run_id"`
	Pack        ir.PackRef `json:"pack"`
	Fingerprint string     `json:"fingerprint"`
	AuditRoot   string     `json:"audit_root"`
	Events      int        `json:"events"`
	Verified    bool       `json:"verified"`
	Replayed    bool       `json:"replayed,omitempty"`
}

func capsuleReport(file string, c ir.Capsule) CapsuleReport {
	return CapsuleReport{
		File:        file,
		RunID:       c.Manifest.RunID,
		Pack:        c.Manifest.Pack,
		Fingerprint: c.Manifest.RunFingerprint,
		AuditRoot:   c.Manifest.AuditRoot,
		Events:      len(c.EventLog),
	}
}

func printCapsule(w io.Writer, title string, r CapsuleReport) {
	fmt.Fprintf(w, "✓ %s\n", title)
	if r.File != "" {
		fmt.Fprintf(w, "  file:        %s\n", r.File)
	}
	fmt.Fprintf(w, "  run:         %s\n", r.RunID)
	fmt.Fprintf(w, "  pack:        %s@%s\n", r.Pack.Name, r.Pack.Version)
	fmt.Fprintf(w, "  events:      %d\n", r.Events)
	fmt.Fprintf(w, "  fingerprint: %s\n", r.Fingerprint)
	fmt.Fprintf(w, "  audit root:  %s\n", r.AuditRoot)
}

// NewCapsuleCommand creates the capsule command group.
func NewCapsuleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capsule",
		Short: "Export, verify and replay run capsules",
		Long: `A capsule is a self-contained record of a finished run: a manifest
(pack, registry snapshot hash, policy outcome, audit root, fingerprint) and
the full event log. Verification needs nothing but the file; replay also
needs the pack the run executed.

Exit codes:
  0 - Capsule exported, verified or replayed
  1 - Capsule failed verification or replay
  2 - Command error (file not found, database error, etc.)`,
	}

	cmd.AddCommand(newCapsuleExportCommand(rootOpts))
	cmd.AddCommand(newCapsuleVerifyCommand(rootOpts))
	cmd.AddCommand(newCapsuleReplayCommand(rootOpts))
	return cmd
}

func newCapsuleExportCommand(rootOpts *RootOptions) *cobra.Command {
	var database, runID, out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the capsule of a finished run",
		Example: `  reach capsule export --db ./reach.db --run 0190...
  reach capsule export --db ./reach.db --run 0190... --out ./capsules/`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			st, err := openStore(database, false)
			if err != nil {
				return formatter.Fail(ExitCommandError, "failed to open database", err)
			}
			defer st.Close()

			c, err := capsule.Export(commandContext(cmd), st, runID)
			if err != nil {
				return formatter.Fail(ExitCommandError, "export failed", err)
			}
			path := capsulePath(out, runID)
			if err := capsule.WriteFile(path, c); err != nil {
				_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing capsule: %v", err), nil)
				return WrapExitError(ExitCommandError, "writing capsule", err)
			}
			report := capsuleReport(path, c)
			report.Verified = true
			return formatter.Success(report, func(w io.Writer) { printCapsule(w, "Exported capsule", report) })
		},
	}

	cmd.Flags().StringVar(&database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&runID, "run", "", "run ID (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&out, "out", "", "output file or directory (default <run>.capsule.json)")
	return cmd
}

// capsulePath resolves --out: empty means the working directory, a
// trailing separator or an existing directory means a file inside it.
func capsulePath(out, runID string) string {
	name := runID + ".capsule.json"
	switch {
	case out == "":
		return name
	case out[len(out)-1] == filepath.Separator || isDir(out):
		return filepath.Join(out, name)
	}
	return out
}

func newCapsuleVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify <capsule-file>",
		Short:         "Check a capsule's integrity offline",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			c, err := capsule.ReadFile(args[0])
			if err != nil {
				return capsuleFailure(formatter, "capsule is unreadable", err)
			}
			if err := capsule.Verify(c); err != nil {
				return capsuleFailure(formatter, "capsule failed verification", err)
			}
			report := capsuleReport(args[0], c)
			report.Verified = true
			return formatter.Success(report, func(w io.Writer) { printCapsule(w, "Capsule verified", report) })
		},
	}
}

func newCapsuleReplayCommand(rootOpts *RootOptions) *cobra.Command {
	var packPath, database string

	cmd := &cobra.Command{
		Use:   "replay <capsule-file>",
		Short: "Re-execute a capsule's log and compare fingerprints",
		Long: `Verify a capsule, then re-run the state machine over its recorded tool
outcomes, approvals and cancellation and check that it reproduces the
event log and the fingerprint exactly.

The pack comes from --pack, or from the packs stored in --db.`,
		Example: `  reach capsule replay run.capsule.json --pack ./packs/ingest.yaml
  reach capsule replay run.capsule.json --db ./reach.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			if (packPath == "") == (database == "") {
				return formatter.Fail(ExitCommandError, "exactly one of --pack or --db is required", nil)
			}
			c, err := capsule.ReadFile(args[0])
			if err != nil {
				return capsuleFailure(formatter, "capsule is unreadable", err)
			}
			cg, err := replayGraph(commandContext(cmd), c, packPath, database)
			if err != nil {
				return formatter.Fail(ExitCommandError, "failed to load pack", err)
			}
			if err := capsule.Verify(c); err != nil {
				return capsuleFailure(formatter, "capsule failed verification", err)
			}
			fp, err := capsule.Replay(c, cg)
			if err != nil {
				return capsuleFailure(formatter, "replay diverged", err)
			}
			report := capsuleReport(args[0], c)
			report.Fingerprint = fp
			report.Verified = true
			report.Replayed = true
			return formatter.Success(report, func(w io.Writer) { printCapsule(w, "Replay reproduced the run", report) })
		},
	}

	cmd.Flags().StringVar(&packPath, "pack", "", "pack file the run executed")
	cmd.Flags().StringVar(&database, "db", "", "database holding the run's pack")
	return cmd
}

func replayGraph(ctx context.Context, c ir.Capsule, packPath, database string) (*compiler.CompiledGraph, error) {
	if packPath != "" {
		return compilePack(packPath)
	}
	var cg *compiler.CompiledGraph
	err := withEngine(ctx, EngineFlags{Database: database}, false, func(ctx context.Context, e *engine.Engine) error {
		var err error
		cg, err = e.Graph(ctx, c.Manifest.Pack.Hash)
		return err
	})
	return cg, err
}

// capsuleFailure reports an integrity or replay failure. Those are
// verification failures (exit 1); anything else is a command error.
func capsuleFailure(formatter *OutputFormatter, message string, err error) error {
	code := ExitCommandError
	if ir.IsIntegrity(err) || ir.HasCode(err, ir.ErrCodeReplayMismatch) {
		code = ExitFailure
	}
	return formatter.Fail(code, message, err)
}
