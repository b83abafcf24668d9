package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Node     string // optional - filter to one node key
	After    int64
}

// TraceEvent is one entry of the trace timeline.
type TraceEvent struct {
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Node    string         `json:"node,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run      RunReport        `json:"run"`
	Timeline []TraceEvent     `json:"timeline"`
	Audit    []ir.AuditRecord `json:"audit"`
	Stats    TraceStats       `json:"stats"`
}

// TraceStats counts events per type.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	ByType      map[string]int `json:"by_type"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print the event log of a run",
		Long: `Print the ordered event log of a run.

The output includes:
- Timeline: every event in sequence order, with its node key
- Audit: policy and approval denials recorded for the run
- Stats: event counts per type

Examples:
  reach trace --db ./reach.db --run 0190...
  reach trace --db ./reach.db --run 0190... --node "fan#001/mirror" -v
  reach trace --db ./reach.db --run 0190... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID to trace (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.Node, "node", "", "only events of this node key")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events after this sequence number")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	st, err := openStore(opts.Database, false)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	result, err := buildTrace(ctx, st, opts)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read run", err)
	}
	return formatter.Success(result, func(w io.Writer) { printTrace(w, result, opts.Verbose) })
}

func buildTrace(ctx context.Context, st *store.Store, opts *TraceOptions) (TraceResult, error) {
	run, err := st.GetRun(ctx, opts.RunID)
	if err != nil {
		return TraceResult{}, err
	}
	events, err := st.EventsAfter(ctx, opts.RunID, opts.After)
	if err != nil {
		return TraceResult{}, err
	}
	audit, err := st.Audit(ctx, opts.RunID)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{
		Run:      reportOf(run),
		Timeline: buildTimeline(events, opts.Node),
		Audit:    audit,
		Stats:    TraceStats{ByType: map[string]int{}},
	}
	for _, e := range result.Timeline {
		result.Stats.ByType[e.Type]++
	}
	result.Stats.TotalEvents = len(result.Timeline)
	return result, nil
}

// buildTimeline converts stored events to timeline entries. With a node
// filter only that node's events are kept; run-level events are dropped.
func buildTimeline(events []ir.Event, node string) []TraceEvent {
	timeline := []TraceEvent{}
	for _, e := range events {
		key := ""
		if e.NodeID != "" {
			key = ir.NodeKey(e.Scope, e.NodeID)
		}
		if node != "" && key != node {
			continue
		}
		timeline = append(timeline, TraceEvent{
			Seq:     e.Seq,
			Type:    string(e.Type),
			Node:    key,
			Payload: objectToMap(e.Payload),
		})
	}
	return timeline
}

func objectToMap(obj ir.Object) map[string]any {
	if len(obj) == 0 {
		return nil
	}
	m, _ := ir.ToAny(obj).(map[string]any)
	return m
}

func printTrace(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for Run: %s\n", result.Run.RunID)
	fmt.Fprintf(w, "Status: %s\n", result.Run.Status)
	if result.Run.FailureCode != "" {
		fmt.Fprintf(w, "Failure: %s: %s\n", result.Run.FailureCode, result.Run.Reason)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, e := range result.Timeline {
		if e.Node != "" {
			fmt.Fprintf(w, "  [%d] %s %s\n", e.Seq, e.Type, e.Node)
		} else {
			fmt.Fprintf(w, "  [%d] %s\n", e.Seq, e.Type)
		}
		if verbose && len(e.Payload) > 0 {
			fmt.Fprintf(w, "       %s\n", formatArgs(e.Payload))
		}
	}
	fmt.Fprintln(w)

	if len(result.Audit) > 0 {
		fmt.Fprintln(w, "=== Audit ===")
		for _, a := range result.Audit {
			fmt.Fprintf(w, "  [%d] %s %s: %s\n", a.Seq, a.Kind, a.Tool, a.Reason)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	types := make([]string, 0, len(result.Stats.ByType))
	for t := range result.Stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-20s %d\n", t+":", result.Stats.ByType[t])
	}
}

// formatArgs formats a payload for display with sorted keys.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// formatValue formats a single value, handling nested structures deterministically.
func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case string:
		return val
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", v)
	}
}
