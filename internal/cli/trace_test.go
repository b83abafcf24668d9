package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
)

func TestTraceText(t *testing.T) {
	db, report, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "--db", db, "--run", "run-ingest")
	require.NoError(t, err)

	assert.Contains(t, out, "Trace for Run: run-ingest")
	assert.Contains(t, out, "Status: completed")
	assert.Contains(t, out, "=== Timeline ===")
	assert.Contains(t, out, "  [1] run.started\n")
	assert.Contains(t, out, "node.completed fetch")
	assert.Contains(t, out, "=== Stats ===")
	assert.NotContains(t, out, "=== Audit ===")
	assert.Contains(t, out, "Total Events: ")
	assert.Positive(t, report.Events)
}

func TestTraceJSON(t *testing.T) {
	db, report, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), "--db", db, "--run", "run-ingest")
	require.NoError(t, err)

	result := decode[TraceResult](t, out).Data
	assert.Equal(t, report, result.Run)
	require.Len(t, result.Timeline, int(report.Events))
	for i, e := range result.Timeline {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, TraceEvent{Seq: 1, Type: string(ir.EventRunStarted)}, result.Timeline[0])
	assert.Equal(t, string(ir.EventRunCompleted), result.Timeline[len(result.Timeline)-1].Type)
	assert.Equal(t, 3, result.Stats.ByType[string(ir.EventNodeCompleted)])
	assert.Equal(t, len(result.Timeline), result.Stats.TotalEvents)
}

func TestTraceNodeFilter(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), "--db", db, "--run", "run-ingest", "--node", "parse")
	require.NoError(t, err)

	result := decode[TraceResult](t, out).Data
	require.NotEmpty(t, result.Timeline)
	for _, e := range result.Timeline {
		assert.Equal(t, "parse", e.Node)
	}
}

func TestTraceAfter(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), "--db", db, "--run", "run-ingest", "--after", "2")
	require.NoError(t, err)

	result := decode[TraceResult](t, out).Data
	require.NotEmpty(t, result.Timeline)
	assert.Equal(t, int64(3), result.Timeline[0].Seq)
}

func TestTraceShowsAudit(t *testing.T) {
	db, _, err := runInto(t, "denied")
	require.Error(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "--db", db, "--run", "run-denied")
	require.NoError(t, err)
	assert.Contains(t, out, "Failure: SECURITY_VIOLATION")
	assert.Contains(t, out, "=== Audit ===")
	assert.Contains(t, out, "policy.denied fetch")
}

func TestTraceVerbosePrintsPayloads(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text", Verbose: true}), "--db", db, "--run", "run-ingest", "--node", "parse")
	require.NoError(t, err)
	assert.Contains(t, out, "records=3")
}

func TestTraceUnknownRun(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "text"}), "--db", db, "--run", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")
}

func TestTraceMissingDatabase(t *testing.T) {
	out, err := execute(t, NewTraceCommand(&RootOptions{Format: "json"}), "--db", filepath.Join(t.TempDir(), "none.db"), "--run", "r")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decode[any](t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestFormatArgs(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"empty", map[string]any{}, "{}"},
		{"sorted keys", map[string]any{"b": 2, "a": "x"}, "{a=x, b=2}"},
		{"nested", map[string]any{"m": map[string]any{"z": nil, "y": []any{1, "two"}}}, "{m={y=[1, two], z=null}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatArgs(tt.args))
		})
	}
}
