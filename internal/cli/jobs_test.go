package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
)

func TestJobsStats(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewJobsCommand(&RootOptions{Format: "json"}), "stats", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Completed: 3}, decode[queue.Stats](t, out).Data)

	out, err = execute(t, NewJobsCommand(&RootOptions{Format: "text"}), "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "completed:   3\n")
}

func TestJobsList(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewJobsCommand(&RootOptions{Format: "json"}), "list", "--db", db, "--run", "run-ingest")
	require.NoError(t, err)

	jobs := decode[[]ir.Job](t, out).Data
	require.Len(t, jobs, 3)
	var tools []string
	for _, j := range jobs {
		assert.Equal(t, ir.JobCompleted, j.Status)
		tools = append(tools, j.Tool)
	}
	assert.Equal(t, []string{"fetch", "parse", "store"}, tools)

	out, err = execute(t, NewJobsCommand(&RootOptions{Format: "text"}), "list", "--db", db, "--status", "completed", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "fetch")
	assert.NotContains(t, out, "parse")
}

func TestJobsDeadLetterEmpty(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewJobsCommand(&RootOptions{Format: "text"}), "dead-letter", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "No jobs.\n", out)
}

func TestJobsRedriveUnknownJob(t *testing.T) {
	db, _, err := runInto(t, "ingest")
	require.NoError(t, err)

	out, err := execute(t, NewJobsCommand(&RootOptions{Format: "text"}), "redrive", "missing-job", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")
}

func TestJobsRequireDatabase(t *testing.T) {
	_, err := execute(t, NewJobsCommand(&RootOptions{Format: "text"}), "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	out, err := execute(t, NewJobsCommand(&RootOptions{Format: "text"}), "stats", "--db", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	assert.Contains(t, out, "Error [E005]")
}
