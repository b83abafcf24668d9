package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/engine"
)

var resultsFile = filepath.Join("testdata", "results.yaml")

func packFile(name string) string {
	return filepath.Join("testdata", "packs", name+".yaml")
}

func absPack(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(packFile(name))
	require.NoError(t, err)
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// execute runs cmd with args and returns everything it printed.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// response is a CLIResponse with a typed payload.
type response[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

func decode[T any](t *testing.T, out string) response[T] {
	t.Helper()
	var resp response[T]
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// runInto runs pack into a fresh database with a fixed run ID. It
// returns the database path and the command's error.
func runInto(t *testing.T, pack string, extra ...string) (string, RunReport, error) {
	t.Helper()
	db := filepath.Join(t.TempDir(), "reach.db")
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "json"},
		RunIDs:      engine.NewFixedGenerator("run-" + pack),
	}
	args := append([]string{"--db", db, "--results", resultsFile, packFile(pack)}, extra...)
	out, err := execute(t, newRunCommand(opts), args...)
	return db, decode[RunReport](t, out).Data, err
}
