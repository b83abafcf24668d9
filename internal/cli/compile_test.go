package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
)

func TestCompileValidPack(t *testing.T) {
	out, err := execute(t, NewCompileCommand(&RootOptions{Format: "text"}), packFile("ingest"))
	require.NoError(t, err)

	cg, err := compilePack(packFile("ingest"))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled ingest@1.2.0")
	assert.Contains(t, out, "pack hash:     "+cg.PackHash)
	assert.Contains(t, out, "registry hash: "+cg.RegistryHash)
	assert.Contains(t, out, "policy:        v1")
	assert.Contains(t, out, "(main): 3 node(s), 2 edge(s), start fetch")
}

func TestCompileValidPackJSON(t *testing.T) {
	out, err := execute(t, NewCompileCommand(&RootOptions{Format: "json"}), packFile("gated"))
	require.NoError(t, err)

	resp := decode[CompilationResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "gated-deploy", resp.Data.Name)
	assert.Equal(t, "0.4.0", resp.Data.Version)
	assert.Len(t, resp.Data.PackHash, 64)
	require.Len(t, resp.Data.Graphs, 1)
	assert.Equal(t, GraphSummary{Name: "", Start: "build", Nodes: map[string]int{"action": 2}, Edges: 1}, resp.Data.Graphs[0])
}

func TestCompileWritesCanonicalPack(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "ingest.json")
	out, err := execute(t, NewCompileCommand(&RootOptions{Format: "text"}), packFile("ingest"), "-o", outFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote canonical pack to "+outFile)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
	assert.Equal(t, byte('\n'), data[len(data)-1])

	// The file holds exactly the bytes the pack hash covers.
	cg, err := compilePack(packFile("ingest"))
	require.NoError(t, err)
	canonical, err := ir.MarshalCanonical(cg.Pack)
	require.NoError(t, err)
	assert.Equal(t, string(canonical)+"\n", string(data))
}

func TestCompileInvalidPack(t *testing.T) {
	out, err := execute(t, NewCompileCommand(&RootOptions{Format: "text"}), packFile("broken"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "✗ Compilation failed")
	assert.Contains(t, out, "E113")
	assert.Contains(t, out, "E115")
}

func TestCompileInvalidPackJSON(t *testing.T) {
	out, err := execute(t, NewCompileCommand(&RootOptions{Format: "json"}), packFile("broken"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decode[[]Problem](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	var codes []string
	for _, p := range resp.Data {
		codes = append(codes, p.Code)
	}
	assert.Contains(t, codes, "E113")
	assert.Contains(t, codes, "E115")
}

func TestCompileMissingFile(t *testing.T) {
	out, err := execute(t, NewCompileCommand(&RootOptions{Format: "json"}), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decode[[]Problem](t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
}

func TestCompileRequiresOneArg(t *testing.T) {
	_, err := execute(t, NewCompileCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
