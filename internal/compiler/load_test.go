package compiler

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
)

func TestLoadYAML(t *testing.T) {
	pack, err := LoadFile(filepath.Join("testdata", "retry.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "retry-then-continue", pack.Name)
	assert.Equal(t, []string{"flaky", "echo"}, pack.Tools)
	require.Len(t, pack.Graph.Nodes, 2)
	a := pack.Graph.Nodes[0]
	assert.Equal(t, 3, a.Retry.MaxAttempts)
	assert.Equal(t, ir.RetrySame, a.Retry.Strategy)
	assert.Equal(t, ir.Obj(ir.O("message", ir.String("done"))), pack.Graph.Nodes[1].Args)
}

func TestLoadJSON(t *testing.T) {
	pack, err := LoadFile(filepath.Join("testdata", "branching.json"))
	require.NoError(t, err)
	assert.Equal(t, "branching", pack.Name)
	assert.Contains(t, pack.Subgraphs, "cleanup")
}

func TestLoadCUEDirectory(t *testing.T) {
	pack, err := LoadFile(filepath.Join("testdata", "cuepack"))
	require.NoError(t, err)
	assert.Equal(t, "cue-demo", pack.Name)
	require.Len(t, pack.Graph.Nodes, 1)
	assert.Equal(t, ir.Obj(ir.O("greeting", ir.String("hi"))), pack.Graph.Nodes[0].Args)
}

func TestLoadCUESource(t *testing.T) {
	pack, err := LoadCUESource(`
pack: {
	name: "inline"
	version: "0.0.1"
	tools: ["echo"]
	graph: {start: "a", nodes: [{id: "a", kind: "action", tool: "echo"}]}
}`)
	require.NoError(t, err)
	assert.Equal(t, "inline", pack.Name)

	_, err = LoadCUESource(`other: 1`)
	require.Error(t, err)
}

func TestLoadSameContentSameHash(t *testing.T) {
	yamlPack, err := LoadBytes([]byte(`
name: same
version: "1"
tools: [echo]
graph:
  start: a
  nodes:
    - {id: a, kind: action, tool: echo, args: {b: 1, a: 2}}
`), FormatYAML)
	require.NoError(t, err)
	jsonPack, err := LoadBytes([]byte(`{"version":"1","name":"same","tools":["echo"],
		"graph":{"nodes":[{"kind":"action","id":"a","tool":"echo","args":{"a":2,"b":1}}],"start":"a"}}`), FormatJSON)
	require.NoError(t, err)

	h1, err := ir.PackHash(*yamlPack)
	require.NoError(t, err)
	h2, err := ir.PackHash(*jsonPack)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestLoadSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing graph", `{"name":"x","version":"1","tools":[]}`},
		{"unknown field", `{"name":"x","version":"1","tools":[],"graph":{"start":"a","nodes":[{"id":"a","kind":"action"}]},"script":"rm -rf"}`},
		{"bad kind", `{"name":"x","version":"1","tools":[],"graph":{"start":"a","nodes":[{"id":"a","kind":"lambda"}]}}`},
		{"bad strategy", `{"name":"x","version":"1","tools":[],"graph":{"start":"a","nodes":[{"id":"a","kind":"action","retry":{"strategy":"pray"}}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.doc), FormatJSON)
			require.Error(t, err)
			var le *LoadError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, ErrCodeSchema, le.Code)
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join("testdata", "nope.yaml"))
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeNotFound, le.Code)

	_, err = FormatFromPath("pack.toml")
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrCodeUnsupported, le.Code)
}
