package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
)

func sampleResult() *Result {
	r := NewResult()
	r.Status = string(ir.RunCompleted)
	r.Trace = []TraceEvent{
		{Seq: 1, Type: "run.started"},
		{Seq: 2, Type: "node.started", Node: "A"},
		{Seq: 3, Type: "tool.invoked", Node: "A", Payload: ir.Obj(
			ir.O("tool", ir.String("fetch")),
			ir.O("args", ir.Obj(ir.O("url", ir.String("https://example.test")), ir.O("depth", ir.Int(2)))),
		)},
		{Seq: 4, Type: "tool.result", Node: "A", Payload: ir.Obj(ir.O("ok", ir.Bool(true)))},
		{Seq: 5, Type: "node.completed", Node: "A"},
		{Seq: 6, Type: "node.started", Node: "P#000/b"},
		{Seq: 7, Type: "run.completed"},
	}
	r.Context = ir.Obj(
		ir.O("input", ir.Obj(ir.O("region", ir.String("eu")))),
		ir.O("nodes", ir.Obj(
			ir.O("A", ir.Obj(ir.O("rows", ir.Int(3)), ir.O("tags", ir.Array{ir.String("x")}))),
		)),
	)
	return r
}

func TestAssertTraceContains(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceContains, Event: "node.started", Node: "P#000/b"}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceContains, Event: "tool.invoked",
		Payload: map[string]any{"tool": "fetch", "args": map[string]any{"depth": 2}}}),
		"nested payload objects match as subsets")

	err := evaluate(r, Assertion{Type: AssertTraceContains, Event: "tool.invoked",
		Payload: map[string]any{"tool": "parse"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, ae.Expected, `{"tool":"parse"}`)
	assert.Contains(t, err.Error(), "[3] tool.invoked A")

	assert.Error(t, evaluate(r, Assertion{Type: AssertTraceContains, Event: "node.started", Node: "B"}))
}

func TestAssertTraceOrder(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceOrder,
		Events: []string{"run.started", "tool.result A", "node.started  P#000/b", "run.completed"}}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceOrder,
		Events: []string{"node.started", "node.started"}}), "a bare type matches any node")

	err := evaluate(r, Assertion{Type: AssertTraceOrder,
		Events: []string{"node.completed A", "tool.invoked A"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"tool.invoked A" not found`)

	assert.Error(t, evaluate(r, Assertion{Type: AssertTraceOrder, Events: []string{"run.failed"}}))
}

func TestAssertTraceCount(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceCount, Event: "node.started", Count: 2}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceCount, Event: "node.started", Node: "A", Count: 1}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertTraceCount, Event: "retry.scheduled", Count: 0}))

	err := evaluate(r, Assertion{Type: AssertTraceCount, Event: "node.started", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 occurrences of node.started")
	assert.Contains(t, err.Error(), "Actual: 2 occurrences")
}

func TestAssertFinalState(t *testing.T) {
	r := sampleResult()

	assert.NoError(t, evaluate(r, Assertion{Type: AssertFinalState, Path: "nodes.A.rows", Value: 3}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertFinalState, Path: "nodes.A", Value: map[string]any{"rows": 3}}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertFinalState, Path: "nodes.A.tags", Value: []any{"x"}}))
	assert.NoError(t, evaluate(r, Assertion{Type: AssertFinalState, Path: "input.region", Value: "eu"}))

	err := evaluate(r, Assertion{Type: AssertFinalState, Path: "nodes.A.rows", Value: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: 3")

	err = evaluate(r, Assertion{Type: AssertFinalState, Path: "nodes.B", Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not found")

	assert.Error(t, evaluate(r, Assertion{Type: AssertFinalState, Path: "nodes.A.rows", Value: map[string]any{"n": 1}}),
		"an object never matches a scalar")
}

func TestEvaluateAssertions_CollectsEveryFailure(t *testing.T) {
	r := sampleResult()
	failures := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceCount, Event: "run.started", Count: 1},
		{Type: AssertTraceCount, Event: "run.failed", Count: 1},
		{Type: AssertFinalState, Path: "missing"},
	})
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0], "assertion 1:")
	assert.Contains(t, failures[1], "assertion 2:")
}

func TestTraceEvent_Ref(t *testing.T) {
	assert.Equal(t, "run.completed", TraceEvent{Type: "run.completed"}.Ref())
	assert.Equal(t, "node.started fan#001/mirror", TraceEvent{Type: "node.started", Node: "fan#001/mirror"}.Ref())
}
