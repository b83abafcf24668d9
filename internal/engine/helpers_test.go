package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/ir"
)

var testTools = []string{"fetch", "parse", "store", "flaky", "backup", "mirror-*", "notify", "deploy"}

func action(id, tool string) ir.Node {
	return ir.Node{ID: id, Kind: ir.NodeAction, Tool: tool}
}

func retrying(n ir.Node, strategy ir.RetryStrategy, attempts int) ir.Node {
	n.Retry = ir.RetryPolicy{MaxAttempts: attempts, Strategy: strategy}
	return n
}

func edge(from, to string) ir.Edge {
	return ir.Edge{From: from, To: to}
}

func fallback(from, to string) ir.Edge {
	return ir.Edge{From: from, To: to, Kind: ir.EdgeFallback}
}

func when(from, to, pred string) ir.Edge {
	return ir.Edge{From: from, To: to, Kind: ir.EdgeConditional, Predicate: pred}
}

func testPack(start string, nodes []ir.Node, edges ...ir.Edge) ir.Pack {
	return ir.Pack{
		Name:        "test",
		Version:     "1.0.0",
		Tools:       testTools,
		Permissions: []string{"net:*"},
		Graph:       ir.Graph{Start: start, Nodes: nodes, Edges: edges},
	}
}

// stepRun drives a Machine directly, without a store.
type stepRun struct {
	t   *testing.T
	m   *Machine
	run ir.Run
	log []ir.Event
}

func newStepRun(t *testing.T, pack ir.Pack) *stepRun {
	t.Helper()
	cg, err := compiler.Compile(pack)
	require.NoError(t, err)
	return &stepRun{t: t, m: &Machine{Graph: cg}, run: NewRun(cg, "run-1")}
}

func (r *stepRun) step(in Input) Result {
	r.t.Helper()
	res, err := r.m.Step(r.run, in)
	require.NoError(r.t, err)
	r.run = res.Run
	r.log = append(r.log, res.Events...)
	return res
}

func (r *stepRun) start(inputs ir.Object) Result {
	r.t.Helper()
	return r.step(StartInput{Inputs: inputs})
}

func (r *stepRun) pointer(key string) ir.Pointer {
	r.t.Helper()
	for _, p := range r.run.Pointers {
		if p.Key() == key {
			return p
		}
	}
	r.t.Fatalf("no active pointer %q (have %v)", key, pointerKeys(r.run))
	return ir.Pointer{}
}

// outcomeFor builds the outcome a worker would report for the pointer's
// current attempt.
func (r *stepRun) outcomeFor(key string) ir.Outcome {
	r.t.Helper()
	p := r.pointer(key)
	s := &stepper{m: r.m, run: r.run}
	n, err := s.lookup(p.Scope, p.Node)
	require.NoError(r.t, err)
	return ir.Outcome{JobID: p.JobID, Scope: p.Scope, Node: p.Node, Attempt: jobAttempt(p, n)}
}

func (r *stepRun) succeed(key string, result ir.Object) Result {
	r.t.Helper()
	o := r.outcomeFor(key)
	o.OK = true
	o.Result = result
	return r.step(OutcomeInput{Outcome: o})
}

func (r *stepRun) fail(key, msg string) Result {
	r.t.Helper()
	o := r.outcomeFor(key)
	o.Error = msg
	return r.step(OutcomeInput{Outcome: o})
}

func pointerKeys(run ir.Run) []string {
	keys := make([]string, len(run.Pointers))
	for i, p := range run.Pointers {
		keys[i] = p.Key()
	}
	return keys
}

// trace renders events as "type(key)" for comparison, keeping only the
// listed types when any are given.
func trace(events []ir.Event, keep ...ir.EventType) []string {
	want := map[ir.EventType]bool{}
	for _, k := range keep {
		want[k] = true
	}
	var out []string
	for _, e := range events {
		if len(want) > 0 && !want[e.Type] {
			continue
		}
		key := ir.NodeKey(e.Scope, e.NodeID)
		if key == "" {
			out = append(out, string(e.Type))
			continue
		}
		out = append(out, fmt.Sprintf("%s(%s)", e.Type, key))
	}
	return out
}

func enqueued(res Result) []ir.Job {
	var jobs []ir.Job
	for _, c := range res.Commands {
		if e, ok := c.(EnqueueJob); ok {
			jobs = append(jobs, e.Job)
		}
	}
	return jobs
}

func lastEvent(events []ir.Event) ir.Event {
	return events[len(events)-1]
}
