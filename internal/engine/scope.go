package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/predicate"
)

// Scopes
//
// Every active node lives in a scope. The top-level graph runs in scope
// "". A SubGraph node at key K runs its graph in scope K; branch i of a
// Parallel node at key K runs in scope "K#00i". Each child scope has a
// Frame naming the graph it runs and the pointer that owns it, so a scope
// that finishes knows which node to complete.

// graphOf returns the name of the graph a scope runs.
func (s *stepper) graphOf(scope string) (string, error) {
	if scope == "" {
		return "", nil
	}
	f, ok := s.run.Frames[scope]
	if !ok {
		return "", ir.NewProtocolViolation("scope %q has no frame", scope)
	}
	return f.Graph, nil
}

func (s *stepper) depthOf(scope string) int {
	if scope == "" {
		return 0
	}
	return s.run.Frames[scope].Depth
}

func (s *stepper) lookup(scope, id string) (*compiler.Node, error) {
	graph, err := s.graphOf(scope)
	if err != nil {
		return nil, err
	}
	n, ok := s.m.Graph.Node(graph, id)
	if !ok {
		return nil, ir.NewProtocolViolation("node %q not found in graph %q", id, graph)
	}
	return n, nil
}

func (s *stepper) nodes() ir.Object {
	nodes, ok := s.run.Context["nodes"].(ir.Object)
	if !ok {
		nodes = ir.Object{}
		if s.run.Context == nil {
			s.run.Context = ir.Object{}
		}
		s.run.Context["nodes"] = nodes
	}
	return nodes
}

// evalContext is the view a predicate in scope sees: the run inputs and
// node results by bare node ID. Results from the scope shadow top-level
// results with the same ID.
func (s *stepper) evalContext(scope string) ir.Object {
	local := ir.Object{}
	all := s.nodes()
	for k, v := range all {
		if !strings.ContainsAny(k, "/#") {
			local[k] = v
		}
	}
	if scope != "" {
		prefix := scope + "/"
		for k, v := range all {
			rest, ok := strings.CutPrefix(k, prefix)
			if ok && !strings.ContainsAny(rest, "/#") {
				local[rest] = v
			}
		}
	}
	input, _ := s.run.Context["input"].(ir.Object)
	if input == nil {
		input = ir.Object{}
	}
	return ir.Obj(ir.O("input", input), ir.O("nodes", local))
}

// activate enters node id in scope.
func (s *stepper) activate(scope, id string) error {
	if s.done() {
		return nil
	}
	n, err := s.lookup(scope, id)
	if err != nil {
		return err
	}
	switch n.Kind {
	case ir.NodeAction:
		return s.startAction(scope, n)
	case ir.NodeCondition:
		return s.evalCondition(scope, n)
	case ir.NodeParallel:
		return s.fork(scope, n)
	case ir.NodeSubGraph:
		return s.enterSubgraph(scope, n)
	}
	return ir.NewProtocolViolation("node %q has unknown kind %q", id, n.Kind)
}

func (s *stepper) evalCondition(scope string, n *compiler.Node) error {
	s.emit(ir.EventNodeStarted, scope, n.ID, ir.Obj(ir.O("kind", ir.String(n.Kind))))
	result := predicate.Eval(n.Cond, s.evalContext(scope))
	s.emit(ir.EventConditionEvaluated, scope, n.ID, ir.Obj(
		ir.O("predicate", ir.String(n.Predicate)),
		ir.O("result", ir.Bool(result)),
	))
	return s.completeNode(scope, n.ID, ir.Obj(ir.O("result", ir.Bool(result))))
}

func (s *stepper) fork(scope string, n *compiler.Node) error {
	join := n.Join
	if join == "" {
		join = ir.JoinAll
	}
	graph, err := s.graphOf(scope)
	if err != nil {
		return err
	}
	key := ir.NodeKey(scope, n.ID)
	s.emit(ir.EventNodeStarted, scope, n.ID, ir.Obj(
		ir.O("kind", ir.String(n.Kind)),
		ir.O("branches", ir.Int(len(n.Branches))),
		ir.O("join", ir.String(join)),
	))
	s.setPointer(ir.Pointer{Scope: scope, Node: n.ID, Wait: ir.WaitChildren})
	s.run.Joins[key] = ir.Join{Policy: join, Branches: len(n.Branches)}

	depth := s.depthOf(scope)
	for i, target := range n.Branches {
		child := ir.ChildScope(scope, n.ID, i)
		s.run.Frames[child] = ir.Frame{
			Kind:       ir.FrameBranch,
			Graph:      graph,
			OwnerScope: scope,
			OwnerNode:  n.ID,
			Branch:     i,
			Depth:      depth,
		}
		if err := s.activate(child, target); err != nil {
			return err
		}
		// A fail-fast join may already have failed the node.
		if _, ok := s.run.Joins[key]; !ok || s.done() {
			return nil
		}
	}
	return nil
}

func (s *stepper) enterSubgraph(scope string, n *compiler.Node) error {
	g, ok := s.m.Graph.Graph(n.Subgraph)
	if !ok {
		return ir.NewProtocolViolation("subgraph %q not found", n.Subgraph)
	}
	s.emit(ir.EventNodeStarted, scope, n.ID, ir.Obj(
		ir.O("kind", ir.String(n.Kind)),
		ir.O("subgraph", ir.String(n.Subgraph)),
	))
	s.setPointer(ir.Pointer{Scope: scope, Node: n.ID, Wait: ir.WaitChildren})
	child := ir.ChildScope(scope, n.ID, -1)
	s.run.Frames[child] = ir.Frame{
		Kind:       ir.FrameSubgraph,
		Graph:      n.Subgraph,
		OwnerScope: scope,
		OwnerNode:  n.ID,
		Branch:     -1,
		Depth:      s.depthOf(scope) + 1,
	}
	return s.activate(child, g.Start)
}

// completeNode records a node's result and follows its edges.
func (s *stepper) completeNode(scope, id string, result ir.Object) error {
	if s.done() {
		return nil
	}
	n, err := s.lookup(scope, id)
	if err != nil {
		return err
	}
	if result == nil {
		result = ir.Object{}
	}
	s.removePointer(scope, id)
	s.nodes()[ir.NodeKey(scope, id)] = result
	s.emit(ir.EventNodeCompleted, scope, id, ir.Obj(ir.O("result", result.Clone())))

	if len(n.Edges) == 0 {
		return s.scopeDone(scope, result)
	}
	view := s.evalContext(scope)
	for _, e := range n.Edges {
		if e.Kind == ir.EdgeConditional && predicate.Eval(e.Cond, view) {
			return s.activate(scope, e.To)
		}
	}
	for _, e := range n.Edges {
		if e.Kind == ir.EdgeDefault {
			return s.activate(scope, e.To)
		}
	}
	reason := fmt.Sprintf("no outgoing edge of %q matched", id)
	s.emit(ir.EventNodeFailed, scope, id, ir.Obj(
		ir.O("code", ir.String(ir.ErrCodeNoRoute)),
		ir.O("reason", ir.String(reason)),
	))
	return s.failScope(scope, ir.ErrCodeNoRoute, reason)
}

// scopeDone handles a scope whose last node completed with result.
func (s *stepper) scopeDone(scope string, result ir.Object) error {
	if scope == "" {
		s.run.Status = ir.RunCompleted
		s.emit(ir.EventRunCompleted, "", "", ir.Obj(ir.O("result", result.Clone())))
		return nil
	}
	f, ok := s.run.Frames[scope]
	if !ok {
		return ir.NewProtocolViolation("scope %q has no frame", scope)
	}
	delete(s.run.Frames, scope)
	if f.Kind == ir.FrameSubgraph {
		return s.completeNode(f.OwnerScope, f.OwnerNode, result)
	}

	key := ir.NodeKey(f.OwnerScope, f.OwnerNode)
	s.nodes()[scope] = result
	j := s.run.Joins[key]
	j.Done++
	s.run.Joins[key] = j
	return s.maybeJoin(f.OwnerScope, f.OwnerNode)
}

// maybeJoin completes or fails a Parallel node once every branch is done.
func (s *stepper) maybeJoin(scope, id string) error {
	key := ir.NodeKey(scope, id)
	j, ok := s.run.Joins[key]
	if !ok || j.Done < j.Branches {
		return nil
	}
	delete(s.run.Joins, key)
	if len(j.Failed) > 0 {
		return s.failNode(scope, id, ir.ErrorCode(j.Code), j.Reason)
	}
	nodes := s.nodes()
	branches := make(ir.Array, j.Branches)
	for i := range branches {
		v, ok := nodes[ir.ChildScope(scope, id, i)]
		if !ok {
			v = ir.Null{}
		}
		branches[i] = v
	}
	return s.completeNode(scope, id, ir.Obj(ir.O("branches", branches)))
}

// failNode records a failed node and takes its fallback edge if it has one.
func (s *stepper) failNode(scope, id string, code ir.ErrorCode, reason string) error {
	if s.done() {
		return nil
	}
	n, err := s.lookup(scope, id)
	if err != nil {
		return err
	}
	s.removePointer(scope, id)
	s.emit(ir.EventNodeFailed, scope, id, ir.Obj(
		ir.O("code", ir.String(code)),
		ir.O("reason", ir.String(reason)),
	))
	if n.Fallback != "" {
		s.emit(ir.EventFallbackTaken, scope, id, ir.Obj(ir.O("to", ir.String(n.Fallback))))
		return s.activate(scope, n.Fallback)
	}
	return s.failScope(scope, code, reason)
}

// failScope propagates a failure out of scope.
func (s *stepper) failScope(scope string, code ir.ErrorCode, reason string) error {
	if scope == "" {
		s.failRun(code, reason)
		return nil
	}
	f, ok := s.run.Frames[scope]
	if !ok {
		return ir.NewProtocolViolation("scope %q has no frame", scope)
	}
	delete(s.run.Frames, scope)
	if f.Kind == ir.FrameSubgraph {
		return s.failNode(f.OwnerScope, f.OwnerNode, code, reason)
	}

	key := ir.NodeKey(f.OwnerScope, f.OwnerNode)
	j := s.run.Joins[key]
	j.Done++
	j.Failed = append(j.Failed, f.Branch)
	if j.Reason == "" {
		j.Code = string(code)
		j.Reason = fmt.Sprintf("branch %d: %s", f.Branch, reason)
	}
	if j.Policy == ir.JoinFailFast {
		s.cancelUnder(key)
		return s.failNode(f.OwnerScope, f.OwnerNode, ir.ErrorCode(j.Code), j.Reason)
	}
	s.run.Joins[key] = j
	return s.maybeJoin(f.OwnerScope, f.OwnerNode)
}

// cancelUnder drops every pointer, frame, join and buffered outcome below
// the Parallel node at key and withdraws the jobs those pointers waited
// on. Outcomes for the dropped jobs are discarded when they arrive.
func (s *stepper) cancelUnder(key string) {
	var abandoned []string
	ptrs := s.run.Pointers[:0]
	for _, p := range s.run.Pointers {
		if !ir.InScope(p.Scope, key) {
			ptrs = append(ptrs, p)
			continue
		}
		if p.Wait == ir.WaitJob && p.JobID != "" {
			abandoned = append(abandoned, p.JobID)
		}
	}
	s.run.Pointers = ptrs
	if len(abandoned) > 0 {
		sort.Strings(abandoned)
		s.commands = append(s.commands, DropJobs{JobIDs: abandoned})
	}
	for k := range s.run.Frames {
		if ir.InScope(k, key) {
			delete(s.run.Frames, k)
		}
	}
	for k := range s.run.Joins {
		if ir.InScope(k, key) {
			delete(s.run.Joins, k)
		}
	}
	buf := s.run.Buffered[:0]
	for _, o := range s.run.Buffered {
		if !ir.InScope(o.Scope, key) {
			buf = append(buf, o)
		}
	}
	s.run.Buffered = buf
}

// failRun ends the run as Failed. extra is added to the run.failed payload.
func (s *stepper) failRun(code ir.ErrorCode, reason string, extra ...ir.Pair) {
	if s.done() {
		return
	}
	s.clearActive()
	s.run.Status = ir.RunFailed
	s.run.FailureCode = string(code)
	s.run.FailureReason = reason
	pairs := append([]ir.Pair{
		ir.O("code", ir.String(code)),
		ir.O("reason", ir.String(reason)),
	}, extra...)
	s.emit(ir.EventRunFailed, "", "", ir.Obj(pairs...))
}
