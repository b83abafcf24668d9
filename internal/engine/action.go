package engine

import (
	"fmt"
	"sort"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/gate"
	"github.com/roach88/reach/internal/ir"
)

func (s *stepper) startAction(scope string, n *compiler.Node) error {
	s.emit(ir.EventNodeStarted, scope, n.ID, ir.Obj(ir.O("kind", ir.String(n.Kind))))
	p := ir.Pointer{Scope: scope, Node: n.ID, Attempt: 1, Tool: n.Tool}

	if len(n.Candidates) > 0 {
		c, err := s.choose(ir.NodeKey(scope, n.ID), n.Candidates)
		if ir.HasCode(err, ir.ErrCodeSecurityViolation) {
			s.refuse(scope, n.ID, err.Error())
			return nil
		}
		if err != nil {
			return s.failNode(scope, n.ID, ir.ErrCodeNoRoute, err.Error())
		}
		p.Tool = c.Tool
		s.emit(ir.EventCandidateSelected, scope, n.ID, ir.Obj(
			ir.O("candidate", ir.String(c.ID)),
			ir.O("tool", ir.String(c.Tool)),
		))
	}

	if !s.authorize(p, n) {
		return nil
	}
	if n.RequiresApproval {
		p.Wait = ir.WaitApproval
		s.setPointer(p)
		s.emit(ir.EventApprovalRequested, scope, n.ID, ir.Obj(ir.O("tool", ir.String(p.Tool))))
		s.commands = append(s.commands, RequestApproval{Scope: scope, Node: n.ID, Tool: p.Tool})
		return nil
	}
	s.dispatch(p, n)
	return nil
}

// choose picks the candidate an adaptive action runs, preferring the
// choice recorded for this node when one exists.
func (s *stepper) choose(key string, candidates []ir.Candidate) (ir.Candidate, error) {
	if id, ok := s.m.Recorded[key]; ok {
		for _, c := range candidates {
			if c.ID == id {
				return c, nil
			}
		}
		return ir.Candidate{}, ir.Errorf(ir.ErrCodeNoRoute, "recorded candidate %q is not declared", id)
	}
	return gate.SelectCandidate(s.run.Deterministic, candidates)
}

// authorize runs the gate for p's tool. A denial is recorded in the log
// and the audit trail and fails the run; no job is ever enqueued for it.
func (s *stepper) authorize(p ir.Pointer, n *compiler.Node) bool {
	d := gate.Evaluate(gate.PolicyFor(s.run), gate.Action{
		RunID:       s.run.ID,
		Scope:       p.Scope,
		NodeID:      p.Node,
		Tool:        p.Tool,
		Permissions: n.Permissions,
	})
	if d.Allowed {
		return true
	}
	ev := s.emit(ir.EventPolicyDenied, p.Scope, p.Node, ir.Obj(
		ir.O("tool", ir.String(p.Tool)),
		ir.O("reason", ir.String(d.Reason)),
	))
	s.audit = append(s.audit, ir.AuditRecord{
		RunID:  s.run.ID,
		Seq:    ev.Seq,
		Kind:   string(ir.EventPolicyDenied),
		Tool:   p.Tool,
		Reason: d.Reason,
	})
	s.refuse(p.Scope, p.Node, d.Reason)
	return false
}

// refuse fails a node for a security violation. Fallback edges are not
// taken: the run ends.
func (s *stepper) refuse(scope, node, reason string) {
	s.removePointer(scope, node)
	s.emit(ir.EventNodeFailed, scope, node, ir.Obj(
		ir.O("code", ir.String(ir.ErrCodeSecurityViolation)),
		ir.O("reason", ir.String(reason)),
	))
	s.failRun(ir.ErrCodeSecurityViolation, reason)
}

// argsFor returns the tool arguments for a node attempt.
func argsFor(n *compiler.Node, attempt int) ir.Object {
	args := n.Args.Clone()
	if args == nil {
		args = ir.Object{}
	}
	if attempt > 1 && n.Retry.EffectiveStrategy() == ir.RetryWithAdjustment {
		args = args.Merge(n.Retry.Adjustment)
	}
	return args
}

// jobAttempt is the job delivery attempt a pointer is waiting for. Only
// retry_same reuses one job across node attempts.
func jobAttempt(p ir.Pointer, n *compiler.Node) int {
	if n.Retry.EffectiveStrategy() == ir.RetrySame {
		return p.Attempt
	}
	return 1
}

// dispatch enqueues the job for p's current attempt.
func (s *stepper) dispatch(p ir.Pointer, n *compiler.Node) {
	args := argsFor(n, p.Attempt)
	p.Wait = ir.WaitJob
	p.JobID = ir.JobID(s.run.ID, p.Key(), p.Epoch)
	s.setPointer(p)
	s.emit(ir.EventToolInvoked, p.Scope, p.Node, ir.Obj(
		ir.O("tool", ir.String(p.Tool)),
		ir.O("job_id", ir.String(p.JobID)),
		ir.O("attempt", ir.Int(p.Attempt)),
		ir.O("args", args.Clone()),
	))

	maxAttempts := 1
	if n.Retry.EffectiveStrategy() == ir.RetrySame {
		maxAttempts = n.Retry.Attempts()
	}
	s.commands = append(s.commands, EnqueueJob{Job: ir.Job{
		ID:          p.JobID,
		RunID:       s.run.ID,
		Scope:       p.Scope,
		NodeID:      p.Node,
		Epoch:       p.Epoch,
		Tool:        p.Tool,
		Args:        args,
		Permissions: append([]string(nil), n.Permissions...),
		Status:      ir.JobQueued,
		MaxAttempts: maxAttempts,
		Priority:    n.Priority,
	}})
}

// outcome buffers a job outcome and applies every outcome that is ready.
//
// Outcomes of jobs under a Parallel node are applied in waves: once every
// job outstanding below the outermost Parallel has reported, the whole
// wave is applied in scoped-key order. The resulting log does not depend
// on the order in which workers finished.
func (s *stepper) outcome(o ir.Outcome) error {
	if s.done() {
		s.discarded = true
		return nil
	}
	p, ok := s.jobPointer(o.JobID)
	if !ok {
		s.discarded = true
		return nil
	}
	n, err := s.lookup(p.Scope, p.Node)
	if err != nil {
		return err
	}
	if o.Attempt < jobAttempt(p, n) {
		s.discarded = true
		return nil
	}
	for _, b := range s.run.Buffered {
		if b.JobID == o.JobID && b.Attempt == o.Attempt {
			s.discarded = true
			return nil
		}
	}
	o.Scope, o.Node = p.Scope, p.Node
	s.run.Buffered = append(s.run.Buffered, o)
	return s.flush()
}

func (s *stepper) jobPointer(jobID string) (ir.Pointer, bool) {
	for _, p := range s.run.Pointers {
		if p.Wait == ir.WaitJob && p.JobID == jobID {
			return p, true
		}
	}
	return ir.Pointer{}, false
}

// flush applies ready waves until none is left.
func (s *stepper) flush() error {
	for !s.done() {
		wave, err := s.readyWave()
		if err != nil {
			return err
		}
		if len(wave) == 0 {
			return nil
		}
		for _, o := range wave {
			if s.done() {
				return nil
			}
			p, ok := s.jobPointer(o.JobID)
			if !ok {
				continue
			}
			n, err := s.lookup(p.Scope, p.Node)
			if err != nil {
				return err
			}
			if o.Attempt != jobAttempt(p, n) {
				continue
			}
			s.unbuffer(o)
			if err := s.apply(p, n, o); err != nil {
				return err
			}
			s.checkQuota()
		}
	}
	return nil
}

func (s *stepper) unbuffer(o ir.Outcome) {
	out := s.run.Buffered[:0]
	for _, b := range s.run.Buffered {
		if b.JobID == o.JobID && b.Attempt == o.Attempt {
			continue
		}
		out = append(out, b)
	}
	s.run.Buffered = out
}

// readyWave returns the buffered outcomes that may be applied now, sorted
// by their pointer's scoped key.
func (s *stepper) readyWave() ([]ir.Outcome, error) {
	// matched maps a waiting job pointer's key to its matching outcome.
	matched := map[string]ir.Outcome{}
	for _, o := range s.run.Buffered {
		p, ok := s.jobPointer(o.JobID)
		if !ok {
			continue
		}
		n, err := s.lookup(p.Scope, p.Node)
		if err != nil {
			return nil, err
		}
		if o.Attempt == jobAttempt(p, n) {
			matched[p.Key()] = o
		}
	}

	var ready []ir.Outcome
	complete := map[string]bool{}
	for _, key := range sortedKeys(matched) {
		o := matched[key]
		if s.m.Replay {
			ready = append(ready, o)
			continue
		}
		root := s.waveRoot(o.Scope)
		if root == "" {
			ready = append(ready, o)
			continue
		}
		done, seen := complete[root]
		if !seen {
			done = true
			for _, p := range s.run.Pointers {
				if p.Wait != ir.WaitJob || !ir.InScope(p.Scope, root) {
					continue
				}
				if _, ok := matched[p.Key()]; !ok {
					done = false
					break
				}
			}
			complete[root] = done
		}
		if done {
			ready = append(ready, o)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ir.NodeKey(ready[i].Scope, ready[i].Node) < ir.NodeKey(ready[j].Scope, ready[j].Node)
	})
	return ready, nil
}

// waveRoot returns the key of the outermost Parallel node enclosing scope,
// or "" when scope is not inside a branch.
func (s *stepper) waveRoot(scope string) string {
	root := ""
	for scope != "" {
		f, ok := s.run.Frames[scope]
		if !ok {
			break
		}
		if f.Kind == ir.FrameBranch {
			root = ir.NodeKey(f.OwnerScope, f.OwnerNode)
		}
		scope = f.OwnerScope
	}
	return root
}

// apply handles one job outcome: completion, retry, fallback or failure.
func (s *stepper) apply(p ir.Pointer, n *compiler.Node, o ir.Outcome) error {
	payload := ir.Obj(
		ir.O("job_id", ir.String(o.JobID)),
		ir.O("attempt", ir.Int(o.Attempt)),
		ir.O("ok", ir.Bool(o.OK)),
	)
	if o.OK {
		result := o.Result.Clone()
		if result == nil {
			result = ir.Object{}
		}
		payload["result"] = result
		s.emit(ir.EventToolResult, p.Scope, p.Node, payload)
		return s.completeNode(p.Scope, p.Node, result.Clone())
	}

	payload["error"] = ir.String(o.Error)
	payload["code"] = ir.String(o.Code)
	payload["hard"] = ir.Bool(o.Hard)
	s.emit(ir.EventToolResult, p.Scope, p.Node, payload)

	if o.Hard {
		code := ir.ErrorCode(o.Code)
		if code == "" {
			code = ir.ErrCodeProtocolViolation
		}
		s.removePointer(p.Scope, p.Node)
		s.emit(ir.EventNodeFailed, p.Scope, p.Node, ir.Obj(
			ir.O("code", ir.String(code)),
			ir.O("reason", ir.String(o.Error)),
		))
		s.failRun(code, o.Error)
		return nil
	}

	strategy := n.Retry.EffectiveStrategy()
	if p.Attempt >= n.Retry.Attempts() || strategy == ir.FallbackImmediate {
		reason := fmt.Sprintf("%d attempt(s) failed: %s", p.Attempt, o.Error)
		return s.failNode(p.Scope, p.Node, ir.ErrCodeExhaustedRetries, reason)
	}

	p.Attempt++
	s.emit(ir.EventRetryScheduled, p.Scope, p.Node, ir.Obj(
		ir.O("attempt", ir.Int(p.Attempt)),
		ir.O("strategy", ir.String(strategy)),
		ir.O("error", ir.String(o.Error)),
	))
	switch strategy {
	case ir.RetrySame:
		// The queue has already requeued the job for its next delivery.
		s.setPointer(p)
		s.emit(ir.EventToolInvoked, p.Scope, p.Node, ir.Obj(
			ir.O("tool", ir.String(p.Tool)),
			ir.O("job_id", ir.String(p.JobID)),
			ir.O("attempt", ir.Int(p.Attempt)),
			ir.O("args", argsFor(n, p.Attempt)),
		))
		return nil
	case ir.RetryAlternative:
		alts := n.Retry.Alternatives
		p.Tool = alts[(p.Attempt-2)%len(alts)]
	}
	p.Epoch = p.Attempt - 1
	if !s.authorize(p, n) {
		return nil
	}
	s.dispatch(p, n)
	return nil
}
