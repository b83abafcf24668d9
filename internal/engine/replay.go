package engine

import (
	"fmt"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/ir"
)

// Replay
//
// A run's log is a record of every input the state machine consumed,
// interleaved with what it did about each one. Replay walks the log,
// turns each input-bearing event back into the Input that produced it and
// feeds it to the same Step used live:
//
//	run.started             -> StartInput
//	tool.result             -> OutcomeInput
//	approval.granted/denied -> ApprovalInput
//	run.cancelled           -> CancelInput
//	run.failed (TIMEOUT)    -> DeadlineInput
//
// Every event Step emits must match the next recorded event on everything
// but its timestamp. No job is enqueued and no tool runs: tool results
// come from the log, and so do adaptive choices (candidate.selected),
// which are injected through Machine.Recorded rather than recomputed.

// Replay re-drives base, a pending run built with NewRun, over log. It
// returns the events Step produced and the final run state. Any
// divergence is a REPLAY_MISMATCH naming the first differing sequence.
func Replay(cg *compiler.CompiledGraph, base ir.Run, log []ir.Event) ([]ir.Event, ir.Run, error) {
	m := &Machine{
		Graph:    cg,
		Recorded: map[string]string{},
		Replay:   true,
	}
	for _, e := range log {
		switch e.Type {
		case ir.EventCandidateSelected:
			m.Recorded[ir.NodeKey(e.Scope, e.NodeID)] = payloadString(e.Payload, "candidate")
		case ir.EventRunFailed:
			if payloadString(e.Payload, "code") == string(ir.ErrCodeQuotaExceeded) {
				m.MaxEvents = int(payloadInt(e.Payload, "limit"))
			}
		}
	}

	run := base
	replayed := make([]ir.Event, 0, len(log))
	for cursor := 0; cursor < len(log); {
		rec := log[cursor]
		in, err := inputFor(rec)
		if err != nil {
			return replayed, run, err
		}
		res, err := m.Step(run, in)
		if err != nil {
			return replayed, run, mismatch(rec.Seq, "step rejected recorded %s: %v", rec.Type, err)
		}
		if len(res.Events) == 0 {
			return replayed, run, mismatch(rec.Seq, "recorded %s produced no events", rec.Type)
		}
		for i, got := range res.Events {
			if cursor+i >= len(log) {
				return replayed, run, mismatch(got.Seq, "replay emitted %s past the end of the log", got.Type)
			}
			want := log[cursor+i]
			if !got.SameContent(want) {
				return replayed, run, mismatch(want.Seq, "recorded %s %s, replayed %s %s",
					want.Type, ir.NodeKey(want.Scope, want.NodeID), got.Type, ir.NodeKey(got.Scope, got.NodeID))
			}
		}
		replayed = append(replayed, res.Events...)
		cursor += len(res.Events)
		run = res.Run
	}
	return replayed, run, nil
}

func mismatch(seq int64, format string, args ...any) error {
	return &ir.Error{
		Code:    ir.ErrCodeReplayMismatch,
		Message: fmt.Sprintf("event %d: %s", seq, fmt.Sprintf(format, args...)),
	}
}

// inputFor rebuilds the input that made the state machine emit e as the
// first event of a step.
func inputFor(e ir.Event) (Input, error) {
	p := e.Payload
	switch e.Type {
	case ir.EventRunStarted:
		inputs, _ := p["input"].(ir.Object)
		return StartInput{Inputs: inputs}, nil
	case ir.EventToolResult:
		result, _ := p["result"].(ir.Object)
		return OutcomeInput{Outcome: ir.Outcome{
			JobID:   payloadString(p, "job_id"),
			Scope:   e.Scope,
			Node:    e.NodeID,
			Attempt: int(payloadInt(p, "attempt")),
			OK:      payloadBool(p, "ok"),
			Result:  result,
			Error:   payloadString(p, "error"),
			Code:    payloadString(p, "code"),
			Hard:    payloadBool(p, "hard"),
		}}, nil
	case ir.EventApprovalGranted:
		return ApprovalInput{Scope: e.Scope, Node: e.NodeID, Approved: true}, nil
	case ir.EventApprovalDenied:
		return ApprovalInput{Scope: e.Scope, Node: e.NodeID, Reason: payloadString(p, "reason")}, nil
	case ir.EventRunCancelled:
		return CancelInput{Reason: payloadString(p, "reason")}, nil
	case ir.EventRunFailed:
		if payloadString(p, "code") == string(ir.ErrCodeTimeout) {
			return DeadlineInput{}, nil
		}
	}
	return nil, mismatch(e.Seq, "recorded %s does not start a step", e.Type)
}

func payloadString(p ir.Object, key string) string {
	s, _ := p[key].(ir.String)
	return string(s)
}

func payloadInt(p ir.Object, key string) int64 {
	switch v := p[key].(type) {
	case ir.Int:
		return int64(v)
	case ir.Float:
		return int64(v)
	}
	return 0
}

func payloadBool(p ir.Object, key string) bool {
	b, _ := p[key].(ir.Bool)
	return bool(b)
}
