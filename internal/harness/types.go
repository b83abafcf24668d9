package harness

import (
	"github.com/roach88/reach/internal/ir"
)

// TraceEvent is one event of the run log as the harness reports it.
type TraceEvent struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	Node    string    `json:"node,omitempty"` // scoped node key
	Payload ir.Object `json:"payload,omitempty"`
}

// Ref is how trace_order entries name this event.
func (e TraceEvent) Ref() string {
	if e.Node == "" {
		return e.Type
	}
	return e.Type + " " + e.Node
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when the expect clause and every assertion held.
	Pass bool `json:"pass"`

	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	FailureCode string `json:"failure_code,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	Trace []TraceEvent `json:"trace"`

	// Context is the final run context: inputs and node results.
	Context ir.Object `json:"context,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func traceOf(events []ir.Event) []TraceEvent {
	out := make([]TraceEvent, len(events))
	for i, e := range events {
		out[i] = TraceEvent{
			Seq:     e.Seq,
			Type:    string(e.Type),
			Node:    ir.NodeKey(e.Scope, e.NodeID),
			Payload: e.Payload,
		}
	}
	return out
}
