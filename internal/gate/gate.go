// Package gate decides whether an action may run under a run's capability
// allowlists, and picks among adaptive tool candidates.
//
// Evaluate is pure so the state machine can call it inside a step and
// replay reaches the same decision. Gate.Authorize adds the audit trail
// for callers outside the state machine.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/roach88/reach/internal/ir"
)

// Policy is the capability allowlist an action is checked against.
// Entries may be glob patterns ("net:*", "fs/**").
type Policy struct {
	Tools         []string
	Permissions   []string
	Deterministic bool
}

// PolicyFor returns the allowlist recorded on a run.
func PolicyFor(run ir.Run) Policy {
	return Policy{Tools: run.Tools, Permissions: run.Permissions, Deterministic: run.Deterministic}
}

// Action is a tool invocation awaiting authorization.
type Action struct {
	RunID       string
	Scope       string
	NodeID      string
	Tool        string
	Permissions []string
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate checks the tool against the tool allowlist and every required
// permission against the permission allowlist. The first miss denies.
func Evaluate(p Policy, a Action) Decision {
	if !matchAny(p.Tools, a.Tool) {
		return Decision{Reason: fmt.Sprintf("tool %q is not in the allowlist", a.Tool)}
	}
	for _, perm := range a.Permissions {
		if !matchAny(p.Permissions, perm) {
			return Decision{Reason: fmt.Sprintf("permission %q is not granted", perm)}
		}
	}
	return Decision{Allowed: true}
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if pat == name {
			return true
		}
		ok, err := doublestar.Match(pat, name)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// AuditSink records denials.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec ir.AuditRecord) error
}

// Gate wraps Evaluate with an audit trail.
type Gate struct {
	sink  AuditSink
	clock func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the time source used for audit records.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.clock = now }
}

// New creates a Gate writing denials to sink. A nil sink disables auditing.
func New(sink AuditSink, opts ...Option) *Gate {
	g := &Gate{sink: sink, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize evaluates the action and appends an audit record for every
// denial. A failure to write the audit record is returned as an error and
// the action stays denied.
func (g *Gate) Authorize(ctx context.Context, p Policy, a Action) (Decision, error) {
	d := Evaluate(p, a)
	if d.Allowed {
		return d, nil
	}
	slog.Warn("action denied",
		"run_id", a.RunID,
		"node_id", a.NodeID,
		"tool", a.Tool,
		"reason", d.Reason,
	)
	if g.sink == nil {
		return d, nil
	}
	rec := ir.AuditRecord{
		RunID:     a.RunID,
		Kind:      string(ir.EventPolicyDenied),
		Tool:      a.Tool,
		Reason:    d.Reason,
		CreatedAt: g.clock().UTC(),
	}
	if err := g.sink.RecordAudit(ctx, rec); err != nil {
		return d, fmt.Errorf("record denial: %w", err)
	}
	return d, nil
}

// SelectCandidate picks the candidate an adaptive action runs. In
// deterministic mode only deterministic candidates are eligible, and a set
// with none left is a security violation. The
// highest score wins and ties go to the lowest ID, so the choice depends
// on nothing but the candidate list.
func SelectCandidate(deterministic bool, candidates []ir.Candidate) (ir.Candidate, error) {
	eligible := make([]ir.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if deterministic && !c.Deterministic {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		if deterministic {
			return ir.Candidate{}, ir.NewSecurityViolation("no deterministic candidate among %d", len(candidates))
		}
		return ir.Candidate{}, ir.Errorf(ir.ErrCodeNoRoute, "no candidate declared")
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := ir.NormalizeFloat(eligible[i].Score), ir.NormalizeFloat(eligible[j].Score)
		if si != sj {
			return si > sj
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0], nil
}
