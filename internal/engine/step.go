package engine

import (
	"fmt"
	"sort"

	"github.com/roach88/reach/internal/compiler"
	"github.com/roach88/reach/internal/ir"
)

// Input is something that moves a run forward. The set is closed.
type Input interface {
	input()
}

// StartInput starts a pending run with its initial context.
type StartInput struct {
	Inputs ir.Object
}

// OutcomeInput delivers the result of one job attempt.
type OutcomeInput struct {
	Outcome ir.Outcome
}

// ApprovalInput resolves an approval request for one action node.
type ApprovalInput struct {
	Scope    string
	Node     string
	Approved bool
	Reason   string
}

// CancelInput cancels the run.
type CancelInput struct {
	Reason string
}

// DeadlineInput reports that the run's wall-clock deadline has passed.
type DeadlineInput struct{}

func (StartInput) input()    {}
func (OutcomeInput) input()  {}
func (ApprovalInput) input() {}
func (CancelInput) input()   {}
func (DeadlineInput) input() {}

// Command is a side effect requested by a step. The driver executes
// commands after the step has been persisted.
type Command interface {
	command()
}

// EnqueueJob asks for a job to be added to the queue.
type EnqueueJob struct {
	Job ir.Job
}

// RequestApproval asks an operator to approve an action.
type RequestApproval struct {
	Scope string
	Node  string
	Tool  string
}

// DropJobs asks for jobs of abandoned work to be withdrawn from the queue,
// for example the remaining branches of a fail-fast Parallel node.
type DropJobs struct {
	JobIDs []string
}

func (EnqueueJob) command()      {}
func (RequestApproval) command() {}
func (DropJobs) command()        {}

// Result is everything one step produced.
type Result struct {
	Run      ir.Run
	Events   []ir.Event
	Commands []Command
	Audit    []ir.AuditRecord

	// Discarded is set when the input was valid but had no effect, such
	// as a late outcome for a cancelled run.
	Discarded bool
}

// Machine is the run state machine for one compiled pack.
//
// Step is a pure function of (run, input): it reads no clock, draws no
// randomness and does no IO. Emitted events carry a zero timestamp; the
// driver stamps them when it persists the step.
type Machine struct {
	Graph *compiler.CompiledGraph

	// Recorded maps a scoped node key to the candidate ID chosen when the
	// run was first executed. Replay sets it so adaptive choices are taken
	// as given.
	Recorded map[string]string

	// MaxEvents bounds the run's event log. Zero disables the limit.
	MaxEvents int

	// Replay applies outcomes in the order they arrive instead of waiting
	// for the rest of their parallel wave. Recorded logs are already in
	// wave order.
	Replay bool
}

// Step applies in to run and returns the new run state, the events to
// append and the commands to execute. run is not modified. An error means
// the input was rejected and nothing may be persisted.
func (m *Machine) Step(run ir.Run, in Input) (Result, error) {
	s := &stepper{
		m:     m,
		run:   run.Clone(),
		clock: NewClockAt(run.LastSeq),
		quota: NewQuotaEnforcerAt(m.MaxEvents, run.LastSeq),
	}
	if s.run.Frames == nil {
		s.run.Frames = map[string]ir.Frame{}
	}
	if s.run.Joins == nil {
		s.run.Joins = map[string]ir.Join{}
	}

	var err error
	switch in := in.(type) {
	case StartInput:
		err = s.start(in)
	case OutcomeInput:
		err = s.outcome(in.Outcome)
	case ApprovalInput:
		err = s.approval(in)
	case CancelInput:
		err = s.cancel(in)
	case DeadlineInput:
		err = s.deadline()
	default:
		err = ir.NewProtocolViolation("unknown input %T", in)
	}
	if err != nil {
		return Result{}, err
	}
	return s.finish(), nil
}

// stepper holds the working state of one Step call.
type stepper struct {
	m     *Machine
	run   ir.Run
	clock *Clock
	quota *QuotaEnforcer

	events    []ir.Event
	commands  []Command
	audit     []ir.AuditRecord
	discarded bool
	overQuota bool
}

func (s *stepper) emit(typ ir.EventType, scope, node string, payload ir.Object) ir.Event {
	if payload == nil {
		payload = ir.Object{}
	}
	ev := ir.Event{
		Seq:     s.clock.Next(),
		Type:    typ,
		NodeID:  node,
		Scope:   scope,
		Payload: payload,
	}
	s.events = append(s.events, ev)
	if err := s.quota.Check(s.run.ID); err != nil {
		s.overQuota = true
	}
	return ev
}

// done reports whether the run has reached a terminal state during this step.
func (s *stepper) done() bool {
	return s.run.Status.Terminal()
}

// checkQuota fails the run once the event limit has been passed. It is
// called between inputs and between outcome applications so a replay,
// which applies outcomes one per step, fails at the same event.
func (s *stepper) checkQuota() {
	if s.overQuota && !s.done() {
		limit := s.quota.MaxSteps()
		s.failRun(ir.ErrCodeQuotaExceeded, fmt.Sprintf("run exceeded %d events", limit), ir.O("limit", ir.Int(limit)))
	}
}

func (s *stepper) finish() Result {
	s.checkQuota()
	if !s.done() {
		s.run.Status = ir.RunRunning
		for _, p := range s.run.Pointers {
			if p.Wait == ir.WaitApproval {
				s.run.Status = ir.RunWaitingApproval
				break
			}
		}
	}
	ir.SortPointers(s.run.Pointers)
	if len(s.run.Frames) == 0 {
		s.run.Frames = nil
	}
	if len(s.run.Joins) == 0 {
		s.run.Joins = nil
	}
	s.run.LastSeq = s.clock.Current()

	return Result{
		Run:       s.run,
		Events:    s.events,
		Commands:  s.liveCommands(),
		Audit:     s.audit,
		Discarded: s.discarded,
	}
}

// liveCommands drops commands whose pointer did not survive the step, for
// example jobs of branches cancelled by a fail-fast join.
func (s *stepper) liveCommands() []Command {
	var out []Command
	for _, c := range s.commands {
		switch c := c.(type) {
		case EnqueueJob:
			if p, ok := s.pointer(c.Job.Scope, c.Job.NodeID); ok && p.Wait == ir.WaitJob && p.JobID == c.Job.ID {
				out = append(out, c)
			}
		case RequestApproval:
			if p, ok := s.pointer(c.Scope, c.Node); ok && p.Wait == ir.WaitApproval {
				out = append(out, c)
			}
		case DropJobs:
			out = append(out, c)
		}
	}
	return out
}

func (s *stepper) start(in StartInput) error {
	if s.run.Status != ir.RunPending {
		return &ir.Error{
			Code:    ir.ErrCodeInvalidTransition,
			Message: fmt.Sprintf("cannot start run in status %s", s.run.Status),
			RunID:   s.run.ID,
		}
	}
	inputs := in.Inputs.Clone()
	if inputs == nil {
		inputs = ir.Object{}
	}
	s.run.Status = ir.RunRunning
	s.run.Context = ir.Obj(
		ir.O("input", inputs),
		ir.O("nodes", ir.Object{}),
	)
	s.emit(ir.EventRunStarted, "", "", ir.Obj(
		ir.O("pack", ir.Obj(
			ir.O("name", ir.String(s.run.PackName)),
			ir.O("version", ir.String(s.run.PackVersion)),
			ir.O("hash", ir.String(s.run.PackHash)),
		)),
		ir.O("registry_hash", ir.String(s.run.RegistryHash)),
		ir.O("deterministic", ir.Bool(s.run.Deterministic)),
		ir.O("input", inputs.Clone()),
	))

	root, ok := s.m.Graph.Graph("")
	if !ok {
		return ir.NewProtocolViolation("compiled pack has no top-level graph")
	}
	return s.activate("", root.Start)
}

func (s *stepper) cancel(in CancelInput) error {
	if s.done() {
		return &ir.Error{
			Code:    ir.ErrCodeInvalidTransition,
			Message: fmt.Sprintf("cannot cancel run in status %s", s.run.Status),
			RunID:   s.run.ID,
		}
	}
	s.clearActive()
	s.run.Status = ir.RunCancelled
	s.emit(ir.EventRunCancelled, "", "", ir.Obj(ir.O("reason", ir.String(in.Reason))))
	return nil
}

func (s *stepper) deadline() error {
	if s.done() {
		s.discarded = true
		return nil
	}
	s.failRun(ir.ErrCodeTimeout, "run deadline exceeded")
	return nil
}

func (s *stepper) approval(in ApprovalInput) error {
	p, ok := s.pointer(in.Scope, in.Node)
	if s.done() || !ok || p.Wait != ir.WaitApproval {
		return &ir.Error{
			Code:    ir.ErrCodeInvalidTransition,
			Message: fmt.Sprintf("no approval pending for %s", ir.NodeKey(in.Scope, in.Node)),
			RunID:   s.run.ID,
			NodeID:  in.Node,
		}
	}
	n, err := s.lookup(p.Scope, p.Node)
	if err != nil {
		return err
	}
	if !in.Approved {
		ev := s.emit(ir.EventApprovalDenied, p.Scope, p.Node, ir.Obj(
			ir.O("tool", ir.String(p.Tool)),
			ir.O("reason", ir.String(in.Reason)),
		))
		s.audit = append(s.audit, ir.AuditRecord{
			RunID:  s.run.ID,
			Seq:    ev.Seq,
			Kind:   string(ir.EventApprovalDenied),
			Tool:   p.Tool,
			Reason: in.Reason,
		})
		s.refuse(p.Scope, p.Node, "approval denied: "+in.Reason)
		s.checkQuota()
		return nil
	}
	s.emit(ir.EventApprovalGranted, p.Scope, p.Node, ir.Obj(ir.O("tool", ir.String(p.Tool))))
	s.dispatch(p, n)
	s.checkQuota()
	return nil
}

// pointer finds the active pointer for a node.
func (s *stepper) pointer(scope, node string) (ir.Pointer, bool) {
	for _, p := range s.run.Pointers {
		if p.Scope == scope && p.Node == node {
			return p, true
		}
	}
	return ir.Pointer{}, false
}

// setPointer inserts or replaces the pointer for p's node.
func (s *stepper) setPointer(p ir.Pointer) {
	for i, cur := range s.run.Pointers {
		if cur.Scope == p.Scope && cur.Node == p.Node {
			s.run.Pointers[i] = p
			return
		}
	}
	s.run.Pointers = append(s.run.Pointers, p)
	ir.SortPointers(s.run.Pointers)
}

func (s *stepper) removePointer(scope, node string) {
	out := s.run.Pointers[:0]
	for _, p := range s.run.Pointers {
		if p.Scope == scope && p.Node == node {
			continue
		}
		out = append(out, p)
	}
	s.run.Pointers = out
}

func (s *stepper) clearActive() {
	s.run.Pointers = nil
	s.run.Frames = map[string]ir.Frame{}
	s.run.Joins = map[string]ir.Join{}
	s.run.Buffered = nil
}

// sortedKeys returns map keys in byte order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
