package ir

import (
	"sort"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunWaitingApproval RunStatus = "waiting_approval"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunPending:         {RunRunning, RunFailed, RunCancelled},
	RunRunning:         {RunWaitingApproval, RunCompleted, RunFailed, RunCancelled},
	RunWaitingApproval: {RunRunning, RunFailed, RunCancelled},
}

// Terminal reports whether s is Completed, Failed or Cancelled.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// CanTransition reports whether s may move to next. Terminal states never move.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return !s.Terminal()
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Run is one execution of a pack. Everything the state machine needs is
// held here; the store persists it as a single versioned document.
type Run struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	PackHash      string    `json:"pack_hash"`
	PackName      string    `json:"pack_name"`
	PackVersion   string    `json:"pack_version"`
	RegistryHash  string    `json:"registry_hash"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Tools         []string  `json:"tools"`
	Permissions   []string  `json:"permissions"`
	Deterministic bool      `json:"deterministic"`
	Status        RunStatus `json:"status"`

	// Context holds "input" (the run's inputs) and "nodes" (completed node
	// results keyed by scoped node key). Conditions read only this.
	Context Object `json:"context"`

	// Pointers are the active nodes, kept sorted by Key.
	Pointers []Pointer        `json:"pointers"`
	Frames   map[string]Frame `json:"frames,omitempty"`
	Joins    map[string]Join  `json:"joins,omitempty"`

	// Buffered holds branch outcomes waiting for their parallel wave.
	Buffered []Outcome `json:"buffered,omitempty"`

	FederationPath []string `json:"federation_path"`

	LastSeq       int64  `json:"last_seq"`
	Version       int64  `json:"version"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
}

// Clone returns a deep copy so a step can mutate freely.
func (r Run) Clone() Run {
	out := r
	out.Tools = append([]string(nil), r.Tools...)
	out.Permissions = append([]string(nil), r.Permissions...)
	out.FederationPath = append([]string{}, r.FederationPath...)
	out.Context = r.Context.Clone()
	out.Pointers = append([]Pointer(nil), r.Pointers...)
	out.Buffered = append([]Outcome(nil), r.Buffered...)
	if r.Frames != nil {
		out.Frames = make(map[string]Frame, len(r.Frames))
		for k, v := range r.Frames {
			out.Frames[k] = v
		}
	}
	if r.Joins != nil {
		out.Joins = make(map[string]Join, len(r.Joins))
		for k, v := range r.Joins {
			v.Failed = append([]int(nil), v.Failed...)
			out.Joins[k] = v
		}
	}
	return out
}

// PointerWait says what an active pointer is waiting for.
type PointerWait string

const (
	WaitJob      PointerWait = "job"
	WaitApproval PointerWait = "approval"
	WaitChildren PointerWait = "children"
)

// Pointer is an active node within a scope.
type Pointer struct {
	Scope   string      `json:"scope"`
	Node    string      `json:"node"`
	Wait    PointerWait `json:"wait"`
	Attempt int         `json:"attempt,omitempty"`
	Epoch   int         `json:"epoch,omitempty"`
	JobID   string      `json:"job_id,omitempty"`
	Tool    string      `json:"tool,omitempty"`
}

// Key is the scoped node key: "node" at top level, "scope/node" below it.
func (p Pointer) Key() string { return NodeKey(p.Scope, p.Node) }

// NodeKey joins a scope and a node ID.
func NodeKey(scope, node string) string {
	if scope == "" {
		return node
	}
	return scope + "/" + node
}

// ChildScope names the scope a Parallel branch or SubGraph runs in.
// Branch scopes carry the branch index after '#'.
func ChildScope(scope, node string, branch int) string {
	key := NodeKey(scope, node)
	if branch < 0 {
		return key
	}
	return key + "#" + pad3(branch)
}

func pad3(n int) string {
	s := []byte{'0', '0', '0'}
	for i := 2; i >= 0 && n > 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}

// InScope reports whether scope equals or is nested below parent.
func InScope(scope, parent string) bool {
	return scope == parent || strings.HasPrefix(scope, parent+"/") || strings.HasPrefix(scope, parent+"#")
}

// SortPointers orders pointers by key so the persisted set is deterministic.
func SortPointers(ps []Pointer) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Key() < ps[j].Key() })
}

// FrameKind distinguishes child scopes.
type FrameKind string

const (
	FrameBranch   FrameKind = "branch"
	FrameSubgraph FrameKind = "subgraph"
)

// Frame records a child scope: which graph it runs and which pointer owns it.
type Frame struct {
	Kind       FrameKind `json:"kind"`
	Graph      string    `json:"graph,omitempty"`
	OwnerScope string    `json:"owner_scope"`
	OwnerNode  string    `json:"owner_node"`
	Branch     int       `json:"branch"`
	Depth      int       `json:"depth"`
}

// Join tracks the branches of one Parallel node.
type Join struct {
	Policy   JoinPolicy `json:"policy"`
	Branches int        `json:"branches"`
	Done     int        `json:"done"`
	Failed   []int      `json:"failed,omitempty"`
	Code     string     `json:"code,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Outcome is the result of one job attempt as reported by a worker.
type Outcome struct {
	JobID   string `json:"job_id"`
	Scope   string `json:"scope"`
	Node    string `json:"node"`
	Attempt int    `json:"attempt"`
	OK      bool   `json:"ok"`
	Result  Object `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Hard    bool   `json:"hard,omitempty"`
}
