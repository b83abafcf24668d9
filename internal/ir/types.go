package ir

// Pack is a declarative workflow document: an execution graph plus the
// capability allowlists every run of it is bound by. A pack is immutable
// and identified by PackHash.
type Pack struct {
	Name          string           `json:"name"`
	Version       string           `json:"version"`
	PolicyVersion string           `json:"policy_version,omitempty"`
	Deterministic bool             `json:"deterministic,omitempty"`
	Tools         []string         `json:"tools"`
	Permissions   []string         `json:"permissions,omitempty"`
	Graph         Graph            `json:"graph"`
	Subgraphs     map[string]Graph `json:"subgraphs,omitempty"`

	// MaxSubgraphDepth bounds SubGraph nesting. Zero means DefaultMaxSubgraphDepth.
	MaxSubgraphDepth int `json:"max_subgraph_depth,omitempty"`
}

// DefaultMaxSubgraphDepth is used when a pack does not set one.
const DefaultMaxSubgraphDepth = 4

// Graph is a directed acyclic graph of nodes with a single start node.
type Graph struct {
	Start string `json:"start"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges,omitempty"`
}

// NodeKind is the closed set of node variants.
type NodeKind string

const (
	NodeAction    NodeKind = "action"
	NodeCondition NodeKind = "condition"
	NodeParallel  NodeKind = "parallel"
	NodeSubGraph  NodeKind = "subgraph"
)

// ValidNodeKinds lists every accepted node kind.
var ValidNodeKinds = map[NodeKind]bool{
	NodeAction:    true,
	NodeCondition: true,
	NodeParallel:  true,
	NodeSubGraph:  true,
}

// Node is one vertex of a graph. Which payload fields apply depends on Kind:
// Action uses Tool, Args, Permissions, Candidates, Retry, RequiresApproval
// and Priority; Condition uses Predicate; Parallel uses Branches and Join;
// SubGraph uses Subgraph.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	Tool             string      `json:"tool,omitempty"`
	Args             Object      `json:"args,omitempty"`
	Permissions      []string    `json:"permissions,omitempty"`
	Candidates       []Candidate `json:"candidates,omitempty"`
	Retry            RetryPolicy `json:"retry,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
	Priority         int         `json:"priority,omitempty"`

	Predicate string `json:"predicate,omitempty"`

	Branches []string   `json:"branches,omitempty"`
	Join     JoinPolicy `json:"join,omitempty"`

	Subgraph string `json:"subgraph,omitempty"`
}

// EdgeKind classifies edges.
type EdgeKind string

const (
	EdgeDefault     EdgeKind = "default"
	EdgeConditional EdgeKind = "conditional"
	EdgeFallback    EdgeKind = "fallback"
)

// Edge connects two nodes of the same graph. Conditional edges carry a
// predicate and are tried in declaration order; fallback edges are only
// taken when the source node's retry budget is exhausted.
type Edge struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Kind      EdgeKind `json:"kind,omitempty"`
	Predicate string   `json:"predicate,omitempty"`
}

// EffectiveKind treats an empty kind as default.
func (e Edge) EffectiveKind() EdgeKind {
	if e.Kind == "" {
		return EdgeDefault
	}
	return e.Kind
}

// RetryStrategy selects how a failed action is re-attempted.
type RetryStrategy string

const (
	RetrySame           RetryStrategy = "retry_same"
	RetryAlternative    RetryStrategy = "retry_alternative"
	RetryWithAdjustment RetryStrategy = "retry_with_adjustment"
	FallbackImmediate   RetryStrategy = "fallback_immediate"
)

// RetryPolicy bounds re-attempts of an action node.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts,omitempty"`
	Strategy     RetryStrategy `json:"strategy,omitempty"`
	Alternatives []string      `json:"alternatives,omitempty"`
	Adjustment   Object        `json:"adjustment,omitempty"`
}

// Attempts returns the attempt budget, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// EffectiveStrategy treats an empty strategy as retry_same.
func (p RetryPolicy) EffectiveStrategy() RetryStrategy {
	if p.Strategy == "" {
		return RetrySame
	}
	return p.Strategy
}

// JoinPolicy decides when a Parallel node fails.
type JoinPolicy string

const (
	JoinAll      JoinPolicy = "all"
	JoinFailFast JoinPolicy = "fail-fast"
)

// Candidate is one tool choice an adaptive action may select from.
type Candidate struct {
	ID            string  `json:"id"`
	Tool          string  `json:"tool"`
	Deterministic bool    `json:"deterministic,omitempty"`
	Score         float64 `json:"score,omitempty"`
}
