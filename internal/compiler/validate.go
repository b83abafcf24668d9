package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/predicate"
)

// Validation error codes (E100-E199)
const (
	// Pack errors (E100-E109)
	ErrPackNameEmpty    = "E100" // name and version are required
	ErrPackNoTools      = "E101" // tool allowlist is empty
	ErrSubgraphDepth    = "E102" // subgraph nesting exceeds max depth
	ErrUnknownSubgraph  = "E103" // subgraph reference does not resolve
	ErrSubgraphCycle    = "E104" // subgraphs reference each other recursively

	// Graph errors (E110-E129)
	ErrStartMissing      = "E110" // start node missing or unknown
	ErrDuplicateNode     = "E111" // node IDs must be unique
	ErrUnknownNodeKind   = "E112" // kind outside the closed set
	ErrEdgeUnknownNode   = "E113" // edge endpoint does not exist
	ErrUnknownEdgeKind   = "E114" // edge kind outside the closed set
	ErrGraphCycle        = "E115" // graph must be acyclic
	ErrFallbackCount     = "E116" // at most one fallback edge per node
	ErrFallbackCondition = "E117" // condition nodes cannot have fallback edges
	ErrConditionalNoPred = "E118" // conditional edge without predicate
	ErrInvalidPredicate  = "E119" // predicate does not parse or validate
	ErrNoOutgoingEdge    = "E120" // condition node needs an outgoing edge
	ErrUnreachableNode   = "E121" // node cannot be reached from start

	// Node payload errors (E130-E149)
	ErrActionNoTool      = "E130" // action nodes must name a tool
	ErrParallelNoBranch  = "E131" // parallel nodes need at least one branch
	ErrBranchUnknown     = "E132" // branch target does not exist
	ErrInvalidRetry      = "E133" // retry policy is inconsistent
	ErrInvalidJoin       = "E134" // join policy outside the closed set
	ErrCandidateConflict = "E135" // candidates and tool disagree or repeat
	ErrBranchEdge        = "E136" // parallel branch targets cannot have incoming edges
)

// ValidationError represents one structural problem in a pack.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is a list of problems reported together.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks a pack's structure and returns every problem found
// (it does not stop at the first).
func Validate(pack *ir.Pack) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if pack.Name == "" || pack.Version == "" {
		add(ErrPackNameEmpty, "pack", "name and version are required")
	}
	if len(pack.Tools) == 0 {
		add(ErrPackNoTools, "tools", "tool allowlist must not be empty")
	}

	errs = append(errs, validateGraph("graph", pack.Graph, pack.Subgraphs)...)
	names := make([]string, 0, len(pack.Subgraphs))
	for name := range pack.Subgraphs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, validateGraph("subgraphs."+name, pack.Subgraphs[name], pack.Subgraphs)...)
	}

	errs = append(errs, validateSubgraphNesting(pack)...)
	return errs
}

func validateGraph(field string, g ir.Graph, subgraphs map[string]ir.Graph) []ValidationError {
	var errs []ValidationError
	add := func(code, f, format string, args ...any) {
		errs = append(errs, ValidationError{Field: f, Message: fmt.Sprintf(format, args...), Code: code})
	}

	nodes := make(map[string]ir.Node, len(g.Nodes))
	for i, n := range g.Nodes {
		nf := fmt.Sprintf("%s.nodes[%d]", field, i)
		if _, dup := nodes[n.ID]; dup {
			add(ErrDuplicateNode, nf, "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
		errs = append(errs, validateNode(nf, n, subgraphs)...)
	}

	if g.Start == "" {
		add(ErrStartMissing, field+".start", "start node is required")
	} else if _, ok := nodes[g.Start]; !ok {
		add(ErrStartMissing, field+".start", "start node %q does not exist", g.Start)
	}

	fallbacks := map[string]int{}
	outgoing := map[string]int{}
	incoming := map[string]int{}
	for i, e := range g.Edges {
		ef := fmt.Sprintf("%s.edges[%d]", field, i)
		from, okFrom := nodes[e.From]
		if !okFrom {
			add(ErrEdgeUnknownNode, ef, "source %q does not exist", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			add(ErrEdgeUnknownNode, ef, "target %q does not exist", e.To)
		}
		outgoing[e.From]++
		incoming[e.To]++
		switch e.EffectiveKind() {
		case ir.EdgeDefault:
		case ir.EdgeConditional:
			if e.Predicate == "" {
				add(ErrConditionalNoPred, ef, "conditional edge needs a predicate")
			} else if _, err := predicate.Compile(e.Predicate); err != nil {
				add(ErrInvalidPredicate, ef, "%v", err)
			}
		case ir.EdgeFallback:
			fallbacks[e.From]++
			if okFrom && from.Kind == ir.NodeCondition {
				add(ErrFallbackCondition, ef, "condition node %q cannot have a fallback edge", e.From)
			}
		default:
			add(ErrUnknownEdgeKind, ef, "unknown edge kind %q", e.Kind)
		}
	}
	for id, n := range fallbacks {
		if n > 1 {
			add(ErrFallbackCount, field, "node %q has %d fallback edges, at most one allowed", id, n)
		}
	}

	branchTargets := map[string]bool{}
	for _, n := range g.Nodes {
		if n.Kind == ir.NodeParallel {
			for _, b := range n.Branches {
				branchTargets[b] = true
			}
		}
	}
	for _, n := range g.Nodes {
		if n.Kind == ir.NodeCondition && outgoing[n.ID] == 0 {
			add(ErrNoOutgoingEdge, field+"."+n.ID, "condition node needs at least one outgoing edge")
		}
		if branchTargets[n.ID] && incoming[n.ID] > 0 {
			add(ErrBranchEdge, field+"."+n.ID, "parallel branch target cannot also be an edge target")
		}
	}

	for _, cyc := range FindCycles(g) {
		add(ErrGraphCycle, field, "cycle detected: %s", strings.Join(cyc, " -> "))
	}

	if g.Start != "" {
		reach := reachable(g)
		for _, n := range g.Nodes {
			if !reach[n.ID] {
				add(ErrUnreachableNode, field+"."+n.ID, "node is unreachable from start %q", g.Start)
			}
		}
	}
	return errs
}

func validateNode(field string, n ir.Node, subgraphs map[string]ir.Graph) []ValidationError {
	var errs []ValidationError
	add := func(code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}
	if n.ID == "" {
		add(ErrDuplicateNode, "node id must not be empty")
	}
	if strings.ContainsAny(n.ID, "/#") {
		add(ErrDuplicateNode, "node id %q must not contain '/' or '#'", n.ID)
	}

	switch n.Kind {
	case ir.NodeAction:
		if n.Tool == "" && len(n.Candidates) == 0 {
			add(ErrActionNoTool, "action node %q must name a tool or candidates", n.ID)
		}
		seen := map[string]bool{}
		for _, c := range n.Candidates {
			if seen[c.ID] {
				add(ErrCandidateConflict, "candidate id %q repeated", c.ID)
			}
			seen[c.ID] = true
		}
		errs = append(errs, validateRetry(field, n.Retry)...)
	case ir.NodeCondition:
		if n.Predicate == "" {
			add(ErrInvalidPredicate, "condition node %q needs a predicate", n.ID)
		} else if _, err := predicate.Compile(n.Predicate); err != nil {
			add(ErrInvalidPredicate, "%v", err)
		}
	case ir.NodeParallel:
		if len(n.Branches) == 0 {
			add(ErrParallelNoBranch, "parallel node %q needs at least one branch", n.ID)
		}
		switch n.Join {
		case "", ir.JoinAll, ir.JoinFailFast:
		default:
			add(ErrInvalidJoin, "unknown join policy %q", n.Join)
		}
	case ir.NodeSubGraph:
		if _, ok := subgraphs[n.Subgraph]; !ok {
			add(ErrUnknownSubgraph, "subgraph %q is not defined", n.Subgraph)
		}
	default:
		add(ErrUnknownNodeKind, "unknown node kind %q", n.Kind)
	}
	return errs
}

func validateRetry(field string, p ir.RetryPolicy) []ValidationError {
	var errs []ValidationError
	add := func(format string, args ...any) {
		errs = append(errs, ValidationError{Field: field + ".retry", Message: fmt.Sprintf(format, args...), Code: ErrInvalidRetry})
	}
	if p.MaxAttempts < 0 {
		add("max_attempts must be positive")
	}
	switch p.EffectiveStrategy() {
	case ir.RetrySame, ir.FallbackImmediate:
	case ir.RetryAlternative:
		if len(p.Alternatives) == 0 {
			add("retry_alternative needs alternatives")
		}
	case ir.RetryWithAdjustment:
		if len(p.Adjustment) == 0 {
			add("retry_with_adjustment needs an adjustment")
		}
	default:
		add("unknown strategy %q", p.Strategy)
	}
	return errs
}

// reachable marks nodes reachable from start through edges and branches.
func reachable(g ir.Graph) map[string]bool {
	adj := adjacency(g)
	seen := map[string]bool{}
	stack := []string{g.Start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return seen
}

// validateSubgraphNesting rejects recursive subgraph references and
// nesting deeper than the pack allows.
func validateSubgraphNesting(pack *ir.Pack) []ValidationError {
	maxDepth := pack.MaxSubgraphDepth
	if maxDepth <= 0 {
		maxDepth = ir.DefaultMaxSubgraphDepth
	}
	refs := func(g ir.Graph) []string {
		var out []string
		for _, n := range g.Nodes {
			if n.Kind == ir.NodeSubGraph {
				out = append(out, n.Subgraph)
			}
		}
		return out
	}

	var errs []ValidationError
	reported := map[string]bool{}
	var depth func(name string, path []string) int
	depth = func(name string, path []string) int {
		for _, p := range path {
			if p == name {
				key := "cycle:" + name
				if !reported[key] {
					reported[key] = true
					errs = append(errs, ValidationError{
						Field:   "subgraphs." + name,
						Message: fmt.Sprintf("recursive subgraph reference: %s", strings.Join(append(path, name), " -> ")),
						Code:    ErrSubgraphCycle,
					})
				}
				return 0
			}
		}
		g, ok := pack.Subgraphs[name]
		if !ok {
			return 0
		}
		deepest := 0
		for _, child := range refs(g) {
			if d := depth(child, append(path, name)); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	}

	deepest := 0
	for _, child := range refs(pack.Graph) {
		if d := depth(child, nil); d > deepest {
			deepest = d
		}
	}
	if deepest > maxDepth {
		errs = append(errs, ValidationError{
			Field:   "max_subgraph_depth",
			Message: fmt.Sprintf("subgraph nesting depth %d exceeds %d", deepest, maxDepth),
			Code:    ErrSubgraphDepth,
		})
	}
	return errs
}
