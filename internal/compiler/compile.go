package compiler

import (
	"fmt"
	"sync"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/predicate"
)

// Graph is one compiled graph of a pack: the top-level graph has the
// empty name, subgraphs keep their pack names.
type Graph struct {
	Name  string
	Start string
	Nodes map[string]*Node
}

// Node is a pack node with its edges resolved.
type Node struct {
	ir.Node

	// Cond is the parsed predicate of a Condition node.
	Cond predicate.Expr

	// Edges are the non-fallback edges in declaration order.
	Edges []Edge

	// Fallback is the fallback target, or "".
	Fallback string
}

// Terminal reports whether the node has no outgoing edges.
func (n *Node) Terminal() bool {
	return len(n.Edges) == 0 && n.Fallback == ""
}

// Edge is a resolved outgoing edge.
type Edge struct {
	To   string
	Kind ir.EdgeKind
	Cond predicate.Expr
}

// CompiledGraph is an immutable, validated pack ready for execution.
// It is safe to share between goroutines.
type CompiledGraph struct {
	Pack     ir.Pack
	PackHash string

	// RegistryHash fingerprints the pack's capability allowlists.
	RegistryHash string

	graphs map[string]*Graph
}

// Graph returns the named graph ("" for the top level).
func (cg *CompiledGraph) Graph(name string) (*Graph, bool) {
	g, ok := cg.graphs[name]
	return g, ok
}

// Node looks up a node in the named graph.
func (cg *CompiledGraph) Node(graph, id string) (*Node, bool) {
	g, ok := cg.graphs[graph]
	if !ok {
		return nil, false
	}
	n, ok := g.Nodes[id]
	return n, ok
}

// Compile validates pack and resolves it into a CompiledGraph. Any
// structural problem is returned as a PROTOCOL_VIOLATION wrapping the
// full ValidationErrors list. Compile is pure.
func Compile(pack ir.Pack) (*CompiledGraph, error) {
	if errs := Validate(&pack); len(errs) > 0 {
		return nil, &ir.Error{
			Code:    ir.ErrCodeProtocolViolation,
			Message: fmt.Sprintf("pack %s@%s is invalid (%d problems)", pack.Name, pack.Version, len(errs)),
			Err:     ValidationErrors(errs),
		}
	}
	hash, err := ir.PackHash(pack)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	cg := &CompiledGraph{
		Pack:         pack,
		PackHash:     hash,
		RegistryHash: ir.RegistryHash(pack.Tools, pack.Permissions, pack.PolicyVersion),
		graphs:       make(map[string]*Graph, len(pack.Subgraphs)+1),
	}
	root, err := compileGraph("", pack.Graph)
	if err != nil {
		return nil, err
	}
	cg.graphs[""] = root
	for name, g := range pack.Subgraphs {
		sub, err := compileGraph(name, g)
		if err != nil {
			return nil, err
		}
		cg.graphs[name] = sub
	}
	return cg, nil
}

func compileGraph(name string, g ir.Graph) (*Graph, error) {
	out := &Graph{Name: name, Start: g.Start, Nodes: make(map[string]*Node, len(g.Nodes))}
	for _, n := range g.Nodes {
		node := &Node{Node: n}
		if n.Kind == ir.NodeCondition {
			expr, err := predicate.Compile(n.Predicate)
			if err != nil {
				return nil, ir.NewProtocolViolation("node %s: %v", n.ID, err)
			}
			node.Cond = expr
		}
		out.Nodes[n.ID] = node
	}
	for _, e := range g.Edges {
		src := out.Nodes[e.From]
		switch e.EffectiveKind() {
		case ir.EdgeFallback:
			src.Fallback = e.To
		case ir.EdgeConditional:
			expr, err := predicate.Compile(e.Predicate)
			if err != nil {
				return nil, ir.NewProtocolViolation("edge %s->%s: %v", e.From, e.To, err)
			}
			src.Edges = append(src.Edges, Edge{To: e.To, Kind: ir.EdgeConditional, Cond: expr})
		default:
			src.Edges = append(src.Edges, Edge{To: e.To, Kind: ir.EdgeDefault})
		}
	}
	return out, nil
}

// Cache memoizes compiled graphs by pack hash.
type Cache struct {
	mu     sync.RWMutex
	graphs map[string]*CompiledGraph
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{graphs: make(map[string]*CompiledGraph)}
}

// Get returns the compiled graph for a pack hash.
func (c *Cache) Get(hash string) (*CompiledGraph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cg, ok := c.graphs[hash]
	return cg, ok
}

// Compile compiles pack, reusing an earlier result for the same content.
func (c *Cache) Compile(pack ir.Pack) (*CompiledGraph, error) {
	hash, err := ir.PackHash(pack)
	if err != nil {
		return nil, err
	}
	if cg, ok := c.Get(hash); ok {
		return cg, nil
	}
	cg, err := Compile(pack)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.graphs[hash]; ok {
		return existing, nil
	}
	c.graphs[hash] = cg
	return cg, nil
}
