package compiler

import (
	"sort"

	"github.com/roach88/reach/internal/ir"
)

// adjacency maps each node to its successors: edge targets of every kind
// plus parallel branch targets. Successor lists are sorted so traversal
// order never depends on map iteration.
func adjacency(g ir.Graph) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		adj[n.ID] = append(adj[n.ID], n.Branches...)
	}
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for id := range adj {
		sort.Strings(adj[id])
	}
	return adj
}

// FindCycles returns every cycle in g as a node path that starts and ends
// on the same node. An acyclic graph returns nil.
//
// Strongly connected components are found with Tarjan's algorithm; each
// component with more than one node, or a single node with a self loop,
// is a cycle.
func FindCycles(g ir.Graph) [][]string {
	adj := adjacency(g)
	var cycles [][]string
	for _, scc := range tarjanSCC(adj) {
		if len(scc) == 1 && !hasSelfLoop(scc[0], adj) {
			continue
		}
		cycles = append(cycles, cyclePath(scc, adj))
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

func hasSelfLoop(node string, adj map[string][]string) bool {
	for _, n := range adj[node] {
		if n == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// sorted order so the output is stable.
func tarjanSCC(adj map[string][]string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

// cyclePath walks from the smallest member of the component through
// successors inside the component until it returns to the start.
func cyclePath(scc []string, adj map[string][]string) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	sorted := append([]string(nil), scc...)
	sort.Strings(sorted)
	start := sorted[0]

	path := []string{start}
	visited := map[string]bool{start: true}
	cur := start
	for {
		next := ""
		for _, w := range adj[cur] {
			if w == start && len(path) > 0 {
				return append(path, start)
			}
			if members[w] && !visited[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			return append(path, start)
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}
}
