// Package predicate implements the condition language evaluated by
// Condition nodes and conditional edges.
//
// A predicate is a small boolean expression over the run context:
//
//	nodes.fetch.status == 200 && input.mode != "dry"
//	!(nodes.check.result) || input.force
//
// Paths are dotted and rooted at "input" (the run inputs) or "nodes"
// (results of completed nodes). Literals are numbers, quoted strings,
// true, false and null; a bare word on the right of an operator is a
// string.
//
// Expr is a sealed interface using the marker method pattern, so
// evaluators can switch exhaustively over its variants:
//
//	switch e := expr.(type) {
//	case *Compare:
//	case *Truthy:
//	case *And:
//	case *Or:
//	case *Not:
//	case *Literal:
//	}
//
// Evaluation is pure: it reads the recorded context and nothing else, so
// replaying a run re-evaluates every condition to the same value.
package predicate
