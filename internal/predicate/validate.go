package predicate

import (
	"fmt"
	"strings"
)

// Roots are the context prefixes a path may start with.
var Roots = []string{"input", "nodes"}

// ValidationError describes a structurally invalid predicate.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks that every path is rooted in the run context and every
// operator is known. It returns all problems found.
func Validate(expr Expr) []ValidationError {
	var errs []ValidationError
	walk(expr, func(e Expr) {
		switch n := e.(type) {
		case *Compare:
			errs = append(errs, validatePath(n.Path)...)
			switch n.Op {
			case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			default:
				errs = append(errs, ValidationError{Field: n.Path, Message: fmt.Sprintf("unknown operator %q", n.Op)})
			}
		case *Truthy:
			errs = append(errs, validatePath(n.Path)...)
		case *And:
			if len(n.Terms) == 0 {
				errs = append(errs, ValidationError{Field: "and", Message: "no terms"})
			}
		case *Or:
			if len(n.Terms) == 0 {
				errs = append(errs, ValidationError{Field: "or", Message: "no terms"})
			}
		}
	})
	return errs
}

func validatePath(path string) []ValidationError {
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return []ValidationError{{Field: path, Message: "empty path segment"}}
		}
	}
	for _, root := range Roots {
		if segs[0] == root {
			if len(segs) < 2 {
				return []ValidationError{{Field: path, Message: "path must name a field below " + root}}
			}
			return nil
		}
	}
	return []ValidationError{{Field: path, Message: fmt.Sprintf("path must start with one of %s", strings.Join(Roots, ", "))}}
}

func walk(e Expr, fn func(Expr)) {
	fn(e)
	switch n := e.(type) {
	case *And:
		for _, t := range n.Terms {
			walk(t, fn)
		}
	case *Or:
		for _, t := range n.Terms {
			walk(t, fn)
		}
	case *Not:
		walk(n.Term, fn)
	}
}

// Paths returns every context path the predicate reads, in source order.
func Paths(expr Expr) []string {
	var out []string
	walk(expr, func(e Expr) {
		switch n := e.(type) {
		case *Compare:
			out = append(out, n.Path)
		case *Truthy:
			out = append(out, n.Path)
		}
	})
	return out
}

// Compile parses and validates src in one step.
func Compile(src string) (Expr, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if errs := Validate(expr); len(errs) > 0 {
		return nil, fmt.Errorf("predicate %q: %w", src, errs[0])
	}
	return expr, nil
}
