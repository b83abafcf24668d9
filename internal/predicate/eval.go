package predicate

import (
	"strings"

	"github.com/roach88/reach/internal/ir"
)

// Eval evaluates expr against the run context. A missing path compares
// as null.
func Eval(expr Expr, ctx ir.Object) bool {
	switch e := expr.(type) {
	case *Literal:
		return e.Value
	case *Truthy:
		v, ok := ctx.Lookup(e.Path)
		return ok && truthy(v)
	case *Compare:
		v, ok := ctx.Lookup(e.Path)
		if !ok {
			v = ir.Null{}
		}
		return compare(v, e.Op, e.Value)
	case *Not:
		return !Eval(e.Term, ctx)
	case *And:
		for _, t := range e.Terms {
			if !Eval(t, ctx) {
				return false
			}
		}
		return true
	case *Or:
		for _, t := range e.Terms {
			if Eval(t, ctx) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func truthy(v ir.Value) bool {
	switch val := v.(type) {
	case nil, ir.Null:
		return false
	case ir.Bool:
		return bool(val)
	case ir.Int:
		return val != 0
	case ir.Float:
		return val != 0
	case ir.String:
		return val != ""
	case ir.Array:
		return len(val) > 0
	case ir.Object:
		return len(val) > 0
	default:
		return false
	}
}

func compare(left ir.Value, op Op, right ir.Value) bool {
	switch op {
	case OpEq:
		return equal(left, right)
	case OpNe:
		return !equal(left, right)
	}
	c, ok := order(left, right)
	if !ok {
		return false
	}
	switch op {
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

func equal(a, b ir.Value) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	return ir.Equal(a, b)
}

func number(v ir.Value) (float64, bool) {
	switch n := v.(type) {
	case ir.Int:
		return float64(n), true
	case ir.Float:
		return ir.NormalizeFloat(float64(n)), true
	}
	return 0, false
}

// order compares numbers numerically and strings byte-wise; other kinds
// are unordered.
func order(a, b ir.Value) (int, bool) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(ir.String)
	if !ok {
		return 0, false
	}
	sb, ok := b.(ir.String)
	if !ok {
		return 0, false
	}
	return strings.Compare(string(sa), string(sb)), true
}
