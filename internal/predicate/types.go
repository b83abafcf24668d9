package predicate

import "github.com/roach88/reach/internal/ir"

// Expr is a parsed predicate.
//
// This is a sealed interface; only types in this package implement it.
type Expr interface {
	exprNode()
}

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Compare tests the value at Path against a literal.
type Compare struct {
	Path  string
	Op    Op
	Value ir.Value
}

func (*Compare) exprNode() {}

// Truthy tests that the value at Path exists and is not false, null,
// zero or empty.
type Truthy struct {
	Path string
}

func (*Truthy) exprNode() {}

// And is true when every term is true. Evaluation short-circuits.
type And struct {
	Terms []Expr
}

func (*And) exprNode() {}

// Or is true when any term is true. Evaluation short-circuits.
type Or struct {
	Terms []Expr
}

func (*Or) exprNode() {}

// Not negates its term.
type Not struct {
	Term Expr
}

func (*Not) exprNode() {}

// Literal is a constant true or false.
type Literal struct {
	Value bool
}

func (*Literal) exprNode() {}
