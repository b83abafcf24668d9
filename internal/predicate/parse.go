package predicate

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/roach88/reach/internal/ir"
)

// ParseError reports a malformed predicate with the byte offset of the
// offending token.
type ParseError struct {
	Source string
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("predicate %q at offset %d: %s", e.Source, e.Offset, e.Msg)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{tokAnd, "&&", i})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{tokOr, "||", i})
			i += 2
		case strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], "<="), strings.HasPrefix(src[i:], ">="):
			toks = append(toks, token{tokOp, src[i : i+2], i})
			i += 2
		case c == '<' || c == '>':
			toks = append(toks, token{tokOp, src[i : i+1], i})
			i++
		case c == '=':
			// A single '=' is accepted as equality.
			toks = append(toks, token{tokOp, "==", i})
			i++
		case c == '!':
			toks = append(toks, token{tokNot, "!", i})
			i++
		case c == '"' || c == '\'':
			start := i
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != c {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, &ParseError{Source: src, Offset: start, Msg: "unterminated string"}
			}
			toks = append(toks, token{tokString, sb.String(), start})
			i = j + 1
		case isWordByte(c):
			start := i
			for i < len(src) && isWordByte(src[i]) {
				i++
			}
			toks = append(toks, token{tokWord, src[start:i], start})
		default:
			return nil, &ParseError{Source: src, Offset: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

func isWordByte(c byte) bool {
	return c == '.' || c == '_' || c == '-' || c == '#' || c == '/' || c == '+' ||
		unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// Parse parses a predicate. The empty string is not a valid predicate.
func Parse(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, &ParseError{Source: src, Offset: 0, Msg: "empty predicate"}
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return expr, nil
}

// MustParse parses src and panics on error. Intended for tests and
// package-level constants.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &ParseError{Source: p.src, Offset: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (Expr, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peek().kind == tokOr {
		p.next()
		t, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.peek().kind == tokAnd {
		p.next()
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &And{Terms: terms}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	switch t := p.peek(); t.kind {
	case tokNot:
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Term: inner}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	case tokWord:
		return p.parseClause()
	default:
		return nil, p.errorf(t, "expected path, '!' or '(' but found %q", t.text)
	}
}

func (p *parser) parseClause() (Expr, error) {
	pathTok := p.next()
	switch pathTok.text {
	case "true":
		return &Literal{Value: true}, nil
	case "false":
		return &Literal{Value: false}, nil
	}
	if p.peek().kind != tokOp {
		return &Truthy{Path: pathTok.text}, nil
	}
	opTok := p.next()
	litTok := p.next()
	var val ir.Value
	switch litTok.kind {
	case tokString:
		val = ir.String(litTok.text)
	case tokWord:
		val = parseLiteral(litTok.text)
	default:
		return nil, p.errorf(litTok, "expected literal after %s", opTok.text)
	}
	return &Compare{Path: pathTok.text, Op: Op(opTok.text), Value: val}, nil
}

func parseLiteral(s string) ir.Value {
	switch s {
	case "true":
		return ir.Bool(true)
	case "false":
		return ir.Bool(false)
	case "null":
		return ir.Null{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ir.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return ir.Float(f)
	}
	return ir.String(s)
}
