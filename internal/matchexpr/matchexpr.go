// Package matchexpr implements the boolean match-expression DSL evaluated
// against a target's attributes to decide rule and credential applicability.
//
// Grammar:
//
//	expr    = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | "(" expr ")" | comparison
//	compare = operand ( "==" | "!=" ) operand
//	operand = field | string | number
//	field   = "target.alias" | "target.connectUrl" | "target.annotations.<key>"
//
// Compilation rejects anything else. Evaluation is pure; a compiled
// Expression is immutable and safe for concurrent use.
package matchexpr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/recfleet/internal/target"
)

// ParseError reports why a source string failed to compile.
type ParseError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid match expression %q at position %d: %s", e.Source, e.Pos, e.Msg)
}

// EvalError reports a defect encountered during evaluation. With the
// current operator set evaluation is total; this surfaces only on internal
// contract violations.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string { return "match expression evaluation: " + e.Msg }

// Expression is a compiled match expression.
type Expression struct {
	src  string
	root boolNode
}

// Compile parses source into an Expression. The result of the top-level
// expression must be boolean; empty, incomplete or unrecognized input fails
// with *ParseError.
func Compile(source string) (*Expression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &ParseError{Source: source, Pos: 0, Msg: "empty expression"}
	}
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{src: source, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &ParseError{Source: source, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}
	return &Expression{src: source, root: root}, nil
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.src }

// Matches evaluates the expression against ref.
func (e *Expression) Matches(ref target.ServiceRef) (bool, error) {
	if e == nil || e.root == nil {
		return false, &EvalError{Msg: "nil expression"}
	}
	return e.root.eval(ref)
}

// --- values ---

type valueKind int

const (
	valAbsent valueKind = iota
	valString
	valNumber
)

type value struct {
	kind valueKind
	s    string
	n    float64
}

// valuesEqual compares two operand values. Absent equals only absent. When
// a number meets a string, the string is parsed numerically if possible so
// annotation values (always strings) can be compared to number literals.
func valuesEqual(a, b value) bool {
	if a.kind == valAbsent || b.kind == valAbsent {
		return a.kind == b.kind
	}
	if a.kind == valNumber && b.kind == valString {
		if n, err := strconv.ParseFloat(b.s, 64); err == nil {
			return a.n == n
		}
		return false
	}
	if a.kind == valString && b.kind == valNumber {
		return valuesEqual(b, a)
	}
	if a.kind != b.kind {
		return false
	}
	if a.kind == valNumber {
		return a.n == b.n
	}
	return a.s == b.s
}

// --- AST ---

type boolNode interface {
	eval(ref target.ServiceRef) (bool, error)
}

type valueNode interface {
	eval(ref target.ServiceRef) (value, error)
}

type andNode struct{ l, r boolNode }

func (n andNode) eval(ref target.ServiceRef) (bool, error) {
	lv, err := n.l.eval(ref)
	if err != nil || !lv {
		return false, err
	}
	return n.r.eval(ref)
}

type orNode struct{ l, r boolNode }

func (n orNode) eval(ref target.ServiceRef) (bool, error) {
	lv, err := n.l.eval(ref)
	if err != nil || lv {
		return lv, err
	}
	return n.r.eval(ref)
}

type notNode struct{ x boolNode }

func (n notNode) eval(ref target.ServiceRef) (bool, error) {
	v, err := n.x.eval(ref)
	return !v, err
}

type cmpOp int

const (
	opEq cmpOp = iota
	opNe
)

type cmpNode struct {
	op   cmpOp
	l, r valueNode
}

func (n cmpNode) eval(ref target.ServiceRef) (bool, error) {
	lv, err := n.l.eval(ref)
	if err != nil {
		return false, err
	}
	rv, err := n.r.eval(ref)
	if err != nil {
		return false, err
	}
	eq := valuesEqual(lv, rv)
	if n.op == opNe {
		return !eq, nil
	}
	return eq, nil
}

type fieldKind int

const (
	fieldAlias fieldKind = iota
	fieldConnectURL
	fieldAnnotation
)

type fieldNode struct {
	kind fieldKind
	key  string // annotation key when kind == fieldAnnotation
}

func (n fieldNode) eval(ref target.ServiceRef) (value, error) {
	switch n.kind {
	case fieldAlias:
		return value{kind: valString, s: ref.Alias}, nil
	case fieldConnectURL:
		return value{kind: valString, s: ref.ConnectURI}, nil
	case fieldAnnotation:
		if v, ok := ref.Annotation(n.key); ok {
			return value{kind: valString, s: v}, nil
		}
		return value{kind: valAbsent}, nil
	default:
		return value{}, &EvalError{Msg: "unknown field kind"}
	}
}

type litNode struct{ v value }

func (n litNode) eval(target.ServiceRef) (value, error) { return n.v, nil }

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokEq
	tokNe
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokDot
)

type token struct {
	kind tokKind
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
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokEq, "==", i})
				i += 2
			} else {
				return nil, &ParseError{Source: src, Pos: i, Msg: "expected '=='"}
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{tokNe, "!=", i})
				i += 2
			} else {
				toks = append(toks, token{tokNot, "!", i})
				i++
			}
		case c == '&':
			if i+1 < len(src) && src[i+1] == '&' {
				toks = append(toks, token{tokAnd, "&&", i})
				i += 2
			} else {
				return nil, &ParseError{Source: src, Pos: i, Msg: "expected '&&'"}
			}
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				toks = append(toks, token{tokOr, "||", i})
				i += 2
			} else {
				return nil, &ParseError{Source: src, Pos: i, Msg: "expected '||'"}
			}
		case c == '"':
			start := i
			i++
			var sb strings.Builder
			for {
				if i >= len(src) {
					return nil, &ParseError{Source: src, Pos: start, Msg: "unterminated string literal"}
				}
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if src[i] == '"' {
					i++
					break
				}
				sb.WriteByte(src[i])
				i++
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, &ParseError{Source: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '-'
}

// --- parser ---

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errf(t token, format string, args ...any) error {
	return &ParseError{Source: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (boolNode, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (boolNode, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (boolNode, error) {
	switch p.peek().kind {
	case tokNot:
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	case tokLParen:
		p.next()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, p.errf(t, "expected ')'")
		}
		return x, nil
	default:
		return p.parseComparison()
	}
}

func (p *parser) parseComparison() (boolNode, error) {
	l, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.next()
	var op cmpOp
	switch t.kind {
	case tokEq:
		op = opEq
	case tokNe:
		op = opNe
	default:
		// A bare operand is not a boolean expression; require a comparison.
		return nil, p.errf(t, "expected '==' or '!='")
	}
	r, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return cmpNode{op: op, l: l, r: r}, nil
}

func (p *parser) parseOperand() (valueNode, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return litNode{v: value{kind: valString, s: t.text}}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errf(t, "invalid number literal %q", t.text)
		}
		return litNode{v: value{kind: valNumber, n: n}}, nil
	case tokIdent:
		if t.text != "target" {
			return nil, p.errf(t, "unknown identifier %q", t.text)
		}
		return p.parseField(t)
	case tokEOF:
		return nil, p.errf(t, "unexpected end of expression")
	default:
		return nil, p.errf(t, "unexpected %q", t.text)
	}
}

func (p *parser) parseField(start token) (valueNode, error) {
	if t := p.next(); t.kind != tokDot {
		return nil, p.errf(t, "expected '.' after 'target'")
	}
	name := p.next()
	if name.kind != tokIdent {
		return nil, p.errf(name, "expected field name after 'target.'")
	}
	switch name.text {
	case "alias":
		return fieldNode{kind: fieldAlias}, nil
	case "connectUrl":
		return fieldNode{kind: fieldConnectURL}, nil
	case "annotations":
		if t := p.next(); t.kind != tokDot {
			return nil, p.errf(t, "expected '.' after 'target.annotations'")
		}
		key := p.next()
		if key.kind != tokIdent {
			return nil, p.errf(key, "expected annotation key")
		}
		return fieldNode{kind: fieldAnnotation, key: key.text}, nil
	default:
		return nil, p.errf(name, "unknown field %q", "target."+name.text)
	}
}
