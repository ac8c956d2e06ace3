// Package expr implements the small arithmetic language used by computed
// field mappings: numbers, {column} references, + - * / and parentheses.
package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrMissingInput is returned by Eval when a referenced column has no number.
var ErrMissingInput = errors.New("missing input")

// ErrDivisionByZero is returned by Eval on x / 0.
var ErrDivisionByZero = errors.New("division by zero")

// Lookup resolves a column reference to a number.
type Lookup func(column string) (float64, bool)

type node interface {
	eval(Lookup) (float64, error)
}

type number float64

func (n number) eval(Lookup) (float64, error) { return float64(n), nil }

type ref string

func (r ref) eval(l Lookup) (float64, error) {
	v, ok := l(string(r))
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingInput, string(r))
	}
	return v, nil
}

type neg struct{ x node }

func (n neg) eval(l Lookup) (float64, error) {
	v, err := n.x.eval(l)
	return -v, err
}

type binary struct {
	op   byte
	l, r node
}

func (b binary) eval(l Lookup) (float64, error) {
	x, err := b.l.eval(l)
	if err != nil {
		return 0, err
	}
	y, err := b.r.eval(l)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return x + y, nil
	case '-':
		return x - y, nil
	case '*':
		return x * y, nil
	default:
		if y == 0 {
			return 0, ErrDivisionByZero
		}
		return x / y, nil
	}
}

// Expr is a parsed expression.
type Expr struct {
	src     string
	root    node
	columns []string
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Columns returns the referenced columns in first-use order.
func (e *Expr) Columns() []string {
	out := make([]string, len(e.columns))
	copy(out, e.columns)
	return out
}

// Eval evaluates the expression.
func (e *Expr) Eval(l Lookup) (float64, error) {
	return e.root.eval(l)
}

// Parse compiles src.
func Parse(src string) (*Expr, error) {
	p := &parser{src: src}
	p.next()
	root, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.tok.text)
	}
	return &Expr{src: src, root: root, columns: p.columns}, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokRef
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type parser struct {
	src     string
	pos     int
	tok     token
	err     error
	columns []string
	seen    map[string]bool
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("expr %q at %d: %s", p.src, p.tok.pos, fmt.Sprintf(format, args...))
}

func (p *parser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	start := p.pos
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := p.src[p.pos]
	switch {
	case c == '{':
		end := strings.IndexByte(p.src[p.pos:], '}')
		if end < 0 {
			p.err = fmt.Errorf("expr %q at %d: unterminated column reference", p.src, start)
			p.tok = token{kind: tokEOF, pos: start}
			p.pos = len(p.src)
			return
		}
		name := strings.TrimSpace(p.src[p.pos+1 : p.pos+end])
		p.pos += end + 1
		p.tok = token{kind: tokRef, text: name, pos: start}
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	case strings.IndexByte("+-*/", c) >= 0:
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	case c == '.' || (c >= '0' && c <= '9'):
		for p.pos < len(p.src) && (p.src[p.pos] == '.' || p.src[p.pos] == 'e' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
			p.pos++
		}
		p.tok = token{kind: tokNum, text: p.src[start:p.pos], pos: start}
	default:
		p.pos++
		p.tok = token{kind: tokOp, text: string(c), pos: start}
	}
}

// expr := term (('+'|'-') term)*
func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text[0]
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
	return left, nil
}

// term := unary (('*'|'/') unary)*
func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text[0]
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.tok.kind == tokOp && p.tok.text == "-" {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return neg{x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokNum:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, p.errorf("bad number %q", p.tok.text)
		}
		p.next()
		return number(f), nil
	case tokRef:
		name := p.tok.text
		if name == "" {
			return nil, p.errorf("empty column reference")
		}
		if p.seen == nil {
			p.seen = map[string]bool{}
		}
		if !p.seen[name] {
			p.seen[name] = true
			p.columns = append(p.columns, name)
		}
		p.next()
		return ref(name), nil
	case tokLParen:
		p.next()
		inner, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected )")
		}
		p.next()
		return inner, nil
	case tokEOF:
		return nil, p.errorf("unexpected end of expression")
	default:
		return nil, p.errorf("unexpected %q", p.tok.text)
	}
}
