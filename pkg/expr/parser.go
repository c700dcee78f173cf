package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

const (
	MaxSourceLength = 4096
	MaxDepth        = 64
)

// Expression is a parsed, reusable expression
type Expression struct {
	src  string
	root node
}

// String returns the source text
func (e *Expression) String() string {
	return e.src
}

// Parse compiles src. Syntax errors are EvaluationErrors
func Parse(src string) (*Expression, error) {
	if strings.TrimSpace(src) == "" {
		return nil, evalError("empty expression")
	}
	if len(src) > MaxSourceLength {
		return nil, evalError(fmt.Sprintf("expression longer than %d characters", MaxSourceLength))
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxError(t.pos, fmt.Sprintf("unexpected %q", t.text))
	}
	return &Expression{src: src, root: root}, nil
}

// Eval parses and evaluates src in one step
func Eval(src string, env Env) (any, error) {
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(env)
}

// Eval evaluates the expression against env
func (e *Expression) Eval(env Env) (any, error) {
	if env == nil {
		env = MapEnv(nil)
	}
	return e.root.eval(env)
}

type parser struct {
	toks  []token
	pos   int
	depth int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	for _, op := range ops {
		if t.kind == tokOp && t.text == op {
			return op, true
		}
		if t.kind == tokIdent && t.text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return syntaxError(p.peek().pos, "expression nested too deeply")
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

func (p *parser) parseOr() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("||", "or"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: false, left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: true, left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.isOp("!", "not"); ok {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.isOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	pos := p.next().pos
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if _, chained := p.isOp("==", "!=", "<=", ">=", "<", ">"); chained {
		return nil, syntaxError(p.peek().pos, "chained comparisons are not supported")
	}
	return &compareNode{op: op, left: left, right: right, pos: pos}, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}
		pos := p.next().pos
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right, pos: pos}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		pos := p.next().pos
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right, pos: pos}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.isOp("-"); ok {
		pos := p.next().pos
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{operand: operand, pos: pos}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxError(t.pos, fmt.Sprintf("invalid number %q", t.text))
		}
		return &literalNode{value: n}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokVar:
		return &varNode{name: t.text, pos: t.pos}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "none", "nil":
			return &literalNode{value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return &varNode{name: t.text, pos: t.pos}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if r := p.next(); r.kind != tokRParen {
			return nil, syntaxError(r.pos, "expected ')'")
		}
		return inner, nil
	case tokLBracket:
		items, err := p.parseList(tokRBracket)
		if err != nil {
			return nil, err
		}
		return &listNode{items: items}, nil
	case tokEOF:
		return nil, syntaxError(t.pos, "unexpected end of expression")
	default:
		return nil, syntaxError(t.pos, fmt.Sprintf("unexpected %q", t.text))
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := functions[strings.ToLower(name.text)]
	if !ok {
		return nil, syntaxError(name.pos, fmt.Sprintf("unknown function %q", name.text))
	}
	p.next() // (
	args, err := p.parseList(tokRParen)
	if err != nil {
		return nil, err
	}
	if fn.arity >= 0 && len(args) != fn.arity {
		return nil, syntaxError(name.pos,
			fmt.Sprintf("%s expects %d argument(s), got %d", name.text, fn.arity, len(args)))
	}
	return &callNode{name: name.text, fn: fn, args: args, pos: name.pos}, nil
}

func (p *parser) parseList(closer tokenKind) ([]node, error) {
	var items []node
	if p.peek().kind == closer {
		p.next()
		return items, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		t := p.next()
		switch t.kind {
		case tokComma:
			continue
		case closer:
			return items, nil
		default:
			return nil, syntaxError(t.pos, "expected ',' or closing bracket")
		}
	}
}

func syntaxError(pos int, msg string) error {
	return core.ErrEvaluation.
		WithMessage(fmt.Sprintf("syntax error at position %d: %s", pos, msg)).
		WithDetails(map[string]any{"position": pos})
}

func evalError(msg string) error {
	return core.ErrEvaluation.WithMessage(msg)
}
