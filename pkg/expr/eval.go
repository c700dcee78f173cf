package expr

import (
	"fmt"
	"math"
	"strings"
)

// Env resolves variable names during evaluation
type Env interface {
	Lookup(name string) (any, bool)
}

// MapEnv is an Env over a plain map
type MapEnv map[string]any

// Lookup implements Env
func (m MapEnv) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// EnvFunc adapts a function to Env
type EnvFunc func(name string) (any, bool)

// Lookup implements Env
func (f EnvFunc) Lookup(name string) (any, bool) {
	return f(name)
}

type node interface {
	eval(env Env) (any, error)
}

type (
	literalNode struct {
		value any
	}

	varNode struct {
		name string
		pos  int
	}

	listNode struct {
		items []node
	}

	notNode struct {
		operand node
	}

	negNode struct {
		operand node
		pos     int
	}

	logicalNode struct {
		and         bool
		left, right node
	}

	compareNode struct {
		op          string
		left, right node
		pos         int
	}

	arithNode struct {
		op          string
		left, right node
		pos         int
	}

	callNode struct {
		name string
		fn   function
		args []node
		pos  int
	}
)

func (n *literalNode) eval(Env) (any, error) {
	return n.value, nil
}

func (n *varNode) eval(env Env) (any, error) {
	v, ok := env.Lookup(n.name)
	if !ok {
		return nil, evalError(fmt.Sprintf("unknown variable %q at position %d", n.name, n.pos))
	}
	return Normalize(v), nil
}

func (n *listNode) eval(env Env) (any, error) {
	res := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(env)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (n *notNode) eval(env Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func (n *negNode) eval(env Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	f, ok := ToNumber(v)
	if !ok {
		return nil, typeError(n.pos, "cannot negate %s", describe(v))
	}
	return -f, nil
}

func (n *logicalNode) eval(env Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	lt := Truthy(l)
	if n.and && !lt {
		return false, nil
	}
	if !n.and && lt {
		return true, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

func (n *compareNode) eval(env Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return Equal(l, r), nil
	case "!=":
		return !Equal(l, r), nil
	}

	if lf, rf, ok := bothNumbers(l, r); ok {
		return compareOrdered(n.op, lf, rf), nil
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return compareOrdered(n.op, strings.Compare(ls, rs), 0), nil
	}
	return nil, typeError(n.pos, "cannot compare %s %s %s", describe(l), n.op, describe(r))
}

func compareOrdered[T int | float64](op string, a, b T) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	default:
		return a >= b
	}
}

func (n *arithNode) eval(env Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	lf, rf, numeric := bothNumbers(l, r)
	if n.op == "+" && !numeric {
		if ll, ok := l.([]any); ok {
			if rl, ok := r.([]any); ok {
				return append(append([]any{}, ll...), rl...), nil
			}
		}
		_, ls := l.(string)
		_, rs := r.(string)
		if ls || rs {
			return Format(l) + Format(r), nil
		}
	}
	if !numeric {
		return nil, typeError(n.pos, "unsupported operands %s %s %s", describe(l), n.op, describe(r))
	}

	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, typeError(n.pos, "division by zero")
		}
		return lf / rf, nil
	default:
		if rf == 0 {
			return nil, typeError(n.pos, "modulo by zero")
		}
		return math.Mod(lf, rf), nil
	}
}

func (n *callNode) eval(env Env) (any, error) {
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	v, err := n.fn.call(args)
	if err != nil {
		return nil, typeError(n.pos, "%s: %v", n.name, err)
	}
	return v, nil
}

func bothNumbers(l, r any) (float64, float64, bool) {
	lf, lok := ToNumber(l)
	rf, rok := ToNumber(r)
	if !lok || !rok {
		return 0, 0, false
	}
	_, ls := l.(string)
	_, rs := r.(string)
	// two strings stay strings, "10" < "9" compares text
	if ls && rs {
		return 0, 0, false
	}
	return lf, rf, true
}

func typeError(pos int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return evalError(fmt.Sprintf("%s at position %d", msg, pos))
}
