package executor

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/data"
	"github.com/devicelab-dev/optics-runner/pkg/expr"
	"github.com/devicelab-dev/optics-runner/pkg/flow"
)

// Branch is the data payload of a condition
type Branch struct {
	Clause int                   `json:"clause"` // 1-based, 0 for else
	Module string                `json:"module,omitempty"`
	Result *core.ExecutionResult `json:"result,omitempty"`
}

func (r *Runner) module(name string) (flow.Module, bool) {
	m, ok := r.sess.Config().Modules[strings.TrimSpace(name)]
	return m, ok
}

// runModule runs every step of a module as a nested invocation and stops
// at the first step that does not succeed
func (r *Runner) runModule(inv *invocation) (any, error) {
	name := strings.TrimSpace(inv.arg(0))
	if ref := varName(name); ref != name {
		expanded, err := r.expandOne(inv.ctx, name)
		if err != nil {
			return nil, err
		}
		name = expanded
	}
	mod, ok := r.module(name)
	if !ok {
		return nil, errInvalid("unknown module %q", name).
			WithDetails(map[string]any{"module": name})
	}

	steps := make([]*core.ExecutionResult, 0, len(mod))
	for i, step := range mod {
		res := r.invoke(inv.ctx, inv, step.Keyword, step.Params)
		steps = append(steps, res)
		if res.Err != nil {
			return steps, fmt.Errorf("module %s step %d (%s): %w", name, i+1, step.Keyword, res.Err)
		}
	}
	return steps, nil
}

func (r *Runner) call(inv *invocation, module string) *core.ExecutionResult {
	return r.invoke(inv.ctx, inv, "run_module", []string{module})
}

// condition evaluates (predicate, module) pairs left to right and runs
// the module of the first true predicate. A trailing odd parameter is the
// else module. A predicate that names a module is true when that module
// succeeds
func (r *Runner) condition(inv *invocation) (any, error) {
	clauses := len(inv.args) / 2
	for i := range clauses {
		pred, target := inv.args[2*i], inv.args[2*i+1]
		ok, err := r.predicate(inv, pred)
		if err != nil {
			return nil, fmt.Errorf("condition clause %d: %w", i+1, err)
		}
		if !ok {
			continue
		}
		res := r.call(inv, target)
		return Branch{Clause: i + 1, Module: target, Result: res}, res.Err
	}

	if len(inv.args)%2 == 1 {
		target := inv.args[len(inv.args)-1]
		res := r.call(inv, target)
		return Branch{Module: target, Result: res}, res.Err
	}
	return nil, nil
}

func (r *Runner) predicate(inv *invocation, pred string) (bool, error) {
	if _, ok := r.module(pred); ok {
		res := r.call(inv, pred)
		if inv.ctx.Err() != nil {
			return false, core.TimeoutFromContext(inv.ctx)
		}
		return res.Status.IsSuccess(), nil
	}
	v, err := r.eval(inv.ctx, pred)
	if err != nil {
		return false, err
	}
	return expr.Truthy(v), nil
}

// runLoop runs a module N times (module, N) or once per element of zipped
// sequences (module, var1, seq1, var2, seq2, ...), binding each variable
// to the element of its sequence. Sequence lengths are checked before
// the first iteration
func (r *Runner) runLoop(inv *invocation) (any, error) {
	module := strings.TrimSpace(inv.args[0])
	if _, ok := r.module(module); !ok {
		return nil, errInvalid("unknown module %q", module)
	}
	rest := inv.args[1:]

	if len(rest) == 1 {
		n, err := r.count(inv, rest[0])
		if err != nil {
			return nil, err
		}
		return r.iterate(inv, module, n, nil, nil)
	}
	if len(rest)%2 != 0 {
		return nil, errInvalid("run_loop expects a count or variable/sequence pairs, got %d params", len(rest))
	}

	names := make([]string, 0, len(rest)/2)
	seqs := make([][]any, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		name := varName(rest[i])
		if name == "" {
			return nil, errInvalid("run_loop variable %d has no name", i/2+1)
		}
		values, err := r.sequence(inv, rest[i+1])
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		seqs = append(seqs, values)
	}
	n := len(seqs[0])
	for i, s := range seqs[1:] {
		if len(s) != n {
			return nil, errInvalid("run_loop sequences differ in length: %s has %d values, %s has %d",
				names[0], n, names[i+1], len(s)).
				WithDetails(map[string]any{"lengths": lengths(names, seqs)})
		}
	}
	return r.iterate(inv, module, n, names, seqs)
}

func (r *Runner) iterate(inv *invocation, module string, n int, names []string, seqs [][]any) (any, error) {
	results := make([]*core.ExecutionResult, 0, n)
	for i := range n {
		for j, name := range names {
			r.sess.SetVar(name, seqs[j][i])
		}
		res := r.call(inv, module)
		results = append(results, res)
		if res.Err != nil {
			return results, fmt.Errorf("iteration %d of %d: %w", i+1, n, res.Err)
		}
	}
	return results, nil
}

func (r *Runner) count(inv *invocation, s string) (int, error) {
	s, err := r.expandOne(inv.ctx, s)
	if err != nil {
		return 0, err
	}
	if v, ok, err := r.lookup(inv.ctx, strings.TrimSpace(s)); err != nil {
		return 0, err
	} else if ok {
		s = expr.Format(v)
	}
	n, err := parseInt("run_loop count", s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errInvalid("run_loop count must not be negative")
	}
	return n, nil
}

// sequence resolves a run_loop sequence: a variable reference (bare or
// ${name}) or a JSON array literal
func (r *Runner) sequence(inv *invocation, ref string) ([]any, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "[") {
		return jsonList(ref)
	}

	name := varName(ref)
	v, ok, err := r.lookupList(inv.ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errInvalid("run_loop sequence %q is neither a variable nor a list literal", ref)
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		res := make([]any, len(t))
		for i, s := range t {
			res[i] = s
		}
		return res, nil
	case string:
		// variables from project config are plain strings
		return data.ParseLiteral(t)
	default:
		return []any{t}, nil
	}
}

func jsonList(s string) ([]any, error) {
	if !gjson.Valid(s) {
		return nil, errInvalid("invalid list literal %q", s)
	}
	items := gjson.Parse(s).Array()
	res := make([]any, len(items))
	for i, it := range items {
		res[i] = it.Value()
	}
	return res, nil
}

func lengths(names []string, seqs [][]any) map[string]int {
	res := make(map[string]int, len(names))
	for i, n := range names {
		res[n] = len(seqs[i])
	}
	return res
}

// evaluate computes an expression and, given two params, binds the
// result to the named variable
func (r *Runner) evaluate(inv *invocation) (any, error) {
	src := inv.args[0]
	target := ""
	if len(inv.args) == 2 {
		target, src = varName(inv.args[0]), inv.args[1]
		if target == "" {
			return nil, errInvalid("evaluate target variable is empty")
		}
	}
	v, err := r.eval(inv.ctx, src)
	if err != nil {
		return nil, err
	}
	if target != "" {
		r.sess.SetVar(target, v)
	}
	return v, nil
}

// readData binds a lazy data sequence, or with an index selector the
// single selected value
func (r *Runner) readData(inv *invocation) (any, error) {
	name := varName(inv.arg(0))
	if name == "" {
		return nil, errInvalid("read_data variable is empty")
	}
	seq, err := r.reader.Open(inv.arg(1))
	if err != nil {
		return nil, err
	}
	v, err := data.Select(inv.ctx, seq, inv.arg(2))
	if err != nil {
		return nil, err
	}
	r.sess.SetVar(name, v)

	out := map[string]any{"variable": name}
	if s, ok := v.(*data.Sequence); ok {
		out["source"] = s.Source()
		out["loaded"] = s.Loaded()
	} else {
		out["value"] = v
	}
	return out, nil
}
