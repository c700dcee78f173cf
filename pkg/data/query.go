package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/expr"
)

// Query filters rows of a sequence. Its text form is
//
//	<expression>;select=<column>;index=<n>
//
// where every part is optional. Row columns are the expression variables;
// scalar rows are exposed as "value"
type Query struct {
	Filter *expr.Expression
	Select string
	Index  *int
}

// ParseQuery parses the selector text of read_data
func ParseQuery(s string) (*Query, error) {
	q := &Query{}
	for i, part := range splitQuery(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := clause(part)
		switch {
		case ok && key == "select":
			q.Select = val
		case ok && key == "index":
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return nil, core.ErrInvalidArgument.WithMessagef("invalid index %q in query", val)
			}
			q.Index = &n
		case i == 0:
			f, err := expr.Parse(part)
			if err != nil {
				return nil, err
			}
			q.Filter = f
		default:
			return nil, core.ErrInvalidArgument.WithMessagef("unknown query clause %q", part)
		}
	}
	return q, nil
}

// Apply filters and projects values
func (q *Query) Apply(values []any) ([]any, error) {
	res := make([]any, 0, len(values))
	for _, v := range values {
		if q.Filter != nil {
			ok, err := q.Filter.Eval(rowEnv(v))
			if err != nil {
				return nil, err
			}
			if !expr.Truthy(ok) {
				continue
			}
		}
		if q.Select != "" {
			row, isRow := v.(map[string]any)
			if !isRow {
				return nil, core.ErrDataSource.WithMessagef("cannot select %q from %s", q.Select, expr.Format(v))
			}
			col, found := row[q.Select]
			if !found {
				return nil, core.ErrDataSource.WithMessagef("column %q not found", q.Select)
			}
			v = col
		}
		res = append(res, v)
	}
	return res, nil
}

// String renders the query in its text form
func (q *Query) String() string {
	var parts []string
	if q.Filter != nil {
		parts = append(parts, q.Filter.String())
	}
	if q.Select != "" {
		parts = append(parts, "select="+q.Select)
	}
	if q.Index != nil {
		parts = append(parts, fmt.Sprintf("index=%d", *q.Index))
	}
	return strings.Join(parts, ";")
}

// Select applies a read_data selector to seq. An integer selector, or a
// query carrying index=, loads seq and returns a single value. Any other
// query returns a derived lazy sequence. An empty selector returns seq
func Select(ctx context.Context, seq *Sequence, selector string) (any, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return seq, nil
	}
	if n, err := strconv.Atoi(selector); err == nil {
		return seq.At(ctx, n)
	}

	q, err := ParseQuery(selector)
	if err != nil {
		return nil, err
	}
	derived := seq.Derive(seq.Source()+"?"+q.String(), q.Apply)
	if q.Index != nil {
		return derived.At(ctx, *q.Index)
	}
	return derived, nil
}

// clause splits "key=value" when key is a query keyword. Comparisons such
// as "index == 2" stay expressions
func clause(part string) (string, string, bool) {
	key, val, ok := strings.Cut(part, "=")
	if !ok || strings.HasPrefix(val, "=") {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key != "select" && key != "index" {
		return "", "", false
	}
	return key, strings.TrimSpace(val), true
}

func rowEnv(v any) expr.Env {
	if row, ok := v.(map[string]any); ok {
		return expr.EnvFunc(func(name string) (any, bool) {
			if val, ok := row[name]; ok {
				return val, true
			}
			if name == "row" {
				return row, true
			}
			return nil, false
		})
	}
	return expr.MapEnv{"value": v}
}

// splitQuery splits on semicolons outside quoted strings
func splitQuery(s string) []string {
	var (
		parts []string
		cur   strings.Builder
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(s) {
				cur.WriteByte(c)
				i++
				c = s[i]
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	return append(parts, cur.String())
}
