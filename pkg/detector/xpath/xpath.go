// Package xpath locates elements in the UI tree reported by the driver,
// either by XPath expression or by matching text attributes
package xpath

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Name is the detection source name
const Name = "xpath"

const exprCacheSize = 128

// Detector resolves XPath and text targets against the page source
type Detector struct {
	exprs *lru.Cache[string, *xpath.Expr]

	mu       sync.Mutex
	lastID   uint64
	lastTree *Tree
}

var _ core.Detector = (*Detector)(nil)

// New creates an XPath detector
func New() *Detector {
	exprs, _ := lru.New[string, *xpath.Expr](exprCacheSize)
	return &Detector{exprs: exprs}
}

func (d *Detector) Name() string { return Name }

// Needs reports that only the page source is required
func (d *Detector) Needs() core.CaptureRequest {
	return core.CaptureRequest{Source: true}
}

// Supports reports XPath and text targets
func (d *Detector) Supports(k core.TargetKind) bool {
	return k == core.TargetXPath || k == core.TargetText
}

// Locate returns all matching nodes in document order
func (d *Detector) Locate(_ context.Context, t core.Target, state *core.ScreenState) ([]core.Match, error) {
	if state.Source == "" {
		return nil, fmt.Errorf("capture %d has no page source", state.CaptureID)
	}
	tree, err := d.tree(state)
	if err != nil {
		return nil, err
	}

	var nodes []*xmlquery.Node
	switch t.Kind {
	case core.TargetXPath:
		expr, err := d.compile(t.Value)
		if err != nil {
			return nil, err
		}
		nodes = xmlquery.QuerySelectorAll(tree.Root, expr)
	case core.TargetText:
		nodes = tree.FindText(t.Value)
	default:
		return nil, fmt.Errorf("unsupported target kind %s", t.Kind)
	}

	var res []core.Match
	for _, n := range nodes {
		if n.Type != xmlquery.ElementNode {
			continue
		}
		b := tree.Bounds(n)
		if b.Empty() {
			continue
		}
		m := core.NewMatch(b, 1)
		m.Text = tree.Text(n)
		res = append(res, m)
	}
	return res, nil
}

// tree parses the capture's source once. Detectors see many targets
// against the same capture in a cycle
func (d *Detector) tree(state *core.ScreenState) (*Tree, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastTree != nil && d.lastID == state.CaptureID {
		return d.lastTree, nil
	}
	tree, err := Parse(state.Source)
	if err != nil {
		return nil, err
	}
	d.lastID, d.lastTree = state.CaptureID, tree
	return tree, nil
}

func (d *Detector) compile(s string) (*xpath.Expr, error) {
	if e, ok := d.exprs.Get(s); ok {
		return e, nil
	}
	e, err := xpath.Compile(s)
	if err != nil {
		return nil, core.ErrInvalidArgument.
			WithMessagef("invalid xpath %q", s).
			WithCause(err)
	}
	d.exprs.Add(s, e)
	return e, nil
}

// FindText returns nodes whose text attributes match pattern. Exact
// matches come first, then substring or regex matches; each group is in
// document order
func (t *Tree) FindText(pattern string) []*xmlquery.Node {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	var re *regexp.Regexp
	if looksLikeRegex(pattern) {
		re, _ = regexp.Compile("(?i)" + pattern)
	}

	var exact, partial []*xmlquery.Node
	for _, n := range t.Elements() {
		switch t.matchText(n, pattern, re) {
		case matchExact:
			exact = append(exact, n)
		case matchPartial:
			partial = append(partial, n)
		}
	}
	return append(exact, partial...)
}

type textMatch int

const (
	matchNone textMatch = iota
	matchPartial
	matchExact
)

func (t *Tree) matchText(n *xmlquery.Node, pattern string, re *regexp.Regexp) textMatch {
	best := matchNone
	for _, attr := range textAttributes[t.Platform] {
		v := strings.TrimSpace(n.SelectAttr(attr))
		if v == "" {
			continue
		}
		if strings.EqualFold(v, pattern) {
			return matchExact
		}
		if re != nil {
			if re.MatchString(v) || re.MatchString(strings.ReplaceAll(v, "\n", " ")) {
				best = matchPartial
			}
			continue
		}
		if strings.Contains(strings.ToLower(v), strings.ToLower(pattern)) {
			best = matchPartial
		}
	}
	return best
}

// looksLikeRegex checks if text contains regex metacharacters.
// A standalone period (like in "mastodon.social") is NOT treated as regex
func looksLikeRegex(text string) bool {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if i > 0 && text[i-1] == '\\' {
			continue
		}
		switch c {
		case '.':
			if i+1 < len(text) {
				next := text[i+1]
				if next == '*' || next == '+' || next == '?' {
					return true
				}
			}
		case '*', '+', '?', '[', ']', '{', '}', '|', '(', ')':
			return true
		case '^':
			if i == 0 {
				return true
			}
		case '$':
			if i == len(text)-1 {
				return true
			}
		}
	}
	return false
}
