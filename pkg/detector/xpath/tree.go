package xpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Platform of a UI tree
type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
)

// textAttributes are searched, in order, when matching by text
var textAttributes = map[Platform][]string{
	Android: {"text", "content-desc", "resource-id", "hint"},
	IOS:     {"label", "value", "name", "placeholderValue"},
}

// Tree is a parsed page source
type Tree struct {
	Root     *xmlquery.Node
	Platform Platform
}

// Parse parses page source XML and detects its platform
func Parse(source string) (*Tree, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty page source")
	}
	root, err := xmlquery.Parse(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse page source: %w", err)
	}
	platform := Android
	if strings.Contains(source, "XCUIElementType") || strings.Contains(source, "AppiumAUT") {
		platform = IOS
	}
	return &Tree{Root: root, Platform: platform}, nil
}

// Elements returns every element node in document order
func (t *Tree) Elements() []*xmlquery.Node {
	var res []*xmlquery.Node
	var walk func(n *xmlquery.Node)
	walk = func(n *xmlquery.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == xmlquery.ElementNode {
				res = append(res, c)
				walk(c)
			}
		}
	}
	walk(t.Root)
	return res
}

// Bounds returns the on-screen rectangle of a node
func (t *Tree) Bounds(n *xmlquery.Node) core.Bounds {
	if b := n.SelectAttr("bounds"); b != "" {
		return parseBounds(b)
	}
	return core.Bounds{
		X:      atoi(n.SelectAttr("x")),
		Y:      atoi(n.SelectAttr("y")),
		Width:  atoi(n.SelectAttr("width")),
		Height: atoi(n.SelectAttr("height")),
	}
}

// Text returns the first non-empty text attribute of a node
func (t *Tree) Text(n *xmlquery.Node) string {
	for _, attr := range textAttributes[t.Platform] {
		if v := strings.TrimSpace(n.SelectAttr(attr)); v != "" {
			return v
		}
	}
	return ""
}

// Interactive lists clickable or enabled elements that occupy screen space
func (t *Tree) Interactive() []core.InteractiveElement {
	var res []core.InteractiveElement
	for _, n := range t.Elements() {
		b := t.Bounds(n)
		if b.Empty() {
			continue
		}
		clickable := n.SelectAttr("clickable") == "true"
		enabled := n.SelectAttr("enabled") != "false"
		if t.Platform == IOS {
			if n.SelectAttr("visible") == "false" {
				continue
			}
			clickable = clickable || n.SelectAttr("accessible") == "true"
		} else {
			enabled = n.SelectAttr("enabled") == "true"
		}
		if !clickable && !enabled {
			continue
		}

		attrs := make(map[string]string, len(n.Attr))
		for _, a := range n.Attr {
			attrs[a.Name.Local] = a.Value
		}
		id := n.SelectAttr("resource-id")
		if t.Platform == IOS {
			id = n.SelectAttr("name")
		}
		class := n.SelectAttr("class")
		if class == "" {
			class = n.SelectAttr("type")
		}
		if class == "" {
			class = n.Data
		}
		res = append(res, core.InteractiveElement{
			ID:         id,
			Text:       t.Text(n),
			Class:      class,
			Bounds:     b,
			Enabled:    enabled,
			Clickable:  clickable,
			XPath:      Path(n),
			Attributes: attrs,
		})
	}
	return res
}

// Path returns an absolute positional XPath for a node
func Path(n *xmlquery.Node) string {
	var parts []string
	for ; n != nil && n.Type == xmlquery.ElementNode; n = n.Parent {
		pos := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == xmlquery.ElementNode && s.Data == n.Data {
				pos++
			}
		}
		parts = append(parts, fmt.Sprintf("%s[%d]", n.Data, pos))
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String()
}

// parseBounds parses Android bounds string "[x1,y1][x2,y2]"
func parseBounds(s string) core.Bounds {
	s = strings.ReplaceAll(s, "][", ",")
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return core.Bounds{}
	}

	x1, y1 := atoi(parts[0]), atoi(parts[1])
	x2, y2 := atoi(parts[2]), atoi(parts[3])
	return core.Bounds{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		if f, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64); ferr == nil {
			return int(f)
		}
		return 0
	}
	return v
}
