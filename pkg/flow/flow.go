// Package flow handles parsing and representation of project element and
// module definitions
package flow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions holds the named elements, modules and API collections of a
// project
type Definitions struct {
	SourcePath string                   `yaml:"-" json:"-"`
	Elements   map[string]Identifiers   `yaml:"elements" json:"elements,omitempty"`
	Modules    map[string]Module        `yaml:"modules" json:"modules,omitempty"`
	APIs       map[string]APICollection `yaml:"apis" json:"apis,omitempty"`
}

// APICollection groups the endpoints of one HTTP service. invoke_api
// names an endpoint as "collection.api"
type APICollection struct {
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"` // Sent with every request
	APIs    map[string]API    `yaml:"apis" json:"apis"`
}

// API is one request and what to take from its response
type API struct {
	Endpoint string         `yaml:"endpoint" json:"endpoint"`
	Request  APIRequest     `yaml:"request" json:"request"`
	Expected APIExpectation `yaml:"expected_result" json:"expected_result"`
}

// APIRequest describes the request. Body may be a string or any YAML
// value, which is sent as JSON
type APIRequest struct {
	Method  string            `yaml:"method" json:"method,omitempty"` // Defaults to GET
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body    any               `yaml:"body" json:"body,omitempty"`
}

// APIExpectation binds response fields to variables and asserts on them
type APIExpectation struct {
	Extract    map[string]string `yaml:"extract" json:"extract,omitempty"` // Variable -> JSON path
	Assertions []APIAssertion    `yaml:"jsonpath_assertions" json:"jsonpath_assertions,omitempty"`
}

// APIAssertion is a condition on the value at Path, referred to as $
type APIAssertion struct {
	Path      string `yaml:"path" json:"path"`
	Condition string `yaml:"condition" json:"condition"`
}

// Module is a named, ordered list of keyword invocations
type Module []Invocation

// Invocation is one keyword call with its ordered parameters
type Invocation struct {
	Keyword string   `yaml:"keyword" json:"keyword"`
	Params  []string `yaml:"params,omitempty" json:"params,omitempty"`
}

func (i Invocation) String() string {
	if len(i.Params) == 0 {
		return i.Keyword
	}
	return fmt.Sprintf("%s(%s)", i.Keyword, strings.Join(i.Params, ", "))
}

// Identifiers lists the alternative identifiers of one element. YAML
// accepts either a scalar or a sequence
type Identifiers []string

// UnmarshalYAML implements yaml.Unmarshaler
func (ids *Identifiers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*ids = Identifiers{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*ids = list
		return nil
	default:
		return fmt.Errorf("line %d: element must be a string or list of strings", node.Line)
	}
}

// UnmarshalYAML accepts three shapes:
//
//   - sleep                           (keyword only)
//   - press_element: login_button     (single parameter)
//   - enter_text: [username, "${u}"]  (parameter list)
//   - {keyword: enter_text, params: [username, "${u}"]}
func (i *Invocation) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		i.Keyword = node.Value
		i.Params = nil
		return nil
	case yaml.MappingNode:
	default:
		return fmt.Errorf("line %d: step must be a mapping or keyword name", node.Line)
	}

	if hasKey(node, "keyword") {
		type plain Invocation
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*i = Invocation(p)
		return nil
	}

	if len(node.Content) != 2 {
		return fmt.Errorf("line %d: step must have exactly one keyword", node.Line)
	}
	i.Keyword = node.Content[0].Value
	value := node.Content[1]
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			i.Params = nil
		} else {
			i.Params = []string{value.Value}
		}
	case yaml.SequenceNode:
		params := make([]string, 0, len(value.Content))
		for _, p := range value.Content {
			if p.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: parameters must be scalars", p.Line)
			}
			params = append(params, p.Value)
		}
		i.Params = params
	default:
		return fmt.Errorf("line %d: parameters must be a scalar or list", value.Line)
	}
	return nil
}

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Merge copies elements, modules and API collections from other, failing
// on duplicates
func (d *Definitions) Merge(other *Definitions) error {
	if other == nil {
		return nil
	}
	if d.Elements == nil {
		d.Elements = map[string]Identifiers{}
	}
	if d.Modules == nil {
		d.Modules = map[string]Module{}
	}
	for name, ids := range other.Elements {
		if _, ok := d.Elements[name]; ok {
			return fmt.Errorf("duplicate element %q in %s", name, other.SourcePath)
		}
		d.Elements[name] = ids
	}
	for name, m := range other.Modules {
		if _, ok := d.Modules[name]; ok {
			return fmt.Errorf("duplicate module %q in %s", name, other.SourcePath)
		}
		d.Modules[name] = m
	}
	if len(other.APIs) > 0 && d.APIs == nil {
		d.APIs = map[string]APICollection{}
	}
	for name, c := range other.APIs {
		if _, ok := d.APIs[name]; ok {
			return fmt.Errorf("duplicate api collection %q in %s", name, other.SourcePath)
		}
		d.APIs[name] = c
	}
	return nil
}

// API returns the endpoint named "collection.api" and its collection
func (d *Definitions) API(ref string) (APICollection, API, error) {
	coll, name, ok := strings.Cut(strings.TrimSpace(ref), ".")
	if !ok || coll == "" || name == "" {
		return APICollection{}, API{}, fmt.Errorf("api must be named collection.api, got %q", ref)
	}
	c, ok := d.APIs[coll]
	if !ok {
		return APICollection{}, API{}, fmt.Errorf("unknown api collection %q", coll)
	}
	api, ok := c.APIs[name]
	if !ok {
		return APICollection{}, API{}, fmt.Errorf("api collection %q has no api %q", coll, name)
	}
	return c, api, nil
}

// Module returns the module with the given name
func (d *Definitions) Module(name string) (Module, bool) {
	if d == nil {
		return nil, false
	}
	m, ok := d.Modules[name]
	return m, ok
}
