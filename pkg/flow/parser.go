package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseError represents a parsing error with location info
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ParseFile parses a single definitions file
func ParseFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided project file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses definitions YAML content
func Parse(data []byte, sourcePath string) (*Definitions, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: err.Error()}
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "empty definitions file"}
	}

	defs := &Definitions{SourcePath: sourcePath}
	if err := root.Content[0].Decode(defs); err != nil {
		return nil, wrapParseError(sourcePath, err)
	}
	if err := defs.Validate(); err != nil {
		return nil, &ParseError{Path: sourcePath, Message: err.Error()}
	}
	return defs, nil
}

// Validate checks names and that every step names a keyword
func (d *Definitions) Validate() error {
	for name, ids := range d.Elements {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("element with empty name")
		}
		if len(ids) == 0 {
			return fmt.Errorf("element %q has no identifiers", name)
		}
	}
	for name, m := range d.Modules {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("module with empty name")
		}
		for i, inv := range m {
			if strings.TrimSpace(inv.Keyword) == "" {
				return fmt.Errorf("module %q step %d has no keyword", name, i+1)
			}
		}
	}
	for name, c := range d.APIs {
		if strings.TrimSpace(name) == "" || strings.Contains(name, ".") {
			return fmt.Errorf("invalid api collection name %q", name)
		}
		if strings.TrimSpace(c.BaseURL) == "" {
			return fmt.Errorf("api collection %q has no base_url", name)
		}
		for api, def := range c.APIs {
			if strings.TrimSpace(api) == "" {
				return fmt.Errorf("api collection %q has an api with empty name", name)
			}
			for i, a := range def.Expected.Assertions {
				if strings.TrimSpace(a.Path) == "" || strings.TrimSpace(a.Condition) == "" {
					return fmt.Errorf("api %s.%s assertion %d needs a path and a condition", name, api, i+1)
				}
			}
		}
	}
	return nil
}

// ParseDirectory parses every definitions file in dir (config files are
// skipped) and merges them in file name order
func ParseDirectory(dir string) (*Definitions, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if strings.TrimSuffix(name, ext) == "config" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)

	merged := &Definitions{SourcePath: dir}
	for _, f := range files {
		defs, err := ParseFile(f)
		if err != nil {
			return nil, err
		}
		if err := merged.Merge(defs); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func wrapParseError(path string, err error) error {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "yaml: unmarshal errors:\n  ")
	return &ParseError{Path: path, Message: msg}
}
