package locate

import (
	"strings"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

var imageExtensions = []string{".png", ".jpg", ".jpeg"}

// explicit prefixes override kind detection
var kindPrefixes = map[string]core.TargetKind{
	"xpath:": core.TargetXPath,
	"image:": core.TargetImage,
	"text:":  core.TargetText,
}

// ClassifyIdentifier decides what kind of target a raw identifier is.
// XPath expressions start with '/', './' or '(', image templates carry an
// image file extension and everything else is text
func ClassifyIdentifier(id string) core.TargetKind {
	s := strings.TrimSpace(id)
	switch {
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "("):
		return core.TargetXPath
	}
	lower := strings.ToLower(s)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return core.TargetImage
		}
	}
	return core.TargetText
}

// ParseTarget turns a raw identifier into a Target
func ParseTarget(id string) core.Target {
	s := strings.TrimSpace(id)
	for prefix, kind := range kindPrefixes {
		if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			return core.Target{Kind: kind, Value: strings.TrimSpace(s[len(prefix):])}
		}
	}
	return core.Target{Kind: ClassifyIdentifier(s), Value: s}
}

// NewDescriptor builds a descriptor from one or more identifiers
func NewDescriptor(name string, identifiers []string, index int) (core.ElementDescriptor, error) {
	var targets []core.Target
	for _, id := range identifiers {
		if strings.TrimSpace(id) == "" {
			continue
		}
		targets = append(targets, ParseTarget(id))
	}
	if len(targets) == 0 {
		return core.ElementDescriptor{}, core.ErrInvalidArgument.
			WithMessagef("element %q has no identifiers", name)
	}
	if index < 0 {
		return core.ElementDescriptor{}, core.ErrIndexOutOfRange.
			WithMessagef("negative index %d for element %q", index, name)
	}
	return core.NewDescriptor(name, index, targets...), nil
}
