package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Detector locates a target within a captured screen state.
// Implementations: XPath (page source), image template, OCR text
type Detector interface {
	// Name is the detection source name used in session config
	Name() string

	// Needs reports which capture parts Locate reads
	Needs() CaptureRequest

	// Supports reports whether the detector can handle a target kind
	Supports(kind TargetKind) bool

	// Locate returns every candidate for target in the detector's
	// natural order. An empty result without error means not found
	Locate(ctx context.Context, target Target, state *ScreenState) ([]Match, error)
}

// TargetKind is the kind of identifier a Target holds
type TargetKind int

const (
	TargetXPath TargetKind = iota
	TargetImage
	TargetText
)

// String returns the string representation of TargetKind
func (k TargetKind) String() string {
	switch k {
	case TargetXPath:
		return "xpath"
	case TargetImage:
		return "image"
	case TargetText:
		return "text"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k TargetKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Target is one way of identifying an element
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

func (t Target) String() string {
	return t.Kind.String() + ":" + t.Value
}

// ElementDescriptor specifies what to resolve. It is immutable: build it
// with NewDescriptor and derive variants with WithIndex
type ElementDescriptor struct {
	name    string
	targets []Target
	index   int
}

// NewDescriptor creates a descriptor over the given targets
func NewDescriptor(name string, index int, targets ...Target) ElementDescriptor {
	return ElementDescriptor{
		name:    name,
		targets: append([]Target(nil), targets...),
		index:   index,
	}
}

// Name returns the element name or raw identifier
func (d ElementDescriptor) Name() string { return d.name }

// Index returns which candidate to pick
func (d ElementDescriptor) Index() int { return d.index }

// Targets returns a copy of all targets
func (d ElementDescriptor) Targets() []Target {
	return append([]Target(nil), d.targets...)
}

// TargetsFor returns the targets a detector can handle, in order
func (d ElementDescriptor) TargetsFor(det Detector) []Target {
	var res []Target
	for _, t := range d.targets {
		if det.Supports(t.Kind) {
			res = append(res, t)
		}
	}
	return res
}

// WithIndex returns a copy selecting a different candidate
func (d ElementDescriptor) WithIndex(index int) ElementDescriptor {
	return NewDescriptor(d.name, index, d.targets...)
}

// IsZero reports whether the descriptor has no targets
func (d ElementDescriptor) IsZero() bool {
	return len(d.targets) == 0
}

func (d ElementDescriptor) String() string {
	parts := make([]string, len(d.targets))
	for i, t := range d.targets {
		parts[i] = t.String()
	}
	s := fmt.Sprintf("%q(%s)", d.name, strings.Join(parts, ", "))
	if d.index > 0 {
		s += fmt.Sprintf("[%d]", d.index)
	}
	return s
}

// Match is a resolved location, valid only for the capture it came from
type Match struct {
	Bounds     Bounds    `json:"bounds"`
	Point      Point     `json:"point"`
	Strategy   string    `json:"strategy"`
	Confidence float64   `json:"confidence"`
	Text       string    `json:"text,omitempty"`
	Target     Target    `json:"target"`
	CaptureID  uint64    `json:"captureId"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMatch builds a match centred on bounds
func NewMatch(b Bounds, confidence float64) Match {
	return Match{
		Bounds:     b,
		Point:      b.Center(),
		Confidence: confidence,
	}
}

// OutcomeKind classifies a StrategyOutcome
type OutcomeKind int

const (
	OutcomeNotFound OutcomeKind = iota
	OutcomeFound
	OutcomeErrored
)

// String returns the string representation of OutcomeKind
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFound:
		return "found"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StrategyOutcome records one detector attempt within one cycle
type StrategyOutcome struct {
	Detector  string        `json:"detector"`
	Cycle     int           `json:"cycle"`
	CaptureID uint64        `json:"captureId"`
	Kind      OutcomeKind   `json:"kind"`
	Match     *Match        `json:"match,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Err       error         `json:"-"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (o StrategyOutcome) String() string {
	switch o.Kind {
	case OutcomeFound:
		return fmt.Sprintf("%s: found at (%d,%d)", o.Detector, o.Match.Point.X, o.Match.Point.Y)
	case OutcomeErrored:
		return fmt.Sprintf("%s: errored: %s", o.Detector, o.Reason)
	default:
		if o.Reason != "" {
			return fmt.Sprintf("%s: not found (%s)", o.Detector, o.Reason)
		}
		return o.Detector + ": not found"
	}
}
