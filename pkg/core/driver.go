// Package core provides the shared execution model for optics-runner:
// descriptors, matches, outcomes, results, errors and the collaborator
// interfaces implemented by drivers, screen sources and detectors
package core

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	// Registers decoders used by ScreenState.Image
	_ "image/jpeg"
	_ "image/png"
)

// ActionDriver performs a physical or virtual input action.
// Implementations: Appium, hardware coordinate input, mock
type ActionDriver interface {
	// Name is the driver source name (appium, hardware, mock)
	Name() string

	// Perform executes action. m is the resolved target, nil for
	// coordinate-only actions
	Perform(ctx context.Context, action Action, m *Match) error

	// Close releases the underlying device or server session
	Close() error
}

// ScreenSource obtains the current screen state on demand
type ScreenSource interface {
	Name() string

	// Capture takes one snapshot holding the requested parts
	Capture(ctx context.Context, req CaptureRequest) (*ScreenState, error)

	// Provides reports which parts this source can capture
	Provides() CaptureRequest

	Close() error
}

// CaptureRequest selects the parts of a screen state to capture
type CaptureRequest struct {
	Screenshot bool `json:"screenshot"`
	Source     bool `json:"source"`
}

// Merge returns the union of both requests
func (r CaptureRequest) Merge(o CaptureRequest) CaptureRequest {
	return CaptureRequest{
		Screenshot: r.Screenshot || o.Screenshot,
		Source:     r.Source || o.Source,
	}
}

// Satisfies reports whether r provides every part o asks for
func (r CaptureRequest) Satisfies(o CaptureRequest) bool {
	return (r.Screenshot || !o.Screenshot) && (r.Source || !o.Source)
}

// ScreenState is one capture of the device screen
type ScreenState struct {
	CaptureID  uint64    `json:"captureId"`
	CapturedAt time.Time `json:"capturedAt"`
	Screenshot []byte    `json:"-"` // PNG or JPEG bytes
	Source     string    `json:"-"` // UI tree document (XML)

	decodeOnce sync.Once
	decoded    image.Image
	decodeErr  error
}

// Image decodes the screenshot once and caches the result
func (s *ScreenState) Image() (image.Image, error) {
	s.decodeOnce.Do(func() {
		if len(s.Screenshot) == 0 {
			s.decodeErr = fmt.Errorf("capture %d has no screenshot", s.CaptureID)
			return
		}
		s.decoded, _, s.decodeErr = image.Decode(bytes.NewReader(s.Screenshot))
	})
	return s.decoded, s.decodeErr
}

// Size returns the screenshot dimensions
func (s *ScreenState) Size() (int, int, error) {
	img, err := s.Image()
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// ActionKind identifies an input action
type ActionKind int

const (
	ActionTap ActionKind = iota
	ActionLongPress
	ActionSwipe
	ActionType
	ActionClear
	ActionKey
	ActionLaunchApp
	ActionTerminateApp
)

// String returns the string representation of ActionKind
func (k ActionKind) String() string {
	switch k {
	case ActionTap:
		return "tap"
	case ActionLongPress:
		return "long_press"
	case ActionSwipe:
		return "swipe"
	case ActionType:
		return "type"
	case ActionClear:
		return "clear"
	case ActionKey:
		return "key"
	case ActionLaunchApp:
		return "launch_app"
	case ActionTerminateApp:
		return "terminate_app"
	default:
		return "unknown"
	}
}

// Action is an input request for an ActionDriver
type Action struct {
	Kind     ActionKind
	Point    Point         // Absolute point for coordinate actions
	Offset   Point         // Applied to the match point when a match is given
	End      Point         // Swipe end point
	Text     string        // Text to type
	KeyCode  int           // Key to press
	AppID    string        // Bundle ID / package name
	Repeat   int           // Tap repetitions, 0 means once
	Duration time.Duration // Press or swipe duration
}

// TargetPoint returns where the action lands given an optional match
func (a Action) TargetPoint(m *Match) Point {
	if m == nil {
		return a.Point
	}
	return m.Point.Add(a.Offset)
}

// Times returns the number of repetitions, at least one
func (a Action) Times() int {
	return max(a.Repeat, 1)
}

// Point is a screen coordinate in pixels
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Add returns p translated by o
func (p Point) Add(o Point) Point {
	return Point{X: p.X + o.X, Y: p.Y + o.Y}
}

// Bounds represents element position and size
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Contains checks if a point is within the bounds
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.X && p.X < b.X+b.Width && p.Y >= b.Y && p.Y < b.Y+b.Height
}

// Empty reports whether the bounds cover no area
func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// InteractiveElement is an element listed for state retrieval
type InteractiveElement struct {
	ID         string            `json:"id,omitempty"`
	Text       string            `json:"text,omitempty"`
	Class      string            `json:"class,omitempty"`
	Bounds     Bounds            `json:"bounds"`
	Enabled    bool              `json:"enabled"`
	Clickable  bool              `json:"clickable"`
	XPath      string            `json:"xpath,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
