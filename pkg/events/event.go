// Package events provides the per-session ordered event stream that backs
// the SSE and WebSocket interfaces
package events

import "time"

// Type identifies an event
type Type string

const (
	SessionCreated       Type = "SessionCreated"
	SessionStatusChanged Type = "SessionStatusChanged"
	ActionStarted        Type = "ActionStarted"
	ElementResolved      Type = "ElementResolved"
	DetectorFallback     Type = "DetectorFallback"
	ActionCompleted      Type = "ActionCompleted"
	SessionTerminated    Type = "SessionTerminated"
)

// Event is a timestamped notification about exactly one session
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event with its payload; Seq and Timestamp are assigned
// by the Bus
func New(typ Type, data map[string]any) Event {
	return Event{Type: typ, Data: data}
}

// Publisher is the publishing half of the Bus
type Publisher interface {
	Publish(sessionID string, ev Event) bool
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(sessionID string, ev Event) bool

// Publish implements Publisher
func (f PublisherFunc) Publish(sessionID string, ev Event) bool {
	return f(sessionID, ev)
}
