package core

import "fmt"

// ExecutionStatus is the outcome of one keyword invocation
type ExecutionStatus int

const (
	StatusSuccess ExecutionStatus = iota // Keyword completed as expected
	StatusFailure                        // Expected behavior didn't occur (element missing, assertion)
	StatusError                          // Unexpected error (driver, configuration, timeout)
)

// String returns the wire representation of ExecutionStatus
func (s ExecutionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status is SUCCESS
func (s ExecutionStatus) IsSuccess() bool {
	return s == StatusSuccess
}

// MarshalText implements encoding.TextMarshaler
func (s ExecutionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *ExecutionStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "SUCCESS":
		*s = StatusSuccess
	case "FAILURE":
		*s = StatusFailure
	case "ERROR":
		*s = StatusError
	default:
		return fmt.Errorf("unknown execution status %q", string(b))
	}
	return nil
}

// SessionStatus is the lifecycle state of a session
type SessionStatus int

const (
	SessionCreated    SessionStatus = iota // Built, not yet accepting work
	SessionRunning                         // A keyword is executing
	SessionIdle                            // Ready, nothing in flight
	SessionTerminated                      // Resources released, id retired
)

// String returns the string representation of SessionStatus
func (s SessionStatus) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionRunning:
		return "running"
	case SessionIdle:
		return "idle"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the session can no longer be used
func (s SessionStatus) IsTerminal() bool {
	return s == SessionTerminated
}

// MarshalText implements encoding.TextMarshaler
func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *SessionStatus) UnmarshalText(b []byte) error {
	for _, st := range []SessionStatus{SessionCreated, SessionRunning, SessionIdle, SessionTerminated} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", string(b))
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryAssertion                       // Element not found, presence check failed
	ErrCategoryTimeout                         // Operation timed out
	ErrCategoryConnection                      // Device/server connection lost
	ErrCategoryConfig                          // Invalid configuration, missing required field
	ErrCategorySession                         // Unknown, terminated or busy session
	ErrCategoryEvaluation                      // Malformed expression or data query
	ErrCategoryDriver                          // Action/device failure
	ErrCategoryInput                           // Bad keyword parameters
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryAssertion:
		return "assertion"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryConfig:
		return "config"
	case ErrCategorySession:
		return "session"
	case ErrCategoryEvaluation:
		return "evaluation"
	case ErrCategoryDriver:
		return "driver"
	case ErrCategoryInput:
		return "input"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *ErrorCategory) UnmarshalText(b []byte) error {
	for cat := ErrCategoryNone; cat <= ErrCategoryInput; cat++ {
		if cat.String() == string(b) {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("unknown error category %q", string(b))
}
