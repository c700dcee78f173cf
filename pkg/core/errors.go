package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string         // Machine-readable code: element_not_found, timeout, etc.
	Message  string         // Human-readable message
	Details  map[string]any // Additional context
	Cause    error          // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError carrying the same code, so copies made
// with WithCause/WithMessage still match their predefined error
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithMessagef is WithMessage with formatting
func (e *ExecutionError) WithMessagef(format string, args ...any) *ExecutionError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]any) *ExecutionError {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Assertion errors
	ErrElementNotFound = &ExecutionError{
		Category: ErrCategoryAssertion,
		Code:     "element_not_found",
		Message:  "element not found",
	}
	ErrAssertion = &ExecutionError{
		Category: ErrCategoryAssertion,
		Code:     "assertion_failed",
		Message:  "assertion failed",
	}

	// Timeout errors
	ErrTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "timeout",
		Message:  "operation timed out",
	}

	// Connection errors
	ErrDeviceDisconnected = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "device_disconnected",
		Message:  "device connection lost",
	}

	// Config errors
	ErrConfiguration = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}

	// Session errors
	ErrSessionNotFound = &ExecutionError{
		Category: ErrCategorySession,
		Code:     "session_not_found",
		Message:  "session not found",
	}
	ErrSessionTerminated = &ExecutionError{
		Category: ErrCategorySession,
		Code:     "session_terminated",
		Message:  "session terminated",
	}
	ErrSessionBusy = &ExecutionError{
		Category: ErrCategorySession,
		Code:     "session_busy",
		Message:  "session has too many pending requests",
	}

	// Evaluation errors
	ErrEvaluation = &ExecutionError{
		Category: ErrCategoryEvaluation,
		Code:     "evaluation_error",
		Message:  "expression evaluation failed",
	}
	ErrDataSource = &ExecutionError{
		Category: ErrCategoryEvaluation,
		Code:     "data_source_error",
		Message:  "could not read data source",
	}

	// Driver errors
	ErrDriver = &ExecutionError{
		Category: ErrCategoryDriver,
		Code:     "driver_error",
		Message:  "driver action failed",
	}
	ErrStaleMatch = &ExecutionError{
		Category: ErrCategoryDriver,
		Code:     "stale_match",
		Message:  "match belongs to an earlier screen capture",
	}

	// Input errors
	ErrInvalidArgument = &ExecutionError{
		Category: ErrCategoryInput,
		Code:     "invalid_argument",
		Message:  "invalid keyword argument",
	}
	ErrUnknownKeyword = &ExecutionError{
		Category: ErrCategoryInput,
		Code:     "unknown_keyword",
		Message:  "unknown keyword",
	}
	ErrIndexOutOfRange = &ExecutionError{
		Category: ErrCategoryInput,
		Code:     "index_out_of_range",
		Message:  "index out of range",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// ElementNotFoundError is returned when resolution is exhausted. It carries
// every detector outcome of every cycle
type ElementNotFoundError struct {
	Descriptor ElementDescriptor
	Outcomes   []StrategyOutcome
	Cycles     int
	Elapsed    time.Duration
}

func (e *ElementNotFoundError) Error() string {
	var reasons []string
	for _, o := range e.Outcomes {
		if o.Cycle != e.Cycles {
			continue
		}
		reasons = append(reasons, o.String())
	}
	msg := fmt.Sprintf("element %s not found after %d cycle(s) in %s",
		e.Descriptor, e.Cycles, e.Elapsed.Round(time.Millisecond))
	if len(reasons) > 0 {
		msg += " [" + strings.Join(reasons, "; ") + "]"
	}
	return msg
}

// Unwrap lets errors.Is match ErrElementNotFound
func (e *ElementNotFoundError) Unwrap() error {
	return ErrElementNotFound
}

// CategoryOf returns the category of the first ExecutionError in err's chain
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryNone
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Category
	}
	if errors.Is(err, ErrElementNotFound) {
		return ErrCategoryAssertion
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCategoryTimeout
	}
	return ErrCategoryNone
}

// CodeOf returns the machine-readable code for err, or "internal"
func CodeOf(err error) string {
	var nf *ElementNotFoundError
	if errors.As(err, &nf) {
		return ErrElementNotFound.Code
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.Code
	}
	return "internal"
}

// StatusFromError maps an error to the keyword status it produces
func StatusFromError(err error) ExecutionStatus {
	if err == nil {
		return StatusSuccess
	}
	if CategoryOf(err) == ErrCategoryAssertion {
		return StatusFailure
	}
	return StatusError
}

// TimeoutFromContext converts a finished context into the error a caller
// should see: the cancel cause when one was set, ErrTimeout for deadlines
func TimeoutFromContext(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrTimeout.WithCause(cause)
	default:
		return cause
	}
}
