package core

import (
	"errors"
	"time"
)

// ExecutionResult captures the outcome of one keyword invocation
type ExecutionResult struct {
	// Identity
	ExecutionID string   `json:"execution_id"`
	SessionID   string   `json:"session_id"`
	Keyword     string   `json:"keyword"`
	Params      []string `json:"params,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"` // Set for nested module invocations

	// Status
	Status ExecutionStatus `json:"status"`

	// Timing
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Output
	Data       any        `json:"data,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	Screenshot string     `json:"screenshot,omitempty"` // Diagnostic capture reference on failure

	// Err is the raw error, not serialized
	Err error `json:"-"`
}

// ErrorInfo is the serializable form of an error
type ErrorInfo struct {
	Code     string         `json:"code"`
	Category ErrorCategory  `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// NewErrorInfo describes err for API callers and the execution log
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Code:     CodeOf(err),
		Category: CategoryOf(err),
		Message:  err.Error(),
	}
	var nf *ElementNotFoundError
	if errors.As(err, &nf) {
		info.Details = map[string]any{
			"cycles":   nf.Cycles,
			"outcomes": nf.Outcomes,
		}
		return info
	}
	var ee *ExecutionError
	if errors.As(err, &ee) && len(ee.Details) > 0 {
		info.Details = ee.Details
	}
	return info
}

// Complete stamps the status, error and duration onto the result
func (r *ExecutionResult) Complete(data any, err error) *ExecutionResult {
	r.Data = data
	r.Err = err
	r.Status = StatusFromError(err)
	r.Error = NewErrorInfo(err)
	r.Duration = time.Since(r.StartedAt)
	return r
}
