package core

import (
	"encoding/json"
	"testing"
)

func TestExecutionStatus_String(t *testing.T) {
	tests := []struct {
		status   ExecutionStatus
		expected string
	}{
		{StatusSuccess, "SUCCESS"},
		{StatusFailure, "FAILURE"},
		{StatusError, "ERROR"},
		{ExecutionStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("ExecutionStatus(%d).String() = %q, want %q", tt.status, got, tt.expected)
		}
	}
}

func TestExecutionStatus_TextRoundTrip(t *testing.T) {
	for _, s := range []ExecutionStatus{StatusSuccess, StatusFailure, StatusError} {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", s, err)
		}
		var got ExecutionStatus
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", b, err)
		}
		if got != s {
			t.Errorf("round trip = %s, want %s", got, s)
		}
	}

	var s ExecutionStatus
	if err := s.UnmarshalText([]byte("MAYBE")); err == nil {
		t.Error("UnmarshalText(MAYBE) should fail")
	}
}

func TestSessionStatus(t *testing.T) {
	tests := []struct {
		status   SessionStatus
		expected string
		terminal bool
	}{
		{SessionCreated, "created", false},
		{SessionRunning, "running", false},
		{SessionIdle, "idle", false},
		{SessionTerminated, "terminated", true},
		{SessionStatus(42), "unknown", false},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("SessionStatus(%d).String() = %q, want %q", tt.status, got, tt.expected)
		}
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("SessionStatus(%s).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestErrorCategory_String(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		expected string
	}{
		{ErrCategoryNone, "none"},
		{ErrCategoryAssertion, "assertion"},
		{ErrCategoryTimeout, "timeout"},
		{ErrCategoryConnection, "connection"},
		{ErrCategoryConfig, "config"},
		{ErrCategorySession, "session"},
		{ErrCategoryEvaluation, "evaluation"},
		{ErrCategoryDriver, "driver"},
		{ErrCategoryInput, "input"},
		{ErrorCategory(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.category.String(); got != tt.expected {
			t.Errorf("ErrorCategory(%d).String() = %q, want %q", tt.category, got, tt.expected)
		}
	}
}
