package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrNoReply,
		Message: "no reply before timeout",
	}

	expected := "no_reply: no reply before timeout"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := NewRateLimitedError("turn submitted within cooldown", "cooldown", 35)

	expected := "rate_limited: turn submitted within cooldown (code: cooldown)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
	if err.RetryAfter == nil || *err.RetryAfter != 35 {
		t.Errorf("RetryAfter = %v, want 35", err.RetryAfter)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewConnectError("establishing agent stream", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is does not reach the cause")
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("submitting turn: %w", NewTurnSupersededError())

	if !IsType(err, ErrTurnSuperseded) {
		t.Error("IsType missed a wrapped error")
	}
	if IsType(err, ErrBackend) {
		t.Error("IsType matched the wrong type")
	}
	if IsType(nil, ErrBackend) {
		t.Error("IsType matched nil")
	}
	if IsType(errors.New("plain"), ErrBackend) {
		t.Error("IsType matched a plain error")
	}
}
