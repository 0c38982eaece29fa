package core

import (
	"errors"
	"fmt"
)

// Error is the canonical bridge error. Per-turn failures leave the
// session reusable; only connection-fatal conditions close it.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`

	// RetryAfter is set for rate-limit denials: seconds the caller
	// must wait before the next turn can be accepted.
	RetryAfter *int `json:"retry_after,omitempty"`

	// Err is the underlying cause, when one exists.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorType categorizes bridge errors.
type ErrorType string

const (
	// ErrConnect is a transport or auth failure establishing the
	// stream; surfaced from BeginSession and not silently retried
	// more than once.
	ErrConnect ErrorType = "connect_error"

	// ErrBackend is an explicit per-turn failure reported by the
	// agent service; the session stays Active.
	ErrBackend ErrorType = "backend_error"

	// ErrNoReply is the reply-wait timeout with no final text; the
	// session stays Active and partial state is discarded.
	ErrNoReply ErrorType = "no_reply"

	// ErrRateLimited is a quota or cooldown denial, surfaced before
	// any network I/O for the turn.
	ErrRateLimited ErrorType = "rate_limited"

	// ErrConnectionLost means the transport dropped mid-session; the
	// session is Closed and the caller must begin again.
	ErrConnectionLost ErrorType = "connection_lost"

	// ErrSessionEnded means End cancelled an outstanding turn.
	ErrSessionEnded ErrorType = "session_ended"

	// ErrNotActive rejects a turn submitted outside the Active state,
	// including when no session exists for the user.
	ErrNotActive ErrorType = "not_active"

	// ErrTurnSuperseded means an interruption invalidated the turn's
	// in-flight reply; its partial state was discarded.
	ErrTurnSuperseded ErrorType = "turn_superseded"

	// ErrTurnInFlight rejects a second concurrent turn for a session
	// that already has one outstanding.
	ErrTurnInFlight ErrorType = "turn_in_flight"

	// ErrSynthesis is a speech-synthesis service failure.
	ErrSynthesis ErrorType = "synthesis_error"
)

// NewConnectError creates a connect error wrapping its cause.
func NewConnectError(message string, cause error) *Error {
	return &Error{Type: ErrConnect, Message: message, Err: cause}
}

// NewBackendError creates a backend error carrying the agent's code.
func NewBackendError(message, code string) *Error {
	return &Error{Type: ErrBackend, Message: message, Code: code}
}

// NewNoReplyError creates a reply-timeout error.
func NewNoReplyError(message string) *Error {
	return &Error{Type: ErrNoReply, Message: message}
}

// NewRateLimitedError creates a rate-limit denial. code distinguishes
// "cooldown" from "quota".
func NewRateLimitedError(message, code string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimited, Message: message, Code: code, RetryAfter: &retryAfter}
}

// NewConnectionLostError creates a connection-lost error wrapping the
// transport cause.
func NewConnectionLostError(message string, cause error) *Error {
	return &Error{Type: ErrConnectionLost, Message: message, Err: cause}
}

// NewSessionEndedError creates a session-ended error.
func NewSessionEndedError() *Error {
	return &Error{Type: ErrSessionEnded, Message: "session ended"}
}

// NewNotActiveError creates a not-active error.
func NewNotActiveError(message string) *Error {
	return &Error{Type: ErrNotActive, Message: message}
}

// NewTurnSupersededError creates a superseded-turn error.
func NewTurnSupersededError() *Error {
	return &Error{Type: ErrTurnSuperseded, Message: "turn superseded by interruption"}
}

// NewTurnInFlightError creates a turn-in-flight error.
func NewTurnInFlightError() *Error {
	return &Error{Type: ErrTurnInFlight, Message: "a turn is already outstanding for this session"}
}

// NewSynthesisError creates a speech-synthesis failure wrapping its
// cause.
func NewSynthesisError(message string, cause error) *Error {
	return &Error{Type: ErrSynthesis, Message: message, Err: cause}
}

// IsType reports whether err is (or wraps) an *Error of the given type.
func IsType(err error, typ ErrorType) bool {
	var bridgeErr *Error
	if !errors.As(err, &bridgeErr) {
		return false
	}
	return bridgeErr.Type == typ
}
