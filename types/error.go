package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrInvalidInput marks empty/whitespace user text, rejected before any
	// side effect.
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrNotReady marks a missing or unusable model credential.
	ErrNotReady ErrorCode = "NOT_READY"
	// ErrRateLimited marks a transient upstream rate limit; retried with
	// backoff.
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	// ErrDailyQuotaExceeded marks daily-quota exhaustion; fatal for the
	// remainder of the day, never retried.
	ErrDailyQuotaExceeded ErrorCode = "DAILY_QUOTA_EXCEEDED"
	// ErrBlocked marks a response withheld by the provider's safety filter.
	ErrBlocked ErrorCode = "BLOCKED"
	// ErrEmptyResponse marks an empty/whitespace model reply; a non-fatal
	// per-agent anomaly.
	ErrEmptyResponse ErrorCode = "EMPTY_RESPONSE"
	// ErrExhausted marks a call that failed after all retry attempts.
	ErrExhausted ErrorCode = "EXHAUSTED"
	// ErrUpstream marks any other call failure; not retried by default.
	ErrUpstream ErrorCode = "UPSTREAM_ERROR"
	// ErrTurnInFlight marks an overlapping RunTurn; a new turn must not
	// start while one is running.
	ErrTurnInFlight ErrorCode = "TURN_IN_FLIGHT"
)

// Error is a structured error with code, message, and retry metadata.
// Classification happens at the provider boundary adapter; everything above
// it inspects codes, never message text.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Retryable marks errors the retry controller may attempt again.
	Retryable bool `json:"retryable"`
	// RetryAfter carries a server-suggested delay when the provider sent
	// one; zero otherwise.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// BlockReason carries the safety-filter reason for ErrBlocked.
	BlockReason string `json:"block_reason,omitempty"`
	Cause       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewRateLimitedError creates a retryable rate-limit error with an optional
// server-suggested delay.
func NewRateLimitedError(message string, retryAfter time.Duration) *Error {
	return &Error{Code: ErrRateLimited, Message: message, Retryable: true, RetryAfter: retryAfter}
}

// NewDailyQuotaError creates a non-retryable daily-quota error.
func NewDailyQuotaError(message string) *Error {
	return &Error{Code: ErrDailyQuotaExceeded, Message: message}
}

// NewBlockedError creates a safety-filter error carrying the block reason.
func NewBlockedError(reason string) *Error {
	return &Error{Code: ErrBlocked, Message: "response blocked by safety filter", BlockReason: reason}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsCode checks whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// RetryAfterOf returns the server-suggested delay attached to err, or zero.
func RetryAfterOf(err error) time.Duration {
	if e, ok := AsError(err); ok {
		return e.RetryAfter
	}
	return 0
}
