package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType classifies every failure the pool can surface
type ErrorType string

const (
	ErrorTypeTransient          ErrorType = "transient"
	ErrorTypeRateLimited        ErrorType = "rate_limited"
	ErrorTypeRateExceeded       ErrorType = "rate_exceeded"
	ErrorTypeAuth               ErrorType = "auth"
	ErrorTypeBanned             ErrorType = "banned"
	ErrorTypeNoEligibleIdentity ErrorType = "no_eligible_identity"
	ErrorTypeNoHealthyProxy     ErrorType = "no_healthy_proxy"
	ErrorTypeExhaustedRetries   ErrorType = "exhausted_retries"
	ErrorTypeCancelled          ErrorType = "cancelled"
)

// Error is a classified pool error. Every terminal error carries the
// identity and proxy involved (if any) for diagnosability.
type Error struct {
	Type       ErrorType
	IdentityID string
	ProxyID    string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error: %s", e.Type, e.Message)
	if e.IdentityID != "" {
		msg += fmt.Sprintf(" (identity=%s)", e.IdentityID)
	}
	if e.ProxyID != "" {
		msg += fmt.Sprintf(" (proxy=%s)", e.ProxyID)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %s", e.Err.Error())
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Wrap creates a classified error wrapping an underlying cause
func Wrap(errType ErrorType, message string, err error) *Error {
	return &Error{Type: errType, Message: message, Err: err}
}

// WithIdentity returns a copy of the error annotated with the identity involved
func (e *Error) WithIdentity(id string) *Error {
	clone := *e
	clone.IdentityID = id
	return &clone
}

// WithProxy returns a copy of the error annotated with the proxy involved
func (e *Error) WithProxy(id string) *Error {
	clone := *e
	clone.ProxyID = id
	return &clone
}

// TypeOf extracts the classification from an error chain.
// Unclassified errors report ErrorTypeTransient so callers never see an
// opaque failure. Exceeded deadlines are per-operation timeouts and stay
// transient; only explicit cancellation maps to ErrorTypeCancelled.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	return ErrorTypeTransient
}

// IsRetryable checks if an error type should be retried.
// Auth failures and bans are never retried: hammering a dead credential
// only raises suspicion on the platform side.
func IsRetryable(errType ErrorType) bool {
	switch errType {
	case ErrorTypeTransient, ErrorTypeRateLimited, ErrorTypeRateExceeded:
		return true
	default:
		return false
	}
}

// Outcome is the result classification reported when a lease is released
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeAuthFailure    Outcome = "auth_failure"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeBanned         Outcome = "banned"
	OutcomeCancelled      Outcome = "cancelled"
)

// ClassifyOutcome maps an error from a fetch operation to a lease outcome.
// Timeouts count as transient, not as auth failures.
func ClassifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch TypeOf(err) {
	case ErrorTypeRateLimited, ErrorTypeRateExceeded:
		return OutcomeRateLimited
	case ErrorTypeAuth:
		return OutcomeAuthFailure
	case ErrorTypeBanned:
		return OutcomeBanned
	case ErrorTypeCancelled:
		return OutcomeCancelled
	default:
		return OutcomeTransientError
	}
}
