package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that branch on failure class
type Kind string

const (
	KindInvalidInput            Kind = "INVALID_INPUT"
	KindUnauthorized            Kind = "UNAUTHORIZED"
	KindNotFound                Kind = "NOT_FOUND"
	KindConflict                Kind = "CONFLICT"
	KindRateLimited             Kind = "RATE_LIMITED"
	KindPolicyViolation         Kind = "POLICY_VIOLATION"
	KindKillSwitchActive        Kind = "KILL_SWITCH_ACTIVE"
	KindMarketClosed            Kind = "MARKET_CLOSED"
	KindInsufficientBuyingPower Kind = "INSUFFICIENT_BUYING_POWER"
	KindNotSupported            Kind = "NOT_SUPPORTED"
	KindProviderError           Kind = "PROVIDER_ERROR"
	KindInternal                Kind = "INTERNAL_ERROR"
)

// Error carries a kind alongside the message so adapters and the HTTP edge
// can map failures without string matching
type Error struct {
	ErrKind Kind
	Msg     string
	Cause   error
}

// New creates a typed error
func New(kind Kind, msg string) *Error {
	return &Error{ErrKind: kind, Msg: msg}
}

// Newf creates a typed error with formatting
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{ErrKind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{ErrKind: kind, Msg: msg, Cause: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrKind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Msg)
}

// Unwrap exposes the cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the kind from an error chain, defaulting to INTERNAL_ERROR
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ErrKind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a provider error is worth retrying
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindProviderError:
		return true
	default:
		return false
	}
}
