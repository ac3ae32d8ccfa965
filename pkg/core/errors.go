// Package core holds the shared data model of the habitus inference
// pipeline: normalized events, the coded error contract, PII redaction and
// the central configuration hierarchy.
package core

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error codes, stable machine-readable identifiers.
//
// These codes form part of the public contract between the core and its
// collaborators. Removing or renaming a code is a breaking change; adding
// new codes is always safe.
// ---------------------------------------------------------------------------

const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeThrottled      = "THROTTLED"
	CodeStorageFailure = "STORAGE_FAILURE"
	CodeCancelled      = "CANCELLED"
	CodeInternal       = "INTERNAL"
)

// Sentinel errors for the most common failure points. Coded errors wrap
// these so callers can branch with errors.Is without parsing codes.
var (
	ErrInvalidEvent    = errors.New("invalid event")
	ErrNodeNotFound    = errors.New("node not found")
	ErrCandidateExists = errors.New("candidate decision already exists")
	ErrMinerThrottled  = errors.New("miner run within cooldown")
	ErrStorageFailure  = errors.New("persistence failure")
	ErrStoreClosed     = errors.New("store is closed")
)

// Error is the coded error carried across component boundaries.
type Error struct {
	Code    string         // one of the Code* constants
	Message string         // short human-readable description
	Context map[string]any // optional machine-readable detail
	Wrapped error          // underlying cause, may be nil
}

// NewError creates a coded error with no wrapped cause.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a coded error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying error.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Wrapped: cause}
}

// WithContext returns a copy of the error carrying an extra context entry.
func (e *Error) WithContext(key string, value any) *Error {
	clone := *e
	clone.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value
	return &clone
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Code + ": " + e.Message + ": " + e.Wrapped.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// CodeOf extracts the machine-readable code from any error chain.
// Unrecognized errors map to CodeInternal; nil maps to "".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return CodeInvalidInput
	case errors.Is(err, ErrNodeNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCandidateExists):
		return CodeConflict
	case errors.Is(err, ErrMinerThrottled):
		return CodeThrottled
	case errors.Is(err, ErrStorageFailure), errors.Is(err, ErrStoreClosed):
		return CodeStorageFailure
	}
	return CodeInternal
}

// IsRetryable reports whether the error policy allows a single internal
// retry. Only storage failures qualify; Internal is never auto-retried.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeStorageFailure
}
