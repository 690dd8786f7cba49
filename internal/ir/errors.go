package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures crossing component boundaries.
type ErrorCode string

const (
	// ErrCodeVersionConflict means the expected version was stale. Retryable
	// after re-reading and re-deriving.
	ErrCodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// ErrCodePolicyDenied means the principal may not perform the operation.
	// Never retried.
	ErrCodePolicyDenied ErrorCode = "POLICY_DENIED"

	// ErrCodeValidation means the request is malformed or fails its schema.
	// Not retryable until corrected.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeIntegrityFault means replay disagreed with stored state. The
	// aggregate is quarantined pending human review.
	ErrCodeIntegrityFault ErrorCode = "INTEGRITY_FAULT"

	// ErrCodeTransientIO means storage or network was briefly unavailable.
	// Retryable with backoff.
	ErrCodeTransientIO ErrorCode = "TRANSIENT_IO"
)

// Error is the typed error shared by the store, engine, server and offline
// client. Structured fields survive transport so clients can act on them.
type Error struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	AggregateID string    `json:"aggregate_id,omitempty"`
	EventID     string    `json:"event_id,omitempty"`

	// Expected and Current are set for version conflicts.
	Expected int64 `json:"expected_version,omitempty"`
	Current  int64 `json:"current_version,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.AggregateID != "" {
		msg += fmt.Sprintf(" (aggregate=%s)", e.AggregateID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a caller may retry the same intent.
// Version conflicts need a re-derivation first; transient errors only a delay.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeVersionConflict, ErrCodeTransientIO:
		return true
	default:
		return false
	}
}

// IsVersionConflict reports whether err is a version conflict.
func IsVersionConflict(err error) bool {
	return CodeOf(err) == ErrCodeVersionConflict
}

// IsPolicyDenied reports whether err is an authorization failure.
func IsPolicyDenied(err error) bool {
	return CodeOf(err) == ErrCodePolicyDenied
}

// NewVersionConflict reports a stale expected version.
func NewVersionConflict(aggregateID string, expected, current int64) *Error {
	return &Error{
		Code:        ErrCodeVersionConflict,
		Message:     fmt.Sprintf("expected version %d but aggregate is at %d", expected, current),
		AggregateID: aggregateID,
		Expected:    expected,
		Current:     current,
	}
}

// NewPolicyDenied reports an authorization failure with the policy's reason.
func NewPolicyDenied(aggregateID, reason string) *Error {
	return &Error{
		Code:        ErrCodePolicyDenied,
		Message:     reason,
		AggregateID: aggregateID,
	}
}

// NewValidationError reports a malformed or schema-invalid request.
func NewValidationError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewIntegrityFault reports a replay mismatch or a quarantined aggregate.
func NewIntegrityFault(aggregateID, message string) *Error {
	return &Error{
		Code:        ErrCodeIntegrityFault,
		Message:     message,
		AggregateID: aggregateID,
	}
}

// NewTransientIO wraps a storage or network failure that may succeed later.
func NewTransientIO(message string, err error) *Error {
	return &Error{
		Code:    ErrCodeTransientIO,
		Message: message,
		Err:     err,
	}
}

// ErrNotFound is returned when an aggregate or grant does not exist.
var ErrNotFound = errors.New("not found")
