package ir

import (
	"errors"
	"fmt"
)

// Error is the structured error shared by every Reach component.
//
// Codes map onto the failure taxonomy:
//   - PROTOCOL_VIOLATION, SECURITY_VIOLATION: hard, never retried
//   - LEASE_CONFLICT: stale lease token, no state was changed
//   - EXHAUSTED_RETRIES: job moved to dead_letter
//   - TIMEOUT: run deadline exceeded
//   - INTEGRITY_ERROR, REPLAY_MISMATCH: capsule verification failures
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run, when known.
	RunID string

	// NodeID identifies the affected node, when known.
	NodeID string

	// JobID identifies the affected job, when known.
	JobID string

	// Err is the wrapped cause, if any.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeSecurityViolation ErrorCode = "SECURITY_VIOLATION"
	ErrCodeIntegrity         ErrorCode = "INTEGRITY_ERROR"
	ErrCodeLeaseConflict     ErrorCode = "LEASE_CONFLICT"
	ErrCodeExhaustedRetries  ErrorCode = "EXHAUSTED_RETRIES"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeNoRoute           ErrorCode = "NO_ROUTE"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeReplayMismatch    ErrorCode = "REPLAY_MISMATCH"
	ErrCodeQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.RunID != "" && e.NodeID != "":
		msg = fmt.Sprintf("%s (run=%s, node=%s)", msg, e.RunID, e.NodeID)
	case e.RunID != "":
		msg = fmt.Sprintf("%s (run=%s)", msg, e.RunID)
	case e.JobID != "":
		msg = fmt.Sprintf("%s (job=%s)", msg, e.JobID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsHard reports whether err must skip retries: protocol and security
// violations are fatal for the run.
func IsHard(err error) bool {
	switch CodeOf(err) {
	case ErrCodeProtocolViolation, ErrCodeSecurityViolation:
		return true
	}
	return false
}

// IsLeaseConflict reports whether err is a stale lease token rejection.
func IsLeaseConflict(err error) bool { return HasCode(err, ErrCodeLeaseConflict) }

// IsIntegrity reports whether err is a capsule integrity failure.
func IsIntegrity(err error) bool { return HasCode(err, ErrCodeIntegrity) }

// IsNotFound reports whether err is a missing record.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// NewProtocolViolation creates a hard protocol error.
func NewProtocolViolation(format string, args ...any) *Error {
	return Errorf(ErrCodeProtocolViolation, format, args...)
}

// NewSecurityViolation creates a hard security error.
func NewSecurityViolation(format string, args ...any) *Error {
	return Errorf(ErrCodeSecurityViolation, format, args...)
}

// NewIntegrityError creates a capsule integrity error.
func NewIntegrityError(format string, args ...any) *Error {
	return Errorf(ErrCodeIntegrity, format, args...)
}

// NewLeaseConflict reports a stale or mismatched lease token.
func NewLeaseConflict(jobID string) *Error {
	return &Error{Code: ErrCodeLeaseConflict, Message: "lease token is stale or does not match", JobID: jobID}
}

// NewExhaustedRetries reports a job moved to dead_letter.
func NewExhaustedRetries(jobID string, attempts int) *Error {
	return &Error{
		Code:    ErrCodeExhaustedRetries,
		Message: fmt.Sprintf("job failed %d attempts and was moved to dead_letter", attempts),
		JobID:   jobID,
	}
}
