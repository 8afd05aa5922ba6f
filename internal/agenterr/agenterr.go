// Package agenterr defines the typed error taxonomy shared across the
// session core, grounded on the teacher's internal/permission.RejectedError
// pattern of carrying structured fields rather than bare formatted strings.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy purposes.
type Kind string

const (
	// KindValidation covers malformed input: never retried, reported to the caller.
	KindValidation Kind = "validation"
	// KindAuthentication covers unknown OAuth methods, expired tokens, CSRF-shaped state mismatches.
	KindAuthentication Kind = "authentication"
	// KindCapability covers sandbox/supervisor denials, surfaced as tool-result errors.
	KindCapability Kind = "capability"
	// KindTransient covers mesh lookup misses and event-stream lag; safe to retry with backoff.
	KindTransient Kind = "transient"
	// KindProtocol covers malformed ACP requests and unknown ext_method names.
	KindProtocol Kind = "protocol"
	// KindFatal covers sandbox init failure, store corruption, mesh bootstrap failure.
	KindFatal Kind = "fatal"
)

// Error is the common typed error carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a Kind sentinel produced by New.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Authentication(format string, args ...any) *Error {
	return New(KindAuthentication, fmt.Sprintf(format, args...))
}

func Capability(format string, args ...any) *Error {
	return New(KindCapability, fmt.Sprintf(format, args...))
}

func Transient(format string, args ...any) *Error {
	return New(KindTransient, fmt.Sprintf(format, args...))
}

func Protocol(format string, args ...any) *Error {
	return New(KindProtocol, fmt.Sprintf(format, args...))
}

func Fatal(format string, args ...any) *Error {
	return New(KindFatal, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
