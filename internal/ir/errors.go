package ir

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime errors for handling purposes.
type ErrorKind int

const (
	// KindValidation is a recoverable failure surfaced to the caller
	// (unknown collection, non-unique value, instance in use).
	KindValidation ErrorKind = iota

	// KindDefect is a programmer error: merging without a fork, using a
	// deleted handle, nesting forks. Not retried.
	KindDefect

	// KindExternal is a failure reported by an external service or the
	// codec boundary. Main state is never affected by one.
	KindExternal
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDefect:
		return "defect"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// ErrorCode identifies the error category.
type ErrorCode string

const (
	ErrCodeUnknownCollection     ErrorCode = "UNKNOWN_COLLECTION"
	ErrCodeUnknownResource       ErrorCode = "UNKNOWN_RESOURCE"
	ErrCodeNonUniqueValue        ErrorCode = "NON_UNIQUE_VALUE"
	ErrCodeResourceInstanceInUse ErrorCode = "RESOURCE_INSTANCE_IN_USE"
	ErrCodeInvalidOperator       ErrorCode = "INVALID_OPERATOR"
	ErrCodeReadOnly              ErrorCode = "READ_ONLY"
	ErrCodeWatermarkAhead        ErrorCode = "WATERMARK_AHEAD"
	ErrCodeInvalidWatermark      ErrorCode = "INVALID_WATERMARK"
	ErrCodeCycle                 ErrorCode = "CYCLE"
	ErrCodeStaleHandle           ErrorCode = "STALE_HANDLE"
	ErrCodeForkExists            ErrorCode = "FORK_EXISTS"
	ErrCodeNestedFork            ErrorCode = "NESTED_FORK"
	ErrCodeNoActiveFork          ErrorCode = "NO_ACTIVE_FORK"
	ErrCodeForkFailed            ErrorCode = "FORK_FAILED"
	ErrCodeServiceClosed         ErrorCode = "SERVICE_CLOSED"
	ErrCodeQuotaExceeded         ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeExternal              ErrorCode = "EXTERNAL"
)

// codeKinds fixes the classification of every code so call sites cannot
// disagree about whether a condition is a defect.
var codeKinds = map[ErrorCode]ErrorKind{
	ErrCodeUnknownCollection:     KindValidation,
	ErrCodeUnknownResource:       KindValidation,
	ErrCodeNonUniqueValue:        KindValidation,
	ErrCodeResourceInstanceInUse: KindValidation,
	ErrCodeInvalidOperator:       KindValidation,
	ErrCodeReadOnly:              KindValidation,
	ErrCodeWatermarkAhead:        KindValidation,
	ErrCodeInvalidWatermark:      KindValidation,
	ErrCodeCycle:                 KindDefect,
	ErrCodeStaleHandle:           KindDefect,
	ErrCodeForkExists:            KindDefect,
	ErrCodeNestedFork:            KindDefect,
	ErrCodeNoActiveFork:          KindDefect,
	ErrCodeForkFailed:            KindValidation,
	ErrCodeServiceClosed:         KindDefect,
	ErrCodeQuotaExceeded:         KindDefect,
	ErrCodeExternal:              KindExternal,
}

// Error is a classified runtime error.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Kind is derived from Code.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// Subject names the collection, resource instance, fork, or handle
	// the error is about, if any.
	Subject string

	// Err is the underlying cause, if any.
	Err error
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, subject string, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Kind:    codeKinds[code],
		Message: fmt.Sprintf(format, args...),
		Subject: subject,
	}
}

// WrapError classifies an underlying error under code.
func WrapError(code ErrorCode, subject string, err error) *Error {
	return &Error{
		Code:    code,
		Kind:    codeKinds[code],
		Message: err.Error(),
		Subject: subject,
		Err:     err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors with the same code, so errors.Is(err, &ir.Error{Code: c})
// works as a code test.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HasCode reports whether err is (or wraps) an Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsDefect reports whether err is classified as a programmer error.
func IsDefect(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindDefect
}

// IsValidation reports whether err is a recoverable validation failure.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValidation
}

// IsExternal reports whether err originated outside the engine.
func IsExternal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindExternal
}
