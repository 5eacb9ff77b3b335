package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide how to react to it
// (reject, retry, degrade) without inspecting messages.
type Kind string

const (
	// KindValidation marks caller errors detected before touching storage.
	KindValidation Kind = "validation"
	// KindNotFound marks lookups of unknown identifiers.
	KindNotFound Kind = "not_found"
	// KindConflict marks concurrent-write contention and id collisions.
	KindConflict Kind = "conflict"
	// KindState marks invalid alert lifecycle transitions.
	KindState Kind = "state"
	// KindBackendUnavailable marks storage or transport failures.
	KindBackendUnavailable Kind = "backend_unavailable"
)

// Code is a stable machine-readable error identifier.
type Code string

// Error codes exposed to API clients.
const (
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeInvalidTimeRange       Code = "INVALID_TIME_RANGE"
	CodeTimeRangeTooWide       Code = "TIME_RANGE_TOO_WIDE"
	CodeInvalidPage            Code = "INVALID_PAGE"
	CodePageSizeOutOfRange     Code = "PAGE_SIZE_OUT_OF_RANGE"
	CodeInvalidField           Code = "INVALID_FIELD"
	CodeInvalidPattern         Code = "INVALID_PATTERN"
	CodeInvalidLevel           Code = "INVALID_LEVEL"
	CodeInvalidSeverity        Code = "INVALID_SEVERITY"
	CodeLogNotFound            Code = "LOG_NOT_FOUND"
	CodeAlertNotFound          Code = "ALERT_NOT_FOUND"
	CodeLogIDConflict          Code = "LOG_ID_CONFLICT"
	CodeAlertConflict          Code = "ALERT_CONFLICT"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeBackendUnavailable     Code = "BACKEND_UNAVAILABLE"
)

// Error is the error type returned by the engine for every classified failure.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors usable with errors.Is.
var (
	ErrLogNotFound            = &Error{Kind: KindNotFound, Code: CodeLogNotFound, Message: "log record not found"}
	ErrAlertNotFound          = &Error{Kind: KindNotFound, Code: CodeAlertNotFound, Message: "alert not found"}
	ErrLogIDConflict          = &Error{Kind: KindConflict, Code: CodeLogIDConflict, Message: "log record id already exists"}
	ErrAlertConflict          = &Error{Kind: KindConflict, Code: CodeAlertConflict, Message: "concurrent alert update"}
	ErrInvalidStateTransition = &Error{Kind: KindState, Code: CodeInvalidStateTransition, Message: "invalid alert state transition"}
	ErrBackendUnavailable     = &Error{Kind: KindBackendUnavailable, Code: CodeBackendUnavailable, Message: "storage backend unavailable"}
)

// Validationf builds a validation error with the given code.
func Validationf(code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StateErrorf builds an invalid-transition error.
func StateErrorf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindState, Code: CodeInvalidStateTransition, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a backend failure.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindBackendUnavailable, Code: CodeBackendUnavailable, Message: op, Err: err}
}

// Conflict wraps a conflicting write.
func Conflict(code Code, msg string, err error) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a classified Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" when err is not a classified Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err is a classified Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
