// Package apperr defines the domain error taxonomy shared by every
// component boundary. Handlers return *Error instead of panicking or
// relying on sentinel comparisons scattered across packages, so the
// gateway can render a response envelope without reflection.
package apperr

import "fmt"

// Code is one of the wire-level error codes from the command gateway
// protocol.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInsufficientFunds Code = "INSUFFICIENT_BALANCE"
	CodeLockTimeout       Code = "LOCK_TIMEOUT"
	CodeRequestInProgress Code = "REQUEST_IN_PROGRESS"
	CodeDuplicateRequest  Code = "DUPLICATE_REQUEST"
	CodeConflict          Code = "CONFLICT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// retryable carries the fixed retryability of each code. CONFLICT is
// special-cased to retryable when it wraps a lock timeout; everything
// else is fixed.
var retryable = map[Code]bool{
	CodeValidation:        false,
	CodeUnauthorized:      false,
	CodeForbidden:         false,
	CodeNotFound:          false,
	CodeInsufficientFunds: false,
	CodeLockTimeout:       true,
	CodeRequestInProgress: true,
	CodeDuplicateRequest:  false,
	CodeConflict:          false,
	CodeInternal:          false,
}

// Error is the structured domain error rendered into the gateway's
// response envelope.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the code's default retryability.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable[code]}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a domain error around a lower-level cause, preserving it
// for errors.Unwrap/errors.Is while keeping the message client-safe.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetails attaches schema/validation detail fields and returns e for
// chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRetryable overrides the default retryability, used by CONFLICT
// errors that wrap a lock timeout.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// RetryableConflict builds a CONFLICT error whose Retryable flag is true,
// for conflicts that wrap a lock timeout.
func RetryableConflict(message string, cause error) *Error {
	return Wrap(CodeConflict, message, cause).WithRetryable(true)
}

// Is allows errors.Is(err, apperr.New(CodeX, "")) to match by Code alone,
// ignoring Message/Details/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error,
// otherwise returns CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if asError(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// As extracts the *Error from err if it is (or wraps) one, for callers
// outside this package that need the full Message/Retryable/Details
// (e.g. the gateway's response envelope builder).
func As(err error, target **Error) bool {
	return asError(err, target)
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
