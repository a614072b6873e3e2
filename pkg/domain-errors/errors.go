// Package domainerrors defines the typed error codes services return to the
// transport layer. Codes are translated to protocol status exactly once, in
// pkg/platform/httputil; nothing downstream inspects error text.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	// CodeValidation marks malformed or incomplete audit data (InvalidEntry).
	// It is terminal: the write path never retries it.
	CodeValidation Code = "validation_error"
	// CodeBadRequest marks bad query parameters (InvalidQuery).
	CodeBadRequest Code = "bad_request"
	// CodeInvalidCursor marks a pagination token that failed to decode.
	CodeInvalidCursor Code = "invalid_cursor"
	CodeUnauthorized  Code = "unauthorized"
	CodeForbidden     Code = "forbidden"
	CodeNotFound      Code = "not_found"
	CodeTimeout       Code = "timeout"
	CodeInternal      Code = "internal_error"
	// CodeCanceled marks a request the caller abandoned before it finished.
	CodeCanceled Code = "canceled"
)

// Error is a domain error carrying a code, a caller-safe message and an
// optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a domain error with the same code and message.
// This lets tests assert with errors.Is(err, New(code, msg)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates a domain error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the outermost domain error in err's chain, or
// CodeInternal when err carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Message returns the caller-safe message of err, or "" if err is not a
// domain error.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
