package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to REST callers
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindForbidden  ErrorKind = "forbidden"
	KindNotFound   ErrorKind = "not_found"
	KindUpstream   ErrorKind = "upstream"
	KindInternal   ErrorKind = "internal"
)

// Error carries a stable machine-readable Code next to its Kind.
// Detail holds upstream error data (Graph API code/type/trace) or internal context.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Status  int // upstream HTTP status, 0 when not applicable
	Detail  any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a malformed or missing request field
func Validation(code string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: code}
}

// Unauthorized reports a bad, expired or missing credential
func Unauthorized(code string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: code}
}

// Forbidden reports a valid principal lacking permission
func Forbidden(code string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: code}
}

// NotFound reports a missing resource
func NotFound(code string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: code}
}

// Upstream wraps a remote Graph API failure, preserving its detail
func Upstream(code string, status int, detail any, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: code, Status: status, Detail: detail, Err: err}
}

// Internal wraps an unexpected failure
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_server_error", Message: "internal_server_error", Err: err}
}

// AsError extracts a *Error from err, wrapping anything else as Internal
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal(err)
}
