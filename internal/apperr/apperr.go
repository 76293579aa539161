package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure so callers can pick a recovery path.
type Code string

const (
	CodeInvalidClassification Code = "INVALID_CLASSIFICATION"
	CodeNoData                Code = "NO_DATA"
	CodeRetrievalUnavailable  Code = "RETRIEVAL_UNAVAILABLE"
	CodeExternalTimeout       Code = "EXTERNAL_SERVICE_TIMEOUT"
	CodeUserScopeViolation    Code = "USER_SCOPE_VIOLATION"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeExternalService       Code = "EXTERNAL_SERVICE"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInternal              Code = "INTERNAL"
)

// Error is the coded error shared by every layer.
type Error struct {
	Code    Code
	Op      string // operation name, ex: "Retriever.Search"
	Message string // safe to show to a user
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a coded error.
func E(code Code, op, msg string, err error) error {
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

// Errorf builds a coded error with a formatted message and no cause.
func Errorf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the outermost coded error in the chain.
// Bare context deadline errors count as external timeouts; anything else is INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeExternalTimeout
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the user-safe message of a coded error, or fallback.
func MessageOf(err error, fallback string) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return fallback
}

// Propagates reports whether a failure must reach the caller as an explicit
// error instead of being absorbed by a fallback.
func Propagates(err error) bool {
	switch CodeOf(err) {
	case CodeRetrievalUnavailable, CodeUserScopeViolation:
		return true
	}
	return false
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUserScopeViolation:
		return http.StatusForbidden
	case CodeNoData, CodeNotFound:
		return http.StatusNotFound
	case CodeRetrievalUnavailable:
		return http.StatusServiceUnavailable
	case CodeExternalTimeout:
		return http.StatusGatewayTimeout
	case CodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
