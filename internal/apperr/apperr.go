// Package apperr defines the coded error taxonomy shared by every layer of the
// generation pipeline.
//
// Errors are values carrying a Code. The HTTP layer maps codes to status
// codes, the ledger stores the code on failed runs, and the SSE adapter puts
// it into the error event. Everything else just wraps with %w and lets
// CodeOf dig the code back out.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. The string values are part of the public
// API surface (JSON bodies, SSE events, stored runs) so they never change.
type Code string

const (
	CodeValidation            Code = "ValidationError"
	CodeNotFound              Code = "NotFoundError"
	CodeNoCredentials         Code = "NoCredentialsError"
	CodeUnsupportedAttachment Code = "UnsupportedAttachmentError"
	CodeSchemaValidation      Code = "SchemaValidationError"
	CodeUnauthorized          Code = "Unauthorized"

	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamError   Code = "UPSTREAM_ERROR"
	CodeUnknown         Code = "UNKNOWN"

	CodeClientDisconnected Code = "ClientDisconnected"
	CodeCallbackFailed     Code = "CALLBACK_FAILED"
)

// Error is the concrete error type. Message is safe to show to API callers;
// Cause is kept for logs and errors.Is/As but never rendered to clients.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps cause in its chain.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Convenience constructors for the codes raised before a run exists.

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func NoCredentials(format string, args ...any) *Error {
	return New(CodeNoCredentials, format, args...)
}

func UnsupportedAttachment(format string, args ...any) *Error {
	return New(CodeUnsupportedAttachment, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, format, args...)
}

// CodeOf extracts the Code from anywhere in err's chain. Bare context errors
// are classified too, because they routinely surface from provider SDKs
// without any wrapping of ours.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeUpstreamTimeout
	case errors.Is(err, context.Canceled):
		return CodeClientDisconnected
	}
	return CodeUnknown
}

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the status used by JSON endpoints.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeNoCredentials, CodeUnsupportedAttachment:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeSchemaValidation:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError, CodeCallbackFailed:
		return http.StatusBadGateway
	case CodeClientDisconnected:
		// nginx's "client closed request"; only ever logged.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
