// Package apierr defines the error taxonomy shared by every recalld component.
// Errors carry a stable machine-readable code; the message is for humans and
// is never parsed by callers.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and caller handling.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindRateLimit
	KindInsufficientData
	KindUpstream
	KindInternal
)

// Error is the canonical recalld error. Code is stable across releases.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a field-level detail and returns the same error.
func (e *Error) WithDetail(field string, v any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[field] = v
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindInsufficientData:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Validation builds a caller-fixable input error.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// NotFound builds a missing-resource error.
func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// InsufficientData builds a surfaced-but-not-fatal data error.
func InsufficientData(code, msg string) *Error {
	return &Error{Kind: KindInsufficientData, Code: code, Message: msg}
}

// Upstream builds a provider/storage failure error.
func Upstream(code, msg string, cause error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: msg, cause: cause}
}

// RateLimited builds an admission error with a retry-after hint in seconds.
func RateLimited(retryAfter int) *Error {
	e := &Error{Kind: KindRateLimit, Code: "rate_limited", Message: "rate limit exceeded"}
	return e.WithDetail("retry_after", retryAfter)
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: msg, cause: cause}
}

// From extracts an *Error from err, or wraps it as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
