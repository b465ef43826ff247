package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error for HTTP mapping and stream handling.
type Kind string

const (
	KindInvalidRequest  Kind = "INVALID_REQUEST"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindTimeout         Kind = "TIMEOUT"
	KindCircuitOpen     Kind = "CIRCUIT_OPEN"
	KindProvider        Kind = "PROVIDER_ERROR"
	KindContextOverflow Kind = "CONTEXT_OVERFLOW"
	KindTool            Kind = "TOOL_ERROR"
	KindCancelled       Kind = "CANCELLED"
	KindInternal        Kind = "INTERNAL_ERROR"
)

// AppError is the application error carried across layer boundaries.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
	// Details carries structured context for the client (e.g. which rate
	// limit was hit). Optional.
	Details map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to the status code surfaced by the gateway.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates an AppError of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: cause}
}

// WithDetails attaches structured context and returns the same error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// KindOf extracts the Kind of an error, or KindInternal when it is not an
// AppError.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

func IsRateLimited(err error) bool    { return IsKind(err, KindRateLimited) }
func IsUnauthorized(err error) bool   { return IsKind(err, KindUnauthorized) }
func IsCancelled(err error) bool      { return IsKind(err, KindCancelled) }
func IsInvalidRequest(err error) bool { return IsKind(err, KindInvalidRequest) }
func IsCircuitOpen(err error) bool    { return IsKind(err, KindCircuitOpen) }

// HTTPStatusOf maps any error to an HTTP status code.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
