// Package apierror defines the closed error taxonomy for the REST surface
// and the uniform JSON envelope every error response carries.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation        Code = "validation_error"
	CodeAuthentication    Code = "authentication_error"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeSandboxNotRunning Code = "sandbox_not_running"
	CodeQuotaExceeded     Code = "quota_exceeded"
	CodeRateLimited       Code = "rate_limited"
	CodeBillingLimit      Code = "billing_limit"
	CodeNoCapacity        Code = "no_capacity"
	CodeNodeUnavailable   Code = "node_unavailable"
	CodeInternal          Code = "internal"
	CodeNotImplemented    Code = "not_implemented"
	CodeTimeout           Code = "timeout"
)

var statusByCode = map[Code]int{
	CodeValidation:        http.StatusBadRequest,
	CodeAuthentication:    http.StatusUnauthorized,
	CodeForbidden:         http.StatusForbidden,
	CodeNotFound:          http.StatusNotFound,
	CodeConflict:          http.StatusConflict,
	CodeSandboxNotRunning: http.StatusConflict,
	CodeQuotaExceeded:     http.StatusTooManyRequests,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodeBillingLimit:      http.StatusForbidden,
	CodeNoCapacity:        http.StatusServiceUnavailable,
	CodeNodeUnavailable:   http.StatusServiceUnavailable,
	CodeInternal:          http.StatusInternalServerError,
	CodeNotImplemented:    http.StatusNotImplemented,
	CodeTimeout:           http.StatusGatewayTimeout,
}

// E is an error carrying a taxonomy code and a client-safe message.
type E struct {
	Code       Code
	Message    string
	RetryAfter int // seconds; 0 means no hint
	cause      error
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.cause }

// HTTPStatus returns the status the code maps to.
func (e *E) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an error with the given code and formatted message.
func New(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error that keeps cause for logging while exposing only
// the client-safe message.
func Wrap(code Code, cause error, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithRetryAfter sets the retry hint in seconds and returns e.
func (e *E) WithRetryAfter(seconds int) *E {
	e.RetryAfter = seconds
	return e
}

// Validation and friends are shorthands for the common codes.
func Validation(format string, args ...any) *E { return New(CodeValidation, format, args...) }
func NotFound(format string, args ...any) *E   { return New(CodeNotFound, format, args...) }
func Forbidden(format string, args ...any) *E  { return New(CodeForbidden, format, args...) }
func Conflict(format string, args ...any) *E   { return New(CodeConflict, format, args...) }
func Internal(cause error) *E                  { return Wrap(CodeInternal, cause, "internal server error") }

// SandboxNotRunning is the 409 returned when an operation requires a
// running sandbox.
func SandboxNotRunning(sandboxID string) *E {
	return New(CodeSandboxNotRunning, "sandbox %s is not running", sandboxID)
}

// From coerces any error into an *E, mapping unrecognized errors to the
// internal code so nothing leaks unclassified.
func From(err error) *E {
	var e *E
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var e *E
	return errors.As(err, &e) && e.Code == code
}

// RetryableStatus reports whether the envelope for this status should
// carry a non-null retry_after.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
