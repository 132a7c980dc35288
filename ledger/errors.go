package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code surfaced on the wire.
type Code string

const (
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeAuthRequired         Code = "AUTH_REQUIRED"
	CodeAuthInvalid          Code = "AUTH_INVALID"
	CodeForbidden            Code = "FORBIDDEN"
	CodeNotFound             Code = "NOT_FOUND"
	CodeTaskConflict         Code = "TASK_CONFLICT"
	CodeIdempotencyConflict  Code = "IDEMPOTENCY_CONFLICT"
	CodeInsufficientFunds    Code = "INSUFFICIENT_FUNDS"
	CodeInactiveProvider     Code = "INACTIVE_PROVIDER"
	CodeSpendLimitBreached   Code = "SPEND_LIMIT_BREACHED"
	CodeAccountFrozen        Code = "ACCOUNT_FROZEN"
	CodeDependencyUnresolved Code = "DEPENDENCY_UNRESOLVED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeTransientConflict    Code = "TRANSIENT_CONFLICT"
)

// Error is a typed domain error. Precondition violations never commit any
// state; the code is stable across releases.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E constructs a typed error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured context for the wire envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the stable code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidationFailed, CodeInsufficientFunds, CodeInactiveProvider,
		CodeSpendLimitBreached, CodeDependencyUnresolved:
		return http.StatusBadRequest
	case CodeAuthRequired, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTaskConflict, CodeIdempotencyConflict:
		return http.StatusConflict
	case CodeAccountFrozen:
		return http.StatusLocked
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTransientConflict:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
