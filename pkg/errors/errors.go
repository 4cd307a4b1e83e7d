package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"opsdeck/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewCapacityExceededError(message string) *AppError {
	return NewAppError(ErrCodeCapacityExceeded, message, http.StatusServiceUnavailable)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps a domain sentinel error onto the HTTP error surface.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, domain.ErrUnknownSession):
		return WrapError(err, ErrCodeNotFound, "session not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrUnknownChannel):
		return WrapError(err, ErrCodeInvalidInput, "unknown channel", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrUnknownCommand):
		return WrapError(err, ErrCodeNotFound, "unknown command", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrInsufficientPermission):
		return WrapError(err, ErrCodeForbidden, "insufficient permission", http.StatusForbidden)
	case stderrors.Is(err, domain.ErrInvalidParameters):
		return WrapError(err, ErrCodeInvalidInput, "invalid parameters", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrTimeout):
		return WrapError(err, ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout)
	case stderrors.Is(err, domain.ErrCapacityExceeded):
		return WrapError(err, ErrCodeCapacityExceeded, "capacity exceeded", http.StatusServiceUnavailable)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
