// Package errors provides a single structured error type used across the
// orchestrator so HTTP handlers, workers, and background sweepers can all
// map failures onto the taxonomy in one place.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status-code mapping and metrics.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeInternal   ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// codeByType maps each ErrorType to the machine-readable code carried in the
// HTTP error body, independent of Type's lowercase wire form used elsewhere.
var codeByType = map[ErrorType]string{
	ErrorTypeValidation: "VALIDATION_FAILED",
	ErrorTypeAuth:       "UNAUTHORIZED",
	ErrorTypeNotFound:   "NOT_FOUND",
	ErrorTypeConflict:   "CONFLICT",
	ErrorTypeTimeout:    "TIMEOUT",
	ErrorTypeRateLimit:  "RATE_LIMIT_EXCEEDED",
	ErrorTypeDatabase:   "INTERNAL_ERROR",
	ErrorTypeNetwork:    "INTERNAL_ERROR",
	ErrorTypeInternal:   "INTERNAL_ERROR",
}

// AppError is the structured error carried through the orchestrator.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Code       string
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError with no underlying cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusFor(t), Code: codeFor(t)}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new AppError.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf attaches a cause to a new AppError with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails sets Details in place and returns the receiver for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets a formatted Details in place.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func statusFor(t ErrorType) int {
	if code, ok := statusByType[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func codeFor(t ErrorType) string {
	if code, ok := codeByType[t]; ok {
		return code
	}
	return "INTERNAL_ERROR"
}

// Predefined constructors for the most common failure shapes.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewQuotaExceededError(message string) *AppError {
	return New(ErrorTypeRateLimit, message)
}

// As reports whether err is an *AppError, following the errors.As idiom.
func As(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}
