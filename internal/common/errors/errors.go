// Package errors provides custom error types for the dispatchd services.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeCapacity        = "CAPACITY"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeExecutionError  = "EXECUTION_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// Validation creates a new validation error for a specific field.
func Validation(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
	}
}

// Capacity creates a new capacity error (pool not started, queue full, ...).
func Capacity(message string) *AppError {
	return &AppError{
		Code:    ErrCodeCapacity,
		Message: message,
	}
}

// Unavailable creates a new unavailable error for a service.
func Unavailable(service string) *AppError {
	return &AppError{
		Code:    ErrCodeUnavailable,
		Message: fmt.Sprintf("service '%s' is currently unavailable", service),
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: message,
	}
}

// Execution creates a new execution error with a wrapped underlying error.
// Execution errors terminate the affected task and never escape it.
func Execution(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeExecutionError,
		Message: message,
		Err:     err,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsCapacity checks if the error is a capacity or availability error.
func IsCapacity(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeCapacity || appErr.Code == ErrCodeUnavailable
	}
	return false
}
