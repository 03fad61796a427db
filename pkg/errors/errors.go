package errors

import (
	"errors"
	"fmt"
)

// Generic error kinds

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates rejected or missing credentials
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a dependency is unavailable
	ErrUnavailable = errors.New("service unavailable")

	// ErrRateLimitExceeded indicates an upstream rate limit was hit
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// Pipeline errors

var (
	// ErrFetchTerminal indicates a fetch gave up (non-retryable status or retries exhausted)
	ErrFetchTerminal = errors.New("terminal fetch error")

	// ErrUpstreamShape indicates an upstream payload did not have the expected structure
	ErrUpstreamShape = errors.New("unexpected upstream payload shape")

	// ErrModelUnavailable indicates a stance model could not produce probabilities
	ErrModelUnavailable = errors.New("stance model unavailable")

	// ErrJobActive indicates another pull job is still running
	ErrJobActive = errors.New("pull job already active")
)

// FetchError is returned when a request to the forum API fails terminally.
// Status is 0 when the last attempt failed below HTTP (timeout, reset).
type FetchError struct {
	Path     string
	Status   int
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Path, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s failed with status %d after %d attempts", e.Path, e.Status, e.Attempts)
}

// Unwrap lets errors.Is match ErrFetchTerminal as well as the cause
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetchTerminal}
	}
	return []error{ErrFetchTerminal, e.Err}
}

// StatusCode exposes the HTTP status for retry classification
func (e *FetchError) StatusCode() int {
	return e.Status
}

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error with field-specific details
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Unwrap makes every validation error an ErrInvalidInput
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// MultiError wraps multiple errors
type MultiError struct {
	Errors []error
}

// Error implements the error interface
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(m.Errors), m.Errors[0])
}

// Unwrap exposes every collected error to errors.Is/As
func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Add adds an error to the list
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if there are any errors
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// ToError returns the MultiError as an error, or nil if no errors
func (m *MultiError) ToError() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Truncate shortens an error text to at most limit bytes for storage
func Truncate(err error, limit int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if limit > 0 && len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
