package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatPrecondition ErrorCategory = "precondition_unmet"     // Environment or policy forbids a diagnostic
	ErrCatResource     ErrorCategory = "resource_exhausted"     // Insufficient disk for a dump
	ErrCatTransient    ErrorCategory = "transient_tool_failure" // Attach race, retried bounded times
	ErrCatExternal     ErrorCategory = "external_tool_failure"  // Non-zero exit or unexpected tool output
	ErrCatSetup        ErrorCategory = "setup_failure"          // Staging or archive failure, fatal
	ErrCatUsage        ErrorCategory = "usage_error"            // Bad target reference or privilege mismatch, fatal
)

// DomainError is a structured error carrying the collection error
// taxonomy. Only setup and usage errors propagate to a non-zero
// process exit; every other category is absorbed into a per-diagnostic
// outcome.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code so callers can compare against
// template errors with errors.Is. An empty code in the target matches
// any code within the category.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Code == "" || e.Code == t.Code)
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// IsFatal reports whether the error must abort the whole run rather
// than be recorded as a single diagnostic outcome.
func IsFatal(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return de.Category == ErrCatSetup || de.Category == ErrCatUsage
}

// ErrPrecondition creates a precondition error.
func ErrPrecondition(code, message string) *DomainError {
	return &DomainError{Category: ErrCatPrecondition, Code: code, Message: message}
}

// ErrResource creates a resource-exhaustion error.
func ErrResource(message string) *DomainError {
	return &DomainError{Category: ErrCatResource, Code: "INSUFFICIENT_DISK", Message: message}
}

// ErrTransient creates a retryable tool error.
func ErrTransient(code, message string) *DomainError {
	return &DomainError{Category: ErrCatTransient, Code: code, Message: message, Retryable: true}
}

// ErrExternal creates an external-tool failure.
func ErrExternal(code, message string) *DomainError {
	return &DomainError{Category: ErrCatExternal, Code: code, Message: message}
}

// ErrSetup creates a fatal setup failure.
func ErrSetup(code, message string) *DomainError {
	return &DomainError{Category: ErrCatSetup, Code: code, Message: message}
}

// ErrUsage creates a fatal usage error.
func ErrUsage(code, message string) *DomainError {
	return &DomainError{Category: ErrCatUsage, Code: code, Message: message}
}
