// Package errors provides structured error types for the rate limiting engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConfig represents configuration errors, raised at construction
	// time and never on the request path
	ErrTypeConfig ErrorType = "config"
	// ErrTypeKey represents key derivation errors (required attribute absent
	// after exhausting all fallback sources)
	ErrTypeKey ErrorType = "key"
	// ErrTypeStoreUnavailable represents a store backend that cannot be reached
	ErrTypeStoreUnavailable ErrorType = "store_unavailable"
	// ErrTypeStoreTimeout represents a store operation that exceeded its deadline
	ErrTypeStoreTimeout ErrorType = "store_timeout"
	// ErrTypeStoreConflict represents a compare-and-swap conflict; retryable
	// inside the strategy, never surfaced to callers directly
	ErrTypeStoreConflict ErrorType = "store_conflict"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
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

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// KeyError creates a new key derivation error for a missing attribute
func KeyError(attribute string) *AppError {
	return &AppError{
		Type:    ErrTypeKey,
		Message: fmt.Sprintf("no value for attribute %q after exhausting fallbacks", attribute),
	}
}

// StoreUnavailable creates an error for an unreachable store backend
func StoreUnavailable(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeStoreUnavailable,
		Message: msg,
		Cause:   cause,
	}
}

// StoreTimeout creates an error for a store operation that exceeded its deadline
func StoreTimeout(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeStoreTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// StoreConflict creates an error for a lost compare-and-swap race
func StoreConflict(key string) *AppError {
	return &AppError{
		Type:    ErrTypeStoreConflict,
		Message: "concurrent state change",
		Context: map[string]interface{}{"key": key},
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// IsConflict reports whether err is a compare-and-swap conflict
func IsConflict(err error) bool {
	return IsType(err, ErrTypeStoreConflict)
}

// IsStoreFailure reports whether err is a transient store failure that the
// limiter's failure policy should absorb
func IsStoreFailure(err error) bool {
	return IsType(err, ErrTypeStoreUnavailable) || IsType(err, ErrTypeStoreTimeout)
}
