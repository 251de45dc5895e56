// Package errors provides domain-specific error types and sentinel errors
// for improved error handling across the application.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common scenarios.
// Use errors.Is() to check these errors in your code.
var (
	// ErrInvalidInput indicates caller provided invalid input
	// (empty subscription id, unparseable plan). Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound indicates a requested key document was not found.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists indicates an insert collided with an existing
	// key document.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrQueueTimeout indicates a queued reservation request ran out of
	// time before any key became available.
	ErrQueueTimeout = errors.New("queue wait timed out")

	// ErrQueueClosed indicates the wait queue broker has been shut down.
	ErrQueueClosed = errors.New("queue closed")

	// ErrContextCanceled indicates context was canceled.
	ErrContextCanceled = errors.New("context canceled")
)

// ValidationError represents input validation failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// StoreError represents key store failures with the offending document's id.
type StoreError struct {
	Op             string
	SubscriptionID string
	Err            error
}

func (e *StoreError) Error() string {
	if e.SubscriptionID != "" {
		return fmt.Sprintf("store %s (subscription=%s): %v", e.Op, e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new store error.
func NewStoreError(op, subscriptionID string, err error) *StoreError {
	return &StoreError{
		Op:             op,
		SubscriptionID: subscriptionID,
		Err:            err,
	}
}
