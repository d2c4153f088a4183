// Package services implements the persistence registries: typed CRUD and
// atomic compound operations over submissions, jobs, sessions, and chunks.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a state guard fails, e.g. a duplicate
	// analyze-chunk job or an already-analyzed chunk.
	ErrConflict = errors.New("conflicting state")

	// ErrInvalidInput is returned when input validation fails, e.g. an empty
	// transcript or missing required field.
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError wraps field-specific validation errors. It unwraps to
// ErrInvalidInput so callers can match on the category.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
