package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input that can never succeed; it is not retried.
	ErrValidation = errors.New("validation failed")

	// ErrBackendUnavailable means Redis or Postgres could not be reached.
	// Callers fall back to the direct-write path.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTransientPersistence is one failed flush; the events stay buffered.
	ErrTransientPersistence = errors.New("transient persistence failure")

	// ErrPoisonMessage is a queue message that exhausted its retries.
	ErrPoisonMessage = errors.New("poison message")

	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError names the missing or malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
