package models

import (
	"fmt"

	"github.com/alovak/virtualcards/internal/cardgen"
)

// ErrGenerationExhausted reports that no unique card number could be issued
// within the retry budget. The triggering operation fails as a whole.
var ErrGenerationExhausted = cardgen.ErrGenerationExhausted

// ValidationError is malformed or out-of-range input. Nothing was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateConflictError is an operation attempted against a record whose current
// status does not allow it. Status carries that current status.
type StateConflictError struct {
	Entity  string
	ID      string
	Status  string
	Message string
}

func (e *StateConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.Status)
}
