package intent

import (
	"errors"
	"fmt"
)

// SyncError represents a structured failure surfaced by the engine.
//
// SyncError includes a code for programmatic handling plus enough context
// to identify the affected mutation or entity.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// EntityKey identifies the affected entity, when known.
	EntityKey string

	// MutationID identifies the affected mutation, when known.
	MutationID int64
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed enqueue request
	// (empty payload or missing entity key).
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeKeyConflict indicates an idempotency key was presented with a
	// different request fingerprint. This signals a key-reuse bug and is
	// never silently resolved.
	ErrCodeKeyConflict ErrorCode = "KEY_CONFLICT"

	// ErrCodeSchemaIncompatible indicates a structurally broken server
	// payload. Loud and terminal, never defaulted.
	ErrCodeSchemaIncompatible ErrorCode = "SCHEMA_INCOMPATIBLE"

	// ErrCodeCircuitOpen indicates the host's breaker is refusing dispatch.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrCodeBudgetExhausted indicates a per-mutation retry budget was spent.
	ErrCodeBudgetExhausted ErrorCode = "BUDGET_EXHAUSTED"

	// ErrCodeConflict indicates the reconciler flagged an entity Conflicted.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeNotFound indicates a mutation or entity lookup missed.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.EntityKey != "" && e.MutationID != 0:
		return fmt.Sprintf("%s: %s (entity=%s, mutation=%d)", e.Code, e.Message, e.EntityKey, e.MutationID)
	case e.EntityKey != "":
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.EntityKey)
	case e.MutationID != 0:
		return fmt.Sprintf("%s: %s (mutation=%d)", e.Code, e.Message, e.MutationID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// NewValidationError creates a SyncError for a malformed enqueue request.
func NewValidationError(msg string) *SyncError {
	return &SyncError{Code: ErrCodeValidation, Message: msg}
}

// IsValidationError returns true if the error is a validation error.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsKeyConflict returns true if the error is an idempotency key conflict.
func IsKeyConflict(err error) bool {
	return hasCode(err, ErrCodeKeyConflict)
}

// IsSchemaIncompatible returns true if the error marks a structurally
// broken payload.
func IsSchemaIncompatible(err error) bool {
	return hasCode(err, ErrCodeSchemaIncompatible)
}

// IsNotFound returns true if the error is a missed lookup.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
