/*
errors.go - Centralized error types for the compliance engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers classify with errors.Is / the helpers at the bottom; the HTTP
  layer maps kinds to status codes.

ERROR CATEGORIES:
  1. Validation errors - malformed policy/rule definitions, bad input.
     Rejected before any state change; fully recoverable by the caller.
  2. Conflict errors - out-of-turn workflow actions, cancelling an
     executed scheduled action, double approval. No state change.
  3. Not-found errors - unknown aggregate IDs.
  4. Configuration errors - deployment bugs such as a missing 'ALL'
     fallback chain rule. Fatal to the one operation, logged loudly,
     other requests unaffected.

USAGE:
  if engine.IsConflict(err) {
      // surface as user-facing 409
  }

SEE ALSO:
  - approval.go, settlement.go, schedule.go: producers of these errors
  - api/handlers.go: status code mapping
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks malformed input or rule definitions.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an action that contradicts current state
	// (out-of-turn approval, cancelling an executed action).
	ErrConflict = errors.New("conflicting state change")

	// ErrNotFound marks a reference to an unknown aggregate.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration marks a deployment bug, not a user error.
	ErrConfiguration = errors.New("configuration error")

	// ErrVersionMismatch is returned when an optimistic card update loses
	// the race. Retryable.
	ErrVersionMismatch = errors.New("card version mismatch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a rejected input with the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports an action rejected because of current state.
type ConflictError struct {
	Op      string // e.g. "advance", "cancel"
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports an unknown aggregate reference.
type NotFoundError struct {
	Kind string // e.g. "policy", "card", "workflow"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConfigurationError reports a deployment bug detected at runtime.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool { return errors.Is(err, ErrVersionMismatch) }

// NotFound is a convenience constructor.
func NotFound(kind string, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Invalid is a convenience constructor.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
