package loom

import (
	"errors"
	"fmt"
)

// InvariantViolation indicates a structural inconsistency: committing against
// the wrong tip, resolving an event twice, choosing a node that was never a
// candidate. The operation is rejected and the loom is left unchanged.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// UnresolvedReferenceError indicates an unknown node or event id. Recoverable
// at the calling layer; never silently ignored.
type UnresolvedReferenceError struct {
	Kind string // "node" | "event"
	ID   string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unknown %s id: %s", e.Kind, e.ID)
}

// ValidationError indicates malformed input (empty reason, tension ids
// outside the candidate set, unknown candidate id from a selector).
// Recoverable: the caller may correct the input and retry.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// IsInvariantViolation reports whether err wraps an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// IsUnresolvedReference reports whether err wraps an UnresolvedReferenceError.
func IsUnresolvedReference(err error) bool {
	var ur *UnresolvedReferenceError
	return errors.As(err, &ur)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
