/*
errors.go - Centralized error types for the consignment ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As, never by message.

ERROR CATEGORIES:
  1. Validation errors  - InvalidTransition, Forbidden (never retried, never queued)
  2. Concurrency errors - Conflict (retry against a refreshed head)
  3. Transport errors   - Unreachable (queue and retry later)
  4. Integrity errors   - Inconsistent (surfaced, never auto-repaired)
  5. Queue errors       - RetryExhausted (dead-lettered, manual resolution)

SEE ALSO:
  - transition.go: Produces TransitionError
  - ledger.go: Produces ConflictError
  - projection.go: Produces InconsistentError
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when no edge leads from the current
	// status to the requested one for the actor's role.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrForbidden is returned when the actor's role may not act on the
	// consignment in its current status, or the role is unknown.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when an append races another append for the
	// same predecessor, or repeats an already committed action.
	ErrConflict = errors.New("conflict")

	// ErrUnreachable is returned when the ledger service or the system of
	// record cannot be reached.
	ErrUnreachable = errors.New("unreachable")

	// ErrInconsistent is returned when the digest chain is broken or the
	// ledger disagrees with the consignment record.
	ErrInconsistent = errors.New("inconsistent")

	// ErrRetryExhausted is returned when a queued write ran out of retries.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrUnknownConsignment is returned when a transition targets a
	// consignment that was never created.
	ErrUnknownConsignment = errors.New("unknown consignment")

	// ErrInvalidQuantity is returned for malformed or non-positive quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrQuantityExceeded is returned when a sale exceeds the remaining quantity.
	ErrQuantityExceeded = errors.New("quantity exceeds remaining")

	// ErrNotFound is returned by stores for missing records.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected transition.
type TransitionError struct {
	From   Status
	To     Status
	Role   Role
	Code   string
	reason error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s -> %s by %q", e.reason, e.From, e.To, e.Role)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.reason
}

// ConflictError reports an optimistic concurrency collision.
// Duplicate is set when the action was already committed.
type ConflictError struct {
	ConsignmentID ConsignmentID
	ExpectedHead  string
	ActualHead    string
	Duplicate     bool
	ActionID      string
}

func (e *ConflictError) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("conflict: action %s already committed for %s", e.ActionID, e.ConsignmentID)
	}
	return fmt.Sprintf("conflict: head of %s moved (expected %q, got %q)",
		e.ConsignmentID, e.ExpectedHead, e.ActualHead)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// InconsistentError pinpoints where a history stops being trustworthy.
type InconsistentError struct {
	ConsignmentID ConsignmentID
	Sequence      uint64
	Reason        string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("inconsistent ledger for %s at sequence %d: %s",
		e.ConsignmentID, e.Sequence, e.Reason)
}

func (e *InconsistentError) Unwrap() error {
	return ErrInconsistent
}

// RetryExhaustedError is surfaced when a queued write is dead-lettered.
type RetryExhaustedError struct {
	ItemID   string
	TargetID ConsignmentID
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for %s (item %s) after %d attempts: %v",
		e.TargetID, e.ItemID, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetryExhausted}
	}
	return []error{ErrRetryExhausted, e.Last}
}

// Unreachable wraps a transport failure.
func Unreachable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsDuplicate returns true if the error reports an already committed action.
func IsDuplicate(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict) && conflict.Duplicate
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnknownConsignment) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrQuantityExceeded)
}
