/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place. Every error the engine returns belongs to
  exactly one of four kinds, so the serving layer can map it without
  knowing the individual reasons.

ERROR KINDS:
  1. ErrValidation  - malformed input, rejected before touching the store
  2. ErrNotFound    - missing request/resource/allocation/zone
  3. ErrConflict    - state does not allow the operation (inactive resource,
                      short quantity, wrong allocation status)
  4. ErrTransaction - the store failed mid-transaction; everything rolled back

  Reasons (ErrInsufficientQuantity, ErrAlreadyCancelled, ...) unwrap to
  their kind, so both of these hold:

    errors.Is(err, engine.ErrInsufficientQuantity)
    errors.Is(err, engine.ErrConflict)

RETRIES:
  Nothing is retried inside the engine. IsRetryable is a hint for callers.

SEE ALSO:
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KINDS
// =============================================================================

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrTransaction = errors.New("transaction error")
)

// reason is a sentinel that belongs to a kind.
type reason struct {
	kind error
	msg  string
}

func (r *reason) Error() string { return r.msg }
func (r *reason) Unwrap() error { return r.kind }

func newReason(kind error, msg string) error { return &reason{kind: kind, msg: msg} }

// =============================================================================
// SENTINEL REASONS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidRequest     = newReason(ErrValidation, "invalid request")
	ErrInvalidQuantity    = newReason(ErrValidation, "quantity must be positive")
	ErrNoCategoryMatch    = newReason(ErrValidation, "no compatible category")
	ErrLocationUnresolved = newReason(ErrValidation, "location cannot be resolved")
	ErrWrongRequestKind   = newReason(ErrValidation, "operation does not apply to this request kind")

	// Not found
	ErrRequestNotFound    = newReason(ErrNotFound, "request not found")
	ErrResourceNotFound   = newReason(ErrNotFound, "resource not found")
	ErrAllocationNotFound = newReason(ErrNotFound, "allocation not found")
	ErrZoneNotFound       = newReason(ErrNotFound, "zone not found")

	// Conflict
	ErrResourceUnavailable      = newReason(ErrConflict, "resource unavailable")
	ErrInsufficientQuantity     = newReason(ErrConflict, "insufficient quantity")
	ErrNoCandidatesWithinRadius = newReason(ErrConflict, "no candidates within radius")
	ErrRequestNotPending        = newReason(ErrConflict, "request is not pending")
	ErrAlreadyCancelled         = newReason(ErrConflict, "allocation already cancelled")
	ErrAlreadyDelivered         = newReason(ErrConflict, "allocation already delivered")
	ErrInvalidTransition        = newReason(ErrConflict, "invalid status transition")
	ErrStaleWrite               = newReason(ErrConflict, "row changed since it was read")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Reason error
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%v: %s", e.Reason, e.ID) }
func (e *NotFoundError) Unwrap() error { return e.Reason }

func RequestNotFound(id RequestID) error {
	return &NotFoundError{Reason: ErrRequestNotFound, ID: string(id)}
}

func ResourceNotFound(id ResourceID) error {
	return &NotFoundError{Reason: ErrResourceNotFound, ID: string(id)}
}

func AllocationNotFound(id AllocationID) error {
	return &NotFoundError{Reason: ErrAllocationNotFound, ID: string(id)}
}

func ZoneNotFound(id ZoneID) error {
	return &NotFoundError{Reason: ErrZoneNotFound, ID: string(id)}
}

// InsufficientQuantityError reports a shortfall found under lock.
type InsufficientQuantityError struct {
	ResourceID ResourceID
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity on %s: available %s, requested %s",
		e.ResourceID, e.Available, e.Requested)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

// ResourceUnavailableError reports a resource that is not ACTIVE.
type ResourceUnavailableError struct {
	ResourceID ResourceID
	Status     ResourceStatus
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("resource %s is %s", e.ResourceID, e.Status)
}

func (e *ResourceUnavailableError) Unwrap() error { return ErrResourceUnavailable }

// TransitionError reports a status change the state machine forbids.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason error // defaults to ErrInvalidTransition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.Reason != nil {
		return e.Reason
	}
	return ErrInvalidTransition
}

// ValidationError describes which field was rejected.
type ValidationError struct {
	Field   string
	Message string
	Reason  error // defaults to ErrInvalidRequest
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Reason != nil {
		return e.Reason
	}
	return ErrInvalidRequest
}

// TransactionError wraps a store failure. The driver error is kept for logs
// but is not part of the unwrap chain.
type TransactionError struct {
	Op    string
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TransactionError) Unwrap() error { return ErrTransaction }

// WrapStoreError passes typed engine errors through and wraps everything else.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTyped(err) {
		return err
	}
	return &TransactionError{Op: op, Cause: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsTyped reports whether err already belongs to one of the four kinds.
func IsTyped(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTransaction)
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsClientError returns true if the caller can fix the error by changing input.
func IsClientError(err error) bool {
	return IsValidation(err) || IsNotFound(err)
}

// IsRetryable returns true if repeating the call later might succeed.
// The engine itself never retries.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransaction) || errors.Is(err, ErrStaleWrite)
}
