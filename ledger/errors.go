/*
errors.go - Centralized error types for the rewards engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Higher layers wrap these with additional context.

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before any write
  2. Precondition errors - insufficient balance
  3. Store errors - duplicates, missing rows

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // reject the redemption, nothing was written
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a required field is missing or
	// malformed. Nothing is written.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when a settlement would spend
	// more than the driver's balance at the sponsor. Nothing is written.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a referenced purchase or entry does
	// not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientBalanceError reports the computed shortfall.
type InsufficientBalanceError struct {
	Driver    DriverID
	Sponsor   SponsorID
	Available Points
	Requested Points
	Shortfall Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s at sponsor %d: available %s, requested %s, shortfall %s",
		e.Driver, e.Sponsor, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// and no server-side state changed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
