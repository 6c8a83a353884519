/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers classify with errors.Is/errors.As; transport layers map the
  kinds onto status codes.

ERROR CATEGORIES:
  1. Validation errors - malformed input, sign-type violations
  2. Lookup misses     - wallet/group/entry not found
  3. State errors      - operation illegal for the current group state
  4. Money errors      - insufficient funds, zero-sum violations
  5. Storage errors    - integrity breaches (fatal), transient I/O (retryable)

USAGE:
    if errors.Is(err, ledger.ErrInsufficientFunds) { ... }

    var zs *ledger.ZeroSumError
    if errors.As(err, &zs) { log.Printf("off by %d", zs.Sum) }

SEE ALSO:
  - group.go, wallet.go: produce these errors
  - api/handlers.go: maps them to HTTP statuses
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
	// ErrValidation is returned for malformed input: non-positive amounts,
	// sign-type violations, unknown statuses, currency mismatches.
	ErrValidation = errors.New("validation failed")

	// ErrWalletNotFound is returned when a referenced wallet doesn't exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrGroupNotFound is returned when a referenced group doesn't exist.
	ErrGroupNotFound = errors.New("transaction group not found")

	// ErrEntryNotFound is returned when an expected journal entry is missing,
	// e.g. finalizing a (wallet, group) pair that holds nothing.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrInsufficientFunds is returned when available balance is below the
	// requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrGroupNotOpen is returned when appending to a group that is no
	// longer IN_PROGRESS.
	ErrGroupNotOpen = errors.New("transaction group is not open")

	// ErrGroupTerminal is returned when transitioning a group that already
	// reached a terminal state.
	ErrGroupTerminal = errors.New("transaction group is terminal")

	// ErrZeroSum is returned when a group's HOLD entries do not balance at
	// settle time. The group is left IN_PROGRESS.
	ErrZeroSum = errors.New("group entries do not sum to zero")

	// ErrIntegrity signals an invariant violation detected by the pipeline
	// (count mismatch, immutability breach). Fatal: the operation halts and
	// has already rolled back.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTransient signals an underlying I/O fault. Retryable with the same
	// idempotency key without producing duplicates.
	ErrTransient = errors.New("transient storage failure")

	// ErrDuplicateIdempotencyKey is returned when an idempotency or
	// correlation key collides with a different pre-existing record.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports the shortfall behind a rejected hold or refund.
type InsufficientFundsError struct {
	WalletID  WalletID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on wallet %s: available %d, requested %d",
		e.WalletID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ZeroSumError reports the residual sum that blocked a settle.
type ZeroSumError struct {
	GroupID GroupID
	Sum     int64
}

func (e *ZeroSumError) Error() string {
	return fmt.Sprintf("group %s does not balance: hold sum is %d", e.GroupID, e.Sum)
}

func (e *ZeroSumError) Unwrap() error { return ErrZeroSum }

// StateError reports an operation attempted against a terminal group.
type StateError struct {
	GroupID GroupID
	Status  GroupStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("group %s is %s: only IN_PROGRESS groups can transition", e.GroupID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrGroupTerminal }

// IntegrityError reports a pipeline invariant violation, typically a count
// mismatch between tiers during migration.
type IntegrityError struct {
	Op       string
	WalletID WalletID
	Expected int
	Actual   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s on wallet %s: expected %d rows, got %d", e.Op, e.WalletID, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError returns true if the error is due to invalid caller input or
// state, rather than a storage fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrGroupNotOpen) ||
		errors.Is(err, ErrGroupTerminal) ||
		errors.Is(err, ErrZeroSum) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
