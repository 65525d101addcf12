/*
errors.go - Centralized error types for the budget ledger

PURPOSE:
  All ledger error types in one place. Callers match with errors.Is on the
  sentinels; structured types carry the context needed for precise messages
  (deficit, disponible, the conflicting movement).

SEE ALSO:
  - ledger.go: produces most of these
  - transfer.go: transfer-specific sentinels
*/
package budget

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBudget is returned when a reservation or commitment
	// would push a line past its dotation effective.
	ErrInsufficientBudget = errors.New("budget insuffisant")

	// ErrStaleVersion is returned when an optimistic version check fails.
	// The ledger retries internally a bounded number of times before
	// surfacing it.
	ErrStaleVersion = errors.New("stale budget line version")

	// ErrLineNotFound is returned when the referenced budget line does not
	// exist.
	ErrLineNotFound = errors.New("budget line not found")

	// ErrLineLocked is returned when mutating a closed (cloture) or inactive
	// line.
	ErrLineLocked = errors.New("budget line is locked")

	// ErrReleaseExceedsReserve is returned when releasing more than is
	// currently reserved on a line.
	ErrReleaseExceedsReserve = errors.New("release exceeds reserved amount")

	// ErrStageExceeded is returned when a stage commit would exceed the
	// previous stage's cumulative total.
	ErrStageExceeded = errors.New("stage amount exceeds predecessor stage")

	// ErrMissingJustification is returned when an override is requested
	// without a justification.
	ErrMissingJustification = errors.New("override requires a justification")

	// ErrTransferNotApproved is returned when executing a credit transfer
	// whose workflow has not reached its approved state.
	ErrTransferNotApproved = errors.New("credit transfer not approved")

	// ErrTransferAlreadyExecuted is returned on replayed transfer execution.
	ErrTransferAlreadyExecuted = errors.New("credit transfer already executed")

	// ErrTransferNotFound is returned when the transfer does not exist.
	ErrTransferNotFound = errors.New("credit transfer not found")

	// ErrAlertNotFound is returned when acknowledging or resolving an
	// unknown alert.
	ErrAlertNotFound = errors.New("alert not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBudgetError reports the shortfall on a line.
type InsufficientBudgetError struct {
	LineID     LineID
	Requested  Montant
	Disponible Montant
	Deficit    Montant
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget insuffisant sur la ligne %s: demande %s, disponible %s, deficit %s",
		e.LineID, e.Requested, e.Disponible, e.Deficit)
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

// StageExceededError reports a chain-bound violation on a commit.
type StageExceededError struct {
	LineID    LineID
	Stage     Stage
	Requested Montant
	Remaining Montant
}

func (e *StageExceededError) Error() string {
	return fmt.Sprintf("commit %s on line %s exceeds predecessor stage: requested %s, remaining %s",
		e.Stage, e.LineID, e.Requested, e.Remaining)
}

func (e *StageExceededError) Unwrap() error { return ErrStageExceeded }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleVersion)
}

// IsClientError returns true if the error is due to the caller's request
// rather than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrLineLocked) ||
		errors.Is(err, ErrReleaseExceedsReserve) ||
		errors.Is(err, ErrStageExceeded) ||
		errors.Is(err, ErrMissingJustification) ||
		errors.Is(err, ErrTransferNotApproved) ||
		errors.Is(err, ErrTransferAlreadyExecuted)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrTransferNotFound) ||
		errors.Is(err, ErrAlertNotFound)
}
