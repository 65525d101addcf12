/*
store.go - Persistence interfaces for lines, movements, transfers and alerts

PURPOSE:
  Defines the interface between the ledger logic and the database. Lines are
  version-guarded mutable rows; movements are append-only; transfers and
  alerts are small upsertable records.

VERSION CONTRACT:
  SaveLine performs a compare-and-swap on BudgetLine.Version: the write only
  succeeds when the stored version equals the version the caller loaded, and
  the stored version is incremented on success. Lost updates between two
  concurrent commitments are therefore impossible; the loser observes
  ErrStaleVersion and the ledger retries.

ATOMIC UNITS:
  WithTx executes fn against a transactional view. Every ledger mutation
  (line update + movement append, or the two legs of a transfer) runs inside
  one WithTx call: either everything commits or nothing does.

IMPLEMENTATIONS:
  - budget/store/memory.go: in-memory, for tests and dev
  - store/sqlite:           SQLite, for the server
*/
package budget

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Lines and movements
// =============================================================================

type Store interface {
	// GetLine returns the line or ErrLineNotFound.
	GetLine(ctx context.Context, id LineID) (*BudgetLine, error)

	// CreateLine inserts a new line with Version 1.
	CreateLine(ctx context.Context, line *BudgetLine) error

	// SaveLine writes the line if the stored version matches line.Version,
	// then increments it. Returns ErrStaleVersion on mismatch.
	SaveLine(ctx context.Context, line *BudgetLine) error

	// ListLines returns active lines for an exercice.
	ListLines(ctx context.Context, exercice int) ([]BudgetLine, error)

	// AppendMovement persists an immutable movement. Append-only.
	AppendMovement(ctx context.Context, mv Movement) error

	// MovementsByLine returns all movements for a line, chronologically.
	MovementsByLine(ctx context.Context, lineID LineID) ([]Movement, error)

	// FindCommit returns the commit movement recorded for (stage, sourceRef)
	// on a line, if any. Used for idempotent replays.
	FindCommit(ctx context.Context, lineID LineID, stage Stage, sourceRef string) (*Movement, error)
}

// TxStore wraps Store with transaction support. If fn returns an error the
// transaction is rolled back.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// TRANSFER STORE
// =============================================================================

type TransferStore interface {
	GetTransfer(ctx context.Context, id string) (*CreditTransfer, error)
	CreateTransfer(ctx context.Context, t *CreditTransfer) error
	SaveTransfer(ctx context.Context, t *CreditTransfer) error
	ListTransfers(ctx context.Context, exercice int) ([]CreditTransfer, error)
}

// =============================================================================
// ALERT STORE
// =============================================================================

type AlertStore interface {
	ActiveRules(ctx context.Context) ([]AlertRule, error)
	SaveRule(ctx context.Context, r AlertRule) error

	// OpenAlert returns the unresolved alert for (lineID, ruleID), or nil.
	OpenAlert(ctx context.Context, lineID LineID, ruleID string) (*Alert, error)

	// UpsertAlert inserts the alert or, when an unresolved alert with the
	// same (line, rule) key exists, updates it in place.
	UpsertAlert(ctx context.Context, a Alert) error

	GetAlert(ctx context.Context, id string) (*Alert, error)
	SaveAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context, exercice int, unresolvedOnly bool) ([]Alert, error)
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time
