/*
ledger.go - Dotation / reservation / consumption accounting

PURPOSE:
  The Ledger owns every mutation of a BudgetLine:

    Reserve     - soft-hold room for a submitted engagement
    CommitStage - turn held (or available) room into consumed totals
    Release     - give a reservation back on rejection/cancellation

  plus the pure read CheckAvailability.

NON-OVERCOMMITMENT:
  Two engagements racing on the same line must not both pass a since-stale
  availability check. Every mutation is load -> check -> mutate -> save with
  an optimistic version compare-and-swap, inside one store transaction with
  its movement. A version conflict is retried up to maxRetries times before
  ErrStaleVersion surfaces.

IDEMPOTENCE:
  CommitStage is keyed on (stage, sourceRef): replaying the commit for the
  same source document is a no-op returning the original movement, never a
  double-count.

OVERRIDE:
  Reserve past the dotation requires an explicit override flag plus a
  justification; the exception is recorded on the movement so the invariant
  remains auditable.

TRANSACTION BINDING:
  InTx exposes the same operations against a store view the caller already
  holds in an open transaction, so a workflow transition's budget delta can
  commit atomically with its document and history writes instead of opening
  a nested transaction.

SEE ALSO:
  - types.go: BudgetLine, Movement, Stage
  - store.go: version and transaction contracts
*/
package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// maxRetries bounds the internal retry on version conflicts.
const maxRetries = 3

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store TxStore

	// Now is the clock; defaults to time.Now.
	Now Clock
}

func NewLedger(store TxStore) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func newMovementID() MovementID {
	return MovementID(uuid.NewString())
}

// Availability is the result of a pure availability check.
type Availability struct {
	Available  bool
	Disponible Montant
	Deficit    Montant // zero when Available
}

// CheckAvailability reports whether montant fits in the line's disponible.
// Pure read; the answer may be stale by the time a mutation runs, which is
// why mutations re-check under the version guard.
func (l *Ledger) CheckAvailability(ctx context.Context, lineID LineID, montant Montant) (Availability, error) {
	return checkAvailabilityIn(ctx, l.Store, lineID, montant)
}

func checkAvailabilityIn(ctx context.Context, s Store, lineID LineID, montant Montant) (Availability, error) {
	line, err := s.GetLine(ctx, lineID)
	if err != nil {
		return Availability{}, err
	}

	disponible := line.Disponible()
	if montant.GreaterThan(disponible) {
		return Availability{
			Available:  false,
			Disponible: disponible,
			Deficit:    montant.Sub(disponible),
		}, nil
	}
	return Availability{Available: true, Disponible: disponible, Deficit: ZeroMontant()}, nil
}

// ReserveOptions carries the override escape hatch for Reserve.
type ReserveOptions struct {
	Actor string

	// Override allows reserving past the dotation. Justification is
	// mandatory when set; the movement records both.
	Override      bool
	Justification string
}

// Reserve soft-holds montant on the line. Fails ErrInsufficientBudget with
// deficit details unless the line has room or an override is supplied.
func (l *Ledger) Reserve(ctx context.Context, lineID LineID, montant Montant, sourceRef string, opts ReserveOptions) (*Movement, error) {
	var mv *Movement
	err := l.withRetry(ctx, func(s Store) error {
		var err error
		mv, err = l.reserveIn(ctx, s, lineID, montant, sourceRef, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

func (l *Ledger) reserveIn(ctx context.Context, s Store, lineID LineID, montant Montant, sourceRef string, opts ReserveOptions) (*Movement, error) {
	if opts.Override && opts.Justification == "" {
		return nil, ErrMissingJustification
	}

	line, err := loadMutable(ctx, s, lineID)
	if err != nil {
		return nil, err
	}

	disponible := line.Disponible()
	if montant.GreaterThan(disponible) && !opts.Override {
		return nil, &InsufficientBudgetError{
			LineID:     lineID,
			Requested:  montant,
			Disponible: disponible,
			Deficit:    montant.Sub(disponible),
		}
	}

	before := snapshotOf(line)
	line.MontantReserve = line.MontantReserve.Add(montant)

	mv := &Movement{
		ID:            newMovementID(),
		LineID:        lineID,
		Exercice:      line.Exercice,
		Kind:          MovementReserve,
		Delta:         montant,
		SourceRef:     sourceRef,
		Override:      opts.Override && montant.GreaterThan(disponible),
		Justification: opts.Justification,
		Before:        before,
		After:         snapshotOf(line),
		Actor:         opts.Actor,
		CreatedAt:     l.now(),
	}
	if err := saveWithMovement(ctx, s, line, *mv); err != nil {
		return nil, err
	}
	return mv, nil
}

// CommitStage moves montant into the cumulative total for stage. The
// engagement stage consumes the reservation first; any remainder must still
// fit in the disponible. Later stages are bounded by their predecessor's
// total. Idempotent on (stage, sourceRef).
func (l *Ledger) CommitStage(ctx context.Context, lineID LineID, montant Montant, stage Stage, sourceRef string, actor string) (*Movement, error) {
	var mv *Movement
	err := l.withRetry(ctx, func(s Store) error {
		var err error
		mv, err = l.commitStageIn(ctx, s, lineID, montant, stage, sourceRef, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

func (l *Ledger) commitStageIn(ctx context.Context, s Store, lineID LineID, montant Montant, stage Stage, sourceRef string, actor string) (*Movement, error) {
	if !ValidStage(stage) {
		return nil, &StageExceededError{LineID: lineID, Stage: stage, Requested: montant, Remaining: ZeroMontant()}
	}

	// Replay with the same source document is a no-op.
	if prior, err := s.FindCommit(ctx, lineID, stage, sourceRef); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	line, err := loadMutable(ctx, s, lineID)
	if err != nil {
		return nil, err
	}

	before := snapshotOf(line)

	if stage == StageEngagement {
		// Consume the reservation first, then free room.
		fromReserve := montant
		if line.MontantReserve.LessThan(fromReserve) {
			fromReserve = line.MontantReserve
		}
		remainder := montant.Sub(fromReserve)
		if remainder.GreaterThan(line.Disponible()) {
			return nil, &InsufficientBudgetError{
				LineID:     lineID,
				Requested:  montant,
				Disponible: line.Disponible().Add(fromReserve),
				Deficit:    remainder.Sub(line.Disponible()),
			}
		}
		line.MontantReserve = line.MontantReserve.Sub(fromReserve)
		line.TotalEngage = line.TotalEngage.Add(montant)
	} else {
		prev := previousStage(stage)
		remaining := line.StageTotal(prev).Sub(line.StageTotal(stage))
		if montant.GreaterThan(remaining) {
			return nil, &StageExceededError{
				LineID:    lineID,
				Stage:     stage,
				Requested: montant,
				Remaining: remaining,
			}
		}
		line.setStageTotal(stage, line.StageTotal(stage).Add(montant))
	}

	mv := &Movement{
		ID:        newMovementID(),
		LineID:    lineID,
		Exercice:  line.Exercice,
		Kind:      MovementCommit,
		Stage:     stage,
		Delta:     montant,
		SourceRef: sourceRef,
		Before:    before,
		After:     snapshotOf(line),
		Actor:     actor,
		CreatedAt: l.now(),
	}
	if err := saveWithMovement(ctx, s, line, *mv); err != nil {
		return nil, err
	}
	return mv, nil
}

// Release reverses a reservation on rejection or cancellation.
func (l *Ledger) Release(ctx context.Context, lineID LineID, montant Montant, sourceRef string, actor string) (*Movement, error) {
	var mv *Movement
	err := l.withRetry(ctx, func(s Store) error {
		var err error
		mv, err = l.releaseIn(ctx, s, lineID, montant, sourceRef, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mv, nil
}

func (l *Ledger) releaseIn(ctx context.Context, s Store, lineID LineID, montant Montant, sourceRef string, actor string) (*Movement, error) {
	line, err := loadMutable(ctx, s, lineID)
	if err != nil {
		return nil, err
	}
	if montant.GreaterThan(line.MontantReserve) {
		return nil, ErrReleaseExceedsReserve
	}

	before := snapshotOf(line)
	line.MontantReserve = line.MontantReserve.Sub(montant)

	mv := &Movement{
		ID:        newMovementID(),
		LineID:    lineID,
		Exercice:  line.Exercice,
		Kind:      MovementRelease,
		Delta:     montant.Neg(),
		SourceRef: sourceRef,
		Before:    before,
		After:     snapshotOf(line),
		Actor:     actor,
		CreatedAt: l.now(),
	}
	if err := saveWithMovement(ctx, s, line, *mv); err != nil {
		return nil, err
	}
	return mv, nil
}

// Movements returns the full history for a line, oldest first.
func (l *Ledger) Movements(ctx context.Context, lineID LineID) ([]Movement, error) {
	return l.Store.MovementsByLine(ctx, lineID)
}

// =============================================================================
// TRANSACTION-BOUND VIEW
// =============================================================================

// InTx returns a ledger view whose operations run directly against s,
// joining a transaction the caller already holds open instead of opening a
// nested one. The caller's transaction provides atomicity and rollback;
// version conflicts are not retried here and surface as ErrStaleVersion.
func (l *Ledger) InTx(s Store) *TxLedger {
	return &TxLedger{ledger: l, store: s}
}

// TxLedger applies ledger operations inside a caller-owned transaction.
type TxLedger struct {
	ledger *Ledger
	store  Store
}

func (t *TxLedger) CheckAvailability(ctx context.Context, lineID LineID, montant Montant) (Availability, error) {
	return checkAvailabilityIn(ctx, t.store, lineID, montant)
}

func (t *TxLedger) Reserve(ctx context.Context, lineID LineID, montant Montant, sourceRef string, opts ReserveOptions) (*Movement, error) {
	return t.ledger.reserveIn(ctx, t.store, lineID, montant, sourceRef, opts)
}

func (t *TxLedger) CommitStage(ctx context.Context, lineID LineID, montant Montant, stage Stage, sourceRef string, actor string) (*Movement, error) {
	return t.ledger.commitStageIn(ctx, t.store, lineID, montant, stage, sourceRef, actor)
}

func (t *TxLedger) Release(ctx context.Context, lineID LineID, montant Montant, sourceRef string, actor string) (*Movement, error) {
	return t.ledger.releaseIn(ctx, t.store, lineID, montant, sourceRef, actor)
}

// =============================================================================
// INTERNALS
// =============================================================================

// withRetry runs fn inside a store transaction, retrying bounded times on
// version conflicts. Client errors are never retried.
func (l *Ledger) withRetry(ctx context.Context, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = l.Store.WithTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

func loadMutable(ctx context.Context, s Store, lineID LineID) (*BudgetLine, error) {
	line, err := s.GetLine(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Statut == LineCloture || !line.IsActive {
		return nil, ErrLineLocked
	}
	return line, nil
}

func saveWithMovement(ctx context.Context, s Store, line *BudgetLine, mv Movement) error {
	if err := s.SaveLine(ctx, line); err != nil {
		return err
	}
	return s.AppendMovement(ctx, mv)
}
