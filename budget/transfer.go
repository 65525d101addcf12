/*
transfer.go - Credit transfers between budget lines

PURPOSE:
  A credit transfer (virement de credits) moves dotation from one line to
  another: the source's DotationModifiee is debited and the destination's is
  credited, with before/after snapshots on both sides. The transfer document
  has its own workflow; execution requires it to have reached the approved
  terminal state.

ATOMICITY:
  Both legs run inside one store transaction. The two lines are loaded and
  saved in ascending line-ID order so concurrent transfers touching the same
  pair cannot deadlock. Failure of either leg aborts both.

SEE ALSO:
  - workflow: the credit_transfer module transitions that approve a transfer
  - ledger.go: the shared version-guarded save path
*/
package budget

import (
	"context"
	"time"
)

// =============================================================================
// CREDIT TRANSFER
// =============================================================================

const (
	TransferBrouillon = "brouillon"
	TransferSoumis    = "soumis"
	TransferValide    = "valide"
	TransferRejete    = "rejete"
	TransferExecute   = "execute"
)

type CreditTransfer struct {
	ID       string
	Numero   string
	Exercice int

	FromLineID LineID
	ToLineID   LineID
	Montant    Montant
	Motif      string

	Statut          string
	RejectionReason string

	RequestedBy string
	RequestedAt time.Time
	ApprovedBy  string
	ApprovedAt  *time.Time
	ExecutedBy  string
	ExecutedAt  *time.Time

	// Dotation effective snapshots taken at execution.
	FromDotationAvant Montant
	FromDotationApres Montant
	ToDotationAvant   Montant
	ToDotationApres   Montant
}

// ApprovalChecker reports whether a transfer's workflow reached its approved
// state. The workflow engine satisfies this; when nil, the transfer's own
// Statut field is consulted instead.
type ApprovalChecker interface {
	IsApproved(ctx context.Context, transferID string) (bool, error)
}

// =============================================================================
// TRANSFER SERVICE
// =============================================================================

type TransferService struct {
	Lines     TxStore
	Transfers TransferStore
	Approvals ApprovalChecker
	Now       Clock
}

func NewTransferService(lines TxStore, transfers TransferStore) *TransferService {
	return &TransferService{Lines: lines, Transfers: transfers, Now: time.Now}
}

func (ts *TransferService) now() time.Time {
	if ts.Now != nil {
		return ts.Now()
	}
	return time.Now()
}

// Execute applies an approved transfer to both lines in one atomic unit.
func (ts *TransferService) Execute(ctx context.Context, transferID string, actor string) (*CreditTransfer, error) {
	transfer, err := ts.Transfers.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.ExecutedAt != nil {
		return nil, ErrTransferAlreadyExecuted
	}

	approved := transfer.Statut == TransferValide
	if ts.Approvals != nil {
		approved, err = ts.Approvals.IsApproved(ctx, transferID)
		if err != nil {
			return nil, err
		}
	}
	if !approved {
		return nil, ErrTransferNotApproved
	}

	now := ts.now()
	savedInTx := false

	err = ts.Lines.WithTx(ctx, func(s Store) error {
		// Fixed global lock order: ascending line ID.
		firstID, secondID := transfer.FromLineID, transfer.ToLineID
		if secondID < firstID {
			firstID, secondID = secondID, firstID
		}

		first, err := loadMutable(ctx, s, firstID)
		if err != nil {
			return err
		}
		second, err := loadMutable(ctx, s, secondID)
		if err != nil {
			return err
		}

		from, to := first, second
		if from.ID != transfer.FromLineID {
			from, to = second, first
		}

		// The debit may not push the source under its committed totals.
		if transfer.Montant.GreaterThan(from.Disponible()) {
			return &InsufficientBudgetError{
				LineID:     from.ID,
				Requested:  transfer.Montant,
				Disponible: from.Disponible(),
				Deficit:    transfer.Montant.Sub(from.Disponible()),
			}
		}

		fromBefore := snapshotOf(from)
		toBefore := snapshotOf(to)

		from.DotationModifiee = from.DotationModifiee.Sub(transfer.Montant)
		to.DotationModifiee = to.DotationModifiee.Add(transfer.Montant)

		debit := Movement{
			ID:        newMovementID(),
			LineID:    from.ID,
			Exercice:  from.Exercice,
			Kind:      MovementTransferDebit,
			Delta:     transfer.Montant.Neg(),
			SourceRef: transfer.ID,
			Motif:     transfer.Motif,
			Before:    fromBefore,
			After:     snapshotOf(from),
			Actor:     actor,
			CreatedAt: now,
		}
		credit := Movement{
			ID:        newMovementID(),
			LineID:    to.ID,
			Exercice:  to.Exercice,
			Kind:      MovementTransferCredit,
			Delta:     transfer.Montant,
			SourceRef: transfer.ID,
			Motif:     transfer.Motif,
			Before:    toBefore,
			After:     snapshotOf(to),
			Actor:     actor,
			CreatedAt: now,
		}

		// Save in lock order as loaded.
		if err := saveWithMovement(ctx, s, from, debit); err != nil {
			return err
		}
		if err := saveWithMovement(ctx, s, to, credit); err != nil {
			return err
		}

		transfer.Statut = TransferExecute
		transfer.ExecutedBy = actor
		transfer.ExecutedAt = &now
		transfer.FromDotationAvant = fromBefore.DotationInitiale.Add(fromBefore.DotationModifiee)
		transfer.FromDotationApres = from.DotationEffective()
		transfer.ToDotationAvant = toBefore.DotationInitiale.Add(toBefore.DotationModifiee)
		transfer.ToDotationApres = to.DotationEffective()

		// When the store's transactional view also persists transfers, the
		// transfer row joins the same atomic unit.
		if tstore, ok := s.(TransferStore); ok {
			savedInTx = true
			return tstore.SaveTransfer(ctx, transfer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !savedInTx {
		if err := ts.Transfers.SaveTransfer(ctx, transfer); err != nil {
			return nil, err
		}
	}
	return transfer, nil
}
