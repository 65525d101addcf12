/*
Package budget provides the budget ledger at the heart of the expenditure
chain engine.

PURPOSE:
  Tracks, per budget line and fiscal year (exercice), the allocated amounts
  (dotations), soft reservations pending commitment, and the cumulative
  consumption at each stage of the chain:

    engagement -> liquidation -> ordonnancement -> reglement

KEY CONCEPTS IN THIS FILE (types.go):
  - Montant: A monetary amount (FCFA) backed by decimal.Decimal
  - BudgetLine: The mutable, version-guarded accounting row
  - Movement: An immutable ledger entry with before/after snapshots
  - Stage: Which cumulative total a commitment targets

CORE INVARIANT:
  For every line at any time:

    TotalEngage + MontantReserve <= DotationEffective

  unless an explicit override movement with a recorded justification covers
  the excess. DotationEffective = DotationInitiale + DotationModifiee.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for money, never float
  2. Auditability: every mutation appends a Movement with snapshots
  3. Concurrency: optimistic version counter, bounded retry on conflict

SEE ALSO:
  - ledger.go: CheckAvailability / Reserve / CommitStage / Release
  - transfer.go: atomic two-line credit transfers
  - alert.go: threshold scanning over line consumption
*/
package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONTANT - Monetary amount (FCFA)
// =============================================================================

type Montant struct {
	Value decimal.Decimal
}

func NewMontant(value int64) Montant {
	return Montant{Value: decimal.NewFromInt(value)}
}

func NewMontantFromFloat(value float64) Montant {
	return Montant{Value: decimal.NewFromFloat(value)}
}

func MustParseMontant(s string) Montant {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Montant{Value: decimal.Zero}
	}
	return Montant{Value: d}
}

func ZeroMontant() Montant { return Montant{Value: decimal.Zero} }

func (m Montant) Add(o Montant) Montant      { return Montant{Value: m.Value.Add(o.Value)} }
func (m Montant) Sub(o Montant) Montant      { return Montant{Value: m.Value.Sub(o.Value)} }
func (m Montant) Neg() Montant               { return Montant{Value: m.Value.Neg()} }
func (m Montant) IsZero() bool               { return m.Value.IsZero() }
func (m Montant) IsNegative() bool           { return m.Value.IsNegative() }
func (m Montant) IsPositive() bool           { return m.Value.IsPositive() }
func (m Montant) GreaterThan(o Montant) bool { return m.Value.GreaterThan(o.Value) }
func (m Montant) LessThan(o Montant) bool    { return m.Value.LessThan(o.Value) }
func (m Montant) Equal(o Montant) bool       { return m.Value.Equal(o.Value) }
func (m Montant) String() string             { return m.Value.String() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LineID string
type MovementID string

// =============================================================================
// STAGE - Position in the expenditure chain
// =============================================================================

type Stage string

const (
	StageEngagement     Stage = "engagement"
	StageLiquidation    Stage = "liquidation"
	StageOrdonnancement Stage = "ordonnancement"
	StageReglement      Stage = "reglement"
)

// ValidStage reports whether s is one of the four chain stages.
func ValidStage(s Stage) bool {
	switch s {
	case StageEngagement, StageLiquidation, StageOrdonnancement, StageReglement:
		return true
	}
	return false
}

// =============================================================================
// BUDGET LINE
// =============================================================================

type LineStatut string

const (
	LineBrouillon LineStatut = "brouillon"
	LineSoumis    LineStatut = "soumis"
	LineValide    LineStatut = "valide"
	LineCloture   LineStatut = "cloture"
)

// BudgetLine is the per-line accounting row. Amounts are cumulative for the
// exercice; lines are only removed by fiscal-year archival, never by the
// ledger itself.
type BudgetLine struct {
	ID          LineID
	Code        string
	Label       string
	Exercice    int
	ParentID    LineID // hierarchical chart of budget lines; empty at the root
	DirectionID string

	DotationInitiale Montant
	DotationModifiee Montant // additive adjustments, including credit transfers
	MontantReserve   Montant // soft-held pending commitment

	TotalEngage     Montant
	TotalLiquide    Montant
	TotalOrdonnance Montant
	TotalPaye       Montant

	Statut   LineStatut
	IsActive bool

	// Version is the optimistic-concurrency counter; SaveLine fails with
	// ErrStaleVersion when it does not match the stored row.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DotationEffective is the spendable allocation: initial plus modifications.
func (l *BudgetLine) DotationEffective() Montant {
	return l.DotationInitiale.Add(l.DotationModifiee)
}

// Disponible is the remaining room for new reservations.
func (l *BudgetLine) Disponible() Montant {
	return l.DotationEffective().Sub(l.TotalEngage).Sub(l.MontantReserve)
}

// StageTotal returns the cumulative total for a chain stage.
func (l *BudgetLine) StageTotal(stage Stage) Montant {
	switch stage {
	case StageEngagement:
		return l.TotalEngage
	case StageLiquidation:
		return l.TotalLiquide
	case StageOrdonnancement:
		return l.TotalOrdonnance
	case StageReglement:
		return l.TotalPaye
	}
	return ZeroMontant()
}

func (l *BudgetLine) setStageTotal(stage Stage, v Montant) {
	switch stage {
	case StageEngagement:
		l.TotalEngage = v
	case StageLiquidation:
		l.TotalLiquide = v
	case StageOrdonnancement:
		l.TotalOrdonnance = v
	case StageReglement:
		l.TotalPaye = v
	}
}

// previousStage returns the stage whose total bounds this one, or "" for
// engagement (bounded by the dotation instead).
func previousStage(stage Stage) Stage {
	switch stage {
	case StageLiquidation:
		return StageEngagement
	case StageOrdonnancement:
		return StageLiquidation
	case StageReglement:
		return StageOrdonnancement
	}
	return ""
}

// =============================================================================
// MOVEMENT - Append-only ledger entry
// =============================================================================

type MovementKind string

const (
	MovementReserve        MovementKind = "reserve"
	MovementRelease        MovementKind = "release"
	MovementCommit         MovementKind = "commit" // qualified by Stage
	MovementTransferDebit  MovementKind = "transfer_debit"
	MovementTransferCredit MovementKind = "transfer_credit"
)

// Snapshot captures a line's amounts at a point in time. Movements carry a
// before and after snapshot so the history alone can reconcile a line.
type Snapshot struct {
	DotationInitiale Montant
	DotationModifiee Montant
	MontantReserve   Montant
	TotalEngage      Montant
	TotalLiquide     Montant
	TotalOrdonnance  Montant
	TotalPaye        Montant
	Disponible       Montant
}

func snapshotOf(l *BudgetLine) Snapshot {
	return Snapshot{
		DotationInitiale: l.DotationInitiale,
		DotationModifiee: l.DotationModifiee,
		MontantReserve:   l.MontantReserve,
		TotalEngage:      l.TotalEngage,
		TotalLiquide:     l.TotalLiquide,
		TotalOrdonnance:  l.TotalOrdonnance,
		TotalPaye:        l.TotalPaye,
		Disponible:       l.Disponible(),
	}
}

// Movement records one ledger mutation. Movements are never updated or
// deleted; corrections go through release / compensating movements.
type Movement struct {
	ID       MovementID
	LineID   LineID
	Exercice int

	Kind  MovementKind
	Stage Stage // set for MovementCommit
	Delta Montant

	// SourceRef is the document reference that caused the movement; commits
	// are idempotent keyed on (Kind, Stage, SourceRef).
	SourceRef string

	// Motif is the caller-supplied reason, when the operation carries one.
	Motif string

	// Override marks an insufficient-budget exception; Justification is the
	// recorded reason and is mandatory when Override is set.
	Override      bool
	Justification string

	Before Snapshot
	After  Snapshot

	Actor     string
	CreatedAt time.Time
}
