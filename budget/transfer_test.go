package budget_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sygfp/budget-engine/budget"
	"github.com/sygfp/budget-engine/budget/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTransferFixture(t *testing.T) (*budget.TransferService, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	for _, l := range []budget.BudgetLine{
		{ID: "line-a", Code: "6211", Exercice: 2025, DotationInitiale: budget.NewMontant(100_000), Statut: budget.LineValide, IsActive: true},
		{ID: "line-b", Code: "6212", Exercice: 2025, DotationInitiale: budget.NewMontant(50_000), Statut: budget.LineValide, IsActive: true},
	} {
		line := l
		require.NoError(t, mem.CreateLine(ctx, &line))
	}

	svc := budget.NewTransferService(mem, mem)
	svc.Now = fixedClock()
	return svc, mem
}

func seedTransfer(t *testing.T, mem *store.Memory, montant int64, statut string) *budget.CreditTransfer {
	t.Helper()
	transfer := &budget.CreditTransfer{
		ID:          "vir-1",
		Numero:      "TRANSFERT-2025-0001",
		Exercice:    2025,
		FromLineID:  "line-a",
		ToLineID:    "line-b",
		Montant:     budget.NewMontant(montant),
		Motif:       "reallocation trimestrielle",
		Statut:      statut,
		RequestedBy: "daf-1",
		RequestedAt: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mem.CreateTransfer(context.Background(), transfer))
	return transfer
}

type staticApproval bool

func (s staticApproval) IsApproved(context.Context, string) (bool, error) { return bool(s), nil }

// =============================================================================
// EXECUTION
// =============================================================================

func TestTransferExecute_MovesDotationBetweenLines(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTransferFixture(t)
	seedTransfer(t, mem, 30_000, budget.TransferValide)

	result, err := svc.Execute(ctx, "vir-1", "dg-1")
	require.NoError(t, err)

	assert.Equal(t, budget.TransferExecute, result.Statut)
	assert.Equal(t, "dg-1", result.ExecutedBy)
	require.NotNil(t, result.ExecutedAt)
	assert.Equal(t, "100000", result.FromDotationAvant.String())
	assert.Equal(t, "70000", result.FromDotationApres.String())
	assert.Equal(t, "50000", result.ToDotationAvant.String())
	assert.Equal(t, "80000", result.ToDotationApres.String())

	from := getLine(t, mem, "line-a")
	to := getLine(t, mem, "line-b")
	assert.Equal(t, "70000", from.DotationEffective().String())
	assert.Equal(t, "80000", to.DotationEffective().String())

	// One debit and one credit movement, both referencing the transfer.
	fromMoves, err := mem.MovementsByLine(ctx, "line-a")
	require.NoError(t, err)
	require.Len(t, fromMoves, 1)
	assert.Equal(t, budget.MovementTransferDebit, fromMoves[0].Kind)
	assert.Equal(t, "vir-1", fromMoves[0].SourceRef)

	toMoves, err := mem.MovementsByLine(ctx, "line-b")
	require.NoError(t, err)
	require.Len(t, toMoves, 1)
	assert.Equal(t, budget.MovementTransferCredit, toMoves[0].Kind)
}

func TestTransferExecute_NotApproved(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTransferFixture(t)
	seedTransfer(t, mem, 30_000, budget.TransferSoumis)

	_, err := svc.Execute(ctx, "vir-1", "dg-1")
	assert.True(t, errors.Is(err, budget.ErrTransferNotApproved))
}

func TestTransferExecute_ApprovalCheckerWins(t *testing.T) {
	// When an approval checker is wired, the transfer row's own Statut is
	// ignored: the workflow is the source of truth.

	ctx := context.Background()
	svc, mem := newTransferFixture(t)
	seedTransfer(t, mem, 30_000, budget.TransferValide)

	svc.Approvals = staticApproval(false)
	_, err := svc.Execute(ctx, "vir-1", "dg-1")
	assert.True(t, errors.Is(err, budget.ErrTransferNotApproved))

	svc.Approvals = staticApproval(true)
	_, err = svc.Execute(ctx, "vir-1", "dg-1")
	assert.NoError(t, err)
}

func TestTransferExecute_Replay(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTransferFixture(t)
	seedTransfer(t, mem, 30_000, budget.TransferValide)

	_, err := svc.Execute(ctx, "vir-1", "dg-1")
	require.NoError(t, err)

	_, err = svc.Execute(ctx, "vir-1", "dg-1")
	assert.True(t, errors.Is(err, budget.ErrTransferAlreadyExecuted))

	from := getLine(t, mem, "line-a")
	assert.Equal(t, "70000", from.DotationEffective().String())
}

func TestTransferExecute_InsufficientSourceAbortsBothLegs(t *testing.T) {
	// GIVEN: the source has 60,000 of its 100,000 already engaged
	// WHEN: transferring 50,000 away
	// THEN: refused, and neither line changed

	ctx := context.Background()
	svc, mem := newTransferFixture(t)
	seedTransfer(t, mem, 50_000, budget.TransferValide)

	ledger := budget.NewLedger(mem)
	_, err := ledger.CommitStage(ctx, "line-a", budget.NewMontant(60_000), budget.StageEngagement, "ENG-2025-0001", "cb-1")
	require.NoError(t, err)

	_, err = svc.Execute(ctx, "vir-1", "dg-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrInsufficientBudget))

	from := getLine(t, mem, "line-a")
	to := getLine(t, mem, "line-b")
	assert.Equal(t, "100000", from.DotationEffective().String())
	assert.Equal(t, "50000", to.DotationEffective().String())

	// The failed transfer left no movement on the destination.
	toMoves, err := mem.MovementsByLine(ctx, "line-b")
	require.NoError(t, err)
	assert.Empty(t, toMoves)

	// And the transfer row is untouched.
	transfer, err := mem.GetTransfer(ctx, "vir-1")
	require.NoError(t, err)
	assert.Equal(t, budget.TransferValide, transfer.Statut)
	assert.Nil(t, transfer.ExecutedAt)
}
