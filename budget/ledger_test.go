package budget_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

func fixedClock() budget.Clock {
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newTestLedger(t *testing.T, dotation int64) (*budget.Ledger, *store.Memory, budget.LineID) {
	t.Helper()
	mem := store.NewMemory()
	line := &budget.BudgetLine{
		ID:               "line-1",
		Code:             "6211",
		Label:            "Fournitures de bureau",
		Exercice:         2025,
		DotationInitiale: budget.NewMontant(dotation),
		Statut:           budget.LineValide,
		IsActive:         true,
	}
	require.NoError(t, mem.CreateLine(context.Background(), line))

	ledger := budget.NewLedger(mem)
	ledger.Now = fixedClock()
	return ledger, mem, line.ID
}

func getLine(t *testing.T, mem *store.Memory, id budget.LineID) *budget.BudgetLine {
	t.Helper()
	line, err := mem.GetLine(context.Background(), id)
	require.NoError(t, err)
	return line
}

// =============================================================================
// AVAILABILITY
// =============================================================================

func TestCheckAvailability_ReportsDeficit(t *testing.T) {
	// GIVEN: a line with 100,000 dotation and 40,000 already reserved
	// WHEN: checking availability for 70,000
	// THEN: not available, deficit 10,000

	ctx := context.Background()
	ledger, _, lineID := newTestLedger(t, 100_000)

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(40_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	require.NoError(t, err)

	avail, err := ledger.CheckAvailability(ctx, lineID, budget.NewMontant(70_000))
	require.NoError(t, err)

	assert.False(t, avail.Available)
	assert.Equal(t, "60000", avail.Disponible.String())
	assert.Equal(t, "10000", avail.Deficit.String())
}

// =============================================================================
// RESERVE
// =============================================================================

func TestReserve_WithinDisponible(t *testing.T) {
	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	mv, err := ledger.Reserve(ctx, lineID, budget.NewMontant(40_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	require.NoError(t, err)

	assert.Equal(t, budget.MovementReserve, mv.Kind)
	assert.False(t, mv.Override)
	assert.Equal(t, "100000", mv.Before.Disponible.String())
	assert.Equal(t, "60000", mv.After.Disponible.String())

	line := getLine(t, mem, lineID)
	assert.Equal(t, "40000", line.MontantReserve.String())
}

func TestReserve_InsufficientBudget(t *testing.T) {
	// GIVEN: 100,000 dotation with 40,000 reserved
	// WHEN: reserving a further 70,000 without override
	// THEN: refused with the exact deficit, and nothing recorded

	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(40_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, lineID, budget.NewMontant(70_000), "ENG-2025-0002", budget.ReserveOptions{Actor: "agent-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrInsufficientBudget))

	var ibe *budget.InsufficientBudgetError
	require.True(t, errors.As(err, &ibe))
	assert.Equal(t, "10000", ibe.Deficit.String())
	assert.Equal(t, "60000", ibe.Disponible.String())

	line := getLine(t, mem, lineID)
	assert.Equal(t, "40000", line.MontantReserve.String())

	movements, err := ledger.Movements(ctx, lineID)
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestReserve_OverrideRequiresJustification(t *testing.T) {
	ctx := context.Background()
	ledger, _, lineID := newTestLedger(t, 100_000)

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(150_000), "ENG-2025-0001", budget.ReserveOptions{
		Actor:    "daf-1",
		Override: true,
	})
	assert.True(t, errors.Is(err, budget.ErrMissingJustification))
}

func TestReserve_OverridePastDotation(t *testing.T) {
	// An explicit override with a justification may exceed the dotation; the
	// exception is recorded on the movement.

	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	mv, err := ledger.Reserve(ctx, lineID, budget.NewMontant(150_000), "ENG-2025-0001", budget.ReserveOptions{
		Actor:         "daf-1",
		Override:      true,
		Justification: "decision du conseil d'administration",
	})
	require.NoError(t, err)

	assert.True(t, mv.Override)
	assert.Equal(t, "decision du conseil d'administration", mv.Justification)

	line := getLine(t, mem, lineID)
	assert.Equal(t, "150000", line.MontantReserve.String())
	assert.True(t, line.Disponible().IsNegative())
}

// =============================================================================
// COMMIT
// =============================================================================

func TestCommitStage_EngagementConsumesReservation(t *testing.T) {
	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(40_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	require.NoError(t, err)

	_, err = ledger.CommitStage(ctx, lineID, budget.NewMontant(40_000), budget.StageEngagement, "ENG-2025-0001", "cb-1")
	require.NoError(t, err)

	line := getLine(t, mem, lineID)
	assert.Equal(t, "0", line.MontantReserve.String())
	assert.Equal(t, "40000", line.TotalEngage.String())
	assert.Equal(t, "60000", line.Disponible().String())
}

func TestCommitStage_Idempotent(t *testing.T) {
	// Replaying the commit for the same source document returns the original
	// movement and never double-counts.

	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	first, err := ledger.CommitStage(ctx, lineID, budget.NewMontant(40_000), budget.StageEngagement, "ENG-2025-0001", "cb-1")
	require.NoError(t, err)

	second, err := ledger.CommitStage(ctx, lineID, budget.NewMontant(40_000), budget.StageEngagement, "ENG-2025-0001", "cb-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	line := getLine(t, mem, lineID)
	assert.Equal(t, "40000", line.TotalEngage.String())

	movements, err := ledger.Movements(ctx, lineID)
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestCommitStage_BoundedByPredecessorStage(t *testing.T) {
	// GIVEN: 40,000 engaged
	// WHEN: liquidating 50,000
	// THEN: refused; the liquidation total may not exceed the engaged total

	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	_, err := ledger.CommitStage(ctx, lineID, budget.NewMontant(40_000), budget.StageEngagement, "ENG-2025-0001", "cb-1")
	require.NoError(t, err)

	_, err = ledger.CommitStage(ctx, lineID, budget.NewMontant(50_000), budget.StageLiquidation, "LIQ-2025-0001", "sdct-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrStageExceeded))

	var see *budget.StageExceededError
	require.True(t, errors.As(err, &see))
	assert.Equal(t, "40000", see.Remaining.String())

	line := getLine(t, mem, lineID)
	assert.Equal(t, "0", line.TotalLiquide.String())
}

func TestCommitStage_FullChain(t *testing.T) {
	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	montant := budget.NewMontant(40_000)
	_, err := ledger.CommitStage(ctx, lineID, montant, budget.StageEngagement, "ENG-2025-0001", "cb-1")
	require.NoError(t, err)
	_, err = ledger.CommitStage(ctx, lineID, montant, budget.StageLiquidation, "LIQ-2025-0001", "sdct-1")
	require.NoError(t, err)
	_, err = ledger.CommitStage(ctx, lineID, montant, budget.StageOrdonnancement, "ORD-2025-0001", "dg-1")
	require.NoError(t, err)
	_, err = ledger.CommitStage(ctx, lineID, montant, budget.StageReglement, "REG-2025-0001", "tres-1")
	require.NoError(t, err)

	line := getLine(t, mem, lineID)
	assert.Equal(t, "40000", line.TotalEngage.String())
	assert.Equal(t, "40000", line.TotalLiquide.String())
	assert.Equal(t, "40000", line.TotalOrdonnance.String())
	assert.Equal(t, "40000", line.TotalPaye.String())
}

func TestCommitStage_InvalidStage(t *testing.T) {
	ctx := context.Background()
	ledger, _, lineID := newTestLedger(t, 100_000)

	_, err := ledger.CommitStage(ctx, lineID, budget.NewMontant(1_000), budget.Stage("mandatement"), "X-0001", "cb-1")
	assert.True(t, errors.Is(err, budget.ErrStageExceeded))
}

// =============================================================================
// RELEASE
// =============================================================================

func TestRelease_ReturnsReservation(t *testing.T) {
	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(40_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	require.NoError(t, err)

	mv, err := ledger.Release(ctx, lineID, budget.NewMontant(40_000), "ENG-2025-0001", "cb-1")
	require.NoError(t, err)
	assert.Equal(t, budget.MovementRelease, mv.Kind)
	assert.Equal(t, "-40000", mv.Delta.String())

	line := getLine(t, mem, lineID)
	assert.Equal(t, "0", line.MontantReserve.String())
	assert.Equal(t, "100000", line.Disponible().String())
}

func TestRelease_ExceedsReserve(t *testing.T) {
	ctx := context.Background()
	ledger, _, lineID := newTestLedger(t, 100_000)

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(10_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	require.NoError(t, err)

	_, err = ledger.Release(ctx, lineID, budget.NewMontant(20_000), "ENG-2025-0001", "cb-1")
	assert.True(t, errors.Is(err, budget.ErrReleaseExceedsReserve))
}

// =============================================================================
// LOCKED LINES
// =============================================================================

func TestLedger_ClosedLineIsLocked(t *testing.T) {
	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	line := getLine(t, mem, lineID)
	line.Statut = budget.LineCloture
	require.NoError(t, mem.SaveLine(ctx, line))

	_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(1_000), "ENG-2025-0001", budget.ReserveOptions{Actor: "agent-1"})
	assert.True(t, errors.Is(err, budget.ErrLineLocked))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestReserve_ConcurrentNeverOvercommits(t *testing.T) {
	// Ten goroutines race to reserve 30,000 each on a 100,000 line. Exactly
	// three can fit; the rest must fail, and the invariant
	// TotalEngage + MontantReserve <= DotationEffective must hold throughout.

	ctx := context.Background()
	ledger, mem, lineID := newTestLedger(t, 100_000)

	var wg sync.WaitGroup
	var succeeded, refused atomic.Int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, lineID, budget.NewMontant(30_000),
				"ENG-2025-"+string(rune('A'+n)), budget.ReserveOptions{Actor: "agent-1"})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, budget.ErrInsufficientBudget):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(3), succeeded.Load())
	assert.Equal(t, int64(7), refused.Load())

	line := getLine(t, mem, lineID)
	assert.Equal(t, "90000", line.MontantReserve.String())
	assert.False(t, line.TotalEngage.Add(line.MontantReserve).GreaterThan(line.DotationEffective()))
}

// =============================================================================
// VERSION GUARD
// =============================================================================

func TestSaveLine_StaleVersion(t *testing.T) {
	ctx := context.Background()
	_, mem, lineID := newTestLedger(t, 100_000)

	a := getLine(t, mem, lineID)
	b := getLine(t, mem, lineID)

	a.MontantReserve = budget.NewMontant(10_000)
	require.NoError(t, mem.SaveLine(ctx, a))

	b.MontantReserve = budget.NewMontant(20_000)
	err := mem.SaveLine(ctx, b)
	assert.True(t, errors.Is(err, budget.ErrStaleVersion))
	assert.True(t, budget.IsRetryable(err))
}
