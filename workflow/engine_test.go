package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sygfp/budget-engine/budget"
	budgetstore "github.com/sygfp/budget-engine/budget/store"
	"github.com/sygfp/budget-engine/workflow"
	workflowstore "github.com/sygfp/budget-engine/workflow/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fixture wires a full engine over in-memory stores with a controllable clock.
type fixture struct {
	now    time.Time
	engine *workflow.Engine
	docs   *workflowstore.Memory
	lines  *budgetstore.Memory
	ledger *budget.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:   time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
		docs:  workflowstore.NewMemory(),
		lines: budgetstore.NewMemory(),
	}

	require.NoError(t, f.lines.CreateLine(context.Background(), &budget.BudgetLine{
		ID:               "line-1",
		Code:             "6211",
		Exercice:         2025,
		DotationInitiale: budget.NewMontant(100_000),
		Statut:           budget.LineValide,
		IsActive:         true,
	}))

	f.ledger = budget.NewLedger(f.lines)
	f.ledger.Now = func() time.Time { return f.now }

	directory := workflowstore.StaticDirectory{
		"cb-1": {"CB"},
		"dg-1": {"DG"},
	}
	policy := workflow.NewPolicy(f.docs, directory, f.docs)

	f.engine = workflow.NewEngine(workflow.DefaultTable(), policy, f.docs, f.ledger)
	f.engine.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) createDoc(t *testing.T, module workflow.Module, id string, montant int64, predecessorID, createdBy string) {
	t.Helper()
	require.NoError(t, f.docs.CreateDocument(context.Background(), &workflow.Document{
		ID:              id,
		Module:          module,
		Exercice:        2025,
		Montant:         budget.NewMontant(montant),
		BudgetLineID:    "line-1",
		PredecessorID:   predecessorID,
		Statut:          workflow.StatutBrouillon,
		DateEntreeEtape: f.now,
		CreatedBy:       createdBy,
		CreatedAt:       f.now,
	}))
}

func (f *fixture) execute(t *testing.T, module workflow.Module, id, action string, actor workflow.Actor, payload workflow.Payload) *workflow.Result {
	t.Helper()
	result, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: module, ID: id}, action, actor, payload)
	require.NoError(t, err)
	return result
}

func (f *fixture) line(t *testing.T) *budget.BudgetLine {
	t.Helper()
	line, err := f.lines.GetLine(context.Background(), "line-1")
	require.NoError(t, err)
	return line
}

var (
	agent = workflow.Actor{ID: "agent-1"}
	cb    = workflow.Actor{ID: "cb-1", Roles: []string{"CB"}}
	cb2   = workflow.Actor{ID: "cb-2", Roles: []string{"CB"}}
	sdct  = workflow.Actor{ID: "sdct-1", Roles: []string{"SDCT"}}
	dg    = workflow.Actor{ID: "dg-1", Roles: []string{"DG"}}
)

// =============================================================================
// ENGAGEMENT LIFECYCLE
// =============================================================================

func TestExecute_SubmitReservesBudget(t *testing.T) {
	// Submitting an engagement soft-holds its montant on the budget line,
	// atomically with the status change.

	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")

	result := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})

	assert.Equal(t, workflow.StatutSoumis, result.NewStatut)
	require.NotNil(t, result.Movement)
	assert.Equal(t, budget.MovementReserve, result.Movement.Kind)
	assert.Equal(t, "40000", f.line(t).MontantReserve.String())

	status, err := f.engine.Status(context.Background(), workflow.EntityRef{Module: workflow.ModuleEngagement, ID: "eng-1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatutSoumis, status.Statut)
	require.Len(t, status.History, 1)
	assert.Equal(t, workflow.ActionSubmit, status.History[0].Action)
	assert.Equal(t, workflow.StatutBrouillon, status.History[0].FromStatut)
}

func TestExecute_ValidateCommitsEngagement(t *testing.T) {
	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})

	result := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionValidate, cb, workflow.Payload{})

	assert.Equal(t, workflow.StatutValide, result.NewStatut)
	assert.Equal(t, 1, result.Document.CurrentStep)

	line := f.line(t)
	assert.Equal(t, "0", line.MontantReserve.String())
	assert.Equal(t, "40000", line.TotalEngage.String())
}

func TestExecute_RejectRequiresMotifAndReleases(t *testing.T) {
	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})

	_, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleEngagement, ID: "eng-1"},
		workflow.ActionReject, cb, workflow.Payload{})
	assert.True(t, errors.Is(err, workflow.ErrMissingMotif))

	result := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionReject, cb,
		workflow.Payload{Motif: "piece justificative absente"})

	assert.Equal(t, workflow.StatutRejete, result.NewStatut)
	assert.Equal(t, "piece justificative absente", result.Document.RejectionReason)
	assert.Equal(t, "0", f.line(t).MontantReserve.String())
}

func TestExecute_UnknownTransition(t *testing.T) {
	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")

	_, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleEngagement, ID: "eng-1"},
		workflow.ActionValidate, cb, workflow.Payload{})
	assert.True(t, errors.Is(err, workflow.ErrTransitionNotAllowed))
}

func TestExecute_UnauthorizedValidator(t *testing.T) {
	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})

	_, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleEngagement, ID: "eng-1"},
		workflow.ActionValidate, agent, workflow.Payload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrNotAuthorized))

	var nae *workflow.NotAuthorizedError
	require.True(t, errors.As(err, &nae))
	assert.Contains(t, nae.RequiredRoles, "CB")
}

// =============================================================================
// SEPARATION OF DUTIES
// =============================================================================

func TestExecute_SeparationOfDuties(t *testing.T) {
	// With a duties-separated hierarchy row, the creator may not validate
	// their own document even when they hold the validator role; a different
	// holder of the same role passes.

	f := newFixture(t)
	require.NoError(t, f.docs.SaveRule(context.Background(), workflow.HierarchyRule{
		ID:                 "h-eng-0",
		Module:             workflow.ModuleEngagement,
		StepOrder:          0,
		Role:               "CB",
		SeparationOfDuties: true,
		IsActive:           true,
	}))

	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "cb-1")
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, cb, workflow.Payload{})

	_, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleEngagement, ID: "eng-1"},
		workflow.ActionValidate, cb, workflow.Payload{})
	assert.True(t, errors.Is(err, workflow.ErrSeparationOfDuties))

	result := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionValidate, cb2, workflow.Payload{})
	assert.Equal(t, workflow.StatutValide, result.NewStatut)
}

// =============================================================================
// DEFER / RESUME
// =============================================================================

func TestExecute_DeferPreservesStepEntry(t *testing.T) {
	// A deferred document keeps aging in its step: DateEntreeEtape survives
	// the pause, and RESUME re-enters the remembered status.

	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")

	submitted := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})
	entered := submitted.Document.DateEntreeEtape

	f.advance(48 * time.Hour)
	resumeDate := f.now.Add(7 * 24 * time.Hour)
	deferred := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionDefer, cb, workflow.Payload{
		Motif:           "attente de credits",
		DeferCondition:  "abondement de la ligne 6211",
		DeferResumeDate: &resumeDate,
	})

	assert.Equal(t, workflow.StatutDiffere, deferred.NewStatut)
	assert.Equal(t, workflow.StatutSoumis, deferred.Document.ResumeStatut)
	assert.Equal(t, entered, deferred.Document.DateEntreeEtape)

	f.advance(72 * time.Hour)
	resumed := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionResume, agent, workflow.Payload{})

	assert.Equal(t, workflow.StatutSoumis, resumed.NewStatut)
	assert.Equal(t, entered, resumed.Document.DateEntreeEtape)
	assert.Empty(t, resumed.Document.ResumeStatut)
	assert.Empty(t, resumed.Document.DeferCondition)
	assert.Nil(t, resumed.Document.DeferResumeDate)
}

// =============================================================================
// CHAIN AMOUNT BOUNDS
// =============================================================================

func TestExecute_LiquidationBoundedByEngagement(t *testing.T) {
	// GIVEN: a validated engagement of 50,000
	// WHEN: liquidating 60,000 against it
	// THEN: refused; after liquidating 30,000 only 20,000 remains

	f := newFixture(t)
	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 50_000, "", "agent-1")
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionValidate, cb, workflow.Payload{})

	f.createDoc(t, workflow.ModuleLiquidation, "liq-over", 60_000, "eng-1", "agent-1")
	f.execute(t, workflow.ModuleLiquidation, "liq-over", workflow.ActionSubmit, agent, workflow.Payload{})

	_, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleLiquidation, ID: "liq-over"},
		workflow.ActionValidate, sdct, workflow.Payload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrStageAmountExceeded))

	var sae *workflow.StageAmountError
	require.True(t, errors.As(err, &sae))
	assert.Equal(t, "50000", sae.Remaining)

	// Partial liquidation consumes the engagement.
	f.createDoc(t, workflow.ModuleLiquidation, "liq-1", 30_000, "eng-1", "agent-1")
	f.execute(t, workflow.ModuleLiquidation, "liq-1", workflow.ActionSubmit, agent, workflow.Payload{})
	f.execute(t, workflow.ModuleLiquidation, "liq-1", workflow.ActionValidate, sdct, workflow.Payload{})

	f.createDoc(t, workflow.ModuleLiquidation, "liq-2", 30_000, "eng-1", "agent-1")
	f.execute(t, workflow.ModuleLiquidation, "liq-2", workflow.ActionSubmit, agent, workflow.Payload{})

	_, err = f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleLiquidation, ID: "liq-2"},
		workflow.ActionValidate, sdct, workflow.Payload{})
	require.Error(t, err)
	require.True(t, errors.As(err, &sae))
	assert.Equal(t, "20000", sae.Remaining)
}

// =============================================================================
// DG VALIDATION THRESHOLD
// =============================================================================

func TestExecute_ForwardDGThreshold(t *testing.T) {
	// FORWARD_DG only exists above 50M FCFA.

	f := newFixture(t)

	// A line large enough for the big liquidation, already engaged.
	ctx := context.Background()
	require.NoError(t, f.lines.CreateLine(ctx, &budget.BudgetLine{
		ID:               "line-big",
		Code:             "2411",
		Exercice:         2025,
		DotationInitiale: budget.NewMontant(100_000_000),
		Statut:           budget.LineValide,
		IsActive:         true,
	}))
	_, err := f.ledger.CommitStage(ctx, "line-big", budget.NewMontant(60_000_000), budget.StageEngagement, "ENG-2025-0042", "cb-1")
	require.NoError(t, err)

	small := &workflow.Document{
		ID: "liq-small", Module: workflow.ModuleLiquidation, Exercice: 2025,
		Montant: budget.NewMontant(10_000_000), BudgetLineID: "line-big",
		Statut: workflow.StatutSoumis, CreatedBy: "agent-1",
	}
	big := &workflow.Document{
		ID: "liq-big", Module: workflow.ModuleLiquidation, Exercice: 2025,
		Montant: budget.NewMontant(60_000_000), BudgetLineID: "line-big",
		Statut: workflow.StatutSoumis, CreatedBy: "agent-1",
	}
	require.NoError(t, f.docs.CreateDocument(ctx, small))
	require.NoError(t, f.docs.CreateDocument(ctx, big))

	_, err = f.engine.Execute(ctx,
		workflow.EntityRef{Module: workflow.ModuleLiquidation, ID: "liq-small"},
		workflow.ActionForwardDG, sdct, workflow.Payload{})
	assert.True(t, errors.Is(err, workflow.ErrTransitionNotAllowed))

	forwarded := f.execute(t, workflow.ModuleLiquidation, "liq-big", workflow.ActionForwardDG, sdct, workflow.Payload{})
	assert.Equal(t, workflow.StatutEnValidationDG, forwarded.NewStatut)

	validated := f.execute(t, workflow.ModuleLiquidation, "liq-big", workflow.ActionValidateDG, dg, workflow.Payload{})
	assert.Equal(t, workflow.StatutValide, validated.NewStatut)
	require.NotNil(t, validated.Movement)
	assert.Equal(t, budget.StageLiquidation, validated.Movement.Stage)
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestExecute_LedgerFailureRollsBackDocument(t *testing.T) {
	// When the ledger side-effect fails, the status change and its history
	// entry must not survive.

	f := newFixture(t)
	require.NoError(t, f.docs.CreateDocument(context.Background(), &workflow.Document{
		ID:           "eng-orphan",
		Module:       workflow.ModuleEngagement,
		Exercice:     2025,
		Montant:      budget.NewMontant(40_000),
		BudgetLineID: "line-missing",
		Statut:       workflow.StatutBrouillon,
		CreatedBy:    "agent-1",
	}))

	_, err := f.engine.Execute(context.Background(),
		workflow.EntityRef{Module: workflow.ModuleEngagement, ID: "eng-orphan"},
		workflow.ActionSubmit, agent, workflow.Payload{})
	require.Error(t, err)
	assert.True(t, budget.IsNotFound(err))

	doc, err := f.docs.GetDocument(context.Background(), workflow.ModuleEngagement, "eng-orphan")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatutBrouillon, doc.Statut)

	history, err := f.docs.HistoryByEntity(context.Background(), workflow.ModuleEngagement, "eng-orphan")
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =============================================================================
// DELEGATION
// =============================================================================

func TestExecute_DelegationGrantsAuthority(t *testing.T) {
	// An interim without the CB role validates through an active delegation
	// from a CB holder.

	f := newFixture(t)
	require.NoError(t, f.docs.SaveDelegation(context.Background(), workflow.Delegation{
		ID:          "del-1",
		Delegateur:  "cb-1",
		Delegataire: "interim-1",
		Perimetre:   []workflow.Module{workflow.ModuleEngagement},
		DateDebut:   f.now.Add(-24 * time.Hour),
		DateFin:     f.now.Add(24 * time.Hour),
		Active:      true,
		Motif:       "conges du controleur budgetaire",
	}))

	f.createDoc(t, workflow.ModuleEngagement, "eng-1", 40_000, "", "agent-1")
	f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionSubmit, agent, workflow.Payload{})

	interim := workflow.Actor{ID: "interim-1"}
	result := f.execute(t, workflow.ModuleEngagement, "eng-1", workflow.ActionValidate, interim, workflow.Payload{})
	assert.Equal(t, workflow.StatutValide, result.NewStatut)
}

// =============================================================================
// TRANSFER APPROVAL
// =============================================================================

func TestIsApproved_TracksCreditTransferWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.docs.CreateDocument(ctx, &workflow.Document{
		ID:        "vir-1",
		Module:    workflow.ModuleCreditTransfer,
		Exercice:  2025,
		Montant:   budget.NewMontant(30_000),
		Statut:    workflow.StatutBrouillon,
		CreatedBy: "daf-1",
	}))

	approved, err := f.engine.IsApproved(ctx, "vir-1")
	require.NoError(t, err)
	assert.False(t, approved)

	f.execute(t, workflow.ModuleCreditTransfer, "vir-1", workflow.ActionSubmit, workflow.Actor{ID: "daf-1"}, workflow.Payload{})
	f.execute(t, workflow.ModuleCreditTransfer, "vir-1", workflow.ActionValidate, dg, workflow.Payload{})

	approved, err = f.engine.IsApproved(ctx, "vir-1")
	require.NoError(t, err)
	assert.True(t, approved)
}
