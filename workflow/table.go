/*
table.go - Transition rule tables

PURPOSE:
  A TransitionTable answers "what does (module, from, action) resolve to".
  MemoryTable is the standard implementation; DefaultTable seeds it with the
  expenditure chain's configuration: the six transitions every module
  shares, plus the per-module specifics (DG forwarding above 50M FCFA,
  ordonnancement signature, reglement payment and closure, imputation).

  The engine never hard-codes a status or a role: everything an operator
  would tune lives in these rows.
*/
package workflow

import (
	"sync"

	"github.com/sygfp/budget-engine/budget"
)

// TransitionTable resolves transition rules per module.
type TransitionTable interface {
	// Find returns the active rule for (module, from, action), or nil.
	Find(module Module, from, action string) *TransitionRule

	// Actions lists the active rules available from a status.
	Actions(module Module, from string) []TransitionRule
}

// =============================================================================
// MEMORY TABLE
// =============================================================================

type MemoryTable struct {
	mu    sync.RWMutex
	rules []TransitionRule
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{}
}

func (t *MemoryTable) Add(rules ...TransitionRule) *MemoryTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rules...)
	return t
}

func (t *MemoryTable) Find(module Module, from, action string) *TransitionRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.rules {
		r := &t.rules[i]
		if r.IsActive && r.Module == module && r.Action == action && r.AllowsFrom(from) {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (t *MemoryTable) Actions(module Module, from string) []TransitionRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var result []TransitionRule
	for _, r := range t.rules {
		if r.IsActive && r.Module == module && r.AllowsFrom(from) {
			result = append(result, r)
		}
	}
	return result
}

// =============================================================================
// DEFAULT CHAIN CONFIGURATION
// =============================================================================

// SeuilValidationDG is the amount above which liquidations route through the
// DG before validation (FCFA).
var SeuilValidationDG = budget.NewMontant(50_000_000)

// validatorsByModule mirrors the chain's per-stage validator roles.
var validatorsByModule = map[Module][]string{
	ModuleNoteSEF:          {"DG", "ADMIN"},
	ModuleNoteAEF:          {"DIRECTEUR", "DG", "ADMIN"},
	ModuleImputation:       {"CB", "ADMIN"},
	ModuleExpressionBesoin: {"CHEF_SERVICE", "DIRECTEUR", "ADMIN"},
	ModulePassationMarche:  {"DG", "COMMISSION_MARCHES", "ADMIN"},
	ModuleEngagement:       {"CB", "ADMIN"},
	ModuleLiquidation:      {"SDCT", "DAAF", "DG", "ADMIN"},
	ModuleOrdonnancement:   {"DG", "ADMIN"},
	ModuleReglement:        {"TRESORERIE", "AGENT_COMPTABLE", "ADMIN"},
	ModuleCreditTransfer:   {"DG", "ADMIN"},
}

// commonRules are the transitions every module shares.
func commonRules(m Module, validators []string) []TransitionRule {
	return []TransitionRule{
		{Module: m, From: []string{StatutBrouillon}, Action: ActionSubmit, To: StatutSoumis, IsActive: true},
		{Module: m, From: []string{StatutSoumis}, Action: ActionValidate, To: StatutValide,
			RequiredRoles: validators, IsActive: true},
		{Module: m, From: []string{StatutSoumis, StatutAValider, StatutEnValidationDG}, Action: ActionReject, To: StatutRejete,
			RequiredRoles: validators, RequiresMotif: true, IsActive: true},
		{Module: m, From: []string{StatutSoumis, StatutAValider}, Action: ActionDefer, To: StatutDiffere,
			RequiredRoles: validators, RequiresMotif: true, IsActive: true},
		{Module: m, From: []string{StatutDiffere}, Action: ActionResume, To: StatutSoumis, IsActive: true},
		{Module: m, From: []string{StatutRejete}, Action: ActionRevise, To: StatutBrouillon, IsActive: true},
	}
}

// DefaultTable builds the full chain rule table.
func DefaultTable() *MemoryTable {
	t := NewMemoryTable()

	for module, validators := range validatorsByModule {
		switch module {
		case ModuleImputation:
			// Imputation validates in one move, against the budget.
			t.Add(
				TransitionRule{Module: module, From: []string{StatutBrouillon}, Action: ActionImpute, To: StatutImpute,
					RequiredRoles: validators, IsActive: true},
				TransitionRule{Module: module, From: []string{StatutBrouillon, StatutImpute}, Action: ActionReject, To: StatutRejete,
					RequiredRoles: validators, RequiresMotif: true, IsActive: true},
			)
		default:
			t.Add(commonRules(module, validators)...)
		}
	}

	// Engagement: submit reserves the budget; validation commits it; a
	// rejection after submission releases the hold.
	patch(t, ModuleEngagement, ActionSubmit, func(r *TransitionRule) {
		r.BudgetOp = OpReserve
	})
	patch(t, ModuleEngagement, ActionValidate, func(r *TransitionRule) {
		r.BudgetOp = OpCommit
		r.BudgetStage = budget.StageEngagement
	})
	patch(t, ModuleEngagement, ActionReject, func(r *TransitionRule) {
		r.BudgetOp = OpRelease
	})

	// Liquidation: documents are checked at submission; large amounts route
	// through the DG; validation commits the liquidation stage.
	patch(t, ModuleLiquidation, ActionSubmit, func(r *TransitionRule) {
		r.RequiresDocuments = true
	})
	patch(t, ModuleLiquidation, ActionValidate, func(r *TransitionRule) {
		r.BudgetOp = OpCommit
		r.BudgetStage = budget.StageLiquidation
	})
	t.Add(
		TransitionRule{Module: ModuleLiquidation, From: []string{StatutSoumis}, Action: ActionForwardDG, To: StatutEnValidationDG,
			RequiredRoles: []string{"SDCT", "DAAF"}, MinMontant: &SeuilValidationDG, IsActive: true},
		TransitionRule{Module: ModuleLiquidation, From: []string{StatutEnValidationDG}, Action: ActionValidateDG, To: StatutValide,
			RequiredRoles: []string{"DG", "ADMIN"}, BudgetOp: OpCommit, BudgetStage: budget.StageLiquidation, IsActive: true},
	)

	// Note AEF: the chef de service forwards to the directeur.
	t.Add(
		TransitionRule{Module: ModuleNoteAEF, From: []string{StatutSoumis}, Action: ActionForwardDir, To: StatutAValider,
			RequiredRoles: []string{"CHEF_SERVICE", "ADMIN"}, IsActive: true},
		TransitionRule{Module: ModuleNoteAEF, From: []string{StatutAValider}, Action: ActionValidate, To: StatutValide,
			RequiredRoles: []string{"DIRECTEUR", "DG", "ADMIN"}, IsActive: true},
	)

	// Ordonnancement: signature circuit; the DG's signature commits the
	// ordonnancement stage.
	t.Add(
		TransitionRule{Module: ModuleOrdonnancement, From: []string{StatutSoumis}, Action: ActionPrepareSign, To: StatutEnSignature,
			RequiredRoles: []string{"DAAF", "ADMIN"}, IsActive: true},
		TransitionRule{Module: ModuleOrdonnancement, From: []string{StatutEnSignature}, Action: ActionSign, To: StatutSigne,
			RequiredRoles: []string{"DG", "ADMIN"}, BudgetOp: OpCommit, BudgetStage: budget.StageOrdonnancement, IsActive: true},
	)

	// Reglement: payment commits the final stage; closure ends the chain.
	t.Add(
		TransitionRule{Module: ModuleReglement, From: []string{StatutSoumis}, Action: ActionPay, To: StatutPaye,
			RequiredRoles: []string{"TRESORERIE", "AGENT_COMPTABLE", "ADMIN"}, BudgetOp: OpCommit, BudgetStage: budget.StageReglement, IsActive: true},
		TransitionRule{Module: ModuleReglement, From: []string{StatutPaye}, Action: ActionClose, To: StatutCloture,
			RequiredRoles: []string{"TRESORERIE", "ADMIN"}, IsActive: true},
	)

	return t
}

// patch edits the first active rule matching (module, action) in place.
func patch(t *MemoryTable, module Module, action string, fn func(*TransitionRule)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rules {
		r := &t.rules[i]
		if r.Module == module && r.Action == action && r.IsActive {
			fn(r)
			return
		}
	}
}
