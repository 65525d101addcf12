/*
Package workflow provides the role-gated transition engine that governs every
status change on every financial document of the expenditure chain.

PURPOSE:
  Each module (note_sef, note_aef, imputation, expression_besoin,
  passation_marche, engagement, liquidation, ordonnancement, reglement,
  credit_transfer) has its own status vocabulary and its own transition
  rules. There is no global status enum: states are free-form strings and
  the rule table is the single source of truth, so adding a module never
  changes the engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Module / statut constants: the vocabulary observed in the chain
  - TransitionRule: (module, from, action) -> to, with role and budget gates
  - Document: the workflow-carrying entity, one per chain stage
  - HistoryEntry: immutable record of every transition

SEE ALSO:
  - table.go:  the rule tables, including the default chain configuration
  - policy.go: who may act (roles, delegations, separation of duties)
  - engine.go: Execute, the single entry point for status changes
*/
package workflow

import (
	"time"

	"github.com/sygfp/budget-engine/budget"
)

// =============================================================================
// MODULES
// =============================================================================

type Module string

const (
	ModuleNoteSEF          Module = "note_sef"
	ModuleNoteAEF          Module = "note_aef"
	ModuleImputation       Module = "imputation"
	ModuleExpressionBesoin Module = "expression_besoin"
	ModulePassationMarche  Module = "passation_marche"
	ModuleEngagement       Module = "engagement"
	ModuleLiquidation      Module = "liquidation"
	ModuleOrdonnancement   Module = "ordonnancement"
	ModuleReglement        Module = "reglement"
	ModuleCreditTransfer   Module = "credit_transfer"
)

// ChainPredecessor returns the module whose documents bound this module's
// amounts, or "" when the module is not amount-bounded by a predecessor.
func ChainPredecessor(m Module) Module {
	switch m {
	case ModuleLiquidation:
		return ModuleEngagement
	case ModuleOrdonnancement:
		return ModuleLiquidation
	case ModuleReglement:
		return ModuleOrdonnancement
	}
	return ""
}

// =============================================================================
// STATUTS - Free-form per module; these are the values the chain uses
// =============================================================================

const (
	StatutBrouillon      = "brouillon"
	StatutSoumis         = "soumis"
	StatutAValider       = "a_valider"
	StatutEnValidationDG = "en_validation_dg"
	StatutValide         = "valide"
	StatutRejete         = "rejete"
	StatutDiffere        = "differe"
	StatutImpute         = "impute"
	StatutEnSignature    = "en_signature"
	StatutSigne          = "signe"
	StatutPaye           = "paye"
	StatutCloture        = "cloture"
	StatutAnnule         = "annule"
)

// =============================================================================
// ACTIONS
// =============================================================================

const (
	ActionSubmit      = "SUBMIT"
	ActionValidate    = "VALIDATE"
	ActionValidateDG  = "VALIDATE_DG"
	ActionReject      = "REJECT"
	ActionDefer       = "DEFER"
	ActionResume      = "RESUME"
	ActionRevise      = "REVISE"
	ActionForwardDir  = "FORWARD_DIR"
	ActionForwardDG   = "FORWARD_DG"
	ActionImpute      = "IMPUTE"
	ActionPrepareSign = "PREPARE_SIGN"
	ActionSign        = "SIGN"
	ActionPay         = "PAY"
	ActionClose       = "CLOSE"
)

// =============================================================================
// ACTOR - Identity is an external, read-only collaborator
// =============================================================================

const RoleAdmin = "ADMIN"

type Actor struct {
	ID          string
	Roles       []string
	DirectionID string
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSITION RULES
// =============================================================================

// BudgetOp names the ledger side-effect a transition carries.
type BudgetOp string

const (
	OpNone    BudgetOp = ""
	OpReserve BudgetOp = "reserve"
	OpCommit  BudgetOp = "commit"
	OpRelease BudgetOp = "release"
)

// TransitionRule is one row of a module's rule table.
type TransitionRule struct {
	Module Module
	From   []string
	Action string
	To     string

	// RequiredRoles gates the action; empty means any authenticated actor
	// (the document owner path). ADMIN always passes.
	RequiredRoles []string

	RequiresMotif     bool
	RequiresDocuments bool

	// MinMontant gates transitions that only exist above a threshold
	// (e.g. FORWARD_DG at 50M FCFA).
	MinMontant *budget.Montant

	// Ledger side-effect, applied atomically with the status change.
	BudgetOp    BudgetOp
	BudgetStage budget.Stage

	IsActive bool
}

// AllowsFrom reports whether the rule matches the given current status.
func (r *TransitionRule) AllowsFrom(statut string) bool {
	for _, f := range r.From {
		if f == statut {
			return true
		}
	}
	return false
}

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is a workflow-carrying entity: one engagement, liquidation,
// ordonnancement, reglement, note or credit transfer.
type Document struct {
	ID       string
	Module   Module
	Numero   string
	Exercice int
	Objet    string

	Montant      budget.Montant
	BudgetLineID budget.LineID

	// PredecessorID references the previous chain stage's document
	// (liquidation -> engagement, reglement -> ordonnancement, ...).
	PredecessorID string

	Statut          string
	CurrentStep     int
	DateEntreeEtape time.Time

	// Deferral state. DateEntreeEtape is preserved across a defer so
	// age-based alerting stays accurate; ResumeStatut is where RESUME
	// re-enters the flow.
	DeferCondition  string
	DeferResumeDate *time.Time
	ResumeStatut    string

	// ResteAPayer tracks partial settlement on the reglement chain.
	ResteAPayer budget.Montant

	RejectionReason string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// HISTORY - Append-only transition log
// =============================================================================

type HistoryEntry struct {
	ID       string
	Module   Module
	EntityID string

	FromStatut string
	ToStatut   string
	Action     string

	Actor    string
	Motif    string
	Metadata map[string]string

	At time.Time
}

// EntityRef addresses a document across modules.
type EntityRef struct {
	Module Module
	ID     string
}
