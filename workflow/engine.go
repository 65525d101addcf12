/*
engine.go - The workflow transition engine

PURPOSE:
  Execute is the single entry point for every status change in the system.
  It resolves the rule, asks the policy layer whether the actor may act,
  enforces motif/document/amount gates, applies the ledger side-effect, and
  commits the status change with its history record as one unit.

EXECUTION ORDER:
  1. rule lookup                      -> TransitionNotAllowedError
  2. authorization + separation       -> NotAuthorizedError / ErrSeparationOfDuties
  3. motif / documents / montant gate -> ErrMissingMotif / ...
  4. chain amount bound               -> StageAmountError
  5. document + history + ledger op inside one WithTx; the ledger call runs
     last so its failure rolls the document back, and when the store view
     exposes the budget tables (BudgetViewer) the budget delta joins the
     same transaction. No operation partially applies.

DEFER / RESUME:
  DEFER parks the document in "differe", remembering where to resume and
  keeping DateEntreeEtape so age-based alerting stays accurate across the
  pause. RESUME re-enters the remembered status at the same step.
*/
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sygfp/budget-engine/budget"
)

// =============================================================================
// LEDGER GATEWAY - the budget side-effects a transition may carry
// =============================================================================

type LedgerGateway interface {
	CheckAvailability(ctx context.Context, lineID budget.LineID, montant budget.Montant) (budget.Availability, error)
	Reserve(ctx context.Context, lineID budget.LineID, montant budget.Montant, sourceRef string, opts budget.ReserveOptions) (*budget.Movement, error)
	CommitStage(ctx context.Context, lineID budget.LineID, montant budget.Montant, stage budget.Stage, sourceRef string, actor string) (*budget.Movement, error)
	Release(ctx context.Context, lineID budget.LineID, montant budget.Montant, sourceRef string, actor string) (*budget.Movement, error)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Table  TransitionTable
	Policy PolicyService
	Store  TxEngineStore
	Ledger LedgerGateway

	Now Clock
}

type Clock func() time.Time

func NewEngine(table TransitionTable, policy PolicyService, store TxEngineStore, ledger LedgerGateway) *Engine {
	return &Engine{Table: table, Policy: policy, Store: store, Ledger: ledger, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Payload carries the caller-supplied context for a transition.
type Payload struct {
	Motif string

	// Documents lists the attachment type codes provided with the entity,
	// checked against the step's required documents.
	Documents []string

	// Override forwards the insufficient-budget escape hatch to Reserve.
	Override              bool
	OverrideJustification string

	DeferCondition  string
	DeferResumeDate *time.Time

	Metadata map[string]string
}

// Result is the outcome of a successful transition.
type Result struct {
	NewStatut string
	Document  *Document
	Movement  *budget.Movement
}

// Execute runs one transition on the referenced entity.
func (e *Engine) Execute(ctx context.Context, ref EntityRef, action string, actor Actor, payload Payload) (*Result, error) {
	doc, err := e.Store.GetDocument(ctx, ref.Module, ref.ID)
	if err != nil {
		return nil, err
	}

	rule := e.Table.Find(ref.Module, doc.Statut, action)
	if rule == nil {
		return nil, &TransitionNotAllowedError{Module: ref.Module, From: doc.Statut, Action: action}
	}

	now := e.now()

	// Authorization, with delegation substitution.
	ok, err := e.Policy.IsAuthorized(ctx, actor, rule.RequiredRoles, ref.Module, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotAuthorizedError{Module: ref.Module, Action: action, ActorID: actor.ID, RequiredRoles: rule.RequiredRoles}
	}

	// Separation of duties applies to role-gated forward progress.
	if len(rule.RequiredRoles) > 0 && action != ActionReject && action != ActionDefer {
		if err := e.Policy.CheckSeparationOfDuties(ctx, ref, doc.CreatedBy, actor, doc.CurrentStep); err != nil {
			return nil, err
		}
	}

	if rule.RequiresMotif && payload.Motif == "" {
		return nil, ErrMissingMotif
	}

	if rule.RequiresDocuments {
		if err := e.checkRequiredDocuments(ctx, doc, payload); err != nil {
			return nil, err
		}
	}

	if rule.MinMontant != nil && doc.Montant.LessThan(*rule.MinMontant) {
		return nil, &TransitionNotAllowedError{
			Module: ref.Module, From: doc.Statut, Action: action,
			Reason: "montant below the threshold for this transition",
		}
	}

	// Chain bound: a stage's amount may not exceed what remains on its
	// predecessor (liquidation <= engagement, reglement <= ordonnancement).
	var resteAPayer *budget.Montant
	if rule.BudgetOp == OpCommit && ChainPredecessor(ref.Module) != "" {
		remaining, err := e.predecessorRemaining(ctx, doc)
		if err != nil {
			return nil, err
		}
		if doc.Montant.GreaterThan(remaining) {
			return nil, &StageAmountError{
				Module:        ref.Module,
				EntityID:      doc.ID,
				PredecessorID: doc.PredecessorID,
				Requested:     doc.Montant.String(),
				Remaining:     remaining.String(),
			}
		}
		r := remaining.Sub(doc.Montant)
		resteAPayer = &r
	}

	fromStatut := doc.Statut
	e.applyStatusChange(doc, rule, action, payload, now)
	if ref.Module == ModuleReglement && resteAPayer != nil {
		doc.ResteAPayer = *resteAPayer
	}

	entry := HistoryEntry{
		ID:         uuid.NewString(),
		Module:     ref.Module,
		EntityID:   doc.ID,
		FromStatut: fromStatut,
		ToStatut:   doc.Statut,
		Action:     action,
		Actor:      actor.ID,
		Motif:      payload.Motif,
		Metadata:   payload.Metadata,
		At:         now,
	}

	var movement *budget.Movement
	err = e.Store.WithTx(ctx, func(s EngineStore) error {
		if err := s.SaveDocument(ctx, doc); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			return err
		}
		// The ledger call runs last: its failure aborts the document and
		// history writes. When the store view exposes the budget tables the
		// delta joins this transaction; otherwise the ledger is itself
		// atomic per line.
		movement, err = e.applyBudgetOp(ctx, s, doc, rule, actor, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Result{NewStatut: doc.Statut, Document: doc, Movement: movement}, nil
}

// Status returns the current workflow position of an entity with its full
// transition history.
type StatusView struct {
	Statut          string
	CurrentStep     int
	DateEntreeEtape time.Time
	History         []HistoryEntry
}

func (e *Engine) Status(ctx context.Context, ref EntityRef) (*StatusView, error) {
	doc, err := e.Store.GetDocument(ctx, ref.Module, ref.ID)
	if err != nil {
		return nil, err
	}
	history, err := e.Store.HistoryByEntity(ctx, ref.Module, ref.ID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		Statut:          doc.Statut,
		CurrentStep:     doc.CurrentStep,
		DateEntreeEtape: doc.DateEntreeEtape,
		History:         history,
	}, nil
}

// IsApproved satisfies budget.ApprovalChecker for credit transfers.
func (e *Engine) IsApproved(ctx context.Context, transferID string) (bool, error) {
	doc, err := e.Store.GetDocument(ctx, ModuleCreditTransfer, transferID)
	if err != nil {
		return false, err
	}
	return doc.Statut == StatutValide, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) applyStatusChange(doc *Document, rule *TransitionRule, action string, payload Payload, now time.Time) {
	switch action {
	case ActionDefer:
		// Park: remember where to resume; DateEntreeEtape is preserved so
		// the document keeps aging in its step.
		doc.ResumeStatut = doc.Statut
		doc.Statut = rule.To
		doc.DeferCondition = payload.DeferCondition
		doc.DeferResumeDate = payload.DeferResumeDate

	case ActionResume:
		if doc.ResumeStatut != "" {
			doc.Statut = doc.ResumeStatut
		} else {
			doc.Statut = rule.To
		}
		doc.ResumeStatut = ""
		doc.DeferCondition = ""
		doc.DeferResumeDate = nil
		// DateEntreeEtape deliberately untouched: the pause does not reset
		// the document's age in the step.

	default:
		doc.Statut = rule.To
		doc.DateEntreeEtape = now
		if action == ActionReject {
			doc.RejectionReason = payload.Motif
		}
		if isForwardProgress(action) {
			doc.CurrentStep++
		}
	}
	doc.UpdatedAt = now
}

func isForwardProgress(action string) bool {
	switch action {
	case ActionValidate, ActionValidateDG, ActionForwardDir, ActionForwardDG,
		ActionImpute, ActionPrepareSign, ActionSign, ActionPay:
		return true
	}
	return false
}

func (e *Engine) applyBudgetOp(ctx context.Context, s EngineStore, doc *Document, rule *TransitionRule, actor Actor, payload Payload) (*budget.Movement, error) {
	if rule.BudgetOp == OpNone || e.Ledger == nil || doc.BudgetLineID == "" {
		return nil, nil
	}
	ledger := e.ledgerFor(s)

	switch rule.BudgetOp {
	case OpReserve:
		return ledger.Reserve(ctx, doc.BudgetLineID, doc.Montant, doc.ID, budget.ReserveOptions{
			Actor:         actor.ID,
			Override:      payload.Override,
			Justification: payload.OverrideJustification,
		})
	case OpCommit:
		return ledger.CommitStage(ctx, doc.BudgetLineID, doc.Montant, rule.BudgetStage, doc.ID, actor.ID)
	case OpRelease:
		return ledger.Release(ctx, doc.BudgetLineID, doc.Montant, doc.ID, actor.ID)
	}
	return nil, nil
}

// ledgerFor binds the ledger to the transactional store view when both sides
// support it. Calling back into the gateway's own transaction machinery from
// inside WithTx would nest transactions; on a single shared database handle
// that wedges, so the budget delta must ride the open transaction instead.
func (e *Engine) ledgerFor(s EngineStore) LedgerGateway {
	binder, ok := e.Ledger.(interface{ InTx(budget.Store) *budget.TxLedger })
	if !ok {
		return e.Ledger
	}
	view, ok := s.(BudgetViewer)
	if !ok {
		return e.Ledger
	}
	return binder.InTx(view.BudgetView())
}

func (e *Engine) checkRequiredDocuments(ctx context.Context, doc *Document, payload Payload) error {
	req, err := e.Policy.ResolveRequiredApprovers(ctx, doc.Module, doc.CurrentStep, doc.Montant)
	if err != nil {
		// A module without hierarchy rows has no document requirements.
		if err == ErrNoHierarchyRule {
			return nil
		}
		return err
	}

	provided := make(map[string]bool, len(payload.Documents))
	for _, d := range payload.Documents {
		provided[d] = true
	}
	for _, required := range req.RequiredDocuments {
		if !provided[required] {
			return ErrMissingRequiredDocument
		}
	}
	return nil
}

// predecessorRemaining computes how much of the predecessor document's
// montant is still unconsumed by this module's validated documents.
func (e *Engine) predecessorRemaining(ctx context.Context, doc *Document) (budget.Montant, error) {
	predModule := ChainPredecessor(doc.Module)
	if doc.PredecessorID == "" {
		return doc.Montant, nil // unchained documents are unbounded
	}
	pred, err := e.Store.GetDocument(ctx, predModule, doc.PredecessorID)
	if err != nil {
		return budget.ZeroMontant(), err
	}

	consumed, err := e.Store.SumSuccessors(ctx, doc.Module, doc.PredecessorID, consumedStatuts(doc.Module))
	if err != nil {
		return budget.ZeroMontant(), err
	}
	return pred.Montant.Sub(consumed), nil
}

// consumedStatuts lists the statuses in which a document counts against its
// predecessor's remaining amount.
func consumedStatuts(m Module) []string {
	switch m {
	case ModuleReglement:
		return []string{StatutPaye, StatutCloture}
	case ModuleOrdonnancement:
		return []string{StatutSigne, StatutValide}
	}
	return []string{StatutValide}
}
