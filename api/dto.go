/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Montants cross the wire as decimal strings ("1500000"), never as floats.
  Parsing errors are client errors.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/sygfp/budget-engine/budget"
	"github.com/sygfp/budget-engine/workflow"
)

// =============================================================================
// BUDGET LINE TYPES
// =============================================================================

// BudgetLineDTO represents a budget line in API responses.
type BudgetLineDTO struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Label       string `json:"label"`
	Exercice    int    `json:"exercice"`
	ParentID    string `json:"parent_id,omitempty"`
	DirectionID string `json:"direction_id,omitempty"`

	DotationInitiale  string `json:"dotation_initiale"`
	DotationModifiee  string `json:"dotation_modifiee"`
	DotationEffective string `json:"dotation_effective"`
	MontantReserve    string `json:"montant_reserve"`
	TotalEngage       string `json:"total_engage"`
	TotalLiquide      string `json:"total_liquide"`
	TotalOrdonnance   string `json:"total_ordonnance"`
	TotalPaye         string `json:"total_paye"`
	Disponible        string `json:"disponible"`

	Statut   string `json:"statut"`
	IsActive bool   `json:"is_active"`
	Version  int64  `json:"version"`
}

// CreateLineRequest is the request to create a budget line.
type CreateLineRequest struct {
	ID               string `json:"id"`
	Code             string `json:"code"`
	Label            string `json:"label"`
	Exercice         int    `json:"exercice"`
	ParentID         string `json:"parent_id,omitempty"`
	DirectionID      string `json:"direction_id,omitempty"`
	DotationInitiale string `json:"dotation_initiale"`
}

// AvailabilityDTO is the answer to an availability check.
type AvailabilityDTO struct {
	Available  bool   `json:"available"`
	Disponible string `json:"disponible"`
	Deficit    string `json:"deficit,omitempty"`
}

// ReserveRequest is the request body for reserve and release.
type ReserveRequest struct {
	Montant       string `json:"montant"`
	SourceRef     string `json:"source_ref"`
	Override      bool   `json:"override,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// CommitRequest is the request body for a stage commitment.
type CommitRequest struct {
	Montant   string `json:"montant"`
	Stage     string `json:"stage"`
	SourceRef string `json:"source_ref"`
}

// MovementDTO represents one ledger movement.
type MovementDTO struct {
	ID            string `json:"id"`
	LineID        string `json:"line_id"`
	Kind          string `json:"kind"`
	Stage         string `json:"stage,omitempty"`
	Delta         string `json:"delta"`
	SourceRef     string `json:"source_ref,omitempty"`
	Motif         string `json:"motif,omitempty"`
	Override      bool   `json:"override,omitempty"`
	Justification string `json:"justification,omitempty"`
	DisponibleApres string `json:"disponible_apres"`
	Actor         string `json:"actor,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// =============================================================================
// SEQUENCE TYPES
// =============================================================================

// SequenceRequest identifies a counter; for sync it carries the observed max.
type SequenceRequest struct {
	DocType       string `json:"doc_type"`
	Exercice      int    `json:"exercice"`
	Month         int    `json:"month,omitempty"`
	DirectionCode string `json:"direction_code,omitempty"`
	ObservedMax   int64  `json:"observed_max,omitempty"`
}

// SequenceDTO is an allocated reference number.
type SequenceDTO struct {
	Seq  int64  `json:"seq"`
	Code string `json:"code"`
}

// =============================================================================
// WORKFLOW TYPES
// =============================================================================

// CreateDocumentRequest is the request to create a workflow document.
type CreateDocumentRequest struct {
	ID            string `json:"id"`
	Numero        string `json:"numero,omitempty"`
	Exercice      int    `json:"exercice"`
	Objet         string `json:"objet,omitempty"`
	Montant       string `json:"montant"`
	BudgetLineID  string `json:"budget_line_id,omitempty"`
	PredecessorID string `json:"predecessor_id,omitempty"`
}

// ExecuteRequest is the request body for a workflow transition.
type ExecuteRequest struct {
	Action          string            `json:"action"`
	Motif           string            `json:"motif,omitempty"`
	Documents       []string          `json:"documents,omitempty"`
	Override        bool              `json:"override,omitempty"`
	Justification   string            `json:"justification,omitempty"`
	DeferCondition  string            `json:"defer_condition,omitempty"`
	DeferResumeDate *time.Time        `json:"defer_resume_date,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ExecuteResponse is the outcome of a transition.
type ExecuteResponse struct {
	Statut   string       `json:"statut"`
	Document DocumentDTO  `json:"document"`
	Movement *MovementDTO `json:"movement,omitempty"`
}

// DocumentDTO represents a workflow document.
type DocumentDTO struct {
	ID              string `json:"id"`
	Module          string `json:"module"`
	Numero          string `json:"numero,omitempty"`
	Exercice        int    `json:"exercice"`
	Objet           string `json:"objet,omitempty"`
	Montant         string `json:"montant"`
	BudgetLineID    string `json:"budget_line_id,omitempty"`
	PredecessorID   string `json:"predecessor_id,omitempty"`
	Statut          string `json:"statut"`
	CurrentStep     int    `json:"current_step"`
	DateEntreeEtape string `json:"date_entree_etape,omitempty"`
	ResteAPayer     string `json:"reste_a_payer,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
}

// StatusDTO is a document's workflow position with its history.
type StatusDTO struct {
	Statut          string       `json:"statut"`
	CurrentStep     int          `json:"current_step"`
	DateEntreeEtape string       `json:"date_entree_etape,omitempty"`
	History         []HistoryDTO `json:"history"`
}

// HistoryDTO is one transition record.
type HistoryDTO struct {
	FromStatut string `json:"from_statut"`
	ToStatut   string `json:"to_statut"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	Motif      string `json:"motif,omitempty"`
	At         string `json:"at"`
}

// =============================================================================
// TRANSFER TYPES
// =============================================================================

// CreateTransferRequest is the request to register a credit transfer.
type CreateTransferRequest struct {
	ID         string `json:"id"`
	Numero     string `json:"numero"`
	Exercice   int    `json:"exercice"`
	FromLineID string `json:"from_line_id"`
	ToLineID   string `json:"to_line_id"`
	Montant    string `json:"montant"`
	Motif      string `json:"motif,omitempty"`
}

// TransferDTO represents a credit transfer.
type TransferDTO struct {
	ID         string `json:"id"`
	Numero     string `json:"numero"`
	Exercice   int    `json:"exercice"`
	FromLineID string `json:"from_line_id"`
	ToLineID   string `json:"to_line_id"`
	Montant    string `json:"montant"`
	Motif      string `json:"motif,omitempty"`
	Statut     string `json:"statut"`

	FromDotationAvant string `json:"from_dotation_avant,omitempty"`
	FromDotationApres string `json:"from_dotation_apres,omitempty"`
	ToDotationAvant   string `json:"to_dotation_avant,omitempty"`
	ToDotationApres   string `json:"to_dotation_apres,omitempty"`

	ExecutedBy string `json:"executed_by,omitempty"`
	ExecutedAt string `json:"executed_at,omitempty"`
}

// =============================================================================
// ALERT TYPES
// =============================================================================

// AlertDTO represents a threshold alert.
type AlertDTO struct {
	ID       string `json:"id"`
	RuleID   string `json:"rule_id"`
	LineID   string `json:"line_id"`
	Exercice int    `json:"exercice"`

	Niveau       string  `json:"niveau"`
	SeuilAtteint float64 `json:"seuil_atteint"`
	TauxActuel   float64 `json:"taux_actuel"`
	Message      string  `json:"message"`

	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	ResolvedBy     string `json:"resolved_by,omitempty"`
	ResolutionNote string `json:"resolution_note,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

// AlertRuleRequest configures a threshold rule.
type AlertRuleRequest struct {
	ID          string  `json:"id"`
	SeuilPct    float64 `json:"seuil_pct"`
	Scope       string  `json:"scope"`
	LineID      string  `json:"line_id,omitempty"`
	Actif       bool    `json:"actif"`
	Description string  `json:"description,omitempty"`
}

// ScanRequest triggers an alert scan for an exercice.
type ScanRequest struct {
	Exercice int `json:"exercice"`
}

// ResolveRequest closes an alert with a note.
type ResolveRequest struct {
	Note string `json:"note,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toLineDTO(l *budget.BudgetLine) BudgetLineDTO {
	return BudgetLineDTO{
		ID:                string(l.ID),
		Code:              l.Code,
		Label:             l.Label,
		Exercice:          l.Exercice,
		ParentID:          string(l.ParentID),
		DirectionID:       l.DirectionID,
		DotationInitiale:  l.DotationInitiale.String(),
		DotationModifiee:  l.DotationModifiee.String(),
		DotationEffective: l.DotationEffective().String(),
		MontantReserve:    l.MontantReserve.String(),
		TotalEngage:       l.TotalEngage.String(),
		TotalLiquide:      l.TotalLiquide.String(),
		TotalOrdonnance:   l.TotalOrdonnance.String(),
		TotalPaye:         l.TotalPaye.String(),
		Disponible:        l.Disponible().String(),
		Statut:            string(l.Statut),
		IsActive:          l.IsActive,
		Version:           l.Version,
	}
}

func toMovementDTO(mv *budget.Movement) *MovementDTO {
	if mv == nil {
		return nil
	}
	return &MovementDTO{
		ID:              string(mv.ID),
		LineID:          string(mv.LineID),
		Kind:            string(mv.Kind),
		Stage:           string(mv.Stage),
		Delta:           mv.Delta.String(),
		SourceRef:       mv.SourceRef,
		Motif:           mv.Motif,
		Override:        mv.Override,
		Justification:   mv.Justification,
		DisponibleApres: mv.After.Disponible.String(),
		Actor:           mv.Actor,
		CreatedAt:       mv.CreatedAt.Format(time.RFC3339),
	}
}

func toDocumentDTO(d *workflow.Document) DocumentDTO {
	dto := DocumentDTO{
		ID:              d.ID,
		Module:          string(d.Module),
		Numero:          d.Numero,
		Exercice:        d.Exercice,
		Objet:           d.Objet,
		Montant:         d.Montant.String(),
		BudgetLineID:    string(d.BudgetLineID),
		PredecessorID:   d.PredecessorID,
		Statut:          d.Statut,
		CurrentStep:     d.CurrentStep,
		RejectionReason: d.RejectionReason,
		CreatedBy:       d.CreatedBy,
	}
	if !d.DateEntreeEtape.IsZero() {
		dto.DateEntreeEtape = d.DateEntreeEtape.Format(time.RFC3339)
	}
	if !d.ResteAPayer.IsZero() {
		dto.ResteAPayer = d.ResteAPayer.String()
	}
	return dto
}

func toTransferDTO(t *budget.CreditTransfer) TransferDTO {
	dto := TransferDTO{
		ID:         t.ID,
		Numero:     t.Numero,
		Exercice:   t.Exercice,
		FromLineID: string(t.FromLineID),
		ToLineID:   string(t.ToLineID),
		Montant:    t.Montant.String(),
		Motif:      t.Motif,
		Statut:     t.Statut,
		ExecutedBy: t.ExecutedBy,
	}
	if t.ExecutedAt != nil {
		dto.ExecutedAt = t.ExecutedAt.Format(time.RFC3339)
		dto.FromDotationAvant = t.FromDotationAvant.String()
		dto.FromDotationApres = t.FromDotationApres.String()
		dto.ToDotationAvant = t.ToDotationAvant.String()
		dto.ToDotationApres = t.ToDotationApres.String()
	}
	return dto
}

func toAlertDTO(a *budget.Alert) AlertDTO {
	return AlertDTO{
		ID:             a.ID,
		RuleID:         a.RuleID,
		LineID:         string(a.LineID),
		Exercice:       a.Exercice,
		Niveau:         string(a.Niveau),
		SeuilAtteint:   a.SeuilAtteint,
		TauxActuel:     a.TauxActuel,
		Message:        a.Message,
		AcknowledgedBy: a.AcknowledgedBy,
		ResolvedBy:     a.ResolvedBy,
		ResolutionNote: a.ResolutionNote,
		UpdatedAt:      a.UpdatedAt.Format(time.RFC3339),
	}
}

func toHistoryDTOs(entries []workflow.HistoryEntry) []HistoryDTO {
	dtos := make([]HistoryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = HistoryDTO{
			FromStatut: e.FromStatut,
			ToStatut:   e.ToStatut,
			Action:     e.Action,
			Actor:      e.Actor,
			Motif:      e.Motif,
			At:         e.At.Format(time.RFC3339),
		}
	}
	return dtos
}
