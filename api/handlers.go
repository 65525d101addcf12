/*
handlers.go - HTTP API handlers for the expenditure chain engine

PURPOSE:
  Exposes the budget ledger, the workflow engine, the sequence allocator and
  the alert scanner via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Budget lines:
    GET    /api/budget/lines                       List lines for an exercice
    POST   /api/budget/lines                       Create a line
    GET    /api/budget/lines/{id}                  Get one line
    GET    /api/budget/lines/{id}/availability     Check availability
    POST   /api/budget/lines/{id}/reserve          Reserve credit
    POST   /api/budget/lines/{id}/commit           Commit a chain stage
    POST   /api/budget/lines/{id}/release          Release a reservation
    GET    /api/budget/lines/{id}/movements        Movement history

  Sequences:
    POST   /api/sequences/next                     Allocate a reference number
    POST   /api/sequences/sync                     Raise counter after import

  Workflow:
    POST   /api/workflow/{module}                  Create a document
    POST   /api/workflow/{module}/{id}/execute     Run a transition
    GET    /api/workflow/{module}/{id}/status      Status with history

  Transfers:
    POST   /api/transfers                          Register a credit transfer
    GET    /api/transfers                          List transfers
    POST   /api/transfers/{id}/execute             Execute an approved transfer

  Alerts:
    POST   /api/alerts/scan                        Trigger a scan
    GET    /api/alerts                             List alerts
    POST   /api/alerts/rules                       Configure a threshold rule
    POST   /api/alerts/{id}/acknowledge            Mark as seen
    POST   /api/alerts/{id}/resolve                Close with a note

ACTOR IDENTITY:
  The caller's identity arrives in the X-Actor-Id and X-Actor-Roles headers
  (comma-separated roles), optionally X-Actor-Direction. Identity is managed
  by an external system; these handlers consume it read-only.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Role or separation-of-duties refusal
  - 404: Resource not found
  - 409: Version conflicts, replayed executions
  - 422: Insufficient budget, chain amount exceeded
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sygfp/budget-engine/budget"
	"github.com/sygfp/budget-engine/sequence"
	"github.com/sygfp/budget-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Lines     budget.TxStore
	Ledger    *budget.Ledger
	Transfers *budget.TransferService
	TransferQ budget.TransferStore
	Scanner   *budget.Scanner
	Alerts    budget.AlertStore
	Sequences sequence.Service
	Engine    *workflow.Engine

	Log zerolog.Logger
}

// actorFrom reads the caller identity headers.
func actorFrom(r *http.Request) workflow.Actor {
	actor := workflow.Actor{
		ID:          r.Header.Get("X-Actor-Id"),
		DirectionID: r.Header.Get("X-Actor-Direction"),
	}
	if raw := r.Header.Get("X-Actor-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				actor.Roles = append(actor.Roles, role)
			}
		}
	}
	return actor
}

// =============================================================================
// BUDGET LINE HANDLERS
// =============================================================================

func (h *Handler) ListLines(w http.ResponseWriter, r *http.Request) {
	exercice, err := strconv.Atoi(r.URL.Query().Get("exercice"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "exercice query parameter is required", err)
		return
	}

	lines, err := h.Lines.ListLines(r.Context(), exercice)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]BudgetLineDTO, len(lines))
	for i := range lines {
		dtos[i] = toLineDTO(&lines[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateLine(w http.ResponseWriter, r *http.Request) {
	var req CreateLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" || req.Code == "" || req.Exercice == 0 {
		writeError(w, http.StatusBadRequest, "id, code and exercice are required", nil)
		return
	}
	dotation, err := parseMontant(req.DotationInitiale)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dotation_initiale", err)
		return
	}

	now := time.Now()
	line := &budget.BudgetLine{
		ID:               budget.LineID(req.ID),
		Code:             req.Code,
		Label:            req.Label,
		Exercice:         req.Exercice,
		ParentID:         budget.LineID(req.ParentID),
		DirectionID:      req.DirectionID,
		DotationInitiale: dotation,
		DotationModifiee: budget.ZeroMontant(),
		MontantReserve:   budget.ZeroMontant(),
		TotalEngage:      budget.ZeroMontant(),
		TotalLiquide:     budget.ZeroMontant(),
		TotalOrdonnance:  budget.ZeroMontant(),
		TotalPaye:        budget.ZeroMontant(),
		Statut:           budget.LineValide,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.Lines.CreateLine(r.Context(), line); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLineDTO(line))
}

func (h *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	line, err := h.Lines.GetLine(r.Context(), budget.LineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(line))
}

func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	montant, err := parseMontant(r.URL.Query().Get("montant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid montant", err)
		return
	}

	avail, err := h.Ledger.CheckAvailability(r.Context(), budget.LineID(chi.URLParam(r, "id")), montant)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := AvailabilityDTO{Available: avail.Available, Disponible: avail.Disponible.String()}
	if !avail.Available {
		dto.Deficit = avail.Deficit.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	montant, err := parseMontant(req.Montant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid montant", err)
		return
	}

	mv, err := h.Ledger.Reserve(r.Context(), budget.LineID(chi.URLParam(r, "id")), montant, req.SourceRef,
		budget.ReserveOptions{
			Actor:         actorFrom(r).ID,
			Override:      req.Override,
			Justification: req.Justification,
		})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(mv))
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	montant, err := parseMontant(req.Montant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid montant", err)
		return
	}
	stage := budget.Stage(req.Stage)
	if !budget.ValidStage(stage) {
		writeError(w, http.StatusBadRequest, "invalid stage", nil)
		return
	}

	mv, err := h.Ledger.CommitStage(r.Context(), budget.LineID(chi.URLParam(r, "id")), montant, stage,
		req.SourceRef, actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(mv))
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	montant, err := parseMontant(req.Montant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid montant", err)
		return
	}

	mv, err := h.Ledger.Release(r.Context(), budget.LineID(chi.URLParam(r, "id")), montant,
		req.SourceRef, actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(mv))
}

func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.Ledger.Movements(r.Context(), budget.LineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]*MovementDTO, len(movements))
	for i := range movements {
		dtos[i] = toMovementDTO(&movements[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SEQUENCE HANDLERS
// =============================================================================

func (h *Handler) NextNumber(w http.ResponseWriter, r *http.Request) {
	var req SequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.DocType == "" || req.Exercice == 0 {
		writeError(w, http.StatusBadRequest, "doc_type and exercice are required", nil)
		return
	}

	num, err := h.Sequences.NextNumber(r.Context(), sequence.Key{
		DocType:       req.DocType,
		Exercice:      req.Exercice,
		Month:         req.Month,
		DirectionCode: req.DirectionCode,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SequenceDTO{Seq: num.Seq, Code: num.Code})
}

func (h *Handler) SyncSequence(w http.ResponseWriter, r *http.Request) {
	var req SequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := h.Sequences.SyncFromImport(r.Context(), sequence.Key{
		DocType:       req.DocType,
		Exercice:      req.Exercice,
		Month:         req.Month,
		DirectionCode: req.DirectionCode,
	}, req.ObservedMax)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// WORKFLOW HANDLERS
// =============================================================================

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	module := workflow.Module(chi.URLParam(r, "module"))

	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" || req.Exercice == 0 {
		writeError(w, http.StatusBadRequest, "id and exercice are required", nil)
		return
	}
	montant, err := parseMontant(req.Montant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid montant", err)
		return
	}

	now := time.Now()
	doc := &workflow.Document{
		ID:              req.ID,
		Module:          module,
		Numero:          req.Numero,
		Exercice:        req.Exercice,
		Objet:           req.Objet,
		Montant:         montant,
		BudgetLineID:    budget.LineID(req.BudgetLineID),
		PredecessorID:   req.PredecessorID,
		Statut:          workflow.StatutBrouillon,
		DateEntreeEtape: now,
		ResteAPayer:     budget.ZeroMontant(),
		CreatedBy:       actorFrom(r).ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.Engine.Store.CreateDocument(r.Context(), doc); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

func (h *Handler) ExecuteTransition(w http.ResponseWriter, r *http.Request) {
	ref := workflow.EntityRef{
		Module: workflow.Module(chi.URLParam(r, "module")),
		ID:     chi.URLParam(r, "id"),
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required", nil)
		return
	}

	result, err := h.Engine.Execute(r.Context(), ref, req.Action, actorFrom(r), workflow.Payload{
		Motif:                 req.Motif,
		Documents:             req.Documents,
		Override:              req.Override,
		OverrideJustification: req.Justification,
		DeferCondition:        req.DeferCondition,
		DeferResumeDate:       req.DeferResumeDate,
		Metadata:              req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Statut:   result.NewStatut,
		Document: toDocumentDTO(result.Document),
		Movement: toMovementDTO(result.Movement),
	})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ref := workflow.EntityRef{
		Module: workflow.Module(chi.URLParam(r, "module")),
		ID:     chi.URLParam(r, "id"),
	}

	status, err := h.Engine.Status(r.Context(), ref)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dto := StatusDTO{
		Statut:      status.Statut,
		CurrentStep: status.CurrentStep,
		History:     toHistoryDTOs(status.History),
	}
	if !status.DateEntreeEtape.IsZero() {
		dto.DateEntreeEtape = status.DateEntreeEtape.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" || req.FromLineID == "" || req.ToLineID == "" {
		writeError(w, http.StatusBadRequest, "id, from_line_id and to_line_id are required", nil)
		return
	}
	if req.FromLineID == req.ToLineID {
		writeError(w, http.StatusBadRequest, "source and destination lines must differ", nil)
		return
	}
	montant, err := parseMontant(req.Montant)
	if err != nil || !montant.IsPositive() {
		writeError(w, http.StatusBadRequest, "montant must be a positive amount", err)
		return
	}

	transfer := &budget.CreditTransfer{
		ID:          req.ID,
		Numero:      req.Numero,
		Exercice:    req.Exercice,
		FromLineID:  budget.LineID(req.FromLineID),
		ToLineID:    budget.LineID(req.ToLineID),
		Montant:     montant,
		Motif:       req.Motif,
		Statut:      budget.TransferBrouillon,
		RequestedBy: actorFrom(r).ID,
		RequestedAt: time.Now(),
	}
	if err := h.TransferQ.CreateTransfer(r.Context(), transfer); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(transfer))
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	exercice, err := strconv.Atoi(r.URL.Query().Get("exercice"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "exercice query parameter is required", err)
		return
	}

	transfers, err := h.TransferQ.ListTransfers(r.Context(), exercice)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]TransferDTO, len(transfers))
	for i := range transfers {
		dtos[i] = toTransferDTO(&transfers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.Transfers.Execute(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(transfer))
}

// =============================================================================
// ALERT HANDLERS
// =============================================================================

func (h *Handler) ScanAlerts(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	raised, err := h.Scanner.Scan(r.Context(), req.Exercice)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"raised": raised})
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	exercice, err := strconv.Atoi(r.URL.Query().Get("exercice"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "exercice query parameter is required", err)
		return
	}
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"

	alerts, err := h.Alerts.ListAlerts(r.Context(), exercice, unresolvedOnly)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]AlertDTO, len(alerts))
	for i := range alerts {
		dtos[i] = toAlertDTO(&alerts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveAlertRule(w http.ResponseWriter, r *http.Request) {
	var req AlertRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" || req.SeuilPct <= 0 {
		writeError(w, http.StatusBadRequest, "id and a positive seuil_pct are required", nil)
		return
	}

	rule := budget.AlertRule{
		ID:          req.ID,
		SeuilPct:    req.SeuilPct,
		Scope:       budget.AlertScope(req.Scope),
		LineID:      budget.LineID(req.LineID),
		Actif:       req.Actif,
		Description: req.Description,
	}
	if rule.Scope == "" {
		rule.Scope = budget.ScopeGlobal
	}
	if err := h.Alerts.SaveRule(r.Context(), rule); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.Scanner.Acknowledge(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTO(alert))
}

func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	alert, err := h.Scanner.Resolve(r.Context(), chi.URLParam(r, "id"), actorFrom(r).ID, req.Note)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertDTO(alert))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func parseMontant(s string) (budget.Montant, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return budget.ZeroMontant(), err
	}
	return budget.Montant{Value: d}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors onto HTTP statuses. The error text
// carries the violated rule's identity for the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ""

	switch {
	case budget.IsNotFound(err) || errors.Is(err, workflow.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrNotAuthorized) || errors.Is(err, workflow.ErrSeparationOfDuties):
		status = http.StatusForbidden
	case errors.Is(err, budget.ErrStaleVersion),
		errors.Is(err, budget.ErrTransferAlreadyExecuted),
		errors.Is(err, budget.ErrLineLocked):
		status = http.StatusConflict
	case errors.Is(err, budget.ErrInsufficientBudget),
		errors.Is(err, budget.ErrStageExceeded),
		errors.Is(err, workflow.ErrStageAmountExceeded):
		status = http.StatusUnprocessableEntity
	case budget.IsClientError(err) || workflow.IsClientError(err):
		status = http.StatusBadRequest
	}

	switch {
	case errors.Is(err, budget.ErrInsufficientBudget):
		code = "BUDGET_INSUFFISANT"
	case errors.Is(err, workflow.ErrSeparationOfDuties):
		code = "SEPARATION_DES_FONCTIONS"
	case errors.Is(err, budget.ErrStaleVersion):
		code = "CONFLIT_VERSION"
	}

	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
