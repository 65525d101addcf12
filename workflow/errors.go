/*
errors.go - Workflow and policy error types

Authorization and rule-absence errors are never retried; they surface with
the violated rule's identity so the caller can present a precise message.
*/
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTransitionNotAllowed is returned when no active rule matches
	// (module, from, action).
	ErrTransitionNotAllowed = errors.New("transition not allowed")

	// ErrNotAuthorized is returned when the actor holds none of the
	// required roles, directly or through delegation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrSeparationOfDuties is returned when the actor already acted on the
	// entity and the step is marked duties-separated.
	ErrSeparationOfDuties = errors.New("separation of duties violation")

	// ErrMissingMotif is returned when a transition requires a reason and
	// the payload carries none.
	ErrMissingMotif = errors.New("motif is required")

	// ErrMissingRequiredDocument is returned when the step's required
	// documents are not all provided.
	ErrMissingRequiredDocument = errors.New("required document missing")

	// ErrDocumentNotFound is returned for an unknown entity reference.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrStageAmountExceeded is returned when a document's montant exceeds
	// the remaining amount on its chain predecessor.
	ErrStageAmountExceeded = errors.New("montant exceeds predecessor remaining amount")

	// ErrNoHierarchyRule is returned when no validation hierarchy row
	// matches the requested module and step.
	ErrNoHierarchyRule = errors.New("no matching validation hierarchy rule")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// TransitionNotAllowedError identifies the rule lookup that failed.
type TransitionNotAllowedError struct {
	Module Module
	From   string
	Action string
	Reason string
}

func (e *TransitionNotAllowedError) Error() string {
	msg := fmt.Sprintf("no active transition for module %s from %q via %s", e.Module, e.From, e.Action)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionNotAllowedError) Unwrap() error { return ErrTransitionNotAllowed }

// NotAuthorizedError carries the role set the rule demanded.
type NotAuthorizedError struct {
	Module        Module
	Action        string
	ActorID       string
	RequiredRoles []string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("actor %s may not %s on %s: requires one of [%s]",
		e.ActorID, e.Action, e.Module, strings.Join(e.RequiredRoles, ", "))
}

func (e *NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }

// StageAmountError reports a chain-bound violation.
type StageAmountError struct {
	Module        Module
	EntityID      string
	PredecessorID string
	Requested     string
	Remaining     string
}

func (e *StageAmountError) Error() string {
	return fmt.Sprintf("%s %s: montant %s exceeds remaining %s on predecessor %s",
		e.Module, e.EntityID, e.Requested, e.Remaining, e.PredecessorID)
}

func (e *StageAmountError) Unwrap() error { return ErrStageAmountExceeded }

// IsClientError reports whether the error is a rejected request rather than
// an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrTransitionNotAllowed) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrSeparationOfDuties) ||
		errors.Is(err, ErrMissingMotif) ||
		errors.Is(err, ErrMissingRequiredDocument) ||
		errors.Is(err, ErrStageAmountExceeded)
}
