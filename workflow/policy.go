/*
policy.go - Validation policy: who may act, at which step, for what amount

PURPOSE:
  Centralizes every role decision behind one PolicyService so the engine
  never branches on role names directly:

    ResolveRequiredApprovers - which role(s) a step demands for an amount
    IsAuthorized             - direct role, or delegation/interim substitution
    CheckSeparationOfDuties  - the validator may not be an earlier actor

HIERARCHY PRECEDENCE:
  Several hierarchy rows can match one (module, step) with overlapping
  amount bands. Precedence: lowest step_order first, then the narrowest
  band (a bounded band beats an unbounded one), then creation order. Rows
  tied on the same band contribute their roles together, which is how a
  step requiring "DAAF or DG" is configured.

DELEGATIONS:
  A delegation grants the delegataire the delegateur's authority for a
  validity window and a perimetre of modules (empty perimetre = interim over
  everything). Authorization through delegation resolves the delegateur's
  roles through the external identity directory.
*/
package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/sygfp/budget-engine/budget"
)

// =============================================================================
// RULE TABLE TYPES
// =============================================================================

// HierarchyRule is one row of the validation hierarchy.
type HierarchyRule struct {
	ID        string
	Module    Module
	StepOrder int
	Role      string

	// Optional amount band. A nil bound is open on that side.
	MinAmount *budget.Montant
	MaxAmount *budget.Montant

	IsOptional         bool
	RequiredDocuments  []string
	SeparationOfDuties bool

	IsActive  bool
	CreatedAt time.Time
}

// matches reports whether montant falls inside the rule's band.
func (r *HierarchyRule) matches(montant budget.Montant) bool {
	if r.MinAmount != nil && montant.LessThan(*r.MinAmount) {
		return false
	}
	if r.MaxAmount != nil && montant.GreaterThan(*r.MaxAmount) {
		return false
	}
	return true
}

// bandWidth orders rules by specificity; unbounded sides count as infinite.
func (r *HierarchyRule) bandWidth() (bounded bool, width budget.Montant) {
	if r.MinAmount == nil || r.MaxAmount == nil {
		return false, budget.ZeroMontant()
	}
	return true, r.MaxAmount.Sub(*r.MinAmount)
}

// Delegation temporarily grants the delegateur's authority to the
// delegataire. An empty Perimetre is an interim covering every module.
type Delegation struct {
	ID          string
	Delegateur  string
	Delegataire string
	Perimetre   []Module
	DateDebut   time.Time
	DateFin     time.Time
	Active      bool
	Motif       string
}

// covers reports whether the delegation applies to module at the given date.
func (d *Delegation) covers(module Module, at time.Time) bool {
	if !d.Active || at.Before(d.DateDebut) || at.After(d.DateFin) {
		return false
	}
	if len(d.Perimetre) == 0 {
		return true
	}
	for _, m := range d.Perimetre {
		if m == module {
			return true
		}
	}
	return false
}

// StepRequirement is the resolved answer for one step and amount.
type StepRequirement struct {
	Roles              []string
	IsOptional         bool
	RequiredDocuments  []string
	SeparationOfDuties bool
}

// =============================================================================
// INTERFACES
// =============================================================================

// PolicyStore persists hierarchy rules and delegations.
type PolicyStore interface {
	RulesForModule(ctx context.Context, module Module) ([]HierarchyRule, error)
	SaveRule(ctx context.Context, r HierarchyRule) error

	// DelegationsTo returns delegations granted to the actor that are
	// active at the given instant.
	DelegationsTo(ctx context.Context, actorID string, at time.Time) ([]Delegation, error)
	SaveDelegation(ctx context.Context, d Delegation) error
}

// IdentityDirectory is the external identity/access-control collaborator,
// consumed read-only: it answers which roles an actor currently holds.
type IdentityDirectory interface {
	RolesOf(ctx context.Context, actorID string) ([]string, error)
}

// PolicyService answers every authorization question the engine asks.
type PolicyService interface {
	ResolveRequiredApprovers(ctx context.Context, module Module, step int, montant budget.Montant) (StepRequirement, error)
	IsAuthorized(ctx context.Context, actor Actor, requiredRoles []string, module Module, at time.Time) (bool, error)
	CheckSeparationOfDuties(ctx context.Context, ref EntityRef, createdBy string, actor Actor, step int) error
}

// =============================================================================
// DEFAULT POLICY
// =============================================================================

type Policy struct {
	Store    PolicyStore
	Identity IdentityDirectory
	History  HistoryStore
}

func NewPolicy(store PolicyStore, identity IdentityDirectory, history HistoryStore) *Policy {
	return &Policy{Store: store, Identity: identity, History: history}
}

// ResolveRequiredApprovers looks up the hierarchy rows for (module, step)
// whose amount band contains montant, applies the precedence order, and
// merges the roles of the winning band.
func (p *Policy) ResolveRequiredApprovers(ctx context.Context, module Module, step int, montant budget.Montant) (StepRequirement, error) {
	rules, err := p.Store.RulesForModule(ctx, module)
	if err != nil {
		return StepRequirement{}, err
	}

	var candidates []HierarchyRule
	for _, r := range rules {
		if !r.IsActive || r.StepOrder != step || !r.matches(montant) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return StepRequirement{}, ErrNoHierarchyRule
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		bi, wi := candidates[i].bandWidth()
		bj, wj := candidates[j].bandWidth()
		if bi != bj {
			return bi // bounded bands win over unbounded
		}
		if bi && bj && !wi.Equal(wj) {
			return wi.LessThan(wj)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	best := candidates[0]
	req := StepRequirement{
		IsOptional:         best.IsOptional,
		RequiredDocuments:  best.RequiredDocuments,
		SeparationOfDuties: best.SeparationOfDuties,
	}

	// Rows sharing the winning band contribute their roles together.
	bestBounded, bestWidth := best.bandWidth()
	seen := map[string]bool{}
	for _, c := range candidates {
		b, w := c.bandWidth()
		if b != bestBounded || (b && !w.Equal(bestWidth)) {
			continue
		}
		if !seen[c.Role] {
			seen[c.Role] = true
			req.Roles = append(req.Roles, c.Role)
		}
		req.SeparationOfDuties = req.SeparationOfDuties || c.SeparationOfDuties
	}
	return req, nil
}

// IsAuthorized reports whether the actor holds one of the required roles,
// directly or through an active delegation covering the module. ADMIN
// always passes; an empty requirement gates nothing.
func (p *Policy) IsAuthorized(ctx context.Context, actor Actor, requiredRoles []string, module Module, at time.Time) (bool, error) {
	if len(requiredRoles) == 0 || actor.HasRole(RoleAdmin) {
		return true, nil
	}
	for _, required := range requiredRoles {
		if actor.HasRole(required) {
			return true, nil
		}
	}

	// Delegation / interim substitution: the delegataire acts with the
	// delegateur's roles for the covered modules.
	delegations, err := p.Store.DelegationsTo(ctx, actor.ID, at)
	if err != nil {
		return false, err
	}
	for _, d := range delegations {
		if !d.covers(module, at) {
			continue
		}
		grantorRoles, err := p.Identity.RolesOf(ctx, d.Delegateur)
		if err != nil {
			return false, err
		}
		for _, gr := range grantorRoles {
			for _, required := range requiredRoles {
				if gr == required {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// CheckSeparationOfDuties fails when the step is marked duties-separated
// and the actor already acted on the entity (created it, or performed an
// earlier transition).
func (p *Policy) CheckSeparationOfDuties(ctx context.Context, ref EntityRef, createdBy string, actor Actor, step int) error {
	rules, err := p.Store.RulesForModule(ctx, ref.Module)
	if err != nil {
		return err
	}
	separated := false
	for _, r := range rules {
		if r.IsActive && r.StepOrder == step && r.SeparationOfDuties {
			separated = true
			break
		}
	}
	if !separated {
		return nil
	}

	if createdBy != "" && createdBy == actor.ID {
		return ErrSeparationOfDuties
	}

	history, err := p.History.HistoryByEntity(ctx, ref.Module, ref.ID)
	if err != nil {
		return err
	}
	for _, h := range history {
		// Rejections do not taint the actor; forward progress does.
		if h.Action == ActionReject {
			continue
		}
		if h.Actor == actor.ID {
			return ErrSeparationOfDuties
		}
	}
	return nil
}
