// Package store provides budget store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sygfp/budget-engine/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements budget.TxStore, budget.TransferStore and
// budget.AlertStore behind one mutex so WithTx gives real isolation.
type Memory struct {
	mu        sync.RWMutex
	lines     map[budget.LineID]budget.BudgetLine
	movements map[budget.LineID][]budget.Movement
	transfers map[string]budget.CreditTransfer
	rules     map[string]budget.AlertRule
	alerts    map[string]budget.Alert
}

var (
	_ budget.TxStore       = (*Memory)(nil)
	_ budget.TransferStore = (*Memory)(nil)
	_ budget.AlertStore    = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		lines:     make(map[budget.LineID]budget.BudgetLine),
		movements: make(map[budget.LineID][]budget.Movement),
		transfers: make(map[string]budget.CreditTransfer),
		rules:     make(map[string]budget.AlertRule),
		alerts:    make(map[string]budget.Alert),
	}
}

// -----------------------------------------------------------------------------
// budget.Store
// -----------------------------------------------------------------------------

func (m *Memory) GetLine(_ context.Context, id budget.LineID) (*budget.BudgetLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLineLocked(id)
}

func (m *Memory) getLineLocked(id budget.LineID) (*budget.BudgetLine, error) {
	line, ok := m.lines[id]
	if !ok {
		return nil, budget.ErrLineNotFound
	}
	cp := line
	return &cp, nil
}

func (m *Memory) CreateLine(_ context.Context, line *budget.BudgetLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLineLocked(line)
}

func (m *Memory) createLineLocked(line *budget.BudgetLine) error {
	line.Version = 1
	m.lines[line.ID] = *line
	return nil
}

func (m *Memory) SaveLine(_ context.Context, line *budget.BudgetLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLineLocked(line)
}

func (m *Memory) saveLineLocked(line *budget.BudgetLine) error {
	stored, ok := m.lines[line.ID]
	if !ok {
		return budget.ErrLineNotFound
	}
	if stored.Version != line.Version {
		return budget.ErrStaleVersion
	}
	line.Version++
	m.lines[line.ID] = *line
	return nil
}

func (m *Memory) ListLines(_ context.Context, exercice int) ([]budget.BudgetLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLinesLocked(exercice), nil
}

func (m *Memory) listLinesLocked(exercice int) []budget.BudgetLine {
	var result []budget.BudgetLine
	for _, l := range m.lines {
		if l.Exercice == exercice && l.IsActive {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) AppendMovement(_ context.Context, mv budget.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendMovementLocked(mv)
	return nil
}

func (m *Memory) appendMovementLocked(mv budget.Movement) {
	m.movements[mv.LineID] = append(m.movements[mv.LineID], mv)
}

func (m *Memory) MovementsByLine(_ context.Context, lineID budget.LineID) ([]budget.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]budget.Movement, len(m.movements[lineID]))
	copy(result, m.movements[lineID])
	return result, nil
}

func (m *Memory) FindCommit(_ context.Context, lineID budget.LineID, stage budget.Stage, sourceRef string) (*budget.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findCommitLocked(lineID, stage, sourceRef)
}

func (m *Memory) findCommitLocked(lineID budget.LineID, stage budget.Stage, sourceRef string) (*budget.Movement, error) {
	for _, mv := range m.movements[lineID] {
		if mv.Kind == budget.MovementCommit && mv.Stage == stage && mv.SourceRef == sourceRef {
			cp := mv
			return &cp, nil
		}
	}
	return nil, nil
}

// -----------------------------------------------------------------------------
// budget.TransferStore
// -----------------------------------------------------------------------------

func (m *Memory) GetTransfer(_ context.Context, id string) (*budget.CreditTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransferLocked(id)
}

func (m *Memory) getTransferLocked(id string) (*budget.CreditTransfer, error) {
	t, ok := m.transfers[id]
	if !ok {
		return nil, budget.ErrTransferNotFound
	}
	cp := t
	return &cp, nil
}

func (m *Memory) CreateTransfer(_ context.Context, t *budget.CreditTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[t.ID] = *t
	return nil
}

func (m *Memory) SaveTransfer(_ context.Context, t *budget.CreditTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveTransferLocked(t)
}

func (m *Memory) saveTransferLocked(t *budget.CreditTransfer) error {
	if _, ok := m.transfers[t.ID]; !ok {
		return budget.ErrTransferNotFound
	}
	m.transfers[t.ID] = *t
	return nil
}

func (m *Memory) ListTransfers(_ context.Context, exercice int) ([]budget.CreditTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []budget.CreditTransfer
	for _, t := range m.transfers {
		if t.Exercice == exercice {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// -----------------------------------------------------------------------------
// budget.AlertStore
// -----------------------------------------------------------------------------

func (m *Memory) ActiveRules(_ context.Context) ([]budget.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []budget.AlertRule
	for _, r := range m.rules {
		if r.Actif {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveRule(_ context.Context, r budget.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) OpenAlert(_ context.Context, lineID budget.LineID, ruleID string) (*budget.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.LineID == lineID && a.RuleID == ruleID && a.ResolvedAt == nil {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

// UpsertAlert keys on the open (line, rule) pair: a new alert ID racing an
// existing unresolved alert refreshes that alert in place instead of opening
// a duplicate. Identity, creation time and acknowledgement are kept.
func (m *Memory) UpsertAlert(_ context.Context, a budget.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.ID]; !ok {
		for id, open := range m.alerts {
			if open.LineID == a.LineID && open.RuleID == a.RuleID && open.ResolvedAt == nil {
				open.Niveau = a.Niveau
				open.SeuilAtteint = a.SeuilAtteint
				open.TauxActuel = a.TauxActuel
				open.MontantDotation = a.MontantDotation
				open.MontantEngage = a.MontantEngage
				open.MontantDisponible = a.MontantDisponible
				open.Message = a.Message
				open.UpdatedAt = a.UpdatedAt
				m.alerts[id] = open
				return nil
			}
		}
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (*budget.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, budget.ErrAlertNotFound
	}
	cp := a
	return &cp, nil
}

func (m *Memory) SaveAlert(_ context.Context, a budget.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return budget.ErrAlertNotFound
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, exercice int, unresolvedOnly bool) ([]budget.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []budget.Alert
	for _, a := range m.alerts {
		if a.Exercice != exercice {
			continue
		}
		if unresolvedOnly && a.ResolvedAt != nil {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// -----------------------------------------------------------------------------
// budget.TxStore
// -----------------------------------------------------------------------------

// WithTx executes fn under the store lock against a snapshot-backed view.
// If fn returns an error the snapshot is restored, so partial mutations
// never become visible.
func (m *Memory) WithTx(_ context.Context, fn func(budget.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	view := &txView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lines     map[budget.LineID]budget.BudgetLine
	movements map[budget.LineID][]budget.Movement
	transfers map[string]budget.CreditTransfer
}

func (m *Memory) snapshot() memorySnapshot {
	lines := make(map[budget.LineID]budget.BudgetLine, len(m.lines))
	for k, v := range m.lines {
		lines[k] = v
	}
	movements := make(map[budget.LineID][]budget.Movement, len(m.movements))
	for k, v := range m.movements {
		movements[k] = append([]budget.Movement{}, v...)
	}
	transfers := make(map[string]budget.CreditTransfer, len(m.transfers))
	for k, v := range m.transfers {
		transfers[k] = v
	}
	return memorySnapshot{lines: lines, movements: movements, transfers: transfers}
}

func (m *Memory) restore(s memorySnapshot) {
	m.lines = s.lines
	m.movements = s.movements
	m.transfers = s.transfers
}

// txView routes through the locked helpers; the parent lock is already held
// for the duration of WithTx.
type txView struct {
	parent *Memory
}

func (tv *txView) GetLine(_ context.Context, id budget.LineID) (*budget.BudgetLine, error) {
	return tv.parent.getLineLocked(id)
}

func (tv *txView) CreateLine(_ context.Context, line *budget.BudgetLine) error {
	return tv.parent.createLineLocked(line)
}

func (tv *txView) SaveLine(_ context.Context, line *budget.BudgetLine) error {
	return tv.parent.saveLineLocked(line)
}

func (tv *txView) ListLines(_ context.Context, exercice int) ([]budget.BudgetLine, error) {
	return tv.parent.listLinesLocked(exercice), nil
}

func (tv *txView) AppendMovement(_ context.Context, mv budget.Movement) error {
	tv.parent.appendMovementLocked(mv)
	return nil
}

func (tv *txView) MovementsByLine(_ context.Context, lineID budget.LineID) ([]budget.Movement, error) {
	result := make([]budget.Movement, len(tv.parent.movements[lineID]))
	copy(result, tv.parent.movements[lineID])
	return result, nil
}

func (tv *txView) FindCommit(_ context.Context, lineID budget.LineID, stage budget.Stage, sourceRef string) (*budget.Movement, error) {
	return tv.parent.findCommitLocked(lineID, stage, sourceRef)
}

func (tv *txView) GetTransfer(_ context.Context, id string) (*budget.CreditTransfer, error) {
	return tv.parent.getTransferLocked(id)
}

func (tv *txView) CreateTransfer(_ context.Context, t *budget.CreditTransfer) error {
	tv.parent.transfers[t.ID] = *t
	return nil
}

func (tv *txView) SaveTransfer(_ context.Context, t *budget.CreditTransfer) error {
	return tv.parent.saveTransferLocked(t)
}

func (tv *txView) ListTransfers(_ context.Context, exercice int) ([]budget.CreditTransfer, error) {
	var result []budget.CreditTransfer
	for _, t := range tv.parent.transfers {
		if t.Exercice == exercice {
			result = append(result, t)
		}
	}
	return result, nil
}
