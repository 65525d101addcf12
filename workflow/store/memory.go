// Package store provides workflow store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sygfp/budget-engine/budget"
	"github.com/sygfp/budget-engine/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements workflow.TxEngineStore and workflow.PolicyStore behind
// one mutex so WithTx gives real isolation.
type Memory struct {
	mu          sync.RWMutex
	documents   map[docKey]workflow.Document
	history     map[docKey][]workflow.HistoryEntry
	rules       map[workflow.Module][]workflow.HierarchyRule
	delegations []workflow.Delegation
}

type docKey struct {
	module workflow.Module
	id     string
}

func NewMemory() *Memory {
	return &Memory{
		documents: make(map[docKey]workflow.Document),
		history:   make(map[docKey][]workflow.HistoryEntry),
		rules:     make(map[workflow.Module][]workflow.HierarchyRule),
	}
}

// -----------------------------------------------------------------------------
// workflow.DocumentStore
// -----------------------------------------------------------------------------

func (m *Memory) GetDocument(_ context.Context, module workflow.Module, id string) (*workflow.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDocumentLocked(module, id)
}

func (m *Memory) getDocumentLocked(module workflow.Module, id string) (*workflow.Document, error) {
	doc, ok := m.documents[docKey{module, id}]
	if !ok {
		return nil, workflow.ErrDocumentNotFound
	}
	cp := doc
	return &cp, nil
}

func (m *Memory) CreateDocument(_ context.Context, doc *workflow.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[docKey{doc.Module, doc.ID}] = *doc
	return nil
}

func (m *Memory) SaveDocument(_ context.Context, doc *workflow.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveDocumentLocked(doc)
}

func (m *Memory) saveDocumentLocked(doc *workflow.Document) error {
	key := docKey{doc.Module, doc.ID}
	if _, ok := m.documents[key]; !ok {
		return workflow.ErrDocumentNotFound
	}
	m.documents[key] = *doc
	return nil
}

func (m *Memory) ListDocuments(_ context.Context, module workflow.Module, exercice int) ([]workflow.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDocumentsLocked(module, exercice), nil
}

func (m *Memory) listDocumentsLocked(module workflow.Module, exercice int) []workflow.Document {
	var result []workflow.Document
	for _, d := range m.documents {
		if d.Module == module && d.Exercice == exercice {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) SumSuccessors(_ context.Context, module workflow.Module, predecessorID string, statuts []string) (budget.Montant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumSuccessorsLocked(module, predecessorID, statuts), nil
}

func (m *Memory) sumSuccessorsLocked(module workflow.Module, predecessorID string, statuts []string) budget.Montant {
	wanted := make(map[string]bool, len(statuts))
	for _, s := range statuts {
		wanted[s] = true
	}
	total := budget.ZeroMontant()
	for _, d := range m.documents {
		if d.Module == module && d.PredecessorID == predecessorID && wanted[d.Statut] {
			total = total.Add(d.Montant)
		}
	}
	return total
}

// -----------------------------------------------------------------------------
// workflow.HistoryStore
// -----------------------------------------------------------------------------

func (m *Memory) AppendHistory(_ context.Context, entry workflow.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendHistoryLocked(entry)
	return nil
}

func (m *Memory) appendHistoryLocked(entry workflow.HistoryEntry) {
	key := docKey{entry.Module, entry.EntityID}
	m.history[key] = append(m.history[key], entry)
}

func (m *Memory) HistoryByEntity(_ context.Context, module workflow.Module, id string) ([]workflow.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyByEntityLocked(module, id), nil
}

func (m *Memory) historyByEntityLocked(module workflow.Module, id string) []workflow.HistoryEntry {
	key := docKey{module, id}
	result := make([]workflow.HistoryEntry, len(m.history[key]))
	copy(result, m.history[key])
	return result
}

// -----------------------------------------------------------------------------
// workflow.PolicyStore
// -----------------------------------------------------------------------------

func (m *Memory) RulesForModule(_ context.Context, module workflow.Module) ([]workflow.HierarchyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]workflow.HierarchyRule, len(m.rules[module]))
	copy(result, m.rules[module])
	return result, nil
}

func (m *Memory) SaveRule(_ context.Context, r workflow.HierarchyRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.rules[r.Module]
	for i := range rules {
		if rules[i].ID == r.ID {
			rules[i] = r
			return nil
		}
	}
	m.rules[r.Module] = append(rules, r)
	return nil
}

func (m *Memory) DelegationsTo(_ context.Context, actorID string, at time.Time) ([]workflow.Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []workflow.Delegation
	for _, d := range m.delegations {
		if d.Delegataire == actorID && d.Active && !at.Before(d.DateDebut) && !at.After(d.DateFin) {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *Memory) SaveDelegation(_ context.Context, d workflow.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.delegations {
		if m.delegations[i].ID == d.ID {
			m.delegations[i] = d
			return nil
		}
	}
	m.delegations = append(m.delegations, d)
	return nil
}

// -----------------------------------------------------------------------------
// workflow.TxEngineStore
// -----------------------------------------------------------------------------

// WithTx executes fn under the store lock against a snapshot-backed view.
// If fn returns an error the snapshot is restored, so partial mutations
// never become visible.
func (m *Memory) WithTx(_ context.Context, fn func(workflow.EngineStore) error) error {
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
	documents map[docKey]workflow.Document
	history   map[docKey][]workflow.HistoryEntry
}

func (m *Memory) snapshot() memorySnapshot {
	documents := make(map[docKey]workflow.Document, len(m.documents))
	for k, v := range m.documents {
		documents[k] = v
	}
	history := make(map[docKey][]workflow.HistoryEntry, len(m.history))
	for k, v := range m.history {
		history[k] = append([]workflow.HistoryEntry{}, v...)
	}
	return memorySnapshot{documents: documents, history: history}
}

func (m *Memory) restore(s memorySnapshot) {
	m.documents = s.documents
	m.history = s.history
}

// txView routes through the locked helpers; the parent lock is already held
// for the duration of WithTx.
type txView struct {
	parent *Memory
}

func (tv *txView) GetDocument(_ context.Context, module workflow.Module, id string) (*workflow.Document, error) {
	return tv.parent.getDocumentLocked(module, id)
}

func (tv *txView) CreateDocument(_ context.Context, doc *workflow.Document) error {
	tv.parent.documents[docKey{doc.Module, doc.ID}] = *doc
	return nil
}

func (tv *txView) SaveDocument(_ context.Context, doc *workflow.Document) error {
	return tv.parent.saveDocumentLocked(doc)
}

func (tv *txView) ListDocuments(_ context.Context, module workflow.Module, exercice int) ([]workflow.Document, error) {
	return tv.parent.listDocumentsLocked(module, exercice), nil
}

func (tv *txView) SumSuccessors(_ context.Context, module workflow.Module, predecessorID string, statuts []string) (budget.Montant, error) {
	return tv.parent.sumSuccessorsLocked(module, predecessorID, statuts), nil
}

func (tv *txView) AppendHistory(_ context.Context, entry workflow.HistoryEntry) error {
	tv.parent.appendHistoryLocked(entry)
	return nil
}

func (tv *txView) HistoryByEntity(_ context.Context, module workflow.Module, id string) ([]workflow.HistoryEntry, error) {
	return tv.parent.historyByEntityLocked(module, id), nil
}

// -----------------------------------------------------------------------------
// workflow.IdentityDirectory
// -----------------------------------------------------------------------------

// StaticDirectory is a fixed actor-to-roles mapping, the read-only stand-in
// for the external identity service.
type StaticDirectory map[string][]string

func (d StaticDirectory) RolesOf(_ context.Context, actorID string) ([]string, error) {
	roles := make([]string, len(d[actorID]))
	copy(roles, d[actorID])
	return roles, nil
}
