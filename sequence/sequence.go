/*
Package sequence provides scoped, gap-free reference-number allocation.

PURPOSE:
  Every financial document (engagement, liquidation, ordonnancement,
  reglement, marche, ...) carries a machine-generated reference code. The
  counter key is (doc type, exercice, optional month, optional direction);
  counters are created lazily on first use and only ever move forward.

CONTRACT:
  Under N concurrent callers for the same key, NextNumber returns N distinct
  sequential integers: none repeated, none skipped. Each increment is a
  minimal-duration exclusive critical section.

CODE FORMAT:
  DOCTYPE-EXERCICE[-MM][-DIR]-NNNN   e.g. ENG-2025-03-0042

IMPORT SYNC:
  SyncFromImport raises a counter to an externally observed maximum (used
  when imported historical data carries higher numbers than the counter has
  issued). It never lowers a counter.
*/
package sequence

import (
	"context"
	"fmt"
	"sync"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

const (
	DocEngagement     = "ENG"
	DocLiquidation    = "LIQ"
	DocOrdonnancement = "ORD"
	DocReglement      = "REG"
	DocMarche         = "MARCHE"
	DocNoteSEF        = "NOTE_SEF"
	DocNoteAEF        = "NOTE_AEF"
	DocTransfert      = "TRANSFERT"
)

// =============================================================================
// KEY / NUMBER
// =============================================================================

// Key identifies one counter. Month 0 means a yearly counter; an empty
// DirectionCode means a global scope.
type Key struct {
	DocType       string
	Exercice      int
	Month         int
	DirectionCode string
}

// Number is an allocated reference: the raw sequence plus the formatted code.
type Number struct {
	Seq  int64
	Code string
}

// FormatCode renders the full reference code for a key and sequence value.
func FormatCode(key Key, seq int64) string {
	code := fmt.Sprintf("%s-%d", key.DocType, key.Exercice)
	if key.Month > 0 {
		code += fmt.Sprintf("-%02d", key.Month)
	}
	if key.DirectionCode != "" {
		code += "-" + key.DirectionCode
	}
	return fmt.Sprintf("%s-%04d", code, seq)
}

// =============================================================================
// SERVICE
// =============================================================================

// Service allocates reference numbers. Backing store is an implementation
// detail: a mutex-guarded map for tests, a single locked row in SQLite for
// the server.
type Service interface {
	// NextNumber atomically increments the counter for key and returns the
	// new value with its formatted code.
	NextNumber(ctx context.Context, key Key) (Number, error)

	// SyncFromImport raises the counter to max(current, observedMax).
	// Administrative backfill for imported data; never lowers the counter.
	SyncFromImport(ctx context.Context, key Key, observedMax int64) error
}

// =============================================================================
// MEMORY - In-memory implementation
// =============================================================================

type Memory struct {
	mu       sync.Mutex
	counters map[Key]int64
}

func NewMemory() *Memory {
	return &Memory{counters: make(map[Key]int64)}
}

func (m *Memory) NextNumber(_ context.Context, key Key) (Number, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.counters[key] + 1
	m.counters[key] = next
	return Number{Seq: next, Code: FormatCode(key, next)}, nil
}

func (m *Memory) SyncFromImport(_ context.Context, key Key, observedMax int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if observedMax > m.counters[key] {
		m.counters[key] = observedMax
	}
	return nil
}
