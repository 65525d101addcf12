/*
store.go - Persistence interfaces for documents, history and rule tables

The history is append-only: transition records are never updated or deleted.
EngineStore groups documents and history so a transition writes both inside
one WithTx unit.
*/
package workflow

import (
	"context"

	"github.com/sygfp/budget-engine/budget"
)

// =============================================================================
// DOCUMENT STORE
// =============================================================================

type DocumentStore interface {
	// GetDocument returns the document or ErrDocumentNotFound.
	GetDocument(ctx context.Context, module Module, id string) (*Document, error)

	CreateDocument(ctx context.Context, doc *Document) error
	SaveDocument(ctx context.Context, doc *Document) error

	ListDocuments(ctx context.Context, module Module, exercice int) ([]Document, error)

	// SumSuccessors totals the montants of module's documents that reference
	// predecessorID and are in one of the given statuts. Used to enforce
	// liquidation <= engagement remaining and the reste a payer.
	SumSuccessors(ctx context.Context, module Module, predecessorID string, statuts []string) (budget.Montant, error)
}

// =============================================================================
// HISTORY STORE - Append-only
// =============================================================================

type HistoryStore interface {
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	HistoryByEntity(ctx context.Context, module Module, id string) ([]HistoryEntry, error)
}

// =============================================================================
// ENGINE STORE - Documents + history in one transactional unit
// =============================================================================

type EngineStore interface {
	DocumentStore
	HistoryStore
}

type TxEngineStore interface {
	EngineStore

	// WithTx executes fn against a transactional view; an error rolls every
	// write back.
	WithTx(ctx context.Context, fn func(EngineStore) error) error
}

// BudgetViewer is implemented by transactional views that can expose the
// budget tables on the same transaction. When the view passed to WithTx
// implements it, the engine runs a transition's ledger side-effect through
// that view, so the budget delta commits atomically with the document and
// history writes.
type BudgetViewer interface {
	BudgetView() budget.Store
}
