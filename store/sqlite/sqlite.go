/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  One database file holds the whole engine state. The package exposes one DB
  handle with three facet accessors, each implementing the interfaces of its
  domain package:

    db.Budget()    budget.TxStore, budget.TransferStore, budget.AlertStore
    db.Workflow()  workflow.TxEngineStore, workflow.PolicyStore
    db.Sequences() sequence.Service

  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  movements and workflow_history never see an UPDATE or DELETE statement;
  corrections go through compensating movements.

VERSION GUARD:
  budget_lines carries an integer version column. SaveLine is an UPDATE
  conditioned on the loaded version; zero rows affected means another writer
  won and the caller observes ErrStaleVersion.

GAP-FREE SEQUENCES:
  sequences is incremented with a single upsert statement, so two concurrent
  NextNumber calls on the same key serialize on the row and can never return
  the same value or skip one.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - budget/store.go:   interface definitions for the ledger side
  - workflow/store.go: interface definitions for the workflow side
  - budget/store/memory.go, workflow/store/memory.go: in-memory counterparts
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sygfp/budget-engine/budget"
	"github.com/sygfp/budget-engine/sequence"
	"github.com/sygfp/budget-engine/workflow"
)

// DB is the shared SQLite handle behind every store facet.
type DB struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Budget returns the budget-side store facet.
func (d *DB) Budget() *BudgetStore { return &BudgetStore{d: d} }

// Workflow returns the workflow-side store facet.
func (d *DB) Workflow() *WorkflowStore { return &WorkflowStore{d: d} }

// Sequences returns the reference-number allocator.
func (d *DB) Sequences() *SequenceStore { return &SequenceStore{d: d} }

func (d *DB) migrate() error {
	schema := `
	-- Budget lines (version-guarded mutable rows)
	CREATE TABLE IF NOT EXISTS budget_lines (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		label TEXT NOT NULL,
		exercice INTEGER NOT NULL,
		parent_id TEXT,
		direction_id TEXT,
		dotation_initiale TEXT NOT NULL,
		dotation_modifiee TEXT NOT NULL,
		montant_reserve TEXT NOT NULL,
		total_engage TEXT NOT NULL,
		total_liquide TEXT NOT NULL,
		total_ordonnance TEXT NOT NULL,
		total_paye TEXT NOT NULL,
		statut TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budget_lines_exercice
		ON budget_lines(exercice, is_active);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_budget_lines_code
		ON budget_lines(exercice, code);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		line_id TEXT NOT NULL,
		exercice INTEGER NOT NULL,
		kind TEXT NOT NULL,
		stage TEXT,
		delta TEXT NOT NULL,
		source_ref TEXT,
		motif TEXT,
		override_flag BOOLEAN NOT NULL DEFAULT FALSE,
		justification TEXT,
		before_json TEXT NOT NULL,
		after_json TEXT NOT NULL,
		actor TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_movements_line
		ON movements(line_id, created_at);

	-- Idempotency key for commit replays: one commit per (line, stage, ref)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_commit_source
		ON movements(line_id, stage, source_ref)
		WHERE kind = 'commit' AND source_ref IS NOT NULL;

	-- Credit transfers
	CREATE TABLE IF NOT EXISTS credit_transfers (
		id TEXT PRIMARY KEY,
		numero TEXT NOT NULL,
		exercice INTEGER NOT NULL,
		from_line_id TEXT NOT NULL,
		to_line_id TEXT NOT NULL,
		montant TEXT NOT NULL,
		motif TEXT,
		statut TEXT NOT NULL,
		rejection_reason TEXT,
		requested_by TEXT,
		requested_at TEXT,
		approved_by TEXT,
		approved_at TEXT,
		executed_by TEXT,
		executed_at TEXT,
		from_dotation_avant TEXT NOT NULL,
		from_dotation_apres TEXT NOT NULL,
		to_dotation_avant TEXT NOT NULL,
		to_dotation_apres TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transfers_exercice
		ON credit_transfers(exercice);

	-- Alert rules and alerts
	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		seuil_pct REAL NOT NULL,
		scope TEXT NOT NULL,
		line_id TEXT,
		actif BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		line_id TEXT NOT NULL,
		exercice INTEGER NOT NULL,
		niveau TEXT NOT NULL,
		seuil_atteint REAL NOT NULL,
		taux_actuel REAL NOT NULL,
		montant_dotation TEXT NOT NULL,
		montant_engage TEXT NOT NULL,
		montant_disponible TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		acknowledged_at TEXT,
		acknowledged_by TEXT,
		resolved_at TEXT,
		resolved_by TEXT,
		resolution_note TEXT
	);

	-- One open alert per (line, rule)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
		ON alerts(line_id, rule_id)
		WHERE resolved_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_alerts_exercice
		ON alerts(exercice);

	-- Reference-number counters
	CREATE TABLE IF NOT EXISTS sequences (
		doc_type TEXT NOT NULL,
		exercice INTEGER NOT NULL,
		month INTEGER NOT NULL DEFAULT 0,
		direction_code TEXT NOT NULL DEFAULT '',
		value INTEGER NOT NULL,
		PRIMARY KEY (doc_type, exercice, month, direction_code)
	);

	-- Workflow documents (one row per chain entity)
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT NOT NULL,
		module TEXT NOT NULL,
		numero TEXT,
		exercice INTEGER NOT NULL,
		objet TEXT,
		montant TEXT NOT NULL,
		budget_line_id TEXT,
		predecessor_id TEXT,
		statut TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		date_entree_etape TEXT,
		defer_condition TEXT,
		defer_resume_date TEXT,
		resume_statut TEXT,
		reste_a_payer TEXT NOT NULL,
		rejection_reason TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (module, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_module_exercice
		ON documents(module, exercice);
	CREATE INDEX IF NOT EXISTS idx_documents_predecessor
		ON documents(module, predecessor_id)
		WHERE predecessor_id IS NOT NULL;

	-- Workflow history (append-only)
	CREATE TABLE IF NOT EXISTS workflow_history (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		from_statut TEXT NOT NULL,
		to_statut TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		motif TEXT,
		metadata_json TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_entity
		ON workflow_history(module, entity_id, at);

	-- Validation hierarchy
	CREATE TABLE IF NOT EXISTS hierarchy_rules (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		step_order INTEGER NOT NULL,
		role TEXT NOT NULL,
		min_amount TEXT,
		max_amount TEXT,
		is_optional BOOLEAN NOT NULL DEFAULT FALSE,
		required_documents_json TEXT,
		separation_of_duties BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hierarchy_rules_module
		ON hierarchy_rules(module, step_order);

	-- Delegations / interims
	CREATE TABLE IF NOT EXISTS delegations (
		id TEXT PRIMARY KEY,
		delegateur TEXT NOT NULL,
		delegataire TEXT NOT NULL,
		perimetre_json TEXT,
		date_debut TEXT NOT NULL,
		date_fin TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		motif TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_delegations_delegataire
		ON delegations(delegataire, active);
	`

	_, err := d.db.Exec(schema)
	return err
}

// runner is satisfied by both *sql.DB and *sql.Tx so the row mappers serve
// plain calls and transactional views alike.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BUDGET STORE (budget.TxStore, budget.TransferStore, budget.AlertStore)
// =============================================================================

type BudgetStore struct {
	d *DB
}

func (s *BudgetStore) GetLine(ctx context.Context, id budget.LineID) (*budget.BudgetLine, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return getLine(ctx, s.d.db, id)
}

func (s *BudgetStore) CreateLine(ctx context.Context, line *budget.BudgetLine) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return createLine(ctx, s.d.db, line)
}

func (s *BudgetStore) SaveLine(ctx context.Context, line *budget.BudgetLine) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return saveLine(ctx, s.d.db, line)
}

func (s *BudgetStore) ListLines(ctx context.Context, exercice int) ([]budget.BudgetLine, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return listLines(ctx, s.d.db, exercice)
}

func (s *BudgetStore) AppendMovement(ctx context.Context, mv budget.Movement) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return appendMovement(ctx, s.d.db, mv)
}

func (s *BudgetStore) MovementsByLine(ctx context.Context, lineID budget.LineID) ([]budget.Movement, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return queryMovements(ctx, s.d.db,
		selectMovements+" WHERE line_id = ? ORDER BY created_at ASC, id ASC", string(lineID))
}

func (s *BudgetStore) FindCommit(ctx context.Context, lineID budget.LineID, stage budget.Stage, sourceRef string) (*budget.Movement, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return findCommit(ctx, s.d.db, lineID, stage, sourceRef)
}

// WithTx executes fn within one database transaction. The view passed to fn
// also implements budget.TransferStore, so a transfer row written during the
// callback joins the same atomic unit.
func (s *BudgetStore) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	sqlTx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&budgetTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// budgetTx is the transactional view: budget.Store plus budget.TransferStore.
type budgetTx struct {
	tx *sql.Tx
}

func (t *budgetTx) GetLine(ctx context.Context, id budget.LineID) (*budget.BudgetLine, error) {
	return getLine(ctx, t.tx, id)
}

func (t *budgetTx) CreateLine(ctx context.Context, line *budget.BudgetLine) error {
	return createLine(ctx, t.tx, line)
}

func (t *budgetTx) SaveLine(ctx context.Context, line *budget.BudgetLine) error {
	return saveLine(ctx, t.tx, line)
}

func (t *budgetTx) ListLines(ctx context.Context, exercice int) ([]budget.BudgetLine, error) {
	return listLines(ctx, t.tx, exercice)
}

func (t *budgetTx) AppendMovement(ctx context.Context, mv budget.Movement) error {
	return appendMovement(ctx, t.tx, mv)
}

func (t *budgetTx) MovementsByLine(ctx context.Context, lineID budget.LineID) ([]budget.Movement, error) {
	return queryMovements(ctx, t.tx,
		selectMovements+" WHERE line_id = ? ORDER BY created_at ASC, id ASC", string(lineID))
}

func (t *budgetTx) FindCommit(ctx context.Context, lineID budget.LineID, stage budget.Stage, sourceRef string) (*budget.Movement, error) {
	return findCommit(ctx, t.tx, lineID, stage, sourceRef)
}

func (t *budgetTx) GetTransfer(ctx context.Context, id string) (*budget.CreditTransfer, error) {
	return getTransfer(ctx, t.tx, id)
}

func (t *budgetTx) CreateTransfer(ctx context.Context, tr *budget.CreditTransfer) error {
	return upsertTransfer(ctx, t.tx, tr)
}

func (t *budgetTx) SaveTransfer(ctx context.Context, tr *budget.CreditTransfer) error {
	return upsertTransfer(ctx, t.tx, tr)
}

func (t *budgetTx) ListTransfers(ctx context.Context, exercice int) ([]budget.CreditTransfer, error) {
	return listTransfers(ctx, t.tx, exercice)
}

// -----------------------------------------------------------------------------
// Line row mapping
// -----------------------------------------------------------------------------

const selectLines = `
	SELECT id, code, label, exercice, parent_id, direction_id,
	       dotation_initiale, dotation_modifiee, montant_reserve,
	       total_engage, total_liquide, total_ordonnance, total_paye,
	       statut, is_active, version, created_at, updated_at
	FROM budget_lines`

func getLine(ctx context.Context, r runner, id budget.LineID) (*budget.BudgetLine, error) {
	rows, err := r.QueryContext(ctx, selectLines+" WHERE id = ?", string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, budget.ErrLineNotFound
	}
	line, err := scanLine(rows)
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func createLine(ctx context.Context, r runner, line *budget.BudgetLine) error {
	line.Version = 1
	query := `
		INSERT INTO budget_lines
		(id, code, label, exercice, parent_id, direction_id,
		 dotation_initiale, dotation_modifiee, montant_reserve,
		 total_engage, total_liquide, total_ordonnance, total_paye,
		 statut, is_active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ExecContext(ctx, query,
		string(line.ID), line.Code, line.Label, line.Exercice,
		nullString(string(line.ParentID)), nullString(line.DirectionID),
		line.DotationInitiale.String(), line.DotationModifiee.String(), line.MontantReserve.String(),
		line.TotalEngage.String(), line.TotalLiquide.String(), line.TotalOrdonnance.String(), line.TotalPaye.String(),
		string(line.Statut), line.IsActive, line.Version,
		formatTime(line.CreatedAt), formatTime(line.UpdatedAt),
	)
	return err
}

// saveLine is the compare-and-swap write: the UPDATE only matches when the
// stored version equals the one the caller loaded.
func saveLine(ctx context.Context, r runner, line *budget.BudgetLine) error {
	query := `
		UPDATE budget_lines SET
			code = ?, label = ?, parent_id = ?, direction_id = ?,
			dotation_initiale = ?, dotation_modifiee = ?, montant_reserve = ?,
			total_engage = ?, total_liquide = ?, total_ordonnance = ?, total_paye = ?,
			statut = ?, is_active = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	result, err := r.ExecContext(ctx, query,
		line.Code, line.Label, nullString(string(line.ParentID)), nullString(line.DirectionID),
		line.DotationInitiale.String(), line.DotationModifiee.String(), line.MontantReserve.String(),
		line.TotalEngage.String(), line.TotalLiquide.String(), line.TotalOrdonnance.String(), line.TotalPaye.String(),
		string(line.Statut), line.IsActive, formatTime(line.UpdatedAt),
		string(line.ID), line.Version,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := r.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM budget_lines WHERE id = ?", string(line.ID)).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return budget.ErrLineNotFound
		}
		return budget.ErrStaleVersion
	}
	line.Version++
	return nil
}

func listLines(ctx context.Context, r runner, exercice int) ([]budget.BudgetLine, error) {
	rows, err := r.QueryContext(ctx,
		selectLines+" WHERE exercice = ? AND is_active = TRUE ORDER BY id", exercice)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []budget.BudgetLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanLine(rows *sql.Rows) (budget.BudgetLine, error) {
	var (
		line                              budget.BudgetLine
		id                                string
		parentID, directionID             sql.NullString
		dotInit, dotMod, reserve          string
		engage, liquide, ordonnance, paye string
		statut                            string
		createdAt, updatedAt              string
	)
	err := rows.Scan(
		&id, &line.Code, &line.Label, &line.Exercice, &parentID, &directionID,
		&dotInit, &dotMod, &reserve,
		&engage, &liquide, &ordonnance, &paye,
		&statut, &line.IsActive, &line.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return line, fmt.Errorf("failed to scan budget line: %w", err)
	}

	line.ID = budget.LineID(id)
	line.ParentID = budget.LineID(parentID.String)
	line.DirectionID = directionID.String
	line.DotationInitiale = budget.MustParseMontant(dotInit)
	line.DotationModifiee = budget.MustParseMontant(dotMod)
	line.MontantReserve = budget.MustParseMontant(reserve)
	line.TotalEngage = budget.MustParseMontant(engage)
	line.TotalLiquide = budget.MustParseMontant(liquide)
	line.TotalOrdonnance = budget.MustParseMontant(ordonnance)
	line.TotalPaye = budget.MustParseMontant(paye)
	line.Statut = budget.LineStatut(statut)
	line.CreatedAt = parseTime(createdAt)
	line.UpdatedAt = parseTime(updatedAt)
	return line, nil
}

// -----------------------------------------------------------------------------
// Movement row mapping
// -----------------------------------------------------------------------------

const selectMovements = `
	SELECT id, line_id, exercice, kind, stage, delta, source_ref, motif,
	       override_flag, justification, before_json, after_json, actor, created_at
	FROM movements`

// snapshotJSON serializes budget.Snapshot with string montants so the stored
// history is precision-exact.
type snapshotJSON struct {
	DotationInitiale string `json:"dotation_initiale"`
	DotationModifiee string `json:"dotation_modifiee"`
	MontantReserve   string `json:"montant_reserve"`
	TotalEngage      string `json:"total_engage"`
	TotalLiquide     string `json:"total_liquide"`
	TotalOrdonnance  string `json:"total_ordonnance"`
	TotalPaye        string `json:"total_paye"`
	Disponible       string `json:"disponible"`
}

func encodeSnapshot(s budget.Snapshot) string {
	b, _ := json.Marshal(snapshotJSON{
		DotationInitiale: s.DotationInitiale.String(),
		DotationModifiee: s.DotationModifiee.String(),
		MontantReserve:   s.MontantReserve.String(),
		TotalEngage:      s.TotalEngage.String(),
		TotalLiquide:     s.TotalLiquide.String(),
		TotalOrdonnance:  s.TotalOrdonnance.String(),
		TotalPaye:        s.TotalPaye.String(),
		Disponible:       s.Disponible.String(),
	})
	return string(b)
}

func decodeSnapshot(raw string) budget.Snapshot {
	var sj snapshotJSON
	json.Unmarshal([]byte(raw), &sj)
	return budget.Snapshot{
		DotationInitiale: budget.MustParseMontant(sj.DotationInitiale),
		DotationModifiee: budget.MustParseMontant(sj.DotationModifiee),
		MontantReserve:   budget.MustParseMontant(sj.MontantReserve),
		TotalEngage:      budget.MustParseMontant(sj.TotalEngage),
		TotalLiquide:     budget.MustParseMontant(sj.TotalLiquide),
		TotalOrdonnance:  budget.MustParseMontant(sj.TotalOrdonnance),
		TotalPaye:        budget.MustParseMontant(sj.TotalPaye),
		Disponible:       budget.MustParseMontant(sj.Disponible),
	}
}

func appendMovement(ctx context.Context, r runner, mv budget.Movement) error {
	query := `
		INSERT INTO movements
		(id, line_id, exercice, kind, stage, delta, source_ref, motif,
		 override_flag, justification, before_json, after_json, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ExecContext(ctx, query,
		string(mv.ID), string(mv.LineID), mv.Exercice,
		string(mv.Kind), nullString(string(mv.Stage)), mv.Delta.String(),
		nullString(mv.SourceRef), nullString(mv.Motif),
		mv.Override, nullString(mv.Justification),
		encodeSnapshot(mv.Before), encodeSnapshot(mv.After),
		nullString(mv.Actor), formatTime(mv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append movement: %w", err)
	}
	return nil
}

func findCommit(ctx context.Context, r runner, lineID budget.LineID, stage budget.Stage, sourceRef string) (*budget.Movement, error) {
	movements, err := queryMovements(ctx, r,
		selectMovements+" WHERE line_id = ? AND kind = 'commit' AND stage = ? AND source_ref = ? LIMIT 1",
		string(lineID), string(stage), sourceRef)
	if err != nil {
		return nil, err
	}
	if len(movements) == 0 {
		return nil, nil
	}
	return &movements[0], nil
}

func queryMovements(ctx context.Context, r runner, query string, args ...any) ([]budget.Movement, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []budget.Movement
	for rows.Next() {
		var (
			mv                      budget.Movement
			id, lineID, kind        string
			stage, sourceRef, motif sql.NullString
			delta                   string
			justification, actor    sql.NullString
			beforeJSON, afterJSON   string
			createdAt               string
		)
		err := rows.Scan(
			&id, &lineID, &mv.Exercice, &kind, &stage, &delta, &sourceRef, &motif,
			&mv.Override, &justification, &beforeJSON, &afterJSON, &actor, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		mv.ID = budget.MovementID(id)
		mv.LineID = budget.LineID(lineID)
		mv.Kind = budget.MovementKind(kind)
		mv.Stage = budget.Stage(stage.String)
		mv.Delta = budget.MustParseMontant(delta)
		mv.SourceRef = sourceRef.String
		mv.Motif = motif.String
		mv.Justification = justification.String
		mv.Before = decodeSnapshot(beforeJSON)
		mv.After = decodeSnapshot(afterJSON)
		mv.Actor = actor.String
		mv.CreatedAt = parseTime(createdAt)
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

// -----------------------------------------------------------------------------
// Transfers
// -----------------------------------------------------------------------------

func (s *BudgetStore) GetTransfer(ctx context.Context, id string) (*budget.CreditTransfer, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return getTransfer(ctx, s.d.db, id)
}

func (s *BudgetStore) CreateTransfer(ctx context.Context, t *budget.CreditTransfer) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return upsertTransfer(ctx, s.d.db, t)
}

func (s *BudgetStore) SaveTransfer(ctx context.Context, t *budget.CreditTransfer) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return upsertTransfer(ctx, s.d.db, t)
}

func (s *BudgetStore) ListTransfers(ctx context.Context, exercice int) ([]budget.CreditTransfer, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return listTransfers(ctx, s.d.db, exercice)
}

const selectTransfers = `
	SELECT id, numero, exercice, from_line_id, to_line_id, montant, motif,
	       statut, rejection_reason, requested_by, requested_at,
	       approved_by, approved_at, executed_by, executed_at,
	       from_dotation_avant, from_dotation_apres, to_dotation_avant, to_dotation_apres
	FROM credit_transfers`

func getTransfer(ctx context.Context, r runner, id string) (*budget.CreditTransfer, error) {
	transfers, err := queryTransfers(ctx, r, selectTransfers+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, budget.ErrTransferNotFound
	}
	return &transfers[0], nil
}

func upsertTransfer(ctx context.Context, r runner, t *budget.CreditTransfer) error {
	query := `
		INSERT INTO credit_transfers
		(id, numero, exercice, from_line_id, to_line_id, montant, motif,
		 statut, rejection_reason, requested_by, requested_at,
		 approved_by, approved_at, executed_by, executed_at,
		 from_dotation_avant, from_dotation_apres, to_dotation_avant, to_dotation_apres)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			statut = excluded.statut,
			rejection_reason = excluded.rejection_reason,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at,
			executed_by = excluded.executed_by,
			executed_at = excluded.executed_at,
			from_dotation_avant = excluded.from_dotation_avant,
			from_dotation_apres = excluded.from_dotation_apres,
			to_dotation_avant = excluded.to_dotation_avant,
			to_dotation_apres = excluded.to_dotation_apres
	`
	_, err := r.ExecContext(ctx, query,
		t.ID, t.Numero, t.Exercice, string(t.FromLineID), string(t.ToLineID),
		t.Montant.String(), nullString(t.Motif),
		t.Statut, nullString(t.RejectionReason),
		nullString(t.RequestedBy), formatTime(t.RequestedAt),
		nullString(t.ApprovedBy), formatTimePtr(t.ApprovedAt),
		nullString(t.ExecutedBy), formatTimePtr(t.ExecutedAt),
		t.FromDotationAvant.String(), t.FromDotationApres.String(),
		t.ToDotationAvant.String(), t.ToDotationApres.String(),
	)
	return err
}

func listTransfers(ctx context.Context, r runner, exercice int) ([]budget.CreditTransfer, error) {
	return queryTransfers(ctx, r, selectTransfers+" WHERE exercice = ? ORDER BY id", exercice)
}

func queryTransfers(ctx context.Context, r runner, query string, args ...any) ([]budget.CreditTransfer, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []budget.CreditTransfer
	for rows.Next() {
		var (
			t                                      budget.CreditTransfer
			fromLine, toLine, montant              string
			motif, rejection                       sql.NullString
			requestedBy, approvedBy, executedBy    sql.NullString
			requestedAt                            string
			approvedAt, executedAt                 sql.NullString
			fromAvant, fromApres, toAvant, toApres string
		)
		err := rows.Scan(
			&t.ID, &t.Numero, &t.Exercice, &fromLine, &toLine, &montant, &motif,
			&t.Statut, &rejection, &requestedBy, &requestedAt,
			&approvedBy, &approvedAt, &executedBy, &executedAt,
			&fromAvant, &fromApres, &toAvant, &toApres,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		t.FromLineID = budget.LineID(fromLine)
		t.ToLineID = budget.LineID(toLine)
		t.Montant = budget.MustParseMontant(montant)
		t.Motif = motif.String
		t.RejectionReason = rejection.String
		t.RequestedBy = requestedBy.String
		t.RequestedAt = parseTime(requestedAt)
		t.ApprovedBy = approvedBy.String
		t.ApprovedAt = parseTimePtr(approvedAt)
		t.ExecutedBy = executedBy.String
		t.ExecutedAt = parseTimePtr(executedAt)
		t.FromDotationAvant = budget.MustParseMontant(fromAvant)
		t.FromDotationApres = budget.MustParseMontant(fromApres)
		t.ToDotationAvant = budget.MustParseMontant(toAvant)
		t.ToDotationApres = budget.MustParseMontant(toApres)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

func (s *BudgetStore) ActiveRules(ctx context.Context) ([]budget.AlertRule, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	rows, err := s.d.db.QueryContext(ctx,
		"SELECT id, seuil_pct, scope, line_id, actif, description FROM alert_rules WHERE actif = TRUE ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []budget.AlertRule
	for rows.Next() {
		var (
			r                   budget.AlertRule
			lineID, description sql.NullString
			scope               string
		)
		if err := rows.Scan(&r.ID, &r.SeuilPct, &scope, &lineID, &r.Actif, &description); err != nil {
			return nil, err
		}
		r.Scope = budget.AlertScope(scope)
		r.LineID = budget.LineID(lineID.String)
		r.Description = description.String
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *BudgetStore) SaveRule(ctx context.Context, r budget.AlertRule) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	query := `
		INSERT INTO alert_rules (id, seuil_pct, scope, line_id, actif, description)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seuil_pct = excluded.seuil_pct,
			scope = excluded.scope,
			line_id = excluded.line_id,
			actif = excluded.actif,
			description = excluded.description
	`
	_, err := s.d.db.ExecContext(ctx, query,
		r.ID, r.SeuilPct, string(r.Scope), nullString(string(r.LineID)), r.Actif, nullString(r.Description))
	return err
}

const selectAlerts = `
	SELECT id, rule_id, line_id, exercice, niveau, seuil_atteint, taux_actuel,
	       montant_dotation, montant_engage, montant_disponible, message,
	       created_at, updated_at, acknowledged_at, acknowledged_by,
	       resolved_at, resolved_by, resolution_note
	FROM alerts`

func (s *BudgetStore) OpenAlert(ctx context.Context, lineID budget.LineID, ruleID string) (*budget.Alert, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	alerts, err := queryAlerts(ctx, s.d.db,
		selectAlerts+" WHERE line_id = ? AND rule_id = ? AND resolved_at IS NULL LIMIT 1",
		string(lineID), ruleID)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return &alerts[0], nil
}

func (s *BudgetStore) UpsertAlert(ctx context.Context, a budget.Alert) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	query := `
		INSERT INTO alerts
		(id, rule_id, line_id, exercice, niveau, seuil_atteint, taux_actuel,
		 montant_dotation, montant_engage, montant_disponible, message,
		 created_at, updated_at, acknowledged_at, acknowledged_by,
		 resolved_at, resolved_by, resolution_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			niveau = excluded.niveau,
			seuil_atteint = excluded.seuil_atteint,
			taux_actuel = excluded.taux_actuel,
			montant_dotation = excluded.montant_dotation,
			montant_engage = excluded.montant_engage,
			montant_disponible = excluded.montant_disponible,
			message = excluded.message,
			updated_at = excluded.updated_at,
			acknowledged_at = excluded.acknowledged_at,
			acknowledged_by = excluded.acknowledged_by
		ON CONFLICT(line_id, rule_id) WHERE resolved_at IS NULL DO UPDATE SET
			niveau = excluded.niveau,
			seuil_atteint = excluded.seuil_atteint,
			taux_actuel = excluded.taux_actuel,
			montant_dotation = excluded.montant_dotation,
			montant_engage = excluded.montant_engage,
			montant_disponible = excluded.montant_disponible,
			message = excluded.message,
			updated_at = excluded.updated_at
	`
	_, err := s.d.db.ExecContext(ctx, query, alertArgs(a)...)
	return err
}

func (s *BudgetStore) GetAlert(ctx context.Context, id string) (*budget.Alert, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	alerts, err := queryAlerts(ctx, s.d.db, selectAlerts+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, budget.ErrAlertNotFound
	}
	return &alerts[0], nil
}

func (s *BudgetStore) SaveAlert(ctx context.Context, a budget.Alert) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	query := `
		UPDATE alerts SET
			niveau = ?, seuil_atteint = ?, taux_actuel = ?,
			montant_dotation = ?, montant_engage = ?, montant_disponible = ?,
			message = ?, updated_at = ?,
			acknowledged_at = ?, acknowledged_by = ?,
			resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE id = ?
	`
	result, err := s.d.db.ExecContext(ctx, query,
		string(a.Niveau), a.SeuilAtteint, a.TauxActuel,
		a.MontantDotation.String(), a.MontantEngage.String(), a.MontantDisponible.String(),
		a.Message, formatTime(a.UpdatedAt),
		formatTimePtr(a.AcknowledgedAt), nullString(a.AcknowledgedBy),
		formatTimePtr(a.ResolvedAt), nullString(a.ResolvedBy), nullString(a.ResolutionNote),
		a.ID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return budget.ErrAlertNotFound
	}
	return nil
}

func (s *BudgetStore) ListAlerts(ctx context.Context, exercice int, unresolvedOnly bool) ([]budget.Alert, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	query := selectAlerts + " WHERE exercice = ?"
	if unresolvedOnly {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY updated_at DESC"
	return queryAlerts(ctx, s.d.db, query, exercice)
}

func alertArgs(a budget.Alert) []any {
	return []any{
		a.ID, a.RuleID, string(a.LineID), a.Exercice,
		string(a.Niveau), a.SeuilAtteint, a.TauxActuel,
		a.MontantDotation.String(), a.MontantEngage.String(), a.MontantDisponible.String(),
		a.Message, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		formatTimePtr(a.AcknowledgedAt), nullString(a.AcknowledgedBy),
		formatTimePtr(a.ResolvedAt), nullString(a.ResolvedBy), nullString(a.ResolutionNote),
	}
}

func queryAlerts(ctx context.Context, r runner, query string, args ...any) ([]budget.Alert, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []budget.Alert
	for rows.Next() {
		var (
			a                             budget.Alert
			lineID, niveau                string
			dotation, engage, disponible  string
			createdAt, updatedAt          string
			ackAt, resolvedAt             sql.NullString
			ackBy, resolvedBy, resolution sql.NullString
		)
		err := rows.Scan(
			&a.ID, &a.RuleID, &lineID, &a.Exercice, &niveau, &a.SeuilAtteint, &a.TauxActuel,
			&dotation, &engage, &disponible, &a.Message,
			&createdAt, &updatedAt, &ackAt, &ackBy, &resolvedAt, &resolvedBy, &resolution,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.LineID = budget.LineID(lineID)
		a.Niveau = budget.AlertNiveau(niveau)
		a.MontantDotation = budget.MustParseMontant(dotation)
		a.MontantEngage = budget.MustParseMontant(engage)
		a.MontantDisponible = budget.MustParseMontant(disponible)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		a.AcknowledgedAt = parseTimePtr(ackAt)
		a.AcknowledgedBy = ackBy.String
		a.ResolvedAt = parseTimePtr(resolvedAt)
		a.ResolvedBy = resolvedBy.String
		a.ResolutionNote = resolution.String
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// =============================================================================
// SEQUENCE STORE (sequence.Service)
// =============================================================================

type SequenceStore struct {
	d *DB
}

// NextNumber increments the counter for key in one upsert statement; the row
// lock serializes concurrent callers, so values are unique and gap-free.
func (s *SequenceStore) NextNumber(ctx context.Context, key sequence.Key) (sequence.Number, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	sqlTx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return sequence.Number{}, err
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO sequences (doc_type, exercice, month, direction_code, value)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(doc_type, exercice, month, direction_code)
		DO UPDATE SET value = value + 1
	`, key.DocType, key.Exercice, key.Month, key.DirectionCode)
	if err != nil {
		return sequence.Number{}, err
	}

	var value int64
	err = sqlTx.QueryRowContext(ctx, `
		SELECT value FROM sequences
		WHERE doc_type = ? AND exercice = ? AND month = ? AND direction_code = ?
	`, key.DocType, key.Exercice, key.Month, key.DirectionCode).Scan(&value)
	if err != nil {
		return sequence.Number{}, err
	}

	if err := sqlTx.Commit(); err != nil {
		return sequence.Number{}, err
	}
	return sequence.Number{Seq: value, Code: sequence.FormatCode(key, value)}, nil
}

// SyncFromImport raises the counter to the observed maximum, never lowers it.
func (s *SequenceStore) SyncFromImport(ctx context.Context, key sequence.Key, observedMax int64) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO sequences (doc_type, exercice, month, direction_code, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_type, exercice, month, direction_code)
		DO UPDATE SET value = MAX(value, excluded.value)
	`, key.DocType, key.Exercice, key.Month, key.DirectionCode, observedMax)
	return err
}

// =============================================================================
// WORKFLOW STORE (workflow.TxEngineStore, workflow.PolicyStore)
// =============================================================================

type WorkflowStore struct {
	d *DB
}

func (s *WorkflowStore) GetDocument(ctx context.Context, module workflow.Module, id string) (*workflow.Document, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return getDocument(ctx, s.d.db, module, id)
}

func (s *WorkflowStore) CreateDocument(ctx context.Context, doc *workflow.Document) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return insertDocument(ctx, s.d.db, doc)
}

func (s *WorkflowStore) SaveDocument(ctx context.Context, doc *workflow.Document) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return updateDocument(ctx, s.d.db, doc)
}

func (s *WorkflowStore) ListDocuments(ctx context.Context, module workflow.Module, exercice int) ([]workflow.Document, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return queryDocuments(ctx, s.d.db,
		selectDocuments+" WHERE module = ? AND exercice = ? ORDER BY id", string(module), exercice)
}

func (s *WorkflowStore) SumSuccessors(ctx context.Context, module workflow.Module, predecessorID string, statuts []string) (budget.Montant, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return sumSuccessors(ctx, s.d.db, module, predecessorID, statuts)
}

func (s *WorkflowStore) AppendHistory(ctx context.Context, entry workflow.HistoryEntry) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return appendHistory(ctx, s.d.db, entry)
}

func (s *WorkflowStore) HistoryByEntity(ctx context.Context, module workflow.Module, id string) ([]workflow.HistoryEntry, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return historyByEntity(ctx, s.d.db, module, id)
}

// WithTx executes fn within one database transaction.
func (s *WorkflowStore) WithTx(ctx context.Context, fn func(workflow.EngineStore) error) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	sqlTx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&workflowTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type workflowTx struct {
	tx *sql.Tx
}

func (t *workflowTx) GetDocument(ctx context.Context, module workflow.Module, id string) (*workflow.Document, error) {
	return getDocument(ctx, t.tx, module, id)
}

func (t *workflowTx) CreateDocument(ctx context.Context, doc *workflow.Document) error {
	return insertDocument(ctx, t.tx, doc)
}

func (t *workflowTx) SaveDocument(ctx context.Context, doc *workflow.Document) error {
	return updateDocument(ctx, t.tx, doc)
}

func (t *workflowTx) ListDocuments(ctx context.Context, module workflow.Module, exercice int) ([]workflow.Document, error) {
	return queryDocuments(ctx, t.tx,
		selectDocuments+" WHERE module = ? AND exercice = ? ORDER BY id", string(module), exercice)
}

func (t *workflowTx) SumSuccessors(ctx context.Context, module workflow.Module, predecessorID string, statuts []string) (budget.Montant, error) {
	return sumSuccessors(ctx, t.tx, module, predecessorID, statuts)
}

func (t *workflowTx) AppendHistory(ctx context.Context, entry workflow.HistoryEntry) error {
	return appendHistory(ctx, t.tx, entry)
}

func (t *workflowTx) HistoryByEntity(ctx context.Context, module workflow.Module, id string) ([]workflow.HistoryEntry, error) {
	return historyByEntity(ctx, t.tx, module, id)
}

// BudgetView exposes the budget tables on this transaction, so a transition's
// ledger side-effect commits atomically with the document and history writes.
// It also keeps the engine off BudgetStore.WithTx while the workflow
// transaction holds the handle's write lock, which would self-deadlock.
func (t *workflowTx) BudgetView() budget.Store {
	return &budgetTx{tx: t.tx}
}

// -----------------------------------------------------------------------------
// Document row mapping
// -----------------------------------------------------------------------------

const selectDocuments = `
	SELECT id, module, numero, exercice, objet, montant, budget_line_id,
	       predecessor_id, statut, current_step, date_entree_etape,
	       defer_condition, defer_resume_date, resume_statut, reste_a_payer,
	       rejection_reason, created_by, created_at, updated_at
	FROM documents`

func getDocument(ctx context.Context, r runner, module workflow.Module, id string) (*workflow.Document, error) {
	docs, err := queryDocuments(ctx, r,
		selectDocuments+" WHERE module = ? AND id = ?", string(module), id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, workflow.ErrDocumentNotFound
	}
	return &docs[0], nil
}

func insertDocument(ctx context.Context, r runner, doc *workflow.Document) error {
	query := `
		INSERT INTO documents
		(id, module, numero, exercice, objet, montant, budget_line_id,
		 predecessor_id, statut, current_step, date_entree_etape,
		 defer_condition, defer_resume_date, resume_statut, reste_a_payer,
		 rejection_reason, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ExecContext(ctx, query, documentArgs(doc)...)
	return err
}

func updateDocument(ctx context.Context, r runner, doc *workflow.Document) error {
	query := `
		UPDATE documents SET
			numero = ?, objet = ?, montant = ?, budget_line_id = ?,
			predecessor_id = ?, statut = ?, current_step = ?, date_entree_etape = ?,
			defer_condition = ?, defer_resume_date = ?, resume_statut = ?,
			reste_a_payer = ?, rejection_reason = ?, updated_at = ?
		WHERE module = ? AND id = ?
	`
	result, err := r.ExecContext(ctx, query,
		nullString(doc.Numero), nullString(doc.Objet), doc.Montant.String(),
		nullString(string(doc.BudgetLineID)),
		nullString(doc.PredecessorID), doc.Statut, doc.CurrentStep, formatTime(doc.DateEntreeEtape),
		nullString(doc.DeferCondition), formatTimePtr(doc.DeferResumeDate), nullString(doc.ResumeStatut),
		doc.ResteAPayer.String(), nullString(doc.RejectionReason), formatTime(doc.UpdatedAt),
		string(doc.Module), doc.ID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return workflow.ErrDocumentNotFound
	}
	return nil
}

func documentArgs(doc *workflow.Document) []any {
	return []any{
		doc.ID, string(doc.Module), nullString(doc.Numero), doc.Exercice,
		nullString(doc.Objet), doc.Montant.String(), nullString(string(doc.BudgetLineID)),
		nullString(doc.PredecessorID), doc.Statut, doc.CurrentStep, formatTime(doc.DateEntreeEtape),
		nullString(doc.DeferCondition), formatTimePtr(doc.DeferResumeDate), nullString(doc.ResumeStatut),
		doc.ResteAPayer.String(), nullString(doc.RejectionReason),
		nullString(doc.CreatedBy), formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt),
	}
}

// sumSuccessors totals montants in Go with decimal arithmetic; summing TEXT
// columns in SQL would go through floats and lose precision.
func sumSuccessors(ctx context.Context, r runner, module workflow.Module, predecessorID string, statuts []string) (budget.Montant, error) {
	total := budget.ZeroMontant()
	if len(statuts) == 0 {
		return total, nil
	}

	placeholders := strings.Repeat("?,", len(statuts))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(
		"SELECT montant FROM documents WHERE module = ? AND predecessor_id = ? AND statut IN (%s)",
		placeholders)

	args := []any{string(module), predecessorID}
	for _, st := range statuts {
		args = append(args, st)
	}

	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return total, err
	}
	defer rows.Close()

	for rows.Next() {
		var montant string
		if err := rows.Scan(&montant); err != nil {
			return total, err
		}
		total = total.Add(budget.MustParseMontant(montant))
	}
	return total, rows.Err()
}

func queryDocuments(ctx context.Context, r runner, query string, args ...any) ([]workflow.Document, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []workflow.Document
	for rows.Next() {
		var (
			doc                         workflow.Document
			module, montant             string
			numero, objet               sql.NullString
			budgetLineID, predecessorID sql.NullString
			dateEntree                  sql.NullString
			deferCondition, deferResume sql.NullString
			resumeStatut, resteAPayer   sql.NullString
			rejection, createdBy        sql.NullString
			createdAt, updatedAt        string
		)
		err := rows.Scan(
			&doc.ID, &module, &numero, &doc.Exercice, &objet, &montant, &budgetLineID,
			&predecessorID, &doc.Statut, &doc.CurrentStep, &dateEntree,
			&deferCondition, &deferResume, &resumeStatut, &resteAPayer,
			&rejection, &createdBy, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc.Module = workflow.Module(module)
		doc.Numero = numero.String
		doc.Objet = objet.String
		doc.Montant = budget.MustParseMontant(montant)
		doc.BudgetLineID = budget.LineID(budgetLineID.String)
		doc.PredecessorID = predecessorID.String
		if dateEntree.Valid {
			doc.DateEntreeEtape = parseTime(dateEntree.String)
		}
		doc.DeferCondition = deferCondition.String
		doc.DeferResumeDate = parseTimePtr(deferResume)
		doc.ResumeStatut = resumeStatut.String
		doc.ResteAPayer = budget.MustParseMontant(resteAPayer.String)
		doc.RejectionReason = rejection.String
		doc.CreatedBy = createdBy.String
		doc.CreatedAt = parseTime(createdAt)
		doc.UpdatedAt = parseTime(updatedAt)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// -----------------------------------------------------------------------------
// History row mapping
// -----------------------------------------------------------------------------

func appendHistory(ctx context.Context, r runner, entry workflow.HistoryEntry) error {
	metadataJSON, _ := json.Marshal(entry.Metadata)

	query := `
		INSERT INTO workflow_history
		(id, module, entity_id, from_statut, to_statut, action, actor, motif, metadata_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ExecContext(ctx, query,
		entry.ID, string(entry.Module), entry.EntityID,
		entry.FromStatut, entry.ToStatut, entry.Action,
		entry.Actor, nullString(entry.Motif), string(metadataJSON), formatTime(entry.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func historyByEntity(ctx context.Context, r runner, module workflow.Module, id string) ([]workflow.HistoryEntry, error) {
	query := `
		SELECT id, module, entity_id, from_statut, to_statut, action, actor, motif, metadata_json, at
		FROM workflow_history
		WHERE module = ? AND entity_id = ?
		ORDER BY at ASC, id ASC
	`
	rows, err := r.QueryContext(ctx, query, string(module), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []workflow.HistoryEntry
	for rows.Next() {
		var (
			entry               workflow.HistoryEntry
			module              string
			motif, metadataJSON sql.NullString
			at                  string
		)
		err := rows.Scan(
			&entry.ID, &module, &entry.EntityID,
			&entry.FromStatut, &entry.ToStatut, &entry.Action,
			&entry.Actor, &motif, &metadataJSON, &at,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.Module = workflow.Module(module)
		entry.Motif = motif.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata)
		}
		entry.At = parseTime(at)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// -----------------------------------------------------------------------------
// Policy rows
// -----------------------------------------------------------------------------

func (s *WorkflowStore) RulesForModule(ctx context.Context, module workflow.Module) ([]workflow.HierarchyRule, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	query := `
		SELECT id, module, step_order, role, min_amount, max_amount,
		       is_optional, required_documents_json, separation_of_duties, is_active, created_at
		FROM hierarchy_rules
		WHERE module = ?
		ORDER BY step_order, created_at
	`
	rows, err := s.d.db.QueryContext(ctx, query, string(module))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []workflow.HierarchyRule
	for rows.Next() {
		var (
			r                    workflow.HierarchyRule
			mod                  string
			minAmount, maxAmount sql.NullString
			requiredDocsJSON     sql.NullString
			createdAt            string
		)
		err := rows.Scan(
			&r.ID, &mod, &r.StepOrder, &r.Role, &minAmount, &maxAmount,
			&r.IsOptional, &requiredDocsJSON, &r.SeparationOfDuties, &r.IsActive, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy rule: %w", err)
		}
		r.Module = workflow.Module(mod)
		if minAmount.Valid {
			m := budget.MustParseMontant(minAmount.String)
			r.MinAmount = &m
		}
		if maxAmount.Valid {
			m := budget.MustParseMontant(maxAmount.String)
			r.MaxAmount = &m
		}
		if requiredDocsJSON.Valid && requiredDocsJSON.String != "" {
			json.Unmarshal([]byte(requiredDocsJSON.String), &r.RequiredDocuments)
		}
		r.CreatedAt = parseTime(createdAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *WorkflowStore) SaveRule(ctx context.Context, r workflow.HierarchyRule) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	requiredDocsJSON, _ := json.Marshal(r.RequiredDocuments)

	query := `
		INSERT INTO hierarchy_rules
		(id, module, step_order, role, min_amount, max_amount,
		 is_optional, required_documents_json, separation_of_duties, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			step_order = excluded.step_order,
			role = excluded.role,
			min_amount = excluded.min_amount,
			max_amount = excluded.max_amount,
			is_optional = excluded.is_optional,
			required_documents_json = excluded.required_documents_json,
			separation_of_duties = excluded.separation_of_duties,
			is_active = excluded.is_active
	`
	_, err := s.d.db.ExecContext(ctx, query,
		r.ID, string(r.Module), r.StepOrder, r.Role,
		montantPtr(r.MinAmount), montantPtr(r.MaxAmount),
		r.IsOptional, string(requiredDocsJSON), r.SeparationOfDuties, r.IsActive,
		formatTime(r.CreatedAt),
	)
	return err
}

func (s *WorkflowStore) DelegationsTo(ctx context.Context, actorID string, at time.Time) ([]workflow.Delegation, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	query := `
		SELECT id, delegateur, delegataire, perimetre_json, date_debut, date_fin, active, motif
		FROM delegations
		WHERE delegataire = ? AND active = TRUE AND date_debut <= ? AND date_fin >= ?
	`
	atStr := formatTime(at)
	rows, err := s.d.db.QueryContext(ctx, query, actorID, atStr, atStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var delegations []workflow.Delegation
	for rows.Next() {
		var (
			d             workflow.Delegation
			perimetreJSON sql.NullString
			debut, fin    string
			motif         sql.NullString
		)
		err := rows.Scan(&d.ID, &d.Delegateur, &d.Delegataire, &perimetreJSON, &debut, &fin, &d.Active, &motif)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		if perimetreJSON.Valid && perimetreJSON.String != "" {
			json.Unmarshal([]byte(perimetreJSON.String), &d.Perimetre)
		}
		d.DateDebut = parseTime(debut)
		d.DateFin = parseTime(fin)
		d.Motif = motif.String
		delegations = append(delegations, d)
	}
	return delegations, rows.Err()
}

func (s *WorkflowStore) SaveDelegation(ctx context.Context, d workflow.Delegation) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	perimetreJSON, _ := json.Marshal(d.Perimetre)

	query := `
		INSERT INTO delegations
		(id, delegateur, delegataire, perimetre_json, date_debut, date_fin, active, motif)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			perimetre_json = excluded.perimetre_json,
			date_debut = excluded.date_debut,
			date_fin = excluded.date_fin,
			active = excluded.active,
			motif = excluded.motif
	`
	_, err := s.d.db.ExecContext(ctx, query,
		d.ID, d.Delegateur, d.Delegataire, string(perimetreJSON),
		formatTime(d.DateDebut), formatTime(d.DateFin), d.Active, nullString(d.Motif),
	)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func montantPtr(m *budget.Montant) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: m.String(), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
