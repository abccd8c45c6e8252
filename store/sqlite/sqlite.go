/*
Package sqlite provides a SQLite-backed implementation of the quota storage interfaces.

PURPOSE:
  Implements the persistence interfaces (RollupStore, RunLog) and a local
  Directory/OrderLedger using SQLite. Production deployments read the
  hierarchy and orders from Postgres (see store/postgres); the snapshot
  tables are the same shape in either dialect.

INTERFACES IMPLEMENTED:
  quota.RollupStore:  Target snapshots and rollup contributions
  quota.RunLog:       Escalation run records
  quota.Directory:    Nodes table (local and test setups)
  quota.OrderLedger:  Orders and order lines (local and test setups)

APPEND-ONLY ENFORCEMENT:
  Assigned and escalated snapshots are never updated. The only UPDATE on
  target_snapshots is the versioned rollup merge:

    UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?

  and it runs in the same transaction as the contributions insert, so a
  delta is merged into an ancestor at most once. Supersede and MergeRollup
  both re-read the bucket head inside their transaction.

KEY TABLES:
  target_snapshots: Every snapshot ever written, seq breaks time ties
  contributions:    (source snapshot, ancestor) pairs already merged
  escalation_runs:  One row per (tenant, month), upserted on re-run
  nodes:            Hierarchy for local runs
  orders:           Order headers for local runs
  order_lines:      Order lines for local runs

INDEXES:
  - idx_snapshots_node_period: Latest / LatestInPeriod (hot path)
  - idx_unique_escalation: One escalation per leaf per month

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Postgres relies on row locks and the
  same version check instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/quota.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := quota.NewService(store, store, store, store, opts)

SEE ALSO:
  - quota/store.go: Interface definitions
  - quota/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/quota-engine/quota"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Target snapshots (append-only except for versioned rollup merges)
	CREATE TABLE IF NOT EXISTS target_snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		node_id TEXT NOT NULL,
		tenant TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		period_label TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		derived_from TEXT,
		escalation_key TEXT NOT NULL DEFAULT '',
		assignments_json TEXT NOT NULL,
		delta_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_node_period
		ON target_snapshots(node_id, period_label, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_snapshots_node_created
		ON target_snapshots(node_id, created_at, seq);

	-- CRITICAL: one escalation per leaf per month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_escalation
		ON target_snapshots(node_id, escalation_key)
		WHERE escalation_key <> '';

	-- Rollup contributions
	CREATE TABLE IF NOT EXISTS contributions (
		id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		ancestor_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		delta_json TEXT NOT NULL,
		applied_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, ancestor_id)
	);

	-- Escalation runs
	CREATE TABLE IF NOT EXISTS escalation_runs (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		month_key TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_leaves INTEGER NOT NULL DEFAULT 0,
		updated_snapshots INTEGER NOT NULL DEFAULT 0,
		replayed INTEGER NOT NULL DEFAULT 0,
		failed_leaves INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		UNIQUE(tenant, month_key)
	);

	-- Hierarchy (local runs)
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		supervisor_id TEXT,
		role TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_supervisor ON nodes(supervisor_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_tenant ON nodes(tenant);

	-- Orders (local runs)
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		status TEXT NOT NULL,
		order_date INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_node_date ON orders(node_id, order_date);

	CREATE TABLE IF NOT EXISTS order_lines (
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		qty TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		PRIMARY KEY (order_id, line_no)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SNAPSHOT STORE (quota.SnapshotStore interface)
// =============================================================================

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const snapshotColumns = `seq, id, node_id, tenant, created_at, version, period_label,
	origin, derived_from, escalation_key, assignments_json, delta_json`

// Create appends a snapshot.
func (s *Store) Create(ctx context.Context, snap quota.TargetSnapshot) (quota.TargetSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertSnapshot(ctx, s.db, snap)
}

// Supersede appends snap if the head of its (node, period) bucket is still
// head. The check and the insert share one transaction.
func (s *Store) Supersede(ctx context.Context, snap quota.TargetSnapshot, head quota.Head) (quota.TargetSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	cur, ok, err := s.latestInPeriod(ctx, sqlTx, snap.NodeID, snap.PeriodLabel)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}
	var got quota.Head
	if ok {
		got = cur.Head()
	}
	if got != head {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}
	if ok && snap.CreatedAt.Before(cur.CreatedAt) {
		snap.CreatedAt = cur.CreatedAt
	}

	created, err := s.insertSnapshot(ctx, sqlTx, snap)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return created, nil
}

func (s *Store) insertSnapshot(ctx context.Context, db execer, snap quota.TargetSnapshot) (quota.TargetSnapshot, error) {
	assignments, err := encodeLines(snap.Assignments)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}
	delta, err := encodeLines(snap.Delta)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}

	query := `
		INSERT INTO target_snapshots
		(id, node_id, tenant, created_at, version, period_label, origin,
		 derived_from, escalation_key, assignments_json, delta_json)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
	`

	res, err := db.ExecContext(ctx, query,
		snap.ID,
		snap.NodeID,
		snap.Tenant,
		snap.CreatedAt.UnixNano(),
		snap.PeriodLabel,
		snap.Origin,
		nullString(string(snap.DerivedFrom)),
		snap.EscalationKey,
		assignments,
		delta,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return quota.TargetSnapshot{}, quota.ErrConflict
		}
		return quota.TargetSnapshot{}, fmt.Errorf("failed to insert snapshot: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to read snapshot seq: %w", err)
	}
	out := snap.Clone()
	out.Seq = seq
	out.Version = 1
	return out, nil
}

func (s *Store) Get(ctx context.Context, id quota.SnapshotID) (quota.TargetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok, err := s.querySnapshot(ctx, s.db,
		`SELECT `+snapshotColumns+` FROM target_snapshots WHERE id = ?`, id)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}
	if !ok {
		return quota.TargetSnapshot{}, &quota.NotFoundError{Kind: "snapshot", ID: string(id)}
	}
	return snap, nil
}

func (s *Store) Latest(ctx context.Context, nodeID quota.NodeID) (quota.TargetSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySnapshot(ctx, s.db, `
		SELECT `+snapshotColumns+` FROM target_snapshots
		WHERE node_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, nodeID)
}

func (s *Store) LatestInPeriod(ctx context.Context, nodeID quota.NodeID, label string) (quota.TargetSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latestInPeriod(ctx, s.db, nodeID, label)
}

func (s *Store) latestInPeriod(ctx context.Context, db execer, nodeID quota.NodeID, label string) (quota.TargetSnapshot, bool, error) {
	return s.querySnapshot(ctx, db, `
		SELECT `+snapshotColumns+` FROM target_snapshots
		WHERE node_id = ? AND period_label = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, nodeID, label)
}

// History returns snapshots created within [from, to], oldest first. Zero
// bounds are open.
func (s *Store) History(ctx context.Context, nodeID quota.NodeID, from, to time.Time) ([]quota.TargetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + snapshotColumns + ` FROM target_snapshots WHERE node_id = ?`
	args := []any{nodeID}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, to.UnixNano())
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	return s.querySnapshots(ctx, s.db, query, args...)
}

func (s *Store) FindEscalation(ctx context.Context, nodeID quota.NodeID, monthKey string) (quota.TargetSnapshot, bool, error) {
	if monthKey == "" {
		return quota.TargetSnapshot{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySnapshot(ctx, s.db, `
		SELECT `+snapshotColumns+` FROM target_snapshots
		WHERE node_id = ? AND escalation_key = ?
	`, nodeID, monthKey)
}

func (s *Store) querySnapshot(ctx context.Context, db execer, query string, args ...any) (quota.TargetSnapshot, bool, error) {
	snaps, err := s.querySnapshots(ctx, db, query, args...)
	if err != nil || len(snaps) == 0 {
		return quota.TargetSnapshot{}, false, err
	}
	return snaps[0], true, nil
}

func (s *Store) querySnapshots(ctx context.Context, db execer, query string, args ...any) ([]quota.TargetSnapshot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []quota.TargetSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	return snaps, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (quota.TargetSnapshot, error) {
	var (
		snap        quota.TargetSnapshot
		createdAt   int64
		derivedFrom sql.NullString
		assignments string
		delta       sql.NullString
	)

	err := rows.Scan(
		&snap.Seq, &snap.ID, &snap.NodeID, &snap.Tenant, &createdAt, &snap.Version,
		&snap.PeriodLabel, &snap.Origin, &derivedFrom, &snap.EscalationKey,
		&assignments, &delta,
	)
	if err != nil {
		return snap, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	snap.CreatedAt = fromNanos(createdAt)
	snap.DerivedFrom = quota.SnapshotID(derivedFrom.String)
	if snap.Assignments, err = decodeLines(assignments); err != nil {
		return snap, err
	}
	if snap.Delta, err = decodeLines(delta.String); err != nil {
		return snap, err
	}

	return snap, nil
}

// =============================================================================
// ROLLUP STORE (quota.RollupStore interface)
// =============================================================================

// CreateRollup inserts the first snapshot of an ancestor's period bucket
// together with its contribution.
func (s *Store) CreateRollup(ctx context.Context, snap quota.TargetSnapshot, c quota.Contribution) (quota.TargetSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if applied, err := contributionExists(ctx, sqlTx, c); err != nil {
		return quota.TargetSnapshot{}, err
	} else if applied {
		return quota.TargetSnapshot{}, quota.ErrAlreadyApplied
	}

	var count int
	if err := sqlTx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM target_snapshots WHERE node_id = ? AND period_label = ?",
		snap.NodeID, snap.PeriodLabel,
	).Scan(&count); err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to check bucket: %w", err)
	}
	if count > 0 {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}

	created, err := s.insertSnapshot(ctx, sqlTx, snap)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}
	c.TargetID = created.ID
	if err := insertContribution(ctx, sqlTx, c); err != nil {
		return quota.TargetSnapshot{}, err
	}

	if err := sqlTx.Commit(); err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to commit rollup: %w", err)
	}
	return created, nil
}

// MergeRollup replaces the lines of snapshot id if it is still at
// expectedVersion, and records the contribution in the same transaction.
func (s *Store) MergeRollup(ctx context.Context, id quota.SnapshotID, expectedVersion int64, lines quota.Assignments, c quota.Contribution) (quota.TargetSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := encodeLines(lines)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if applied, err := contributionExists(ctx, sqlTx, c); err != nil {
		return quota.TargetSnapshot{}, err
	} else if applied {
		return quota.TargetSnapshot{}, quota.ErrAlreadyApplied
	}

	// a superseded snapshot no longer counts for its bucket
	var head string
	err = sqlTx.QueryRowContext(ctx, `
		SELECT h.id FROM target_snapshots t
		JOIN target_snapshots h ON h.node_id = t.node_id AND h.period_label = t.period_label
		WHERE t.id = ?
		ORDER BY h.created_at DESC, h.seq DESC
		LIMIT 1
	`, id).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.TargetSnapshot{}, &quota.NotFoundError{Kind: "snapshot", ID: string(id)}
	}
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to check bucket head: %w", err)
	}
	if head != string(id) {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE target_snapshots
		SET assignments_json = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, encoded, id, expectedVersion)
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to merge rollup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to merge rollup: %w", err)
	}
	if n == 0 {
		var count int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM target_snapshots WHERE id = ?", id,
		).Scan(&count); err != nil {
			return quota.TargetSnapshot{}, fmt.Errorf("failed to check snapshot: %w", err)
		}
		if count == 0 {
			return quota.TargetSnapshot{}, &quota.NotFoundError{Kind: "snapshot", ID: string(id)}
		}
		return quota.TargetSnapshot{}, quota.ErrConflict
	}

	c.TargetID = id
	if err := insertContribution(ctx, sqlTx, c); err != nil {
		return quota.TargetSnapshot{}, err
	}

	merged, ok, err := s.querySnapshot(ctx, sqlTx,
		`SELECT `+snapshotColumns+` FROM target_snapshots WHERE id = ?`, id)
	if err != nil {
		return quota.TargetSnapshot{}, err
	}
	if !ok {
		return quota.TargetSnapshot{}, &quota.NotFoundError{Kind: "snapshot", ID: string(id)}
	}

	if err := sqlTx.Commit(); err != nil {
		return quota.TargetSnapshot{}, fmt.Errorf("failed to commit rollup: %w", err)
	}
	return merged, nil
}

// Contributions lists the ancestors sourceID has been merged into.
func (s *Store) Contributions(ctx context.Context, sourceID quota.SnapshotID) ([]quota.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, ancestor_id, target_id, delta_json, applied_at
		FROM contributions
		WHERE source_id = ?
		ORDER BY applied_at ASC, ancestor_id ASC
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	var out []quota.Contribution
	for rows.Next() {
		var (
			c         quota.Contribution
			delta     string
			appliedAt int64
		)
		if err := rows.Scan(&c.ID, &c.SourceID, &c.AncestorID, &c.TargetID, &delta, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		if c.Delta, err = decodeLines(delta); err != nil {
			return nil, err
		}
		c.AppliedAt = fromNanos(appliedAt)
		out = append(out, c)
	}

	return out, rows.Err()
}

func contributionExists(ctx context.Context, db execer, c quota.Contribution) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contributions WHERE source_id = ? AND ancestor_id = ?",
		c.SourceID, c.AncestorID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check contribution: %w", err)
	}
	return count > 0, nil
}

func insertContribution(ctx context.Context, db execer, c quota.Contribution) error {
	delta, err := encodeLines(c.Delta)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO contributions (id, source_id, ancestor_id, target_id, delta_json, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.SourceID, c.AncestorID, c.TargetID, delta, c.AppliedAt.UnixNano())
	if err != nil {
		if isUniqueConstraintError(err) {
			return quota.ErrAlreadyApplied
		}
		return fmt.Errorf("failed to record contribution: %w", err)
	}
	return nil
}

// =============================================================================
// RUN LOG (quota.RunLog interface)
// =============================================================================

// SaveEscalationRun upserts the run for (tenant, month).
func (s *Store) SaveEscalationRun(ctx context.Context, r quota.EscalationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO escalation_runs (id, tenant, month_key, status, processed_leaves,
			updated_snapshots, replayed, failed_leaves, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, month_key) DO UPDATE SET
			status = excluded.status,
			processed_leaves = excluded.processed_leaves,
			updated_snapshots = excluded.updated_snapshots,
			replayed = excluded.replayed,
			failed_leaves = excluded.failed_leaves,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	var completedAt *int64
	if r.CompletedAt != nil {
		n := r.CompletedAt.UnixNano()
		completedAt = &n
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Tenant, r.MonthKey, r.Status,
		r.ProcessedLeaves, r.UpdatedSnapshots, r.Replayed, r.FailedLeaves,
		nullString(r.Error), r.StartedAt.UnixNano(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save escalation run: %w", err)
	}
	return nil
}

func (s *Store) EscalationRun(ctx context.Context, tenant quota.TenantID, monthKey string) (quota.EscalationRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, `
		SELECT id, tenant, month_key, status, processed_leaves, updated_snapshots,
			replayed, failed_leaves, error, started_at, completed_at
		FROM escalation_runs
		WHERE tenant = ? AND month_key = ?
	`, tenant, monthKey)
	if err != nil || len(runs) == 0 {
		return quota.EscalationRun{}, false, err
	}
	return runs[0], true, nil
}

// ListEscalationRuns returns runs newest first. An empty tenant lists all.
func (s *Store) ListEscalationRuns(ctx context.Context, tenant quota.TenantID) ([]quota.EscalationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, tenant, month_key, status, processed_leaves, updated_snapshots,
			replayed, failed_leaves, error, started_at, completed_at
		FROM escalation_runs
	`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY started_at DESC`

	return s.queryRuns(ctx, query, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]quota.EscalationRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation runs: %w", err)
	}
	defer rows.Close()

	var runs []quota.EscalationRun
	for rows.Next() {
		var (
			r           quota.EscalationRun
			runErr      sql.NullString
			startedAt   int64
			completedAt sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID, &r.Tenant, &r.MonthKey, &r.Status, &r.ProcessedLeaves, &r.UpdatedSnapshots,
			&r.Replayed, &r.FailedLeaves, &runErr, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan escalation run: %w", err)
		}
		r.Error = runErr.String
		r.StartedAt = fromNanos(startedAt)
		if completedAt.Valid {
			t := fromNanos(completedAt.Int64)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// ENCODING
// =============================================================================

// lineRecord is the stored JSON form of a product line.
type lineRecord struct {
	ProductID  string       `json:"productId"`
	QtyAssign  string       `json:"qtyAssign"`
	UnitPrice  string       `json:"unitPrice"`
	Escalation []ruleRecord `json:"escalation,omitempty"`
}

type ruleRecord struct {
	Month      int    `json:"month"`
	Percentage string `json:"percentage"`
}

func encodeLines(lines quota.Assignments) (string, error) {
	records := make([]lineRecord, len(lines))
	for i, l := range lines {
		records[i] = lineRecord{
			ProductID: string(l.ProductID),
			QtyAssign: l.QtyAssign.String(),
			UnitPrice: l.UnitPrice.String(),
		}
		for _, r := range l.Escalation {
			records[i].Escalation = append(records[i].Escalation, ruleRecord{
				Month:      int(r.Month),
				Percentage: r.Percentage.String(),
			})
		}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode lines: %w", err)
	}
	return string(b), nil
}

func decodeLines(s string) (quota.Assignments, error) {
	if s == "" {
		return nil, nil
	}
	var records []lineRecord
	if err := json.Unmarshal([]byte(s), &records); err != nil {
		return nil, fmt.Errorf("failed to decode lines: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	out := make(quota.Assignments, len(records))
	for i, r := range records {
		qty, err := decimal.NewFromString(r.QtyAssign)
		if err != nil {
			return nil, fmt.Errorf("failed to decode qty for %s: %w", r.ProductID, err)
		}
		price, err := decimal.NewFromString(r.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("failed to decode price for %s: %w", r.ProductID, err)
		}
		out[i] = quota.ProductAssignment{ProductID: quota.ProductID(r.ProductID), QtyAssign: qty, UnitPrice: price}
		for _, rr := range r.Escalation {
			pct, err := decimal.NewFromString(rr.Percentage)
			if err != nil {
				return nil, fmt.Errorf("failed to decode escalation for %s: %w", r.ProductID, err)
			}
			out[i].Escalation = append(out[i].Escalation, quota.EscalationRule{Month: time.Month(rr.Month), Percentage: pct})
		}
	}
	return out, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
