/*
store.go - Collaborator and persistence interfaces

PURPOSE:
  Defines the boundary between the engine and everything it reads from or
  writes to. The hierarchy directory and the order ledger are owned by other
  systems; the snapshot store is owned by the engine.

KEY INTERFACES:
  Directory:     supervisor / subordinate lookups within a tenant
  OrderLedger:   completed orders per node
  SnapshotStore: append-only target snapshots
  RollupStore:   SnapshotStore plus the guarded ancestor merge
  RunLog:        escalation run records

APPEND-ONLY CONTRACT:
  Snapshots are never deleted. The only in-place write is MergeRollup, which
  is a compare-and-swap on Version and records the Contribution in the same
  atomic step. A second contribution for the same (source, ancestor) pair is
  rejected with ErrAlreadyApplied.

BUCKET HEAD:
  Every engine write into a (node, period) bucket is conditional on the
  bucket's latest snapshot. Supersede appends only if the head is still the
  one the caller read, and MergeRollup only merges into the current head.
  Either returns ErrConflict otherwise, and the caller re-reads and retries.

LATEST:
  "Latest" is the greatest CreatedAt; ties go to the higher Seq. Stores must
  assign Seq in insertion order.

IMPLEMENTATIONS:
  - quota/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres: Directory and OrderLedger over PostgreSQL

SEE ALSO:
  - propagate.go: the only caller of CreateRollup and MergeRollup
*/
package quota

import (
	"context"
	"time"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Directory answers hierarchy questions. Node returns an error wrapping
// ErrNotFound for unknown ids.
type Directory interface {
	Node(ctx context.Context, id NodeID) (Node, error)

	// Supervisor returns false at the root.
	Supervisor(ctx context.Context, id NodeID) (NodeID, bool, error)

	Subordinates(ctx context.Context, id NodeID) ([]NodeID, error)

	// Nodes lists every node of a tenant.
	Nodes(ctx context.Context, tenant TenantID) ([]Node, error)
}

// OrderLedger is read-only. Only completed orders are returned.
type OrderLedger interface {
	FindCompletedOrders(ctx context.Context, scope []NodeID, within Period) ([]OrderRecord, error)
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// Head identifies a bucket's latest snapshot at one version. The zero Head
// stands for an empty bucket.
type Head struct {
	ID      SnapshotID
	Version int64
}

type SnapshotStore interface {
	// Create appends a snapshot, assigning Seq and Version=1. Snapshots with
	// an EscalationKey are unique per (node, key); a duplicate returns
	// ErrConflict.
	Create(ctx context.Context, snap TargetSnapshot) (TargetSnapshot, error)

	// Supersede is Create guarded by the bucket head: it returns ErrConflict
	// unless the latest snapshot of (snap.NodeID, snap.PeriodLabel) is still
	// head. A CreatedAt earlier than the head's is raised to it so the new
	// snapshot becomes the latest.
	Supersede(ctx context.Context, snap TargetSnapshot, head Head) (TargetSnapshot, error)

	Get(ctx context.Context, id SnapshotID) (TargetSnapshot, error)

	Latest(ctx context.Context, nodeID NodeID) (TargetSnapshot, bool, error)

	LatestInPeriod(ctx context.Context, nodeID NodeID, label string) (TargetSnapshot, bool, error)

	// History returns snapshots created in [from, to], oldest first.
	// Zero bounds are open.
	History(ctx context.Context, nodeID NodeID, from, to time.Time) ([]TargetSnapshot, error)

	FindEscalation(ctx context.Context, nodeID NodeID, monthKey string) (TargetSnapshot, bool, error)
}

type RollupStore interface {
	SnapshotStore

	// CreateRollup creates the first snapshot of an ancestor's period bucket
	// and records c. ErrConflict if the bucket is no longer empty.
	CreateRollup(ctx context.Context, snap TargetSnapshot, c Contribution) (TargetSnapshot, error)

	// MergeRollup replaces the lines of snapshot id if it is still the head
	// of its bucket at expectedVersion, bumps the version and records c.
	MergeRollup(ctx context.Context, id SnapshotID, expectedVersion int64, lines Assignments, c Contribution) (TargetSnapshot, error)

	Contributions(ctx context.Context, sourceID SnapshotID) ([]Contribution, error)
}

// =============================================================================
// RUN LOG
// =============================================================================

type RunLog interface {
	// SaveEscalationRun upserts on (tenant, month key).
	SaveEscalationRun(ctx context.Context, run EscalationRun) error
	EscalationRun(ctx context.Context, tenant TenantID, monthKey string) (EscalationRun, bool, error)
	ListEscalationRuns(ctx context.Context, tenant TenantID) ([]EscalationRun, error)
}
