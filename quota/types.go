/*
Package quota provides the target rollup engine.

PURPOSE:
  Sales quotas ("targets") are assigned to nodes of a tenant's supervisory
  hierarchy, rolled up through the management chain, escalated monthly by
  per-product rules and compared against completed orders to compute
  achievement at any level of the tree.

KEY CONCEPTS IN THIS FILE (types.go):
  - Node: a hierarchy participant (salesperson or customer)
  - ProductAssignment: quantity and unit price for one product
  - TargetSnapshot: an immutable, timestamped quota record for one node
  - Contribution: proof that a snapshot's delta reached one ancestor
  - OrderRecord: a sales transaction read from the order ledger

DESIGN PRINCIPLES:
  1. Immutability: snapshots are appended, never rewritten. The only
     in-place change is the rollup merge into an ancestor (see propagate.go).
  2. Precision: quantities and prices use decimal.Decimal.
  3. Derived totals: TotalPrice and GrandTotal are methods, so they can
     never drift from the quantities they are computed from.

SEE ALSO:
  - store.go: collaborator and persistence interfaces
  - propagate.go: ancestor rollup
  - escalation.go: monthly escalation batch
  - achievement.go: target vs actual reports
*/
package quota

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type NodeID string
type TenantID string
type ProductID string
type SnapshotID string

// NewSnapshotID returns a random snapshot id.
func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.NewString())
}

// contributionNamespace scopes the deterministic contribution ids.
var contributionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("quota-engine/contribution"))

// ContributionID is stable for a (source snapshot, ancestor) pair so a
// replayed propagation produces the same key.
func ContributionID(source SnapshotID, ancestor NodeID) string {
	return uuid.NewSHA1(contributionNamespace, []byte(string(source)+"|"+string(ancestor))).String()
}

// =============================================================================
// NODE - Hierarchy participant (owned by the directory)
// =============================================================================

type Node struct {
	ID           NodeID
	Tenant       TenantID
	SupervisorID NodeID // empty at the root
	Role         string
}

func (n Node) IsRoot() bool { return n.SupervisorID == "" }

// =============================================================================
// PRODUCT ASSIGNMENT
// =============================================================================

// EscalationRule raises a line's quantity by Percentage when the
// escalation batch runs in Month.
type EscalationRule struct {
	Month      time.Month
	Percentage decimal.Decimal
}

type ProductAssignment struct {
	ProductID  ProductID
	QtyAssign  decimal.Decimal
	UnitPrice  decimal.Decimal
	Escalation []EscalationRule
}

// TotalPrice is always QtyAssign × UnitPrice.
func (a ProductAssignment) TotalPrice() decimal.Decimal {
	return a.QtyAssign.Mul(a.UnitPrice)
}

// RuleFor returns the first escalation rule configured for month.
func (a ProductAssignment) RuleFor(month time.Month) (EscalationRule, bool) {
	for _, r := range a.Escalation {
		if r.Month == month {
			return r, true
		}
	}
	return EscalationRule{}, false
}

// Assignments is a set of product lines, unique by ProductID.
type Assignments []ProductAssignment

func (as Assignments) GrandTotal() decimal.Decimal {
	total := decimal.Zero
	for _, a := range as {
		total = total.Add(a.TotalPrice())
	}
	return total
}

func (as Assignments) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, a := range as {
		total = total.Add(a.QtyAssign)
	}
	return total
}

// Index returns the position of productID, or -1.
func (as Assignments) Index(productID ProductID) int {
	for i, a := range as {
		if a.ProductID == productID {
			return i
		}
	}
	return -1
}

// Clone deep-copies the lines, including escalation rules.
func (as Assignments) Clone() Assignments {
	if as == nil {
		return nil
	}
	out := make(Assignments, len(as))
	for i, a := range as {
		out[i] = a
		if a.Escalation != nil {
			out[i].Escalation = append([]EscalationRule(nil), a.Escalation...)
		}
	}
	return out
}

// =============================================================================
// TARGET SNAPSHOT
// =============================================================================

type Origin string

const (
	OriginAssigned  Origin = "assigned"  // node registered or changed its quota
	OriginEscalated Origin = "escalated" // produced by the monthly escalation batch
	OriginRollup    Origin = "rollup"    // created by propagation on an ancestor
	OriginRebuilt   Origin = "rebuilt"   // re-summed from the direct subordinates
)

type TargetSnapshot struct {
	ID        SnapshotID
	NodeID    NodeID
	Tenant    TenantID
	CreatedAt time.Time

	// Seq is the store-assigned insertion sequence. It breaks CreatedAt ties.
	Seq int64

	// Version starts at 1 and increases with every rollup merge.
	Version int64

	// PeriodLabel is a canonical "YYYY-MM" label, or NoPeriod.
	PeriodLabel string

	Origin        Origin
	DerivedFrom   SnapshotID // basis snapshot for escalations, source for rollups
	EscalationKey string     // "YYYY-MM" of the escalation run that produced it

	Assignments Assignments

	// Delta is what this snapshot contributes to its ancestors. It is stored
	// so a failed propagation can be replayed exactly.
	Delta Assignments
}

func (s TargetSnapshot) GrandTotal() decimal.Decimal {
	return s.Assignments.GrandTotal()
}

func (s TargetSnapshot) Line(productID ProductID) (ProductAssignment, bool) {
	if i := s.Assignments.Index(productID); i >= 0 {
		return s.Assignments[i], true
	}
	return ProductAssignment{}, false
}

func (s TargetSnapshot) Head() Head {
	return Head{ID: s.ID, Version: s.Version}
}

func (s TargetSnapshot) Clone() TargetSnapshot {
	s.Assignments = s.Assignments.Clone()
	s.Delta = s.Delta.Clone()
	return s
}

// After reports whether s is more recent than other.
func (s TargetSnapshot) After(other TargetSnapshot) bool {
	if !s.CreatedAt.Equal(other.CreatedAt) {
		return s.CreatedAt.After(other.CreatedAt)
	}
	return s.Seq > other.Seq
}

// Contribution records that SourceID's delta was merged into AncestorID's
// snapshot TargetID. Unique on (SourceID, AncestorID).
type Contribution struct {
	ID         string
	SourceID   SnapshotID
	AncestorID NodeID
	TargetID   SnapshotID
	Delta      Assignments
	AppliedAt  time.Time
}

// =============================================================================
// ORDERS - Read-only view of the order ledger
// =============================================================================

type OrderStatus string

const OrderCompleted OrderStatus = "completed"

type OrderLine struct {
	ProductID ProductID
	Qty       decimal.Decimal
	UnitPrice decimal.Decimal
}

func (l OrderLine) Amount() decimal.Decimal { return l.Qty.Mul(l.UnitPrice) }

type OrderRecord struct {
	ID     string
	NodeID NodeID
	Status OrderStatus
	Date   time.Time
	Lines  []OrderLine
}

// =============================================================================
// ESCALATION RUNS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial" // some leaves failed
	RunFailed    RunStatus = "failed"
)

// EscalationRun is the audit record of one monthly batch for a tenant.
type EscalationRun struct {
	ID               string
	Tenant           TenantID
	MonthKey         string
	Status           RunStatus
	ProcessedLeaves  int
	UpdatedSnapshots int
	Replayed         int
	FailedLeaves     int
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

var runNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("quota-engine/escalation-run"))

// EscalationRunID is stable per tenant and month so re-runs upsert one record.
func EscalationRunID(tenant TenantID, monthKey string) string {
	return uuid.NewSHA1(runNamespace, []byte(string(tenant)+"|"+monthKey)).String()
}
