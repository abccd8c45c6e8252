/*
escalation.go - Monthly escalation batch

PURPOSE:
  Once a month, every leaf node's latest quota is raised by the escalation
  rules configured for that month and the increase is rolled up to the
  leaf's ancestors.

RULES:
  increase = floor(qtyAssign × percentage / 100)
  Lines without a rule for the month, or with percentage 0, pass through.
  Escalation never lowers a quantity.

IDEMPOTENCE:
  An escalated snapshot carries EscalationKey = "YYYY-MM" and is unique per
  (node, key). It is written only while its basis is still the head of the
  leaf's bucket, so a concurrent assignment makes the batch escalate the
  newer target instead. Re-running the batch in the same month does not escalate a
  leaf twice; instead the stored snapshot is propagated again, which only
  fills in ancestors a previous failed run missed.

FAN-OUT:
  Leaves are processed concurrently, bounded by MaxFanOut. Each leaf gets a
  fresh Run. A leaf's failure is recorded and does not stop its siblings.

SEE ALSO:
  - snapshot.go: Escalate
  - api/scheduler.go: triggers Run once per tenant per month
*/
package quota

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Escalator struct {
	Directory  Directory
	Store      RollupStore
	Propagator *Propagator
	Runs       RunLog // optional
	Logger     *slog.Logger

	CallTimeout time.Duration
	MaxFanOut   int

	Now func() time.Time
}

// EscalationResult summarizes one batch.
type EscalationResult struct {
	Tenant           TenantID
	MonthKey         string
	ProcessedLeaves  int
	UpdatedSnapshots []SnapshotID
	Replayed         int
	Failures         []NodeFailure
}

type NodeFailure struct {
	NodeID NodeID
	Err    error
}

type leafOutcome int

const (
	leafUnchanged leafOutcome = iota
	leafEscalated
	leafReplayed
)

// Run escalates every leaf of tenant for the current month.
func (e *Escalator) Run(ctx context.Context, tenant TenantID) (EscalationResult, error) {
	at := e.now()
	monthKey := PeriodLabel(at)
	res := EscalationResult{Tenant: tenant, MonthKey: monthKey}

	record := EscalationRun{
		ID:        EscalationRunID(tenant, monthKey),
		Tenant:    tenant,
		MonthKey:  monthKey,
		Status:    RunRunning,
		StartedAt: at,
	}
	e.saveRun(ctx, record)

	leaves, err := e.leaves(ctx, tenant)
	if err != nil {
		record.Status = RunFailed
		record.Error = err.Error()
		e.finishRun(ctx, record)
		return res, &OpError{Op: "escalate.leaves", Err: err}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.fanOut())

	for _, leaf := range leaves {
		g.Go(func() error {
			outcome, snapID, err := e.escalateLeaf(ctx, leaf, at, monthKey)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger().Warn("leaf escalation failed", "tenant", tenant, "node", leaf.ID, "error", err)
				res.Failures = append(res.Failures, NodeFailure{NodeID: leaf.ID, Err: err})
				return nil
			}
			res.ProcessedLeaves++
			switch outcome {
			case leafEscalated:
				res.UpdatedSnapshots = append(res.UpdatedSnapshots, snapID)
			case leafReplayed:
				res.Replayed++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.UpdatedSnapshots, func(i, j int) bool { return res.UpdatedSnapshots[i] < res.UpdatedSnapshots[j] })
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].NodeID < res.Failures[j].NodeID })

	record.ProcessedLeaves = res.ProcessedLeaves
	record.UpdatedSnapshots = len(res.UpdatedSnapshots)
	record.Replayed = res.Replayed
	record.FailedLeaves = len(res.Failures)
	record.Status = RunCompleted
	if len(res.Failures) > 0 {
		record.Status = RunPartial
		record.Error = res.Failures[0].Err.Error()
	}
	e.finishRun(ctx, record)

	e.logger().Info("escalation run finished",
		"tenant", tenant, "month", monthKey,
		"processed", res.ProcessedLeaves, "updated", len(res.UpdatedSnapshots),
		"replayed", res.Replayed, "failed", len(res.Failures))
	return res, nil
}

// leaves returns the tenant's nodes that nobody reports to.
func (e *Escalator) leaves(ctx context.Context, tenant TenantID) ([]Node, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	nodes, err := e.Directory.Nodes(ctx, tenant)
	if err != nil {
		return nil, upstream("listNodes", err)
	}
	hasSubordinates := make(map[NodeID]bool, len(nodes))
	for _, n := range nodes {
		if n.SupervisorID != "" {
			hasSubordinates[n.SupervisorID] = true
		}
	}
	var leaves []Node
	for _, n := range nodes {
		if !hasSubordinates[n.ID] {
			leaves = append(leaves, n)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].ID < leaves[j].ID })
	return leaves, nil
}

func (e *Escalator) escalateLeaf(ctx context.Context, leaf Node, at time.Time, monthKey string) (leafOutcome, SnapshotID, error) {
	var existing, created TargetSnapshot
	err := e.Propagator.retryOnConflict(ctx, func(ctx context.Context) error {
		existing, created = TargetSnapshot{}, TargetSnapshot{}

		// A conflict on the previous attempt may have been a concurrent batch.
		found, ok, err := e.Store.FindEscalation(ctx, leaf.ID, monthKey)
		if err != nil {
			return &OpError{Op: "escalate.lookup", NodeID: leaf.ID, Err: err}
		}
		if ok {
			existing = found
			return nil
		}

		basis, ok, err := e.Store.Latest(ctx, leaf.ID)
		if err != nil {
			return &OpError{Op: "escalate.latest", NodeID: leaf.ID, Err: err}
		}
		if !ok {
			return nil
		}
		escalated, changed := Escalate(basis.Assignments, at.Month())
		if !changed {
			return nil
		}

		snap := TargetSnapshot{
			ID:            NewSnapshotID(),
			NodeID:        leaf.ID,
			Tenant:        leaf.Tenant,
			CreatedAt:     at,
			PeriodLabel:   basis.PeriodLabel,
			Origin:        OriginEscalated,
			DerivedFrom:   basis.ID,
			EscalationKey: monthKey,
			Assignments:   escalated,
			Delta:         Diff(escalated, basis.Assignments),
		}
		created, err = e.Store.Supersede(ctx, snap, basis.Head())
		if err != nil {
			return &OpError{Op: "escalate.create", NodeID: leaf.ID, SnapshotID: snap.ID, Err: err}
		}
		return nil
	})
	if err != nil {
		return leafUnchanged, "", err
	}
	if existing.ID != "" {
		return e.replay(ctx, existing)
	}
	if created.ID == "" {
		return leafUnchanged, "", nil
	}

	if _, err := e.Propagator.Propagate(ctx, NewRun(), created); err != nil {
		return leafUnchanged, created.ID, err
	}
	return leafEscalated, created.ID, nil
}

func (e *Escalator) replay(ctx context.Context, snap TargetSnapshot) (leafOutcome, SnapshotID, error) {
	if _, err := e.Propagator.Propagate(ctx, NewRun(), snap); err != nil {
		return leafUnchanged, snap.ID, err
	}
	return leafReplayed, snap.ID, nil
}

func (e *Escalator) saveRun(ctx context.Context, run EscalationRun) {
	if e.Runs == nil {
		return
	}
	if err := e.Runs.SaveEscalationRun(ctx, run); err != nil {
		e.logger().Error("failed to save escalation run", "tenant", run.Tenant, "month", run.MonthKey, "error", err)
	}
}

func (e *Escalator) finishRun(ctx context.Context, run EscalationRun) {
	done := e.now()
	run.CompletedAt = &done
	e.saveRun(ctx, run)
}

func (e *Escalator) fanOut() int {
	if e.MaxFanOut <= 0 {
		return 4
	}
	return e.MaxFanOut
}

func (e *Escalator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.CallTimeout)
}

func (e *Escalator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Escalator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
