/*
propagate.go - Rollup of a node's quota change into its ancestor chain

PURPOSE:
  Keeps every ancestor's period snapshot equal to the sum of what its
  subordinates contributed, without double counting and without looping on
  a broken hierarchy.

ALGORITHM:
  Starting at the source node, walk Supervisor() upwards. For each ancestor:
    1. Load its latest snapshot in the source's period bucket.
    2. Absent: create a rollup snapshot holding the delta.
       Present: merge the delta line by line and compare-and-swap it back.
    3. Record the (source snapshot, ancestor) contribution in the same
       atomic step as the write.
  The walk stops at the root. A supervisor registered under a different
  tenant than the source is a hierarchy error, and nothing crosses it.

RUN STATE:
  A Run holds the visited set for one top-level call. It is created fresh
  per call (NewRun) and never shared between requests or leaves. Meeting a
  visited node again is a hierarchy cycle and is reported as CycleError.

IDEMPOTENCE:
  A contribution that already exists (ErrAlreadyApplied) is skipped and the
  walk continues, so a partial run can be replayed from the start with the
  stored delta and only the missing ancestors are updated.

CONCURRENCY:
  Two propagations reaching the same ancestor race on the snapshot version.
  The loser gets ErrConflict and retries a bounded number of times. The
  same retry policy guards source-side writes (assignment, escalation,
  rebuild), which are conditional on the bucket head.

SEE ALSO:
  - snapshot.go: Merge
  - store.go: RollupStore contract
*/
package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// =============================================================================
// RUN - Per-call visited set
// =============================================================================

type Run struct {
	visited map[NodeID]bool
	path    []NodeID
}

func NewRun() *Run {
	return &Run{visited: make(map[NodeID]bool)}
}

// visit marks id and reports whether it was new.
func (r *Run) visit(id NodeID) bool {
	if r.visited[id] {
		return false
	}
	r.visited[id] = true
	r.path = append(r.path, id)
	return true
}

func (r *Run) Visited(id NodeID) bool { return r.visited[id] }

// Path returns the nodes walked so far, in order.
func (r *Run) Path() []NodeID { return append([]NodeID(nil), r.path...) }

// =============================================================================
// PROPAGATOR
// =============================================================================

type Propagator struct {
	Directory Directory
	Store     RollupStore
	Logger    *slog.Logger

	CallTimeout  time.Duration
	MaxRetries   uint64
	RetryBackoff time.Duration

	Now func() time.Time
}

// PropagationResult lists the ancestors touched by one walk.
type PropagationResult struct {
	Applied []NodeID
	Skipped []NodeID // contribution already present, or nothing to merge
}

// Propagate merges source.Delta into every ancestor of source.NodeID.
// Ancestors already updated stay updated if a later step fails.
func (p *Propagator) Propagate(ctx context.Context, run *Run, source TargetSnapshot) (PropagationResult, error) {
	var res PropagationResult
	if len(source.Delta) == 0 {
		return res, nil
	}
	if run == nil {
		run = NewRun()
	}

	current := source.NodeID
	if !run.visit(current) {
		return res, &OpError{Op: "propagate", NodeID: current, SnapshotID: source.ID, Err: &CycleError{Path: append(run.Path(), current)}}
	}

	for {
		supervisor, ok, err := p.supervisor(ctx, current)
		if err != nil {
			return res, &OpError{Op: "propagate.supervisor", NodeID: current, SnapshotID: source.ID, Err: err}
		}
		if !ok {
			return res, nil
		}
		if err := p.sameTenant(ctx, supervisor, source.Tenant); err != nil {
			p.logger().Error("cross-tenant supervisor link",
				"snapshot", source.ID, "node", current, "supervisor", supervisor, "error", err)
			return res, &OpError{Op: "propagate.tenant", NodeID: supervisor, SnapshotID: source.ID, Err: err}
		}
		if !run.visit(supervisor) {
			cycle := &CycleError{Path: append(run.Path(), supervisor)}
			p.logger().Error("hierarchy cycle during propagation",
				"snapshot", source.ID, "node", current, "path", cycle.Error())
			return res, &OpError{Op: "propagate", NodeID: supervisor, SnapshotID: source.ID, Err: cycle}
		}

		applied, err := p.mergeWithRetry(ctx, supervisor, source)
		if err != nil {
			return res, &OpError{Op: "propagate.merge", NodeID: supervisor, SnapshotID: source.ID, Err: err}
		}
		if applied {
			res.Applied = append(res.Applied, supervisor)
		} else {
			res.Skipped = append(res.Skipped, supervisor)
		}
		current = supervisor
	}
}

func (p *Propagator) supervisor(ctx context.Context, id NodeID) (NodeID, bool, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	sup, ok, err := p.Directory.Supervisor(ctx, id)
	if err != nil {
		return "", false, upstream("getSupervisor", err)
	}
	return sup, ok, nil
}

// sameTenant fails when supervisor belongs to another tenant. Unknown
// supervisors and untenanted sources are not checked.
func (p *Propagator) sameTenant(ctx context.Context, supervisor NodeID, tenant TenantID) error {
	if tenant == "" {
		return nil
	}
	ctx, cancel := p.callContext(ctx)
	defer cancel()
	n, err := p.Directory.Node(ctx, supervisor)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return upstream("getNode", err)
	}
	if n.Tenant != "" && n.Tenant != tenant {
		return &TenantMismatchError{NodeID: supervisor, Want: tenant, Got: n.Tenant}
	}
	return nil
}

// retryOnConflict runs fn again while it fails with ErrConflict, up to
// MaxRetries times.
func (p *Propagator) retryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := p.RetryBackoff
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}
	b := retry.WithMaxRetries(p.MaxRetries, retry.NewConstant(backoff))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (p *Propagator) mergeWithRetry(ctx context.Context, ancestor NodeID, source TargetSnapshot) (bool, error) {
	var applied bool
	err := p.retryOnConflict(ctx, func(ctx context.Context) error {
		var err error
		applied, err = p.merge(ctx, ancestor, source)
		if errors.Is(err, ErrConflict) {
			p.logger().Debug("merge conflict, retrying", "ancestor", ancestor, "snapshot", source.ID)
		}
		return err
	})
	return applied, err
}

// merge performs one attempt against the ancestor's current bucket.
func (p *Propagator) merge(ctx context.Context, ancestor NodeID, source TargetSnapshot) (bool, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	now := p.now()
	contrib := Contribution{
		ID:         ContributionID(source.ID, ancestor),
		SourceID:   source.ID,
		AncestorID: ancestor,
		Delta:      source.Delta.Clone(),
		AppliedAt:  now,
	}

	current, ok, err := p.Store.LatestInPeriod(ctx, ancestor, source.PeriodLabel)
	if err != nil {
		return false, err
	}

	if !ok {
		lines := positive(source.Delta)
		if len(lines) == 0 {
			return false, nil
		}
		snap := TargetSnapshot{
			ID:          NewSnapshotID(),
			NodeID:      ancestor,
			Tenant:      source.Tenant,
			CreatedAt:   now,
			PeriodLabel: source.PeriodLabel,
			Origin:      OriginRollup,
			DerivedFrom: source.ID,
			Assignments: lines,
		}
		contrib.TargetID = snap.ID
		_, err := p.Store.CreateRollup(ctx, snap, contrib)
		return p.applied(err, ancestor, source.ID)
	}

	contrib.TargetID = current.ID
	merged := Merge(current.Assignments, source.Delta)
	_, err = p.Store.MergeRollup(ctx, current.ID, current.Version, merged, contrib)
	return p.applied(err, ancestor, source.ID)
}

func (p *Propagator) applied(err error, ancestor NodeID, source SnapshotID) (bool, error) {
	if errors.Is(err, ErrAlreadyApplied) {
		p.logger().Debug("contribution already applied", "ancestor", ancestor, "snapshot", source)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Propagator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.CallTimeout)
}

func (p *Propagator) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Propagator) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
