package quota_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// ROLLUP SCENARIOS
// =============================================================================

func TestPropagate_LeafQuotaCreatesSupervisorSnapshot(t *testing.T) {
	// GIVEN: Leaf L under supervisor S, S has no quota
	f := newFixture(t, node("S", ""), node("L", "S"))
	ctx := context.Background()

	// WHEN: L is assigned P1: 10 @ 100
	snap, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "10", "100")}, "")
	require.NoError(t, err)

	// THEN: S has a rollup snapshot with P1 = 10 and grand total 1000
	assertDec(t, "1000", snap.GrandTotal())
	s := f.latest(t, "S")
	assert.Equal(t, quota.OriginRollup, s.Origin)
	assert.Equal(t, snap.ID, s.DerivedFrom)
	assertDec(t, "10", qtyOf(t, s, "P1"))
	assertDec(t, "1000", s.GrandTotal())
}

func TestPropagate_SiblingsAreAdditive(t *testing.T) {
	// GIVEN: L1 and L2 both under S
	f := newFixture(t, node("S", ""), node("L1", "S"), node("L2", "S"))
	ctx := context.Background()

	// WHEN: each assigns P1: 5 @ 100 with its own run
	_, err := f.svc.AssignTarget(ctx, "L1", quota.Assignments{line("P1", "5", "100")}, "")
	require.NoError(t, err)
	_, err = f.svc.AssignTarget(ctx, "L2", quota.Assignments{line("P1", "5", "100")}, "")
	require.NoError(t, err)

	// THEN: S holds the sum, in one snapshot merged in place
	s := f.latest(t, "S")
	assertDec(t, "10", qtyOf(t, s, "P1"))
	assertDec(t, "1000", s.GrandTotal())
	assert.Equal(t, int64(2), s.Version)

	history, err := f.store.History(ctx, "S", november.AddDate(-1, 0, 0), november.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPropagate_WalksWholeChain(t *testing.T) {
	f := newFixture(t, node("R", ""), node("M", "R"), node("L", "M"))
	ctx := context.Background()

	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "3", "50"), line("P2", "1", "200")}, "")
	require.NoError(t, err)

	for _, id := range []string{"M", "R"} {
		s := f.latest(t, id)
		assertDec(t, "3", qtyOf(t, s, "P1"), id)
		assertDec(t, "1", qtyOf(t, s, "P2"), id)
		assertDec(t, "350", s.GrandTotal(), id)
	}
}

func TestPropagate_NewProductIsAppendedToAncestor(t *testing.T) {
	f := newFixture(t, node("S", ""), node("L1", "S"), node("L2", "S"))
	ctx := context.Background()

	_, err := f.svc.AssignTarget(ctx, "L1", quota.Assignments{line("P1", "5", "100")}, "")
	require.NoError(t, err)
	_, err = f.svc.AssignTarget(ctx, "L2", quota.Assignments{line("P2", "2", "30")}, "")
	require.NoError(t, err)

	s := f.latest(t, "S")
	require.Len(t, s.Assignments, 2)
	assertDec(t, "5", qtyOf(t, s, "P1"))
	assertDec(t, "2", qtyOf(t, s, "P2"))
	assertDec(t, "560", s.GrandTotal())
}

func TestPropagate_ReassignmentSendsOnlyTheDifference(t *testing.T) {
	// GIVEN: L assigned P1: 10, rolled into S
	f := newFixture(t, node("S", ""), node("L", "S"))
	ctx := context.Background()
	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "10", "100")}, "")
	require.NoError(t, err)

	// WHEN: L is reassigned P1: 4, P2: 1
	second, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "4", "100"), line("P2", "1", "10")}, "")
	require.NoError(t, err)

	// THEN: the new snapshot carries the difference and S mirrors L
	require.Len(t, second.Delta, 2)
	s := f.latest(t, "S")
	assertDec(t, "4", qtyOf(t, s, "P1"))
	assertDec(t, "1", qtyOf(t, s, "P2"))
	assertDec(t, "410", s.GrandTotal())
}

func TestPropagate_PeriodBucketsAreIndependent(t *testing.T) {
	f := newFixture(t, node("S", ""), node("L", "S"))
	ctx := context.Background()

	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "10", "100")}, "November-2025")
	require.NoError(t, err)
	_, err = f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "7", "100")}, "Dec-2025")
	require.NoError(t, err)

	assertDec(t, "10", qtyOf(t, f.latestIn(t, "S", "2025-11"), "P1"))
	assertDec(t, "7", qtyOf(t, f.latestIn(t, "S", "2025-12"), "P1"))
}

// =============================================================================
// IDEMPOTENCE AND RETRY
// =============================================================================

func TestPropagate_ReplayDoesNotDoubleCount(t *testing.T) {
	// GIVEN: a completed rollup
	f := newFixture(t, node("R", ""), node("S", "R"), node("L", "S"))
	ctx := context.Background()
	snap, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "10", "100")}, "")
	require.NoError(t, err)

	// WHEN: the same delta is propagated again with a fresh run
	res, err := f.svc.RetryPropagation(ctx, snap.ID)
	require.NoError(t, err)

	// THEN: every ancestor is skipped and quantities are unchanged
	assert.Empty(t, res.Applied)
	assert.Equal(t, []quota.NodeID{"S", "R"}, res.Skipped)
	assertDec(t, "10", qtyOf(t, f.latest(t, "S"), "P1"))
	assertDec(t, "10", qtyOf(t, f.latest(t, "R"), "P1"))

	contribs, err := f.store.Contributions(ctx, snap.ID)
	require.NoError(t, err)
	assert.Len(t, contribs, 2)
}

func TestPropagate_PartialRunIsResumable(t *testing.T) {
	// GIVEN: the directory fails once when asked for M's supervisor
	var flaky *flakyDirectory
	f := newFixtureWith(t, func(d quota.Directory) quota.Directory {
		flaky = &flakyDirectory{Directory: d, failures: map[quota.NodeID]int{"M": 1}}
		return flaky
	}, nil, node("R", ""), node("M", "R"), node("L", "M"))
	ctx := context.Background()

	// WHEN: L is assigned
	snap, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "10", "100")}, "")

	// THEN: the snapshot is stored, M was updated, R was not
	require.Error(t, err)
	assert.True(t, errors.Is(err, quota.ErrUpstreamUnavailable))
	var opErr *quota.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, quota.NodeID("M"), opErr.NodeID)
	assert.Equal(t, snap.ID, opErr.SnapshotID)
	assertDec(t, "10", qtyOf(t, f.latest(t, "M"), "P1"))
	_, ok, _ := f.store.Latest(ctx, "R")
	assert.False(t, ok)

	// WHEN: the propagation is retried
	res, err := f.svc.RetryPropagation(ctx, snap.ID)
	require.NoError(t, err)

	// THEN: only R is updated
	assert.Equal(t, []quota.NodeID{"R"}, res.Applied)
	assert.Equal(t, []quota.NodeID{"M"}, res.Skipped)
	assertDec(t, "10", qtyOf(t, f.latest(t, "M"), "P1"))
	assertDec(t, "10", qtyOf(t, f.latest(t, "R"), "P1"))
}

func TestPropagate_ConflictIsRetried(t *testing.T) {
	var cs *conflictingStore
	f := newFixtureWith(t, nil, func(s quota.RollupStore) quota.RollupStore {
		cs = &conflictingStore{RollupStore: s}
		return cs
	}, node("S", ""), node("L1", "S"), node("L2", "S"))
	ctx := context.Background()

	_, err := f.svc.AssignTarget(ctx, "L1", quota.Assignments{line("P1", "5", "100")}, "")
	require.NoError(t, err)

	cs.mu.Lock()
	cs.remaining = 3
	cs.mu.Unlock()

	_, err = f.svc.AssignTarget(ctx, "L2", quota.Assignments{line("P1", "5", "100")}, "")
	require.NoError(t, err)
	assert.Equal(t, 4, cs.attempts)
	assertDec(t, "10", qtyOf(t, f.latest(t, "S"), "P1"))
}

func TestPropagate_ConflictSurfacesAfterRetries(t *testing.T) {
	var cs *conflictingStore
	f := newFixtureWith(t, nil, func(s quota.RollupStore) quota.RollupStore {
		cs = &conflictingStore{RollupStore: s, remaining: 1000}
		return cs
	}, node("S", ""), node("L1", "S"), node("L2", "S"))
	ctx := context.Background()

	// First contribution creates S's bucket, which does not go through MergeRollup.
	_, err := f.svc.AssignTarget(ctx, "L1", quota.Assignments{line("P1", "5", "100")}, "")
	require.NoError(t, err)

	_, err = f.svc.AssignTarget(ctx, "L2", quota.Assignments{line("P1", "5", "100")}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, quota.ErrConflict))
	assert.True(t, quota.IsRetryable(err))
	assert.Equal(t, 51, cs.attempts)
}

func TestPropagate_ConcurrentSiblingsLoseNoUpdates(t *testing.T) {
	// GIVEN: 25 leaves under one supervisor
	nodes := []quota.Node{node("S", "")}
	for i := 0; i < 25; i++ {
		nodes = append(nodes, node(fmt.Sprintf("L%02d", i), "S"))
	}
	f := newFixture(t, nodes...)
	ctx := context.Background()

	// WHEN: every leaf is assigned concurrently
	var wg sync.WaitGroup
	errs := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.AssignTarget(ctx, quota.NodeID(id), quota.Assignments{line("P1", "2", "100")}, "")
			errs <- err
		}(fmt.Sprintf("L%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: S saw every contribution exactly once
	s := f.latest(t, "S")
	assertDec(t, "50", qtyOf(t, s, "P1"))
	assertDec(t, "5000", s.GrandTotal())
}

// =============================================================================
// CYCLES
// =============================================================================

func TestPropagate_CycleIsReported(t *testing.T) {
	// GIVEN: A reports to B and B reports to A
	f := newFixture(t, node("A", "B"), node("B", "A"))
	ctx := context.Background()

	// WHEN: A is assigned
	snap, err := f.svc.AssignTarget(ctx, "A", quota.Assignments{line("P1", "1", "10")}, "")

	// THEN: a cycle error names the path, B was merged once, A was not touched
	require.Error(t, err)
	assert.True(t, errors.Is(err, quota.ErrCycleDetected))
	var cycle *quota.CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []quota.NodeID{"A", "B", "A"}, cycle.Path)

	assertDec(t, "1", qtyOf(t, f.latest(t, "B"), "P1"))
	a := f.latest(t, "A")
	assert.Equal(t, snap.ID, a.ID)
	assert.Equal(t, int64(1), a.Version)
}

func TestPropagate_RunTracksVisitedNodes(t *testing.T) {
	f := newFixture(t, node("S", ""), node("L", "S"))
	ctx := context.Background()
	snap, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "1", "10")}, "")
	require.NoError(t, err)

	run := quota.NewRun()
	_, err = f.svc.Propagator.Propagate(ctx, run, snap)
	require.NoError(t, err)
	assert.True(t, run.Visited("L"))
	assert.True(t, run.Visited("S"))
	assert.Equal(t, []quota.NodeID{"L", "S"}, run.Path())

	// Reusing a run across sources is refused.
	_, err = f.svc.Propagator.Propagate(ctx, run, snap)
	assert.True(t, errors.Is(err, quota.ErrCycleDetected))
}

// =============================================================================
// RACES ON ONE SOURCE NODE
// =============================================================================

func TestAssignTarget_ConcurrentReassignmentsCountOnce(t *testing.T) {
	// GIVEN: L under S with P1: 10, and both reassignments will read the same head
	gate := &gatedStore{node: "L"}
	f := newFixtureWith(t, nil, func(s quota.RollupStore) quota.RollupStore {
		gate.RollupStore = s
		return gate
	}, node("S", ""), node("L", "S"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "10", "100")}, "")
	require.NoError(t, err)
	gate.arm(2)

	// WHEN: L is reassigned to 15 and to 20 at the same time
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, qty := range []string{"15", "20"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", qty, "100")}, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: S equals whichever value L ended with, and the loser chained onto the winner
	l := f.latest(t, "L")
	final := qtyOf(t, l, "P1")
	assert.True(t, final.Equal(d("15")) || final.Equal(d("20")), "L ended at %s", final)
	assertDec(t, final.String(), qtyOf(t, f.latest(t, "S"), "P1"))

	history, err := f.store.History(ctx, "L", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, history[1].ID, history[2].DerivedFrom)
}

func TestEscalation_RacingAssignmentOnSameLeaf(t *testing.T) {
	// GIVEN: L under S with P1: 20 and a 10% November rule
	gate := &gatedStore{node: "L"}
	f := newFixtureWith(t, nil, func(s quota.RollupStore) quota.RollupStore {
		gate.RollupStore = s
		return gate
	}, node("S", ""), node("L", "S"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "20", "100", rule(time.November, "10"))}, "")
	require.NoError(t, err)
	gate.arm(2)

	// WHEN: the batch and a reassignment to 30 both read L's current target
	var (
		wg        sync.WaitGroup
		res       quota.EscalationResult
		escErr    error
		assignErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, escErr = f.svc.RunMonthlyEscalation(ctx, tenant)
	}()
	go func() {
		defer wg.Done()
		_, assignErr = f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "30", "100", rule(time.November, "10"))}, "")
	}()
	wg.Wait()
	require.NoError(t, escErr)
	require.NoError(t, assignErr)
	assert.Empty(t, res.Failures)

	// THEN: L is either escalated-then-reassigned (30) or reassigned-then-escalated (33),
	// and S matches it exactly
	l := f.latest(t, "L")
	final := qtyOf(t, l, "P1")
	assert.True(t, final.Equal(d("30")) || final.Equal(d("33")), "L ended at %s", final)
	assertDec(t, final.String(), qtyOf(t, f.latest(t, "S"), "P1"))

	_, escalated, err := f.store.FindEscalation(ctx, "L", "2025-11")
	require.NoError(t, err)
	assert.True(t, escalated)
}

func TestSupersede_RejectsStaleHead(t *testing.T) {
	f := newFixture(t, node("A", ""))
	ctx := context.Background()

	first, err := f.svc.AssignTarget(ctx, "A", quota.Assignments{line("P1", "1", "10")}, "2025-11")
	require.NoError(t, err)

	stale := quota.TargetSnapshot{
		ID: quota.NewSnapshotID(), NodeID: "A", Tenant: tenant, CreatedAt: november,
		PeriodLabel: "2025-11", Origin: quota.OriginAssigned,
		Assignments: quota.Assignments{line("P1", "2", "10")},
	}
	// empty bucket expected, but A already has a target
	_, err = f.store.Supersede(ctx, stale, quota.Head{})
	assert.ErrorIs(t, err, quota.ErrConflict)

	// a different bucket is empty
	other := stale
	other.ID = quota.NewSnapshotID()
	other.PeriodLabel = "2025-12"
	_, err = f.store.Supersede(ctx, other, quota.Head{})
	require.NoError(t, err)

	// an older CreatedAt is raised so the new snapshot is the latest
	stale.CreatedAt = november.Add(-time.Hour)
	next, err := f.store.Supersede(ctx, stale, first.Head())
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, next.CreatedAt)
	assert.Equal(t, next.ID, f.latestIn(t, "A", "2025-11").ID)

	// merging into the superseded snapshot is refused
	_, err = f.store.MergeRollup(ctx, first.ID, first.Version, first.Assignments, quota.Contribution{SourceID: "x", AncestorID: "A"})
	assert.ErrorIs(t, err, quota.ErrConflict)
}
