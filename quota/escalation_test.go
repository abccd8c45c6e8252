package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quota-engine/quota"
)

func rule(month time.Month, pct string) quota.EscalationRule {
	return quota.EscalationRule{Month: month, Percentage: d(pct)}
}

func TestEscalate_CurrentMonthRuleRaisesQuantity(t *testing.T) {
	// GIVEN: leaf quota P1: 20 with a 10% rule for the current month
	f := newFixture(t, node("S", ""), node("L", "S"))
	ctx := context.Background()
	basis, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{
		line("P1", "20", "100", rule(time.November, "10")),
		line("P2", "7", "10", rule(time.March, "50")),
	}, "")
	require.NoError(t, err)

	// WHEN: the monthly batch runs
	res, err := f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)

	// THEN: a new escalated snapshot has P1 = 22 and P2 unchanged
	assert.Equal(t, "2025-11", res.MonthKey)
	assert.Equal(t, 1, res.ProcessedLeaves)
	require.Len(t, res.UpdatedSnapshots, 1)
	assert.Empty(t, res.Failures)

	l := f.latest(t, "L")
	assert.Equal(t, res.UpdatedSnapshots[0], l.ID)
	assert.Equal(t, quota.OriginEscalated, l.Origin)
	assert.Equal(t, basis.ID, l.DerivedFrom)
	assert.Equal(t, "2025-11", l.EscalationKey)
	assertDec(t, "22", qtyOf(t, l, "P1"))
	assertDec(t, "7", qtyOf(t, l, "P2"))
	assertDec(t, "2270", l.GrandTotal())

	// AND: only the increase reached S
	assertDec(t, "22", qtyOf(t, f.latest(t, "S"), "P1"))
	assertDec(t, "7", qtyOf(t, f.latest(t, "S"), "P2"))
}

func TestEscalate_RerunInSameMonthIsIdempotent(t *testing.T) {
	f := newFixture(t, node("S", ""), node("L", "S"))
	ctx := context.Background()
	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{line("P1", "20", "100", rule(time.November, "10"))}, "")
	require.NoError(t, err)

	_, err = f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)
	res, err := f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)

	assert.Empty(t, res.UpdatedSnapshots)
	assert.Equal(t, 1, res.Replayed)
	assertDec(t, "22", qtyOf(t, f.latest(t, "L"), "P1"))
	assertDec(t, "22", qtyOf(t, f.latest(t, "S"), "P1"))
}

func TestEscalate_ZeroOrMissingRuleIsNoop(t *testing.T) {
	f := newFixture(t, node("S", ""), node("L1", "S"), node("L2", "S"))
	ctx := context.Background()
	_, err := f.svc.AssignTarget(ctx, "L1", quota.Assignments{line("P1", "20", "100", rule(time.November, "0"))}, "")
	require.NoError(t, err)
	_, err = f.svc.AssignTarget(ctx, "L2", quota.Assignments{line("P1", "20", "100")}, "")
	require.NoError(t, err)

	res, err := f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)

	assert.Equal(t, 2, res.ProcessedLeaves)
	assert.Empty(t, res.UpdatedSnapshots)
	assertDec(t, "40", qtyOf(t, f.latest(t, "S"), "P1"))
}

func TestEscalate_LeafFailureDoesNotAbortSiblings(t *testing.T) {
	// GIVEN: the directory cannot resolve L1's supervisor
	f := newFixtureWith(t, func(d quota.Directory) quota.Directory {
		return &flakyDirectory{Directory: d, failures: map[quota.NodeID]int{}}
	}, nil, node("S", ""), node("L1", "S"), node("L2", "S"))
	ctx := context.Background()
	for _, id := range []quota.NodeID{"L1", "L2"} {
		_, err := f.svc.AssignTarget(ctx, id, quota.Assignments{line("P1", "10", "100", rule(time.November, "50"))}, "")
		require.NoError(t, err)
	}
	f.svc.Directory.(*flakyDirectory).failures["L1"] = -1

	// WHEN: the batch runs
	res, err := f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)

	// THEN: L1 is reported, L2 escalated and rolled up
	require.Len(t, res.Failures, 1)
	assert.Equal(t, quota.NodeID("L1"), res.Failures[0].NodeID)
	assert.True(t, quota.IsRetryable(res.Failures[0].Err))
	assert.Equal(t, 1, res.ProcessedLeaves)
	assert.Len(t, res.UpdatedSnapshots, 1)
	assertDec(t, "25", qtyOf(t, f.latest(t, "S"), "P1"))

	run, ok, err := f.store.EscalationRun(ctx, tenant, "2025-11")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, quota.RunPartial, run.Status)
	assert.Equal(t, 1, run.FailedLeaves)
	assert.NotNil(t, run.CompletedAt)

	// WHEN: the directory recovers and the batch is re-run
	f.svc.Directory.(*flakyDirectory).failures["L1"] = 0
	res, err = f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)

	// THEN: L1's stored escalation is replayed, L2 is not escalated again
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Replayed)
	assertDec(t, "30", qtyOf(t, f.latest(t, "S"), "P1"))

	done, err := f.svc.EscalationDone(ctx, tenant, "2025-11")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEscalate_EachMonthAppliesItsOwnRule(t *testing.T) {
	f := newFixture(t, node("L", ""))
	ctx := context.Background()
	_, err := f.svc.AssignTarget(ctx, "L", quota.Assignments{
		line("P1", "100", "1", rule(time.November, "10"), rule(time.December, "5")),
	}, "")
	require.NoError(t, err)

	_, err = f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)
	f.clock.Set(time.Date(2025, time.December, 2, 0, 0, 0, 0, time.UTC))
	_, err = f.svc.RunMonthlyEscalation(ctx, tenant)
	require.NoError(t, err)

	// 100 -> 110 -> 110 + floor(5.5)
	assertDec(t, "115", qtyOf(t, f.latest(t, "L"), "P1"))

	runs, err := f.svc.EscalationRuns(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "2025-12", runs[0].MonthKey)
}

func TestEscalate_Monotonic(t *testing.T) {
	quantities := []string{"0", "1", "7", "20", "99", "1000"}
	percentages := []string{"0", "0.5", "3", "10", "33.3", "100", "250"}

	for _, q := range quantities {
		for _, p := range percentages {
			in := quota.Assignments{line("P1", q, "10", rule(time.November, p))}
			out, _ := quota.Escalate(in, time.November)
			require.Len(t, out, 1)
			assert.True(t, out[0].QtyAssign.GreaterThanOrEqual(in[0].QtyAssign), "qty=%s pct=%s", q, p)
			if p == "0" {
				assert.True(t, out[0].QtyAssign.Equal(in[0].QtyAssign), "qty=%s pct=0", q)
			}
		}
	}
}
