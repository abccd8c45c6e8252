package quota_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quota-engine/quota"
)

func TestValidateAssignments(t *testing.T) {
	tests := []struct {
		name  string
		lines quota.Assignments
		field string
	}{
		{"empty", nil, "assignments"},
		{"missing product", quota.Assignments{line("", "1", "1")}, "assignments[0].productId"},
		{"duplicate product", quota.Assignments{line("P1", "1", "1"), line("P1", "2", "1")}, "assignments[1].productId"},
		{"negative qty", quota.Assignments{line("P1", "-1", "1")}, "assignments[0].qtyAssign"},
		{"negative price", quota.Assignments{line("P1", "1", "-0.01")}, "assignments[0].unitPrice"},
		{"bad month", quota.Assignments{line("P1", "1", "1", rule(13, "5"))}, "assignments[0].escalation[0].month"},
		{"negative percentage", quota.Assignments{line("P1", "1", "1", rule(time.May, "-5"))}, "assignments[0].escalation[0].percentage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := quota.ValidateAssignments(tt.lines)
			require.Error(t, err)
			assert.True(t, quota.IsClientError(err))

			var verr *quota.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, quota.ValidateAssignments(quota.Assignments{line("P1", "0", "0", rule(time.May, "0"))}))
}

func TestGrandTotalIsSumOfLineTotals(t *testing.T) {
	as := quota.Assignments{line("P1", "3", "10.5"), line("P2", "2", "0.25"), line("P3", "0", "99")}

	assertDec(t, "31.5", as[0].TotalPrice())
	assertDec(t, "32", as.GrandTotal())
	assertDec(t, "5", as.TotalQty())
	assertDec(t, "0", quota.Assignments(nil).GrandTotal())
}

func TestDiff(t *testing.T) {
	prev := quota.Assignments{line("P1", "10", "100"), line("P2", "5", "10"), line("P3", "1", "1")}
	next := quota.Assignments{line("P1", "12", "100"), line("P2", "5", "10"), line("P4", "3", "7")}

	delta := quota.Diff(next, prev)

	require.Len(t, delta, 3)
	assert.Equal(t, quota.ProductID("P1"), delta[0].ProductID)
	assertDec(t, "2", delta[0].QtyAssign)
	assert.Equal(t, quota.ProductID("P4"), delta[1].ProductID)
	assertDec(t, "3", delta[1].QtyAssign)
	assert.Equal(t, quota.ProductID("P3"), delta[2].ProductID)
	assertDec(t, "-1", delta[2].QtyAssign)

	assert.Empty(t, quota.Diff(prev, prev))
}

func TestMerge(t *testing.T) {
	base := quota.Assignments{line("P1", "10", "100", rule(time.May, "5")), line("P2", "1", "10")}

	t.Run("adds quantities and keeps rules", func(t *testing.T) {
		out := quota.Merge(base, quota.Assignments{line("P1", "5", "0")})
		require.Len(t, out, 2)
		assertDec(t, "15", out[0].QtyAssign)
		assertDec(t, "100", out[0].UnitPrice)
		assert.Len(t, out[0].Escalation, 1)
	})

	t.Run("incoming price wins", func(t *testing.T) {
		out := quota.Merge(base, quota.Assignments{line("P1", "1", "120")})
		assertDec(t, "120", out[0].UnitPrice)
	})

	t.Run("appends new products", func(t *testing.T) {
		out := quota.Merge(base, quota.Assignments{line("P9", "4", "2")})
		require.Len(t, out, 3)
		assert.Equal(t, quota.ProductID("P9"), out[2].ProductID)
		assert.Empty(t, out[2].Escalation)
	})

	t.Run("never goes below zero", func(t *testing.T) {
		out := quota.Merge(base, quota.Assignments{line("P2", "-5", "0"), line("P7", "-3", "1")})
		require.Len(t, out, 2)
		assertDec(t, "0", out[1].QtyAssign)
	})

	t.Run("does not alias the base", func(t *testing.T) {
		_ = quota.Merge(base, quota.Assignments{line("P1", "5", "0")})
		assertDec(t, "10", base[0].QtyAssign)
	})
}

func TestEscalate_FloorsIncrease(t *testing.T) {
	in := quota.Assignments{line("P1", "7", "1", rule(time.June, "10")), line("P2", "25", "1", rule(time.June, "10"))}

	out, changed := quota.Escalate(in, time.June)

	assert.True(t, changed)
	assertDec(t, "7", out[0].QtyAssign) // floor(0.7) = 0
	assertDec(t, "27", out[1].QtyAssign)

	_, changed = quota.Escalate(in, time.July)
	assert.False(t, changed)
}

func TestSnapshotOrdering(t *testing.T) {
	a := quota.TargetSnapshot{CreatedAt: november, Seq: 1}
	b := quota.TargetSnapshot{CreatedAt: november, Seq: 2}
	c := quota.TargetSnapshot{CreatedAt: november.Add(time.Second), Seq: 0}

	assert.True(t, b.After(a))
	assert.False(t, a.After(b))
	assert.True(t, c.After(b))
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, quota.ContributionID("s1", "A"), quota.ContributionID("s1", "A"))
	assert.NotEqual(t, quota.ContributionID("s1", "A"), quota.ContributionID("s1", "B"))
	assert.Equal(t, quota.EscalationRunID(tenant, "2025-11"), quota.EscalationRunID(tenant, "2025-11"))
	assert.NotEqual(t, quota.EscalationRunID(tenant, "2025-11"), quota.EscalationRunID(tenant, "2025-12"))
	assert.NotEqual(t, quota.NewSnapshotID(), quota.NewSnapshotID())
}

// =============================================================================
// PERIODS
// =============================================================================

func TestParsePeriodLabel(t *testing.T) {
	valid := map[string]string{
		"":              quota.NoPeriod,
		"2025-11":       "2025-11",
		"2025-1":        "2025-01",
		"11-2025":       "2025-11",
		"November-2025": "2025-11",
		"nov-2025":      "2025-11",
		" Jan-2026 ":    "2026-01",
	}
	for in, want := range valid {
		got, err := quota.ParsePeriodLabel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"2025", "2025-13", "Smarch-2025", "11-25", "2025/11", "0-2025"} {
		_, err := quota.ParsePeriodLabel(in)
		assert.True(t, quota.IsClientError(err), in)
	}
}

func TestPeriod(t *testing.T) {
	nov := quota.MonthPeriod(2025, time.November)
	assert.True(t, nov.Contains(time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, nov.Contains(time.Date(2025, time.November, 30, 23, 59, 59, 0, time.UTC)))
	assert.False(t, nov.Contains(time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)))

	assert.True(t, quota.Period{}.Contains(november))
	assert.True(t, quota.Period{}.IsZero())
	assert.Error(t, quota.Period{Start: november, End: november.Add(-time.Hour)}.Validate())

	lp, err := quota.LabelPeriod("Nov-2025")
	require.NoError(t, err)
	assert.Equal(t, nov, lp)
	assert.Equal(t, "2025-11", quota.PeriodLabel(november))
}

func TestFiscalYear(t *testing.T) {
	var pc quota.PeriodConfig // April start

	assert.Equal(t, 2025, pc.FiscalYearStart(november))
	assert.Equal(t, 2024, pc.FiscalYearStart(time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC)))

	months := pc.FiscalMonths(2025)
	require.Len(t, months, 12)
	assert.Equal(t, "2025-04", months[0])
	assert.Equal(t, "2026-03", months[11])

	fy := pc.FiscalYear(2025)
	assert.True(t, fy.Contains(time.Date(2026, time.March, 31, 12, 0, 0, 0, time.UTC)))
	assert.False(t, fy.Contains(time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)))

	jan := quota.PeriodConfig{FiscalYearStartMonth: time.January}
	assert.Equal(t, []string{"2025-01", "2025-12"}, []string{jan.FiscalMonths(2025)[0], jan.FiscalMonths(2025)[11]})
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	cycle := &quota.OpError{Op: "propagate", NodeID: "A", Err: &quota.CycleError{Path: []quota.NodeID{"A", "B", "A"}}}
	assert.ErrorIs(t, cycle, quota.ErrCycleDetected)
	assert.Contains(t, cycle.Error(), "A -> B -> A")
	assert.False(t, quota.IsRetryable(cycle))

	notFound := &quota.NotFoundError{Kind: "node", ID: "ghost"}
	assert.True(t, quota.IsNotFound(notFound))
	assert.False(t, quota.IsRetryable(notFound))

	assert.True(t, quota.IsRetryable(&quota.OpError{Op: "propagate.merge", Err: quota.ErrConflict}))
}
