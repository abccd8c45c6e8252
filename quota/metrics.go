package quota

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// AVERAGE ACHIEVEMENT - Lifetime totals over distinct active periods
// =============================================================================

type AverageReport struct {
	NodeID        NodeID
	Mode          Mode
	Periods       int // months with at least one snapshot or order
	TotalTarget   decimal.Decimal
	TotalActual   decimal.Decimal
	AverageTarget decimal.Decimal
	AverageActual decimal.Decimal
	Percentage    decimal.Decimal
}

// Average divides lifetime target and actual amounts by the number of
// distinct months that have a snapshot or an order. Within one month only
// the latest snapshot of each node counts.
func (a *Aggregator) Average(ctx context.Context, nodeID NodeID, mode Mode) (AverageReport, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return AverageReport{}, err
	}
	if _, err := a.node(ctx, nodeID); err != nil {
		return AverageReport{}, err
	}
	sc, err := a.scope(ctx, nodeID, mode)
	if err != nil {
		return AverageReport{}, err
	}

	periods := make(map[string]bool)
	totalTarget := decimal.Zero

	holders, err := a.historyHolders(ctx, sc)
	if err != nil {
		return AverageReport{}, err
	}
	for _, history := range holders {
		latest := make(map[string]TargetSnapshot)
		for _, snap := range history {
			bucket := snap.PeriodLabel
			if bucket == NoPeriod {
				bucket = PeriodLabel(snap.CreatedAt)
			}
			if cur, ok := latest[bucket]; !ok || snap.After(cur) {
				latest[bucket] = snap
			}
		}
		for bucket, snap := range latest {
			periods[bucket] = true
			totalTarget = totalTarget.Add(snap.GrandTotal())
		}
	}

	orders, err := a.orders(ctx, sc.nodes, Period{})
	if err != nil {
		return AverageReport{}, err
	}
	totalActual := decimal.Zero
	for _, o := range orders {
		if o.Status != OrderCompleted {
			continue
		}
		periods[PeriodLabel(o.Date)] = true
		for _, l := range o.Lines {
			totalActual = totalActual.Add(l.Amount())
		}
	}

	report := AverageReport{
		NodeID:        nodeID,
		Mode:          mode,
		Periods:       len(periods),
		TotalTarget:   totalTarget,
		TotalActual:   totalActual,
		AverageTarget: decimal.Zero,
		AverageActual: decimal.Zero,
		Percentage:    Percent(totalActual, totalTarget),
	}
	if report.Periods > 0 {
		n := decimal.NewFromInt(int64(report.Periods))
		report.AverageTarget = totalTarget.Div(n).Round(2)
		report.AverageActual = totalActual.Div(n).Round(2)
	}
	return report, nil
}

// historyHolders returns the full history of every topmost node in the
// scope that has ever held a target.
func (a *Aggregator) historyHolders(ctx context.Context, sc scope) ([][]TargetSnapshot, error) {
	var out [][]TargetSnapshot
	queue := []NodeID{sc.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		history, err := a.Store.History(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
		if len(history) > 0 {
			out = append(out, history)
			continue
		}
		if sc.mode == ModeSubtree {
			queue = append(queue, sc.children[id]...)
		}
	}
	return out, nil
}

// =============================================================================
// MONTH METRICS - Current month, last month and financial year side by side
// =============================================================================

type MetricRow struct {
	Label      string
	HasTarget  bool
	Target     decimal.Decimal
	Achieved   decimal.Decimal
	Shortfall  decimal.Decimal
	Percentage decimal.Decimal
}

type MonthMetrics struct {
	NodeID        NodeID
	Mode          Mode
	CurrentMonth  MetricRow
	LastMonth     MetricRow
	FinancialYear MetricRow
}

// MonthMetrics reports amounts for the given month, the month before it and
// the financial year containing it.
func (a *Aggregator) MonthMetrics(ctx context.Context, nodeID NodeID, year int, month time.Month, mode Mode) (MonthMetrics, error) {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return MonthMetrics{}, err
	}
	if month < time.January || month > time.December {
		return MonthMetrics{}, &ValidationError{Field: "month", Reason: "must be 1-12"}
	}

	cur := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	prev := cur.AddDate(0, -1, 0)
	fyStart := a.Periods.FiscalYearStart(cur)

	out := MonthMetrics{NodeID: nodeID, Mode: mode}

	row := func(label string, rng Period, labels []string) (MetricRow, error) {
		r, err := a.report(ctx, nodeID, mode, rng, labels)
		if err != nil {
			return MetricRow{}, err
		}
		shortfall := r.TotalTargetAmount.Sub(r.TotalActualAmount)
		if shortfall.IsNegative() {
			shortfall = decimal.Zero
		}
		return MetricRow{
			Label:      label,
			HasTarget:  r.HasTarget,
			Target:     r.TotalTargetAmount,
			Achieved:   r.TotalActualAmount,
			Shortfall:  shortfall,
			Percentage: r.AmountPercentage,
		}, nil
	}

	curLabel := PeriodLabel(cur)
	if out.CurrentMonth, err = row(curLabel, MonthPeriod(cur.Year(), cur.Month()), []string{curLabel}); err != nil {
		return MonthMetrics{}, err
	}
	prevLabel := PeriodLabel(prev)
	if out.LastMonth, err = row(prevLabel, MonthPeriod(prev.Year(), prev.Month()), []string{prevLabel}); err != nil {
		return MonthMetrics{}, err
	}
	fyLabel := "FY" + PeriodLabel(a.Periods.FiscalYear(fyStart).Start)
	if out.FinancialYear, err = row(fyLabel, a.Periods.FiscalYear(fyStart), a.Periods.FiscalMonths(fyStart)); err != nil {
		return MonthMetrics{}, err
	}
	return out, nil
}

// =============================================================================
// FINANCIAL YEAR SUMMARY - Monthly target totals across a set of nodes
// =============================================================================

type FYMonth struct {
	Label  string
	Target decimal.Decimal
}

type FYSummary struct {
	StartYear int
	Months    []FYMonth
	Total     decimal.Decimal
}

// FinancialYearSummary sums, per month of the financial year, the grand
// total of each node's latest snapshot in that month's bucket.
func (a *Aggregator) FinancialYearSummary(ctx context.Context, nodeIDs []NodeID, startYear int) (FYSummary, error) {
	if len(nodeIDs) == 0 {
		return FYSummary{}, &ValidationError{Field: "nodeIds", Reason: "at least one node is required"}
	}
	for _, id := range nodeIDs {
		if _, err := a.node(ctx, id); err != nil {
			return FYSummary{}, err
		}
	}

	summary := FYSummary{StartYear: startYear, Total: decimal.Zero}
	for _, label := range a.Periods.FiscalMonths(startYear) {
		month := FYMonth{Label: label, Target: decimal.Zero}
		for _, id := range nodeIDs {
			snap, ok, err := a.Store.LatestInPeriod(ctx, id, label)
			if err != nil {
				return FYSummary{}, err
			}
			if ok {
				month.Target = month.Target.Add(snap.GrandTotal())
			}
		}
		summary.Months = append(summary.Months, month)
		summary.Total = summary.Total.Add(month.Target)
	}
	return summary, nil
}

// =============================================================================
// PRODUCT BREAKDOWN - One product across a node's direct subordinates
// =============================================================================

type BreakdownRow struct {
	NodeID       NodeID
	HasTarget    bool
	TargetQty    decimal.Decimal
	ActualQty    decimal.Decimal
	Percentage   decimal.Decimal
	TargetAmount decimal.Decimal
	ActualAmount decimal.Decimal
}

// ProductBreakdown reports productID for every direct subordinate of
// nodeID, each over its own subtree. Subordinates are evaluated
// concurrently, bounded by MaxFanOut.
func (a *Aggregator) ProductBreakdown(ctx context.Context, nodeID NodeID, productID ProductID, rng Period, periodLabel string) ([]BreakdownRow, error) {
	if productID == "" {
		return nil, &ValidationError{Field: "productId", Reason: "required"}
	}
	if _, err := a.node(ctx, nodeID); err != nil {
		return nil, err
	}
	subs, err := a.subordinates(ctx, nodeID)
	if err != nil {
		return nil, &OpError{Op: "breakdown.subordinates", NodeID: nodeID, Err: err}
	}

	rows := make([]BreakdownRow, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	limit := a.MaxFanOut
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, sub := range subs {
		g.Go(func() error {
			r, err := a.Achievement(gctx, AchievementQuery{NodeID: sub, Range: rng, Mode: ModeSubtree, PeriodLabel: periodLabel})
			if err != nil {
				return err
			}
			row := BreakdownRow{
				NodeID:       sub,
				HasTarget:    r.HasTarget,
				TargetQty:    decimal.Zero,
				ActualQty:    decimal.Zero,
				Percentage:   decimal.Zero,
				TargetAmount: decimal.Zero,
				ActualAmount: decimal.Zero,
			}
			for _, p := range append(r.Products, r.Unplanned...) {
				if p.ProductID == productID {
					row.TargetQty = p.TargetQty
					row.ActualQty = p.ActualQty
					row.Percentage = p.Percentage
					row.TargetAmount = p.TargetAmount
					row.ActualAmount = p.ActualAmount
				}
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// =============================================================================
// TENANT ACHIEVEMENT - Every node of one role across a tenant
// =============================================================================

// TenantAchievement reports each of tenant's nodes whose Role is role (any
// role when empty) against its own target. Nodes without a target are left
// out. Nodes are evaluated concurrently, bounded by MaxFanOut.
func (a *Aggregator) TenantAchievement(ctx context.Context, tenant TenantID, role string, rng Period, periodLabel string) ([]AchievementReport, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	nodes, err := a.tenantNodes(ctx, tenant)
	if err != nil {
		return nil, &OpError{Op: "achievement.tenant", Err: err}
	}
	var ids []NodeID
	for _, n := range nodes {
		if role == "" || n.Role == role {
			ids = append(ids, n.ID)
		}
	}

	reports := make([]AchievementReport, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	limit := a.MaxFanOut
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, id := range ids {
		g.Go(func() error {
			r, err := a.Achievement(gctx, AchievementQuery{NodeID: id, Range: rng, Mode: ModeSelf, PeriodLabel: periodLabel})
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]AchievementReport, 0, len(reports))
	for _, r := range reports {
		if r.HasTarget {
			out = append(out, r)
		}
	}
	return out, nil
}

func (a *Aggregator) tenantNodes(ctx context.Context, tenant TenantID) ([]Node, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	nodes, err := a.Directory.Nodes(ctx, tenant)
	if err != nil {
		return nil, upstream("listNodes", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
