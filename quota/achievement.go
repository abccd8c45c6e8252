/*
achievement.go - Target vs completed-order reports

PURPOSE:
  Joins a node's (or subtree's) target snapshots against the order ledger
  and reports per-product and overall achievement.

TARGET RESOLUTION:
  self:    the node's latest snapshot in the requested period bucket
           (or its overall latest when no period is given).
  subtree: the union of the latest snapshots of the topmost target-holding
           nodes under the root. Rollup already folds a node's descendants
           into its own snapshot, so the walk does not descend below a node
           that holds a target.

ACTUALS:
  Completed orders in range for the node, or for every node in the subtree.
  Quantities and qty × unitPrice are aggregated per product.

PERCENTAGES:
  actual / target × 100, rounded to two places. A zero target gives 0,
  never NaN or Infinity. "No target at all" is reported with HasTarget=false,
  which is distinct from 0% of 0.

SEE ALSO:
  - metrics.go: averages, month metrics, FY summary, product breakdown
*/
package quota

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeSelf    Mode = "self"
	ModeSubtree Mode = "subtree"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSelf:
		return ModeSelf, nil
	case ModeSubtree:
		return ModeSubtree, nil
	}
	return "", &ValidationError{Field: "mode", Reason: "must be self or subtree"}
}

type AchievementQuery struct {
	NodeID      NodeID
	Range       Period // zero: derived from PeriodLabel, or open
	Mode        Mode
	PeriodLabel string
}

type ProductAchievement struct {
	ProductID    ProductID
	TargetQty    decimal.Decimal
	ActualQty    decimal.Decimal
	Percentage   decimal.Decimal
	TargetAmount decimal.Decimal
	ActualAmount decimal.Decimal
	ShortfallQty decimal.Decimal
}

type AchievementReport struct {
	NodeID      NodeID
	Mode        Mode
	Range       Period
	PeriodLabel string

	HasTarget bool
	Targets   []SnapshotID

	Products  []ProductAchievement
	Unplanned []ProductAchievement // actuals with no target line

	TotalTargetQty    decimal.Decimal
	TotalActualQty    decimal.Decimal
	OverallPercentage decimal.Decimal

	TotalTargetAmount decimal.Decimal
	TotalActualAmount decimal.Decimal
	AmountPercentage  decimal.Decimal
}

func (r AchievementReport) Status() string {
	if !r.HasTarget {
		return "no_target"
	}
	return "ok"
}

// Percent returns actual/target×100 rounded to 2 places, 0 when target is 0.
func Percent(actual, target decimal.Decimal) decimal.Decimal {
	if target.IsZero() {
		return decimal.Zero
	}
	return actual.Div(target).Mul(hundred).Round(2)
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	Directory Directory
	Store     SnapshotStore
	Ledger    OrderLedger

	Periods     PeriodConfig
	CallTimeout time.Duration
	MaxFanOut   int
}

// Achievement builds the report for one node.
func (a *Aggregator) Achievement(ctx context.Context, q AchievementQuery) (AchievementReport, error) {
	mode, err := ParseMode(string(q.Mode))
	if err != nil {
		return AchievementReport{}, err
	}
	label, err := ParsePeriodLabel(q.PeriodLabel)
	if err != nil {
		return AchievementReport{}, err
	}
	if err := q.Range.Validate(); err != nil {
		return AchievementReport{}, err
	}
	rng := q.Range
	if rng.IsZero() && label != NoPeriod {
		rng, _ = LabelPeriod(label)
	}

	var labels []string
	if label != NoPeriod {
		labels = []string{label}
	}
	report, err := a.report(ctx, q.NodeID, mode, rng, labels)
	if err != nil {
		return AchievementReport{}, err
	}
	report.PeriodLabel = label
	return report, nil
}

// report resolves targets for labels (nil: overall latest) and actuals
// within rng, then joins them.
func (a *Aggregator) report(ctx context.Context, nodeID NodeID, mode Mode, rng Period, labels []string) (AchievementReport, error) {
	if _, err := a.node(ctx, nodeID); err != nil {
		return AchievementReport{}, err
	}

	sc, err := a.scope(ctx, nodeID, mode)
	if err != nil {
		return AchievementReport{}, err
	}
	targets, err := a.targets(ctx, sc, labels)
	if err != nil {
		return AchievementReport{}, err
	}
	orders, err := a.orders(ctx, sc.nodes, rng)
	if err != nil {
		return AchievementReport{}, err
	}

	report := buildReport(targets, orders, rng)
	report.NodeID = nodeID
	report.Mode = mode
	report.Range = rng
	return report, nil
}

type totals struct {
	qty    decimal.Decimal
	amount decimal.Decimal
}

func buildReport(targets []TargetSnapshot, orders []OrderRecord, rng Period) AchievementReport {
	report := AchievementReport{
		HasTarget:         len(targets) > 0,
		TotalTargetQty:    decimal.Zero,
		TotalActualQty:    decimal.Zero,
		TotalTargetAmount: decimal.Zero,
		TotalActualAmount: decimal.Zero,
	}

	var productOrder []ProductID
	planned := make(map[ProductID]*totals)
	for _, snap := range targets {
		report.Targets = append(report.Targets, snap.ID)
		for _, line := range snap.Assignments {
			t, ok := planned[line.ProductID]
			if !ok {
				t = &totals{qty: decimal.Zero, amount: decimal.Zero}
				planned[line.ProductID] = t
				productOrder = append(productOrder, line.ProductID)
			}
			t.qty = t.qty.Add(line.QtyAssign)
			t.amount = t.amount.Add(line.TotalPrice())
		}
	}

	actual := aggregateOrders(orders, rng)

	for _, pid := range productOrder {
		t := planned[pid]
		act, ok := actual[pid]
		if !ok {
			act = &totals{qty: decimal.Zero, amount: decimal.Zero}
		}
		shortfall := t.qty.Sub(act.qty)
		if shortfall.IsNegative() {
			shortfall = decimal.Zero
		}
		report.Products = append(report.Products, ProductAchievement{
			ProductID:    pid,
			TargetQty:    t.qty,
			ActualQty:    act.qty,
			Percentage:   Percent(act.qty, t.qty),
			TargetAmount: t.amount,
			ActualAmount: act.amount,
			ShortfallQty: shortfall,
		})
		report.TotalTargetQty = report.TotalTargetQty.Add(t.qty)
		report.TotalActualQty = report.TotalActualQty.Add(act.qty)
		report.TotalTargetAmount = report.TotalTargetAmount.Add(t.amount)
		report.TotalActualAmount = report.TotalActualAmount.Add(act.amount)
	}

	var unplanned []ProductID
	for pid := range actual {
		if _, ok := planned[pid]; !ok {
			unplanned = append(unplanned, pid)
		}
	}
	sort.Slice(unplanned, func(i, j int) bool { return unplanned[i] < unplanned[j] })
	for _, pid := range unplanned {
		act := actual[pid]
		report.Unplanned = append(report.Unplanned, ProductAchievement{
			ProductID:    pid,
			TargetQty:    decimal.Zero,
			ActualQty:    act.qty,
			Percentage:   decimal.Zero,
			TargetAmount: decimal.Zero,
			ActualAmount: act.amount,
			ShortfallQty: decimal.Zero,
		})
	}

	report.OverallPercentage = Percent(report.TotalActualQty, report.TotalTargetQty)
	report.AmountPercentage = Percent(report.TotalActualAmount, report.TotalTargetAmount)
	return report
}

// aggregateOrders re-applies the completed/in-range filter so a lenient
// ledger cannot inflate actuals.
func aggregateOrders(orders []OrderRecord, rng Period) map[ProductID]*totals {
	out := make(map[ProductID]*totals)
	for _, o := range orders {
		if o.Status != OrderCompleted || !rng.Contains(o.Date) {
			continue
		}
		for _, l := range o.Lines {
			t, ok := out[l.ProductID]
			if !ok {
				t = &totals{qty: decimal.Zero, amount: decimal.Zero}
				out[l.ProductID] = t
			}
			t.qty = t.qty.Add(l.Qty)
			t.amount = t.amount.Add(l.Amount())
		}
	}
	return out
}

// =============================================================================
// SCOPE - The node itself or its whole subtree
// =============================================================================

type scope struct {
	root     NodeID
	mode     Mode
	nodes    []NodeID // BFS order, root first
	children map[NodeID][]NodeID
}

func (a *Aggregator) scope(ctx context.Context, root NodeID, mode Mode) (scope, error) {
	sc := scope{root: root, mode: mode, nodes: []NodeID{root}, children: make(map[NodeID][]NodeID)}
	if mode != ModeSubtree {
		return sc, nil
	}

	seen := map[NodeID]bool{root: true}
	for i := 0; i < len(sc.nodes); i++ {
		id := sc.nodes[i]
		subs, err := a.subordinates(ctx, id)
		if err != nil {
			return scope{}, &OpError{Op: "achievement.subtree", NodeID: id, Err: err}
		}
		for _, sub := range subs {
			if seen[sub] {
				return scope{}, &OpError{Op: "achievement.subtree", NodeID: sub, Err: &CycleError{Path: []NodeID{id, sub}}}
			}
			seen[sub] = true
			sc.children[id] = append(sc.children[id], sub)
			sc.nodes = append(sc.nodes, sub)
		}
	}
	return sc, nil
}

// targets returns the snapshots that make up the scope's target.
func (a *Aggregator) targets(ctx context.Context, sc scope, labels []string) ([]TargetSnapshot, error) {
	if sc.mode != ModeSubtree {
		return a.nodeTargets(ctx, sc.root, labels)
	}

	var out []TargetSnapshot
	queue := []NodeID{sc.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		snaps, err := a.nodeTargets(ctx, id, labels)
		if err != nil {
			return nil, err
		}
		if len(snaps) > 0 {
			out = append(out, snaps...)
			continue
		}
		queue = append(queue, sc.children[id]...)
	}
	return out, nil
}

func (a *Aggregator) nodeTargets(ctx context.Context, id NodeID, labels []string) ([]TargetSnapshot, error) {
	if labels == nil {
		snap, ok, err := a.Store.Latest(ctx, id)
		if err != nil || !ok {
			return nil, err
		}
		return []TargetSnapshot{snap}, nil
	}
	var out []TargetSnapshot
	for _, label := range labels {
		snap, ok, err := a.Store.LatestInPeriod(ctx, id, label)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

// =============================================================================
// COLLABORATOR CALLS
// =============================================================================

func (a *Aggregator) node(ctx context.Context, id NodeID) (Node, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	n, err := a.Directory.Node(ctx, id)
	if err != nil {
		return Node{}, upstream("getNode", err)
	}
	return n, nil
}

func (a *Aggregator) subordinates(ctx context.Context, id NodeID) ([]NodeID, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	subs, err := a.Directory.Subordinates(ctx, id)
	if err != nil {
		return nil, upstream("listSubordinates", err)
	}
	return subs, nil
}

func (a *Aggregator) orders(ctx context.Context, scope []NodeID, rng Period) ([]OrderRecord, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	orders, err := a.Ledger.FindCompletedOrders(ctx, scope, rng)
	if err != nil {
		return nil, upstream("findCompletedOrders", err)
	}
	return orders, nil
}

func (a *Aggregator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.CallTimeout)
}
