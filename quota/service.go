/*
service.go - Operations exposed to the API and CLI layers

PURPOSE:
  Wires the propagator, escalator and aggregator over one set of
  collaborators and exposes the engine's operations:

    AssignTarget          create a node's quota and roll it up
    LatestTarget          latest snapshot, optionally within a period
    TargetHistory         snapshots in a date range
    RetryPropagation      replay a stored snapshot's delta
    RebuildRollup         re-sum a manager chain from its subordinates
    RunMonthlyEscalation  escalate a tenant's leaves for this month
    EscalationRuns        past escalation run records
    GetAchievement        target vs actual for a node or subtree
    TenantAchievement     GetAchievement for every node with a role
    AverageAchievement, MonthMetrics, FinancialYearSummary, ProductBreakdown

ASSIGNMENT SEMANTICS:
  Assigning a node replaces its target for the period bucket. The snapshot
  stores Delta = new - previous latest in the bucket, and that delta is
  what ancestors receive. The write only lands if the bucket still holds
  that previous snapshot; otherwise the delta is recomputed against the
  newer one. If the rollup fails after the snapshot was written, the
  snapshot is returned together with the error so the caller can
  RetryPropagation(snapshot.ID).

REBUILD:
  RebuildRollup re-sums a node's period target from its direct
  subordinates' latest snapshots, then does the same for each ancestor up
  to the root. It repairs drift left by operator edits or lost writes.
  Rebuilt snapshots carry no delta: the ancestors are rebuilt directly.

SEE ALSO:
  - config/config.go: Options from YAML and environment
  - api/handlers.go: HTTP surface
*/
package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	CallTimeout          time.Duration
	MaxFanOut            int
	MaxMergeRetries      uint64
	RetryBackoff         time.Duration
	FiscalYearStartMonth time.Month

	Logger *slog.Logger
	Now    func() time.Time
}

func DefaultOptions() Options {
	return Options{
		CallTimeout:          5 * time.Second,
		MaxFanOut:            4,
		MaxMergeRetries:      5,
		RetryBackoff:         10 * time.Millisecond,
		FiscalYearStartMonth: time.April,
	}
}

type Service struct {
	Directory Directory
	Store     RollupStore
	Ledger    OrderLedger
	Runs      RunLog

	Propagator *Propagator
	Escalator  *Escalator
	Aggregator *Aggregator

	opts   Options
	logger *slog.Logger
}

// NewService builds the engine. runs may be nil.
func NewService(dir Directory, store RollupStore, ledger OrderLedger, runs RunLog, opts Options) *Service {
	def := DefaultOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.MaxFanOut <= 0 {
		opts.MaxFanOut = def.MaxFanOut
	}
	if opts.MaxMergeRetries == 0 {
		opts.MaxMergeRetries = def.MaxMergeRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.FiscalYearStartMonth == 0 {
		opts.FiscalYearStartMonth = def.FiscalYearStartMonth
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prop := &Propagator{
		Directory:    dir,
		Store:        store,
		Logger:       logger,
		CallTimeout:  opts.CallTimeout,
		MaxRetries:   opts.MaxMergeRetries,
		RetryBackoff: opts.RetryBackoff,
		Now:          opts.Now,
	}
	return &Service{
		Directory:  dir,
		Store:      store,
		Ledger:     ledger,
		Runs:       runs,
		Propagator: prop,
		Escalator: &Escalator{
			Directory:   dir,
			Store:       store,
			Propagator:  prop,
			Runs:        runs,
			Logger:      logger,
			CallTimeout: opts.CallTimeout,
			MaxFanOut:   opts.MaxFanOut,
			Now:         opts.Now,
		},
		Aggregator: &Aggregator{
			Directory:   dir,
			Store:       store,
			Ledger:      ledger,
			Periods:     PeriodConfig{FiscalYearStartMonth: opts.FiscalYearStartMonth},
			CallTimeout: opts.CallTimeout,
			MaxFanOut:   opts.MaxFanOut,
		},
		opts:   opts,
		logger: logger,
	}
}

// Periods returns the financial year configuration.
func (s *Service) Periods() PeriodConfig { return s.Aggregator.Periods }

func (s *Service) Now() time.Time { return s.opts.Now() }

// =============================================================================
// TARGETS
// =============================================================================

// AssignTarget validates and stores a new quota for nodeID, then rolls the
// change up to its ancestors with a fresh Run.
func (s *Service) AssignTarget(ctx context.Context, nodeID NodeID, assignments Assignments, periodLabel string) (TargetSnapshot, error) {
	if err := ValidateAssignments(assignments); err != nil {
		return TargetSnapshot{}, err
	}
	label, err := ParsePeriodLabel(periodLabel)
	if err != nil {
		return TargetSnapshot{}, err
	}
	node, err := s.node(ctx, nodeID)
	if err != nil {
		return TargetSnapshot{}, err
	}

	var created TargetSnapshot
	err = s.Propagator.retryOnConflict(ctx, func(ctx context.Context) error {
		prev, hadPrev, err := s.Store.LatestInPeriod(ctx, nodeID, label)
		if err != nil {
			return &OpError{Op: "assign.latest", NodeID: nodeID, Err: err}
		}
		var (
			head      Head
			prevLines Assignments
		)
		if hadPrev {
			head = prev.Head()
			prevLines = prev.Assignments
		}

		lines := assignments.Clone()
		snap := TargetSnapshot{
			ID:          NewSnapshotID(),
			NodeID:      nodeID,
			Tenant:      node.Tenant,
			CreatedAt:   s.opts.Now(),
			PeriodLabel: label,
			Origin:      OriginAssigned,
			DerivedFrom: head.ID,
			Assignments: lines,
			Delta:       Diff(lines, prevLines),
		}
		created, err = s.Store.Supersede(ctx, snap, head)
		if errors.Is(err, ErrConflict) {
			s.logger.Debug("bucket moved during assignment, recomputing delta", "node", nodeID, "period", label)
		}
		if err != nil {
			return &OpError{Op: "assign.create", NodeID: nodeID, SnapshotID: snap.ID, Err: err}
		}
		return nil
	})
	if err != nil {
		return TargetSnapshot{}, err
	}
	s.logger.Info("target assigned",
		"node", nodeID, "snapshot", created.ID, "period", label,
		"grand_total", created.GrandTotal().String())

	if _, err := s.Propagator.Propagate(ctx, NewRun(), created); err != nil {
		s.logger.Error("rollup failed after assignment", "node", nodeID, "snapshot", created.ID, "error", err)
		return created, err
	}
	return created, nil
}

// LatestTarget returns the node's latest snapshot, within periodLabel when
// one is given. NotFound when the node has none.
func (s *Service) LatestTarget(ctx context.Context, nodeID NodeID, periodLabel string) (TargetSnapshot, error) {
	if _, err := s.node(ctx, nodeID); err != nil {
		return TargetSnapshot{}, err
	}
	label, err := ParsePeriodLabel(periodLabel)
	if err != nil {
		return TargetSnapshot{}, err
	}

	var (
		snap TargetSnapshot
		ok   bool
	)
	if label == NoPeriod {
		snap, ok, err = s.Store.Latest(ctx, nodeID)
	} else {
		snap, ok, err = s.Store.LatestInPeriod(ctx, nodeID, label)
	}
	if err != nil {
		return TargetSnapshot{}, err
	}
	if !ok {
		return TargetSnapshot{}, &NotFoundError{Kind: "target", ID: string(nodeID)}
	}
	return snap, nil
}

func (s *Service) TargetHistory(ctx context.Context, nodeID NodeID, from, to time.Time) ([]TargetSnapshot, error) {
	if _, err := s.node(ctx, nodeID); err != nil {
		return nil, err
	}
	if err := (Period{Start: from, End: to}).Validate(); err != nil {
		return nil, err
	}
	return s.Store.History(ctx, nodeID, from, to)
}

// RetryPropagation replays the stored delta of snapshotID. Ancestors that
// already received it are skipped.
func (s *Service) RetryPropagation(ctx context.Context, snapshotID SnapshotID) (PropagationResult, error) {
	snap, err := s.Store.Get(ctx, snapshotID)
	if err != nil {
		return PropagationResult{}, err
	}
	res, err := s.Propagator.Propagate(ctx, NewRun(), snap)
	if err != nil {
		return res, err
	}
	s.logger.Info("propagation replayed", "snapshot", snapshotID,
		"applied", len(res.Applied), "skipped", len(res.Skipped))
	return res, nil
}

// RebuildResult lists the nodes visited by RebuildRollup, bottom up.
type RebuildResult struct {
	Rebuilt   []TargetSnapshot
	Unchanged []NodeID
}

// RebuildRollup replaces the period target of nodeID and of each of its
// ancestors with the sum of their direct subordinates' latest snapshots in
// that bucket. Nodes whose target already matches are left alone.
func (s *Service) RebuildRollup(ctx context.Context, nodeID NodeID, periodLabel string) (RebuildResult, error) {
	label, err := ParsePeriodLabel(periodLabel)
	if err != nil {
		return RebuildResult{}, err
	}
	node, err := s.node(ctx, nodeID)
	if err != nil {
		return RebuildResult{}, err
	}

	var res RebuildResult
	run := NewRun()
	current := node.ID
	for {
		if !run.visit(current) {
			return res, &OpError{Op: "rebuild", NodeID: current, Err: &CycleError{Path: append(run.Path(), current)}}
		}
		snap, changed, err := s.rebuildNode(ctx, current, node.Tenant, label)
		if err != nil {
			return res, err
		}
		if changed {
			res.Rebuilt = append(res.Rebuilt, snap)
		} else {
			res.Unchanged = append(res.Unchanged, current)
		}

		supervisor, ok, err := s.Propagator.supervisor(ctx, current)
		if err != nil {
			return res, &OpError{Op: "rebuild.supervisor", NodeID: current, Err: err}
		}
		if !ok {
			break
		}
		if err := s.Propagator.sameTenant(ctx, supervisor, node.Tenant); err != nil {
			return res, &OpError{Op: "rebuild.tenant", NodeID: supervisor, Err: err}
		}
		current = supervisor
	}

	s.logger.Info("rollup rebuilt", "node", nodeID, "period", label,
		"rebuilt", len(res.Rebuilt), "unchanged", len(res.Unchanged))
	return res, nil
}

// rebuildNode writes one node's re-summed target. A node without
// subordinates keeps its own target.
func (s *Service) rebuildNode(ctx context.Context, id NodeID, tenant TenantID, label string) (TargetSnapshot, bool, error) {
	subs, err := s.subordinates(ctx, id)
	if err != nil {
		return TargetSnapshot{}, false, &OpError{Op: "rebuild.subordinates", NodeID: id, Err: err}
	}
	if len(subs) == 0 {
		return TargetSnapshot{}, false, nil
	}

	var (
		created TargetSnapshot
		changed bool
	)
	err = s.Propagator.retryOnConflict(ctx, func(ctx context.Context) error {
		changed = false
		prev, hadPrev, err := s.Store.LatestInPeriod(ctx, id, label)
		if err != nil {
			return &OpError{Op: "rebuild.latest", NodeID: id, Err: err}
		}

		var sum Assignments
		for _, sub := range subs {
			snap, ok, err := s.Store.LatestInPeriod(ctx, sub, label)
			if err != nil {
				return &OpError{Op: "rebuild.latest", NodeID: sub, Err: err}
			}
			if ok {
				sum = Merge(sum, snap.Assignments)
			}
		}

		var head Head
		if hadPrev {
			head = prev.Head()
			if len(Diff(sum, prev.Assignments)) == 0 {
				return nil
			}
		} else if len(positive(sum)) == 0 {
			return nil
		}

		snap := TargetSnapshot{
			ID:          NewSnapshotID(),
			NodeID:      id,
			Tenant:      tenant,
			CreatedAt:   s.opts.Now(),
			PeriodLabel: label,
			Origin:      OriginRebuilt,
			DerivedFrom: head.ID,
			Assignments: sum,
		}
		created, err = s.Store.Supersede(ctx, snap, head)
		if err != nil {
			return &OpError{Op: "rebuild.create", NodeID: id, SnapshotID: snap.ID, Err: err}
		}
		changed = true
		return nil
	})
	return created, changed, err
}

func (s *Service) subordinates(ctx context.Context, id NodeID) ([]NodeID, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	subs, err := s.Directory.Subordinates(ctx, id)
	if err != nil {
		return nil, upstream("listSubordinates", err)
	}
	return subs, nil
}

// =============================================================================
// ESCALATION
// =============================================================================

func (s *Service) RunMonthlyEscalation(ctx context.Context, tenant TenantID) (EscalationResult, error) {
	if tenant == "" {
		return EscalationResult{}, &ValidationError{Field: "tenant", Reason: "required"}
	}
	return s.Escalator.Run(ctx, tenant)
}

func (s *Service) EscalationRuns(ctx context.Context, tenant TenantID) ([]EscalationRun, error) {
	if s.Runs == nil {
		return nil, nil
	}
	return s.Runs.ListEscalationRuns(ctx, tenant)
}

// EscalationDone reports whether tenant already has a completed run for
// monthKey.
func (s *Service) EscalationDone(ctx context.Context, tenant TenantID, monthKey string) (bool, error) {
	if s.Runs == nil {
		return false, nil
	}
	run, ok, err := s.Runs.EscalationRun(ctx, tenant, monthKey)
	if err != nil || !ok {
		return false, err
	}
	return run.Status == RunCompleted, nil
}

// =============================================================================
// ACHIEVEMENT
// =============================================================================

func (s *Service) GetAchievement(ctx context.Context, q AchievementQuery) (AchievementReport, error) {
	return s.Aggregator.Achievement(ctx, q)
}

// TenantAchievement reports every node of tenant with the given role that
// holds a target, in node order.
func (s *Service) TenantAchievement(ctx context.Context, tenant TenantID, role string, rng Period, periodLabel string) ([]AchievementReport, error) {
	if tenant == "" {
		return nil, &ValidationError{Field: "tenant", Reason: "required"}
	}
	return s.Aggregator.TenantAchievement(ctx, tenant, role, rng, periodLabel)
}

func (s *Service) AverageAchievement(ctx context.Context, nodeID NodeID, mode Mode) (AverageReport, error) {
	return s.Aggregator.Average(ctx, nodeID, mode)
}

func (s *Service) MonthMetrics(ctx context.Context, nodeID NodeID, year int, month time.Month, mode Mode) (MonthMetrics, error) {
	return s.Aggregator.MonthMetrics(ctx, nodeID, year, month, mode)
}

func (s *Service) FinancialYearSummary(ctx context.Context, nodeIDs []NodeID, startYear int) (FYSummary, error) {
	return s.Aggregator.FinancialYearSummary(ctx, nodeIDs, startYear)
}

func (s *Service) ProductBreakdown(ctx context.Context, nodeID NodeID, productID ProductID, rng Period, periodLabel string) ([]BreakdownRow, error) {
	return s.Aggregator.ProductBreakdown(ctx, nodeID, productID, rng, periodLabel)
}

func (s *Service) node(ctx context.Context, id NodeID) (Node, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	n, err := s.Directory.Node(ctx, id)
	if err != nil {
		return Node{}, upstream("getNode", err)
	}
	return n, nil
}
