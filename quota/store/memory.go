// Package store provides in-memory implementations of the quota interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// MEMORY STORE - In-memory RollupStore and RunLog (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	seq           int64
	byID          map[quota.SnapshotID]*quota.TargetSnapshot
	byNode        map[quota.NodeID][]quota.SnapshotID // insertion order
	contributions map[contribKey]quota.Contribution
	runs          map[runKey]quota.EscalationRun
}

type contribKey struct {
	Source   quota.SnapshotID
	Ancestor quota.NodeID
}

type runKey struct {
	Tenant   quota.TenantID
	MonthKey string
}

func NewMemory() *Memory {
	return &Memory{
		byID:          make(map[quota.SnapshotID]*quota.TargetSnapshot),
		byNode:        make(map[quota.NodeID][]quota.SnapshotID),
		contributions: make(map[contribKey]quota.Contribution),
		runs:          make(map[runKey]quota.EscalationRun),
	}
}

// Create appends a snapshot. Append-only.
func (m *Memory) Create(_ context.Context, snap quota.TargetSnapshot) (quota.TargetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.EscalationKey != "" {
		if _, ok := m.escalationLocked(snap.NodeID, snap.EscalationKey); ok {
			return quota.TargetSnapshot{}, quota.ErrConflict
		}
	}
	return m.insertLocked(snap), nil
}

// Supersede appends snap if the bucket's head is still head.
func (m *Memory) Supersede(_ context.Context, snap quota.TargetSnapshot, head quota.Head) (quota.TargetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.headLocked(snap.NodeID, snap.PeriodLabel)
	var got quota.Head
	if ok {
		got = cur.Head()
	}
	if got != head {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}
	if snap.EscalationKey != "" {
		if _, dup := m.escalationLocked(snap.NodeID, snap.EscalationKey); dup {
			return quota.TargetSnapshot{}, quota.ErrConflict
		}
	}
	if ok && snap.CreatedAt.Before(cur.CreatedAt) {
		snap.CreatedAt = cur.CreatedAt
	}
	return m.insertLocked(snap), nil
}

func (m *Memory) insertLocked(snap quota.TargetSnapshot) quota.TargetSnapshot {
	m.seq++
	snap = snap.Clone()
	snap.Seq = m.seq
	snap.Version = 1
	m.byID[snap.ID] = &snap
	m.byNode[snap.NodeID] = append(m.byNode[snap.NodeID], snap.ID)
	return snap.Clone()
}

func (m *Memory) Get(_ context.Context, id quota.SnapshotID) (quota.TargetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.byID[id]
	if !ok {
		return quota.TargetSnapshot{}, &quota.NotFoundError{Kind: "snapshot", ID: string(id)}
	}
	return snap.Clone(), nil
}

func (m *Memory) Latest(_ context.Context, nodeID quota.NodeID) (quota.TargetSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(nodeID, func(*quota.TargetSnapshot) bool { return true })
}

func (m *Memory) LatestInPeriod(_ context.Context, nodeID quota.NodeID, label string) (quota.TargetSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(nodeID, func(s *quota.TargetSnapshot) bool { return s.PeriodLabel == label })
}

func (m *Memory) headLocked(nodeID quota.NodeID, label string) (*quota.TargetSnapshot, bool) {
	var best *quota.TargetSnapshot
	for _, id := range m.byNode[nodeID] {
		s := m.byID[id]
		if s.PeriodLabel == label && (best == nil || s.After(*best)) {
			best = s
		}
	}
	return best, best != nil
}

func (m *Memory) latestLocked(nodeID quota.NodeID, match func(*quota.TargetSnapshot) bool) (quota.TargetSnapshot, bool, error) {
	var best *quota.TargetSnapshot
	for _, id := range m.byNode[nodeID] {
		s := m.byID[id]
		if !match(s) {
			continue
		}
		if best == nil || s.After(*best) {
			best = s
		}
	}
	if best == nil {
		return quota.TargetSnapshot{}, false, nil
	}
	return best.Clone(), true, nil
}

func (m *Memory) History(_ context.Context, nodeID quota.NodeID, from, to time.Time) ([]quota.TargetSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	within := quota.Period{Start: from, End: to}
	var out []quota.TargetSnapshot
	for _, id := range m.byNode[nodeID] {
		s := m.byID[id]
		if within.Contains(s.CreatedAt) {
			out = append(out, s.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[j].After(out[i]) })
	return out, nil
}

func (m *Memory) FindEscalation(_ context.Context, nodeID quota.NodeID, monthKey string) (quota.TargetSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.escalationLocked(nodeID, monthKey)
	if !ok {
		return quota.TargetSnapshot{}, false, nil
	}
	return s.Clone(), true, nil
}

func (m *Memory) escalationLocked(nodeID quota.NodeID, monthKey string) (*quota.TargetSnapshot, bool) {
	if monthKey == "" {
		return nil, false
	}
	for _, id := range m.byNode[nodeID] {
		if s := m.byID[id]; s.EscalationKey == monthKey {
			return s, true
		}
	}
	return nil, false
}

// =============================================================================
// ROLLUP - Guarded ancestor writes
// =============================================================================

func (m *Memory) CreateRollup(_ context.Context, snap quota.TargetSnapshot, c quota.Contribution) (quota.TargetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := contribKey{Source: c.SourceID, Ancestor: c.AncestorID}
	if _, ok := m.contributions[k]; ok {
		return quota.TargetSnapshot{}, quota.ErrAlreadyApplied
	}
	for _, id := range m.byNode[snap.NodeID] {
		if m.byID[id].PeriodLabel == snap.PeriodLabel {
			return quota.TargetSnapshot{}, quota.ErrConflict
		}
	}

	created := m.insertLocked(snap)
	c.TargetID = created.ID
	m.contributions[k] = c
	return created, nil
}

func (m *Memory) MergeRollup(_ context.Context, id quota.SnapshotID, expectedVersion int64, lines quota.Assignments, c quota.Contribution) (quota.TargetSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := contribKey{Source: c.SourceID, Ancestor: c.AncestorID}
	if _, ok := m.contributions[k]; ok {
		return quota.TargetSnapshot{}, quota.ErrAlreadyApplied
	}
	s, ok := m.byID[id]
	if !ok {
		return quota.TargetSnapshot{}, &quota.NotFoundError{Kind: "snapshot", ID: string(id)}
	}
	if s.Version != expectedVersion {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}
	if head, _ := m.headLocked(s.NodeID, s.PeriodLabel); head.ID != id {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}

	s.Assignments = lines.Clone()
	s.Version++
	c.TargetID = id
	m.contributions[k] = c
	return s.Clone(), nil
}

func (m *Memory) Contributions(_ context.Context, sourceID quota.SnapshotID) ([]quota.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []quota.Contribution
	for k, c := range m.contributions {
		if k.Source == sourceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].AppliedAt.Before(out[j].AppliedAt)
		}
		return out[i].AncestorID < out[j].AncestorID
	})
	return out, nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveEscalationRun(_ context.Context, run quota.EscalationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runKey{Tenant: run.Tenant, MonthKey: run.MonthKey}] = run
	return nil
}

func (m *Memory) EscalationRun(_ context.Context, tenant quota.TenantID, monthKey string) (quota.EscalationRun, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runKey{Tenant: tenant, MonthKey: monthKey}]
	return run, ok, nil
}

func (m *Memory) ListEscalationRuns(_ context.Context, tenant quota.TenantID) ([]quota.EscalationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []quota.EscalationRun
	for k, run := range m.runs {
		if tenant == "" || k.Tenant == tenant {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
