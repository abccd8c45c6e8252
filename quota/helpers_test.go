package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/quota/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant quota.TenantID = "acme"

var november = time.Date(2025, time.November, 15, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func line(product string, qty, price string, rules ...quota.EscalationRule) quota.ProductAssignment {
	return quota.ProductAssignment{
		ProductID:  quota.ProductID(product),
		QtyAssign:  d(qty),
		UnitPrice:  d(price),
		Escalation: rules,
	}
}

func node(id, supervisor string) quota.Node {
	return quota.Node{ID: quota.NodeID(id), Tenant: tenant, SupervisorID: quota.NodeID(supervisor), Role: "salesperson"}
}

func order(id, nodeID string, status quota.OrderStatus, at time.Time, lines ...quota.OrderLine) quota.OrderRecord {
	return quota.OrderRecord{ID: id, NodeID: quota.NodeID(nodeID), Status: status, Date: at, Lines: lines}
}

func ol(product, qty, price string) quota.OrderLine {
	return quota.OrderLine{ProductID: quota.ProductID(product), Qty: d(qty), UnitPrice: d(price)}
}

type fixture struct {
	svc    *quota.Service
	store  *store.Memory
	dir    *store.Directory
	ledger *store.Ledger
	clock  *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newFixture(t *testing.T, nodes ...quota.Node) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, nil, nodes...)
}

// newFixtureWith lets a test wrap the directory or the store.
func newFixtureWith(t *testing.T, wrapDir func(quota.Directory) quota.Directory, wrapStore func(quota.RollupStore) quota.RollupStore, nodes ...quota.Node) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		dir:    store.NewDirectory(nodes...),
		ledger: store.NewLedger(),
		clock:  &clock{now: november},
	}
	var dir quota.Directory = f.dir
	if wrapDir != nil {
		dir = wrapDir(dir)
	}
	var rs quota.RollupStore = f.store
	if wrapStore != nil {
		rs = wrapStore(rs)
	}
	f.svc = quota.NewService(dir, rs, f.ledger, f.store, quota.Options{
		CallTimeout:     time.Second,
		MaxFanOut:       4,
		MaxMergeRetries: 50,
		RetryBackoff:    time.Millisecond,
		Now:             f.clock.Now,
	})
	return f
}

func (f *fixture) latest(t *testing.T, id string) quota.TargetSnapshot {
	t.Helper()
	snap, ok, err := f.store.Latest(context.Background(), quota.NodeID(id))
	require.NoError(t, err)
	require.True(t, ok, "node %s has no snapshot", id)
	return snap
}

func (f *fixture) latestIn(t *testing.T, id, label string) quota.TargetSnapshot {
	t.Helper()
	snap, ok, err := f.store.LatestInPeriod(context.Background(), quota.NodeID(id), label)
	require.NoError(t, err)
	require.True(t, ok, "node %s has no snapshot in %q", id, label)
	return snap
}

func qtyOf(t *testing.T, snap quota.TargetSnapshot, product string) decimal.Decimal {
	t.Helper()
	l, ok := snap.Line(quota.ProductID(product))
	require.True(t, ok, "snapshot %s has no line for %s", snap.ID, product)
	return l.QtyAssign
}

// flakyDirectory fails Supervisor lookups for chosen nodes.
type flakyDirectory struct {
	quota.Directory
	mu       sync.Mutex
	failures map[quota.NodeID]int // remaining failures; -1 fails forever
}

var errDirectoryDown = errors.New("directory unreachable")

func (f *flakyDirectory) Supervisor(ctx context.Context, id quota.NodeID) (quota.NodeID, bool, error) {
	f.mu.Lock()
	n := f.failures[id]
	if n > 0 {
		f.failures[id] = n - 1
	}
	f.mu.Unlock()
	if n != 0 {
		return "", false, errDirectoryDown
	}
	return f.Directory.Supervisor(ctx, id)
}

// conflictingStore loses the first n merges.
type conflictingStore struct {
	quota.RollupStore
	mu        sync.Mutex
	remaining int
	attempts  int
}

func (c *conflictingStore) MergeRollup(ctx context.Context, id quota.SnapshotID, v int64, lines quota.Assignments, contrib quota.Contribution) (quota.TargetSnapshot, error) {
	c.mu.Lock()
	c.attempts++
	lose := c.remaining > 0
	if lose {
		c.remaining--
	}
	c.mu.Unlock()
	if lose {
		return quota.TargetSnapshot{}, quota.ErrConflict
	}
	return c.RollupStore.MergeRollup(ctx, id, v, lines, contrib)
}

// gatedStore holds reads of one node's latest snapshot until n callers are
// waiting, so they all decide on the same bucket head. Unarmed, it passes
// every read through.
type gatedStore struct {
	quota.RollupStore
	node quota.NodeID

	mu      sync.Mutex
	n       int
	waiting int
	release chan struct{}
}

func (g *gatedStore) arm(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = n
	g.waiting = 0
	g.release = make(chan struct{})
}

func (g *gatedStore) wait(ctx context.Context, id quota.NodeID) error {
	if id != g.node {
		return nil
	}
	g.mu.Lock()
	release := g.release
	if release == nil {
		g.mu.Unlock()
		return nil
	}
	g.waiting++
	if g.waiting == g.n {
		close(release)
		g.release = nil
	}
	g.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedStore) Latest(ctx context.Context, id quota.NodeID) (quota.TargetSnapshot, bool, error) {
	if err := g.wait(ctx, id); err != nil {
		return quota.TargetSnapshot{}, false, err
	}
	return g.RollupStore.Latest(ctx, id)
}

func (g *gatedStore) LatestInPeriod(ctx context.Context, id quota.NodeID, label string) (quota.TargetSnapshot, bool, error) {
	if err := g.wait(ctx, id); err != nil {
		return quota.TargetSnapshot{}, false, err
	}
	return g.RollupStore.LatestInPeriod(ctx, id, label)
}
