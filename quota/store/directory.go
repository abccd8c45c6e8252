package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// MEMORY DIRECTORY - Static hierarchy for tests and local runs
// =============================================================================

type Directory struct {
	mu    sync.RWMutex
	nodes map[quota.NodeID]quota.Node
}

func NewDirectory(nodes ...quota.Node) *Directory {
	d := &Directory{nodes: make(map[quota.NodeID]quota.Node)}
	for _, n := range nodes {
		d.nodes[n.ID] = n
	}
	return d
}

// Put adds or replaces a node.
func (d *Directory) Put(n quota.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.ID] = n
}

func (d *Directory) Node(_ context.Context, id quota.NodeID) (quota.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return quota.Node{}, &quota.NotFoundError{Kind: "node", ID: string(id)}
	}
	return n, nil
}

func (d *Directory) Supervisor(_ context.Context, id quota.NodeID) (quota.NodeID, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	if !ok {
		return "", false, &quota.NotFoundError{Kind: "node", ID: string(id)}
	}
	return n.SupervisorID, n.SupervisorID != "", nil
}

func (d *Directory) Subordinates(_ context.Context, id quota.NodeID) ([]quota.NodeID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []quota.NodeID
	for _, n := range d.nodes {
		if n.SupervisorID == id {
			out = append(out, n.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (d *Directory) Nodes(_ context.Context, tenant quota.TenantID) ([]quota.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []quota.Node
	for _, n := range d.nodes {
		if n.Tenant == tenant {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// MEMORY LEDGER
// =============================================================================

type Ledger struct {
	mu     sync.RWMutex
	orders []quota.OrderRecord
}

func NewLedger(orders ...quota.OrderRecord) *Ledger {
	return &Ledger{orders: orders}
}

func (l *Ledger) Add(o quota.OrderRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = append(l.orders, o)
}

func (l *Ledger) FindCompletedOrders(_ context.Context, scope []quota.NodeID, within quota.Period) ([]quota.OrderRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	in := make(map[quota.NodeID]bool, len(scope))
	for _, id := range scope {
		in[id] = true
	}
	var out []quota.OrderRecord
	for _, o := range l.orders {
		if in[o.NodeID] && o.Status == quota.OrderCompleted && within.Contains(o.Date) {
			out = append(out, o)
		}
	}
	return out, nil
}
