/*
Package postgres reads the sales hierarchy and the order ledger from Postgres.

PURPOSE:
  In production the engine does not own nodes or orders. This package
  implements quota.Directory and quota.OrderLedger as read-only queries
  against the host application's tables. Target snapshots stay in the
  engine's own store.

TABLES:
  quota_nodes:       id, tenant, supervisor_id, role
  quota_orders:      id, node_id, status, order_date
  quota_order_lines: order_id, line_no, product_id, qty, unit_price

  EnsureSchema creates them for local and integration setups.

NUMERICS:
  qty and unit_price are NUMERIC. They are selected as text and parsed
  with shopspring/decimal so no precision is lost through float64.

SEE ALSO:
  - quota/store.go: Directory and OrderLedger interfaces
  - store/sqlite: same interfaces for single-binary setups
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/quota-engine/quota"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Open connects a pool and checks it is reachable.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the hierarchy and order tables if missing.
func EnsureSchema(ctx context.Context, db execer) error {
	_, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS quota_nodes (
  id text PRIMARY KEY,
  tenant text NOT NULL,
  supervisor_id text,
  role text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS quota_nodes_supervisor_idx ON quota_nodes (supervisor_id);
CREATE INDEX IF NOT EXISTS quota_nodes_tenant_idx ON quota_nodes (tenant);

CREATE TABLE IF NOT EXISTS quota_orders (
  id text PRIMARY KEY,
  node_id text NOT NULL,
  status text NOT NULL,
  order_date timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS quota_orders_node_date_idx ON quota_orders (node_id, order_date);

CREATE TABLE IF NOT EXISTS quota_order_lines (
  order_id text NOT NULL REFERENCES quota_orders (id) ON DELETE CASCADE,
  line_no int NOT NULL,
  product_id text NOT NULL,
  qty numeric NOT NULL,
  unit_price numeric NOT NULL,
  PRIMARY KEY (order_id, line_no)
);
`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

type Directory struct {
	q querier
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{q: pool}
}

func (d *Directory) Node(ctx context.Context, id quota.NodeID) (quota.Node, error) {
	var nodeID, tenant, supervisor, role string
	err := d.q.QueryRow(ctx, `
SELECT id, tenant, COALESCE(supervisor_id, ''), role
FROM quota_nodes
WHERE id = $1
`, string(id)).Scan(&nodeID, &tenant, &supervisor, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return quota.Node{}, &quota.NotFoundError{Kind: "node", ID: string(id)}
		}
		return quota.Node{}, err
	}
	return quota.Node{
		ID:           quota.NodeID(nodeID),
		Tenant:       quota.TenantID(tenant),
		SupervisorID: quota.NodeID(supervisor),
		Role:         role,
	}, nil
}

func (d *Directory) Supervisor(ctx context.Context, id quota.NodeID) (quota.NodeID, bool, error) {
	n, err := d.Node(ctx, id)
	if err != nil {
		return "", false, err
	}
	return n.SupervisorID, !n.IsRoot(), nil
}

func (d *Directory) Subordinates(ctx context.Context, id quota.NodeID) ([]quota.NodeID, error) {
	rows, err := d.q.Query(ctx, `
SELECT id
FROM quota_nodes
WHERE supervisor_id = $1
ORDER BY id
`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.NodeID
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, err
		}
		out = append(out, quota.NodeID(sub))
	}
	return out, rows.Err()
}

func (d *Directory) Nodes(ctx context.Context, tenant quota.TenantID) ([]quota.Node, error) {
	rows, err := d.q.Query(ctx, `
SELECT id, tenant, COALESCE(supervisor_id, ''), role
FROM quota_nodes
WHERE tenant = $1
ORDER BY id
`, string(tenant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.Node
	for rows.Next() {
		var nodeID, t, supervisor, role string
		if err := rows.Scan(&nodeID, &t, &supervisor, &role); err != nil {
			return nil, err
		}
		out = append(out, quota.Node{
			ID:           quota.NodeID(nodeID),
			Tenant:       quota.TenantID(t),
			SupervisorID: quota.NodeID(supervisor),
			Role:         role,
		})
	}
	return out, rows.Err()
}

// =============================================================================
// ORDER LEDGER
// =============================================================================

type Ledger struct {
	q querier
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{q: pool}
}

// FindCompletedOrders returns completed orders of scope within the period,
// oldest first, with their lines.
func (l *Ledger) FindCompletedOrders(ctx context.Context, scope []quota.NodeID, within quota.Period) ([]quota.OrderRecord, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	ids := make([]string, len(scope))
	for i, id := range scope {
		ids[i] = string(id)
	}

	rows, err := l.q.Query(ctx, `
SELECT o.id, o.node_id, o.status, o.order_date,
       COALESCE(li.product_id, ''), COALESCE(li.qty::text, ''), COALESCE(li.unit_price::text, '')
FROM quota_orders o
LEFT JOIN quota_order_lines li ON li.order_id = o.id
WHERE o.status = $1
  AND o.node_id = ANY($2)
  AND ($3::timestamptz IS NULL OR o.order_date >= $3)
  AND ($4::timestamptz IS NULL OR o.order_date <= $4)
ORDER BY o.order_date, o.id, li.line_no
`, string(quota.OrderCompleted), ids, optionalTime(within.Start), optionalTime(within.End))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.OrderRecord
	for rows.Next() {
		var (
			orderID, nodeID, status string
			date                    time.Time
			product, qty, price     string
		)
		if err := rows.Scan(&orderID, &nodeID, &status, &date, &product, &qty, &price); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != orderID {
			out = append(out, quota.OrderRecord{
				ID:     orderID,
				NodeID: quota.NodeID(nodeID),
				Status: quota.OrderStatus(status),
				Date:   date.UTC(),
			})
		}
		if product == "" {
			continue
		}
		line, err := parseLine(product, qty, price)
		if err != nil {
			return nil, err
		}
		last := &out[len(out)-1]
		last.Lines = append(last.Lines, line)
	}
	return out, rows.Err()
}

func parseLine(product, qty, price string) (quota.OrderLine, error) {
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return quota.OrderLine{}, fmt.Errorf("order line %s: qty %q: %w", product, qty, err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return quota.OrderLine{}, fmt.Errorf("order line %s: unit price %q: %w", product, price, err)
	}
	return quota.OrderLine{ProductID: quota.ProductID(product), Qty: q, UnitPrice: p}, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
