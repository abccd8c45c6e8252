package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// DIRECTORY (quota.Directory interface)
// =============================================================================

// SaveNode creates or updates a node.
func (s *Store) SaveNode(ctx context.Context, n quota.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO nodes (id, tenant, supervisor_id, role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant = excluded.tenant,
			supervisor_id = excluded.supervisor_id,
			role = excluded.role
	`

	_, err := s.db.ExecContext(ctx, query, n.ID, n.Tenant, nullString(string(n.SupervisorID)), n.Role)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

func (s *Store) Node(ctx context.Context, id quota.NodeID) (quota.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		n          quota.Node
		supervisor sql.NullString
		role       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, tenant, supervisor_id, role FROM nodes WHERE id = ?", id,
	).Scan(&n.ID, &n.Tenant, &supervisor, &role)
	if isNoRows(err) {
		return quota.Node{}, &quota.NotFoundError{Kind: "node", ID: string(id)}
	}
	if err != nil {
		return quota.Node{}, fmt.Errorf("failed to get node: %w", err)
	}
	n.SupervisorID = quota.NodeID(supervisor.String)
	n.Role = role.String
	return n, nil
}

func (s *Store) Supervisor(ctx context.Context, id quota.NodeID) (quota.NodeID, bool, error) {
	n, err := s.Node(ctx, id)
	if err != nil {
		return "", false, err
	}
	return n.SupervisorID, !n.IsRoot(), nil
}

func (s *Store) Subordinates(ctx context.Context, id quota.NodeID) ([]quota.NodeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM nodes WHERE supervisor_id = ? ORDER BY id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query subordinates: %w", err)
	}
	defer rows.Close()

	var out []quota.NodeID
	for rows.Next() {
		var sub quota.NodeID
		if err := rows.Scan(&sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) Nodes(ctx context.Context, tenant quota.TenantID) ([]quota.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, tenant, supervisor_id, role FROM nodes WHERE tenant = ? ORDER BY id", tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var out []quota.Node
	for rows.Next() {
		var (
			n          quota.Node
			supervisor sql.NullString
			role       sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.Tenant, &supervisor, &role); err != nil {
			return nil, err
		}
		n.SupervisorID = quota.NodeID(supervisor.String)
		n.Role = role.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// =============================================================================
// ORDER LEDGER (quota.OrderLedger interface)
// =============================================================================

// SaveOrder creates or replaces an order and its lines.
func (s *Store) SaveOrder(ctx context.Context, o quota.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO orders (id, node_id, status, order_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id = excluded.node_id,
			status = excluded.status,
			order_date = excluded.order_date
	`, o.ID, o.NodeID, o.Status, o.Date.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM order_lines WHERE order_id = ?", o.ID); err != nil {
		return fmt.Errorf("failed to replace order lines: %w", err)
	}
	for i, l := range o.Lines {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, line_no, product_id, qty, unit_price)
			VALUES (?, ?, ?, ?, ?)
		`, o.ID, i, l.ProductID, l.Qty.String(), l.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("failed to save order line: %w", err)
		}
	}

	return sqlTx.Commit()
}

// FindCompletedOrders returns completed orders placed by any node in scope
// within the period, oldest first.
func (s *Store) FindCompletedOrders(ctx context.Context, scope []quota.NodeID, within quota.Period) ([]quota.OrderRecord, error) {
	if len(scope) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, 0, len(scope)+3)
	args = append(args, quota.OrderCompleted)
	for _, id := range scope {
		args = append(args, id)
	}

	query := `
		SELECT o.id, o.node_id, o.status, o.order_date, l.product_id, l.qty, l.unit_price
		FROM orders o
		LEFT JOIN order_lines l ON l.order_id = o.id
		WHERE o.status = ? AND o.node_id IN (` + placeholders(len(scope)) + `)`
	if !within.Start.IsZero() {
		query += ` AND o.order_date >= ?`
		args = append(args, within.Start.UnixNano())
	}
	if !within.End.IsZero() {
		query += ` AND o.order_date <= ?`
		args = append(args, within.End.UnixNano())
	}
	query += ` ORDER BY o.order_date ASC, o.id ASC, l.line_no ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []quota.OrderRecord
	for rows.Next() {
		var (
			o                   quota.OrderRecord
			date                int64
			product, qty, price sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.NodeID, &o.Status, &date, &product, &qty, &price); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != o.ID {
			o.Date = fromNanos(date)
			out = append(out, o)
		}
		if !product.Valid {
			continue
		}
		line, err := parseOrderLine(product.String, qty.String, price.String)
		if err != nil {
			return nil, err
		}
		last := &out[len(out)-1]
		last.Lines = append(last.Lines, line)
	}

	return out, rows.Err()
}

func parseOrderLine(product, qty, price string) (quota.OrderLine, error) {
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return quota.OrderLine{}, fmt.Errorf("failed to parse qty for %s: %w", product, err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return quota.OrderLine{}, fmt.Errorf("failed to parse price for %s: %w", product, err)
	}
	return quota.OrderLine{ProductID: quota.ProductID(product), Qty: q, UnitPrice: p}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
