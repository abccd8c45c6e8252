package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/quota-engine/quota"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// FIXTURES - Hierarchy and orders for local runs (cmd/server seed)
// =============================================================================

type Fixture struct {
	Version int            `yaml:"version"`
	Tenant  string         `yaml:"tenant"`
	Nodes   []NodeFixture  `yaml:"nodes"`
	Orders  []OrderFixture `yaml:"orders"`
}

type NodeFixture struct {
	ID         string `yaml:"id"`
	Supervisor string `yaml:"supervisor"`
	Role       string `yaml:"role"`
}

type OrderFixture struct {
	ID     string             `yaml:"id"`
	Node   string             `yaml:"node"`
	Status string             `yaml:"status"`
	Date   string             `yaml:"date"` // 2006-01-02
	Lines  []OrderLineFixture `yaml:"lines"`
}

type OrderLineFixture struct {
	Product   string `yaml:"product"`
	Qty       string `yaml:"qty"`
	UnitPrice string `yaml:"unit_price"`
}

// LoadFixture reads and converts a fixture file.
func LoadFixture(path string) ([]quota.Node, []quota.OrderRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, nil, fmt.Errorf("fixture: %s: %w", path, err)
	}
	return f.Convert()
}

// Convert validates the fixture and returns domain values.
func (f Fixture) Convert() ([]quota.Node, []quota.OrderRecord, error) {
	if f.Version != 1 {
		return nil, nil, errors.New("fixture: unsupported version")
	}
	if f.Tenant == "" {
		return nil, nil, errors.New("fixture: tenant is required")
	}

	known := make(map[string]bool, len(f.Nodes))
	nodes := make([]quota.Node, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return nil, nil, errors.New("fixture: node without id")
		}
		if known[n.ID] {
			return nil, nil, fmt.Errorf("fixture: duplicate node %q", n.ID)
		}
		known[n.ID] = true
		nodes = append(nodes, quota.Node{
			ID:           quota.NodeID(n.ID),
			Tenant:       quota.TenantID(f.Tenant),
			SupervisorID: quota.NodeID(n.Supervisor),
			Role:         n.Role,
		})
	}
	for _, n := range f.Nodes {
		if n.Supervisor != "" && !known[n.Supervisor] {
			return nil, nil, fmt.Errorf("fixture: node %q has unknown supervisor %q", n.ID, n.Supervisor)
		}
	}

	orders := make([]quota.OrderRecord, 0, len(f.Orders))
	for _, o := range f.Orders {
		if !known[o.Node] {
			return nil, nil, fmt.Errorf("fixture: order %q has unknown node %q", o.ID, o.Node)
		}
		date, err := time.Parse(time.DateOnly, o.Date)
		if err != nil {
			return nil, nil, fmt.Errorf("fixture: order %q: %w", o.ID, err)
		}
		status := quota.OrderStatus(o.Status)
		if status == "" {
			status = quota.OrderCompleted
		}
		rec := quota.OrderRecord{ID: o.ID, NodeID: quota.NodeID(o.Node), Status: status, Date: date}
		for _, l := range o.Lines {
			qty, err := decimal.NewFromString(l.Qty)
			if err != nil {
				return nil, nil, fmt.Errorf("fixture: order %q qty: %w", o.ID, err)
			}
			price, err := decimal.NewFromString(l.UnitPrice)
			if err != nil {
				return nil, nil, fmt.Errorf("fixture: order %q unit_price: %w", o.ID, err)
			}
			rec.Lines = append(rec.Lines, quota.OrderLine{ProductID: quota.ProductID(l.Product), Qty: qty, UnitPrice: price})
		}
		orders = append(orders, rec)
	}
	return nodes, orders, nil
}
