package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quota-engine/quota"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, int(time.April), cfg.Engine.FiscalYearStartMonth)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "quota.yaml", `
version: 1
http:
  port: 9090
storage:
  sqlite_path: /tmp/q.db
engine:
  call_timeout: 2s
  max_fan_out: 16
  fiscal_year_start_month: 1
scheduler:
  interval: 30m
  tenants: [acme, globex]
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout) // untouched default
	assert.Equal(t, "/tmp/q.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []quota.TenantID{"acme", "globex"}, cfg.SchedulerTenants())

	opts := cfg.Options(nil)
	assert.Equal(t, 2*time.Second, opts.CallTimeout)
	assert.Equal(t, 16, opts.MaxFanOut)
	assert.Equal(t, time.January, opts.FiscalYearStartMonth)
}

func TestLoad_RejectsBadFiles(t *testing.T) {
	_, err := Load(writeFile(t, "v2.yaml", "version: 2\n"))
	assert.ErrorContains(t, err, "unsupported version")

	_, err = Load(writeFile(t, "bad.yaml", "version: 1\nhttp: [\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "port.yaml", "version: 1\nhttp:\n  port: 70000\n"))
	assert.ErrorContains(t, err, "http.port")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"QUOTA_HTTP_PORT":         "7000",
		"QUOTA_DB_PATH":           "/data/env.db",
		"DATABASE_URL":            "postgres://localhost/quota",
		"QUOTA_LOG_LEVEL":         "warn",
		"QUOTA_SCHEDULER_TENANTS": " acme, ,globex ",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "/data/env.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "postgres://localhost/quota", cfg.Storage.PostgresURL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Scheduler.Tenants)

	env["QUOTA_HTTP_PORT"] = "eighty"
	assert.Error(t, cfg.applyEnv(func(k string) string { return env[k] }))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no sqlite path":  func(c *Config) { c.Storage.SQLitePath = "" },
		"fiscal month":    func(c *Config) { c.Engine.FiscalYearStartMonth = 13 },
		"zero interval":   func(c *Config) { c.Scheduler.Interval = 0 },
		"log level":       func(c *Config) { c.Log.Level = "loud" },
		"log format":      func(c *Config) { c.Log.Format = "xml" },
		"negative fanout": func(c *Config) { c.Engine.MaxFanOut = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.Interval = 0
	assert.NoError(t, cfg.Validate())
}

func TestLogger_RespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}

	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "node", "A")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"node":"A"`)
}

// =============================================================================
// FIXTURES
// =============================================================================

func TestLoadFixture(t *testing.T) {
	path := writeFile(t, "seed.yaml", `
version: 1
tenant: acme
nodes:
  - {id: S, role: manager}
  - {id: L1, supervisor: S, role: salesperson}
orders:
  - id: o1
    node: L1
    date: 2025-11-03
    lines:
      - {product: P1, qty: "4", unit_price: "100"}
  - id: o2
    node: L1
    status: pending
    date: 2025-11-04
`)

	nodes, orders, err := LoadFixture(path)
	require.NoError(t, err)

	require.Len(t, nodes, 2)
	assert.Equal(t, quota.Node{ID: "L1", Tenant: "acme", SupervisorID: "S", Role: "salesperson"}, nodes[1])
	require.Len(t, orders, 2)
	assert.Equal(t, quota.OrderCompleted, orders[0].Status)
	assert.Equal(t, "400", orders[0].Lines[0].Amount().String())
	assert.Equal(t, quota.OrderStatus("pending"), orders[1].Status)
}

func TestFixture_Convert_Rejects(t *testing.T) {
	base := func() Fixture {
		return Fixture{Version: 1, Tenant: "acme", Nodes: []NodeFixture{{ID: "S"}}}
	}
	cases := map[string]func(*Fixture){
		"version":            func(f *Fixture) { f.Version = 0 },
		"tenant":             func(f *Fixture) { f.Tenant = "" },
		"duplicate node":     func(f *Fixture) { f.Nodes = append(f.Nodes, NodeFixture{ID: "S"}) },
		"unknown supervisor": func(f *Fixture) { f.Nodes = append(f.Nodes, NodeFixture{ID: "A", Supervisor: "X"}) },
		"unknown order node": func(f *Fixture) { f.Orders = []OrderFixture{{ID: "o", Node: "X", Date: "2025-01-01"}} },
		"bad date":           func(f *Fixture) { f.Orders = []OrderFixture{{ID: "o", Node: "S", Date: "01/01/2025"}} },
		"bad qty": func(f *Fixture) {
			f.Orders = []OrderFixture{{ID: "o", Node: "S", Date: "2025-01-01", Lines: []OrderLineFixture{{Product: "P", Qty: "x", UnitPrice: "1"}}}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := base()
			mutate(&f)
			_, _, err := f.Convert()
			assert.Error(t, err)
		})
	}
}
