/*
scheduler.go - Automated monthly escalation scheduler

PURPOSE:
  Periodically runs the monthly escalation for every configured tenant,
  once per calendar month.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Skips tenants whose run for the current month already completed
  - Partial or failed runs are retried on the next tick; leaves already
    escalated this month are replayed, never escalated twice
  - Run records are written by the engine (quota.RunLog)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - Tenants: Tenants to escalate

USAGE:
  scheduler := NewEscalationScheduler(svc, tenants, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunEscalation endpoint (manual run)
  - quota/escalation.go: Escalator
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/quota-engine/quota"
)

// EscalationScheduler handles automated monthly escalation.
type EscalationScheduler struct {
	Service       *quota.Service
	Tenants       []quota.TenantID
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewEscalationScheduler creates a new scheduler.
func NewEscalationScheduler(svc *quota.Service, tenants []quota.TenantID, logger *slog.Logger) *EscalationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscalationScheduler{
		Service:       svc,
		Tenants:       tenants,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (es *EscalationScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.Logger.Info("disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run(es.ticker, es.stop)

	es.Logger.Info("started", "interval", es.CheckInterval, "tenants", len(es.Tenants))
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (es *EscalationScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		es.ticker = nil
		es.Logger.Info("stopped")
	}
}

func (es *EscalationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer es.wg.Done()

	// Run immediately on start
	es.checkAndProcess(stop)

	for {
		select {
		case <-ticker.C:
			es.checkAndProcess(stop)
		case <-stop:
			return
		}
	}
}

// checkAndProcess returns the number of tenants escalated and skipped.
// Closing stop cancels an in-flight escalation.
func (es *EscalationScheduler) checkAndProcess(stop <-chan struct{}) (processed, skipped int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	monthKey := quota.PeriodLabel(es.Service.Now())
	es.Logger.Debug("checking escalations", "month", monthKey)

	for _, tenant := range es.Tenants {
		done, err := es.Service.EscalationDone(ctx, tenant, monthKey)
		if err != nil {
			es.Logger.Error("checking run status", "tenant", tenant, "error", err)
			continue
		}
		if done {
			skipped++
			continue
		}

		res, err := es.Service.RunMonthlyEscalation(ctx, tenant)
		if err != nil {
			es.Logger.Error("escalation failed", "tenant", tenant, "month", monthKey, "error", err)
			continue
		}
		processed++
		es.Logger.Info("escalation completed",
			"tenant", tenant, "month", res.MonthKey,
			"processed", res.ProcessedLeaves, "updated", len(res.UpdatedSnapshots),
			"replayed", res.Replayed, "failed", len(res.Failures))
	}

	if processed > 0 || skipped > 0 {
		es.Logger.Info("check completed", "processed", processed, "skipped", skipped)
	}
	return processed, skipped
}

// RunNow triggers an immediate check (for testing/admin).
func (es *EscalationScheduler) RunNow() (processed, skipped int) {
	return es.checkAndProcess(nil)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (es *EscalationScheduler) GetNextRunTime() time.Time {
	return es.Service.Now().Add(es.CheckInterval)
}
