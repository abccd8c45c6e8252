/*
handlers.go - HTTP request handlers for the quota engine API

PURPOSE:
  Implements REST endpoints over quota.Service. Handlers decode requests,
  call one service operation and map the result (or error) to JSON.

ENDPOINTS:
  GET    /api/health                         - Store reachability

  Targets:
    POST   /api/nodes/{id}/targets             - Assign a target and roll it up
    GET    /api/nodes/{id}/targets/latest      - Latest snapshot (?period=YYYY-MM)
    GET    /api/nodes/{id}/targets/history     - Snapshots in [from, to]
    POST   /api/snapshots/{id}/propagate       - Replay a snapshot's rollup
    POST   /api/nodes/{id}/rollup/rebuild      - Re-sum a manager chain (?period=YYYY-MM)

  Escalation:
    POST   /api/tenants/{tenant}/escalations   - Run the monthly escalation now
    GET    /api/tenants/{tenant}/escalations   - Past escalation runs

  Achievement:
    GET    /api/nodes/{id}/achievement         - Target vs actual (?from&to&mode&period)
    GET    /api/nodes/{id}/achievement/average - Lifetime average (?mode)
    GET    /api/nodes/{id}/metrics             - Month, last month, FY (?year&month&mode)
    GET    /api/nodes/{id}/breakdown           - Per subordinate for one product
    GET    /api/tenants/{tenant}/achievement   - Every node of a role (?role&from&to&period)
    POST   /api/fy-summary                     - Monthly targets across a financial year

ERROR HANDLING:
  All errors return JSON: {"error": "message", "details": "..."}
  HTTP status codes:
    - 400: Validation error (bad input)
    - 404: Node or snapshot not found
    - 409: Concurrent modification not resolved by retries
    - 503: Directory, ledger or store unavailable
    - 500: Hierarchy cycle or anything else

  An assignment whose rollup fails after the snapshot was stored answers
  202 with the snapshot and the rollup error. POST /api/snapshots/{id}/propagate
  finishes it.

SEE ALSO:
  - server.go: Route registration
  - dto.go: Request/response types
  - quota/service.go: Operations behind every endpoint
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/quota-engine/quota"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service *quota.Service
	Logger  *slog.Logger
	Store   Pinger // optional, checked by /api/health
}

// NewHandler creates a new handler over svc.
func NewHandler(svc *quota.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// TARGET ENDPOINTS
// =============================================================================

// AssignTarget stores a new target for a node and rolls it up.
// POST /api/nodes/{id}/targets
func (h *Handler) AssignTarget(w http.ResponseWriter, r *http.Request) {
	nodeID := quota.NodeID(chi.URLParam(r, "id"))

	var req AssignTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	snap, err := h.Service.AssignTarget(r.Context(), nodeID, toAssignments(req.Assignments), req.PeriodLabel)
	if err != nil {
		if snap.ID == "" {
			h.fail(w, "Failed to assign target", err)
			return
		}
		writeJSON(w, http.StatusAccepted, AssignTargetResponse{
			Snapshot:      toSnapshotDTO(snap),
			RollupPending: true,
			RollupError:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, AssignTargetResponse{Snapshot: toSnapshotDTO(snap)})
}

// GetLatestTarget returns the node's latest snapshot.
// GET /api/nodes/{id}/targets/latest?period=YYYY-MM
func (h *Handler) GetLatestTarget(w http.ResponseWriter, r *http.Request) {
	nodeID := quota.NodeID(chi.URLParam(r, "id"))

	snap, err := h.Service.LatestTarget(r.Context(), nodeID, r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, "Failed to get latest target", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// GetTargetHistory returns the node's snapshots created within [from, to].
// GET /api/nodes/{id}/targets/history?from=2025-01-01&to=2025-12-31
func (h *Handler) GetTargetHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := quota.NodeID(chi.URLParam(r, "id"))

	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}

	snaps, err := h.Service.TargetHistory(r.Context(), nodeID, rng.Start, rng.End)
	if err != nil {
		h.fail(w, "Failed to get target history", err)
		return
	}

	dtos := make([]SnapshotDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toSnapshotDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RetryPropagation replays a snapshot's stored delta to its ancestors.
// POST /api/snapshots/{id}/propagate
func (h *Handler) RetryPropagation(w http.ResponseWriter, r *http.Request) {
	id := quota.SnapshotID(chi.URLParam(r, "id"))

	res, err := h.Service.RetryPropagation(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to propagate snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toPropagationDTO(id, res))
}

// RebuildRollup re-sums the node's period target, and its ancestors', from
// their direct subordinates.
// POST /api/nodes/{id}/rollup/rebuild?period=YYYY-MM
func (h *Handler) RebuildRollup(w http.ResponseWriter, r *http.Request) {
	nodeID := quota.NodeID(chi.URLParam(r, "id"))

	res, err := h.Service.RebuildRollup(r.Context(), nodeID, r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, "Failed to rebuild rollup", err)
		return
	}
	writeJSON(w, http.StatusOK, toRebuildDTO(res))
}

// =============================================================================
// ESCALATION ENDPOINTS
// =============================================================================

// RunEscalation runs the monthly escalation for a tenant now. Leaves that
// were already escalated this month are replayed, not escalated twice.
// POST /api/tenants/{tenant}/escalations
func (h *Handler) RunEscalation(w http.ResponseWriter, r *http.Request) {
	tenant := quota.TenantID(chi.URLParam(r, "tenant"))

	res, err := h.Service.RunMonthlyEscalation(r.Context(), tenant)
	if err != nil {
		h.fail(w, "Failed to run escalation", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscalationResultDTO(res))
}

// ListEscalationRuns returns a tenant's escalation runs, newest first.
// GET /api/tenants/{tenant}/escalations
func (h *Handler) ListEscalationRuns(w http.ResponseWriter, r *http.Request) {
	tenant := quota.TenantID(chi.URLParam(r, "tenant"))

	runs, err := h.Service.EscalationRuns(r.Context(), tenant)
	if err != nil {
		h.fail(w, "Failed to list escalation runs", err)
		return
	}

	dtos := make([]EscalationRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toEscalationRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ACHIEVEMENT ENDPOINTS
// =============================================================================

// GetAchievement compares a node's target to its completed orders.
// GET /api/nodes/{id}/achievement?from=&to=&mode=self|subtree&period=YYYY-MM
func (h *Handler) GetAchievement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode, err := quota.ParseMode(q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mode", err)
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}

	report, err := h.Service.GetAchievement(r.Context(), quota.AchievementQuery{
		NodeID:      quota.NodeID(chi.URLParam(r, "id")),
		Range:       rng,
		Mode:        mode,
		PeriodLabel: q.Get("period"),
	})
	if err != nil {
		h.fail(w, "Failed to compute achievement", err)
		return
	}
	writeJSON(w, http.StatusOK, toAchievementDTO(report))
}

// GetTenantAchievement reports every node of a role that holds a target.
// role defaults to salesperson; role=all lists every role.
// GET /api/tenants/{tenant}/achievement?role=&from=&to=&period=YYYY-MM
func (h *Handler) GetTenantAchievement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}
	role := q.Get("role")
	switch role {
	case "":
		role = defaultRole
	case "all":
		role = ""
	}

	reports, err := h.Service.TenantAchievement(r.Context(), quota.TenantID(chi.URLParam(r, "tenant")), role, rng, q.Get("period"))
	if err != nil {
		h.fail(w, "Failed to compute tenant achievement", err)
		return
	}

	dtos := make([]AchievementDTO, 0, len(reports))
	for _, rep := range reports {
		dtos = append(dtos, toAchievementDTO(rep))
	}
	writeJSON(w, http.StatusOK, dtos)
}

const defaultRole = "salesperson"

// GetAverageAchievement returns lifetime averages per active month.
// GET /api/nodes/{id}/achievement/average?mode=self|subtree
func (h *Handler) GetAverageAchievement(w http.ResponseWriter, r *http.Request) {
	mode, err := quota.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mode", err)
		return
	}

	avg, err := h.Service.AverageAchievement(r.Context(), quota.NodeID(chi.URLParam(r, "id")), mode)
	if err != nil {
		h.fail(w, "Failed to compute average", err)
		return
	}
	writeJSON(w, http.StatusOK, AverageDTO{
		NodeID:        string(avg.NodeID),
		Mode:          string(avg.Mode),
		Periods:       avg.Periods,
		TotalTarget:   avg.TotalTarget,
		TotalActual:   avg.TotalActual,
		AverageTarget: avg.AverageTarget,
		AverageActual: avg.AverageActual,
		Percentage:    avg.Percentage,
	})
}

// GetMonthMetrics returns the month, the month before and the financial year
// containing it. year and month default to the current date.
// GET /api/nodes/{id}/metrics?year=2025&month=11&mode=self
func (h *Handler) GetMonthMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := h.Service.Now()

	year, err := intParam(q.Get("year"), now.Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	month, err := intParam(q.Get("month"), int(now.Month()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	mode, err := quota.ParseMode(q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mode", err)
		return
	}

	m, err := h.Service.MonthMetrics(r.Context(), quota.NodeID(chi.URLParam(r, "id")), year, time.Month(month), mode)
	if err != nil {
		h.fail(w, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, MonthMetricsDTO{
		NodeID:        string(m.NodeID),
		Mode:          string(m.Mode),
		CurrentMonth:  toMetricRowDTO(m.CurrentMonth),
		LastMonth:     toMetricRowDTO(m.LastMonth),
		FinancialYear: toMetricRowDTO(m.FinancialYear),
	})
}

// GetProductBreakdown reports one product for each direct subordinate.
// GET /api/nodes/{id}/breakdown?product=P1&from=&to=&period=
func (h *Handler) GetProductBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}

	rows, err := h.Service.ProductBreakdown(r.Context(),
		quota.NodeID(chi.URLParam(r, "id")), quota.ProductID(q.Get("product")), rng, q.Get("period"))
	if err != nil {
		h.fail(w, "Failed to compute breakdown", err)
		return
	}

	dtos := make([]BreakdownRowDTO, 0, len(rows))
	for _, row := range rows {
		dtos = append(dtos, BreakdownRowDTO{
			NodeID:       string(row.NodeID),
			HasTarget:    row.HasTarget,
			TargetQty:    row.TargetQty,
			ActualQty:    row.ActualQty,
			Percentage:   row.Percentage,
			TargetAmount: row.TargetAmount,
			ActualAmount: row.ActualAmount,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetFYSummary sums monthly targets of several nodes across one financial year.
// POST /api/fy-summary
func (h *Handler) GetFYSummary(w http.ResponseWriter, r *http.Request) {
	var req FYSummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]quota.NodeID, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		ids = append(ids, quota.NodeID(id))
	}

	sum, err := h.Service.FinancialYearSummary(r.Context(), ids, req.StartYear)
	if err != nil {
		h.fail(w, "Failed to compute financial year summary", err)
		return
	}

	dto := FYSummaryDTO{StartYear: sum.StartYear, Months: make([]FYMonthDTO, 0, len(sum.Months)), Total: sum.Total}
	for _, m := range sum.Months {
		dto.Months = append(dto.Months, FYMonthDTO{Label: m.Label, Target: m.Target})
	}
	writeJSON(w, http.StatusOK, dto)
}

// Health answers 200 when the store is reachable.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case quota.IsClientError(err):
		return http.StatusBadRequest
	case quota.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, quota.ErrCycleDetected), errors.Is(err, quota.ErrTenantMismatch):
		return http.StatusInternalServerError
	case errors.Is(err, quota.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, quota.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "status", status, "error", err)
	}
	writeError(w, status, message, err)
}

// parseRange reads ?from= and ?to= as dates (2006-01-02) or RFC3339
// timestamps. A date-only "to" covers the whole day.
func parseRange(r *http.Request) (quota.Period, error) {
	var p quota.Period
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, _, err := parseTime(v)
		if err != nil {
			return quota.Period{}, err
		}
		p.Start = t
	}
	if v := q.Get("to"); v != "" {
		t, dateOnly, err := parseTime(v)
		if err != nil {
			return quota.Period{}, err
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		p.End = t
	}
	return p, p.Validate()
}

func parseTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
