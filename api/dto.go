/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the quota domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Targets:
    AssignTargetRequest, AssignmentDTO, EscalationRuleDTO, SnapshotDTO

  Propagation:
    PropagationDTO

  Escalation:
    EscalationResultDTO, EscalationRunDTO

  Achievement:
    AchievementDTO, ProductAchievementDTO, AverageDTO, MonthMetricsDTO,
    FYSummaryRequest, FYSummaryDTO, BreakdownRowDTO

DECIMALS:
  Quantities, prices and percentages are decimal strings on the wire, both
  ways. shopspring/decimal marshals to quoted strings by default.

SEE ALSO:
  - handlers.go: Uses these types
  - quota/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// TARGETS
// =============================================================================

type EscalationRuleDTO struct {
	Month      int             `json:"month"`
	Percentage decimal.Decimal `json:"percentage"`
}

type AssignmentDTO struct {
	ProductID  string              `json:"product_id"`
	QtyAssign  decimal.Decimal     `json:"qty_assign"`
	UnitPrice  decimal.Decimal     `json:"unit_price"`
	TotalPrice *decimal.Decimal    `json:"total_price,omitempty"` // ignored on input
	Escalation []EscalationRuleDTO `json:"escalation,omitempty"`
}

// AssignTargetRequest is the body of POST /api/nodes/{id}/targets.
type AssignTargetRequest struct {
	PeriodLabel string          `json:"period_label"`
	Assignments []AssignmentDTO `json:"assignments"`
}

type SnapshotDTO struct {
	ID            string          `json:"id"`
	NodeID        string          `json:"node_id"`
	Tenant        string          `json:"tenant"`
	PeriodLabel   string          `json:"period_label,omitempty"`
	Origin        string          `json:"origin"`
	Version       int64           `json:"version"`
	DerivedFrom   string          `json:"derived_from,omitempty"`
	EscalationKey string          `json:"escalation_key,omitempty"`
	GrandTotal    decimal.Decimal `json:"grand_total"`
	Assignments   []AssignmentDTO `json:"assignments"`
	CreatedAt     string          `json:"created_at"`
}

// PropagationDTO reports the ancestors touched by a rollup.
type PropagationDTO struct {
	SnapshotID string   `json:"snapshot_id"`
	Applied    []string `json:"applied"`
	Skipped    []string `json:"skipped"`
}

// RebuildDTO lists the snapshots written by a rollup rebuild, bottom up.
type RebuildDTO struct {
	Rebuilt   []SnapshotDTO `json:"rebuilt"`
	Unchanged []string      `json:"unchanged"`
}

// AssignTargetResponse carries the stored snapshot and, when the rollup
// failed after the snapshot was committed, the rollup error.
type AssignTargetResponse struct {
	Snapshot      SnapshotDTO `json:"snapshot"`
	RollupPending bool        `json:"rollup_pending"`
	RollupError   string      `json:"rollup_error,omitempty"`
}

// =============================================================================
// ESCALATION
// =============================================================================

type NodeFailureDTO struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

type EscalationResultDTO struct {
	Tenant           string           `json:"tenant"`
	MonthKey         string           `json:"month_key"`
	ProcessedLeaves  int              `json:"processed_leaves"`
	UpdatedSnapshots []string         `json:"updated_snapshots"`
	Replayed         int              `json:"replayed"`
	Failures         []NodeFailureDTO `json:"failures,omitempty"`
}

type EscalationRunDTO struct {
	ID               string  `json:"id"`
	Tenant           string  `json:"tenant"`
	MonthKey         string  `json:"month_key"`
	Status           string  `json:"status"`
	ProcessedLeaves  int     `json:"processed_leaves"`
	UpdatedSnapshots int     `json:"updated_snapshots"`
	Replayed         int     `json:"replayed"`
	FailedLeaves     int     `json:"failed_leaves"`
	Error            string  `json:"error,omitempty"`
	StartedAt        string  `json:"started_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// =============================================================================
// ACHIEVEMENT
// =============================================================================

type ProductAchievementDTO struct {
	ProductID    string          `json:"product_id"`
	TargetQty    decimal.Decimal `json:"target_qty"`
	ActualQty    decimal.Decimal `json:"actual_qty"`
	Percentage   decimal.Decimal `json:"achievement_percentage"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	ActualAmount decimal.Decimal `json:"actual_amount"`
	ShortfallQty decimal.Decimal `json:"shortfall_qty"`
}

type AchievementDTO struct {
	NodeID            string                  `json:"node_id"`
	Mode              string                  `json:"mode"`
	Status            string                  `json:"status"`
	From              string                  `json:"from,omitempty"`
	To                string                  `json:"to,omitempty"`
	PeriodLabel       string                  `json:"period_label,omitempty"`
	Targets           []string                `json:"targets"`
	Products          []ProductAchievementDTO `json:"products"`
	Unplanned         []ProductAchievementDTO `json:"unplanned"`
	TotalTargetQty    decimal.Decimal         `json:"total_target_qty"`
	TotalActualQty    decimal.Decimal         `json:"total_actual_qty"`
	OverallPercentage decimal.Decimal         `json:"overall_percentage"`
	TotalTargetAmount decimal.Decimal         `json:"total_target_amount"`
	TotalActualAmount decimal.Decimal         `json:"total_actual_amount"`
	AmountPercentage  decimal.Decimal         `json:"amount_percentage"`
}

type AverageDTO struct {
	NodeID        string          `json:"node_id"`
	Mode          string          `json:"mode"`
	Periods       int             `json:"periods"`
	TotalTarget   decimal.Decimal `json:"total_target"`
	TotalActual   decimal.Decimal `json:"total_actual"`
	AverageTarget decimal.Decimal `json:"average_target"`
	AverageActual decimal.Decimal `json:"average_actual"`
	Percentage    decimal.Decimal `json:"percentage"`
}

type MetricRowDTO struct {
	Label      string          `json:"label"`
	HasTarget  bool            `json:"has_target"`
	Target     decimal.Decimal `json:"target"`
	Achieved   decimal.Decimal `json:"achieved"`
	Shortfall  decimal.Decimal `json:"shortfall"`
	Percentage decimal.Decimal `json:"percentage"`
}

type MonthMetricsDTO struct {
	NodeID        string       `json:"node_id"`
	Mode          string       `json:"mode"`
	CurrentMonth  MetricRowDTO `json:"current_month"`
	LastMonth     MetricRowDTO `json:"last_month"`
	FinancialYear MetricRowDTO `json:"financial_year"`
}

// FYSummaryRequest is the body of POST /api/fy-summary.
type FYSummaryRequest struct {
	NodeIDs   []string `json:"node_ids"`
	StartYear int      `json:"start_year"`
}

type FYMonthDTO struct {
	Label  string          `json:"label"`
	Target decimal.Decimal `json:"target"`
}

type FYSummaryDTO struct {
	StartYear int             `json:"start_year"`
	Months    []FYMonthDTO    `json:"months"`
	Total     decimal.Decimal `json:"total"`
}

type BreakdownRowDTO struct {
	NodeID       string          `json:"node_id"`
	HasTarget    bool            `json:"has_target"`
	TargetQty    decimal.Decimal `json:"target_qty"`
	ActualQty    decimal.Decimal `json:"actual_qty"`
	Percentage   decimal.Decimal `json:"percentage"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	ActualAmount decimal.Decimal `json:"actual_amount"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAssignments(in []AssignmentDTO) quota.Assignments {
	out := make(quota.Assignments, 0, len(in))
	for _, a := range in {
		line := quota.ProductAssignment{
			ProductID: quota.ProductID(a.ProductID),
			QtyAssign: a.QtyAssign,
			UnitPrice: a.UnitPrice,
		}
		for _, r := range a.Escalation {
			line.Escalation = append(line.Escalation, quota.EscalationRule{
				Month:      time.Month(r.Month),
				Percentage: r.Percentage,
			})
		}
		out = append(out, line)
	}
	return out
}

func toAssignmentDTOs(as quota.Assignments) []AssignmentDTO {
	out := make([]AssignmentDTO, 0, len(as))
	for _, a := range as {
		total := a.TotalPrice()
		dto := AssignmentDTO{
			ProductID:  string(a.ProductID),
			QtyAssign:  a.QtyAssign,
			UnitPrice:  a.UnitPrice,
			TotalPrice: &total,
		}
		for _, r := range a.Escalation {
			dto.Escalation = append(dto.Escalation, EscalationRuleDTO{Month: int(r.Month), Percentage: r.Percentage})
		}
		out = append(out, dto)
	}
	return out
}

func toSnapshotDTO(s quota.TargetSnapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:            string(s.ID),
		NodeID:        string(s.NodeID),
		Tenant:        string(s.Tenant),
		PeriodLabel:   s.PeriodLabel,
		Origin:        string(s.Origin),
		Version:       s.Version,
		DerivedFrom:   string(s.DerivedFrom),
		EscalationKey: s.EscalationKey,
		GrandTotal:    s.GrandTotal(),
		Assignments:   toAssignmentDTOs(s.Assignments),
		CreatedAt:     s.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toPropagationDTO(id quota.SnapshotID, res quota.PropagationResult) PropagationDTO {
	return PropagationDTO{
		SnapshotID: string(id),
		Applied:    nodeStrings(res.Applied),
		Skipped:    nodeStrings(res.Skipped),
	}
}

func toRebuildDTO(res quota.RebuildResult) RebuildDTO {
	dto := RebuildDTO{
		Rebuilt:   make([]SnapshotDTO, 0, len(res.Rebuilt)),
		Unchanged: nodeStrings(res.Unchanged),
	}
	for _, s := range res.Rebuilt {
		dto.Rebuilt = append(dto.Rebuilt, toSnapshotDTO(s))
	}
	return dto
}

func toEscalationResultDTO(res quota.EscalationResult) EscalationResultDTO {
	dto := EscalationResultDTO{
		Tenant:           string(res.Tenant),
		MonthKey:         res.MonthKey,
		ProcessedLeaves:  res.ProcessedLeaves,
		UpdatedSnapshots: make([]string, 0, len(res.UpdatedSnapshots)),
		Replayed:         res.Replayed,
	}
	for _, id := range res.UpdatedSnapshots {
		dto.UpdatedSnapshots = append(dto.UpdatedSnapshots, string(id))
	}
	for _, f := range res.Failures {
		dto.Failures = append(dto.Failures, NodeFailureDTO{NodeID: string(f.NodeID), Error: f.Err.Error()})
	}
	return dto
}

func toEscalationRunDTO(r quota.EscalationRun) EscalationRunDTO {
	dto := EscalationRunDTO{
		ID:               r.ID,
		Tenant:           string(r.Tenant),
		MonthKey:         r.MonthKey,
		Status:           string(r.Status),
		ProcessedLeaves:  r.ProcessedLeaves,
		UpdatedSnapshots: r.UpdatedSnapshots,
		Replayed:         r.Replayed,
		FailedLeaves:     r.FailedLeaves,
		Error:            r.Error,
		StartedAt:        r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

func toProductDTOs(rows []quota.ProductAchievement) []ProductAchievementDTO {
	out := make([]ProductAchievementDTO, 0, len(rows))
	for _, p := range rows {
		out = append(out, ProductAchievementDTO{
			ProductID:    string(p.ProductID),
			TargetQty:    p.TargetQty,
			ActualQty:    p.ActualQty,
			Percentage:   p.Percentage,
			TargetAmount: p.TargetAmount,
			ActualAmount: p.ActualAmount,
			ShortfallQty: p.ShortfallQty,
		})
	}
	return out
}

func toAchievementDTO(r quota.AchievementReport) AchievementDTO {
	dto := AchievementDTO{
		NodeID:            string(r.NodeID),
		Mode:              string(r.Mode),
		Status:            r.Status(),
		PeriodLabel:       r.PeriodLabel,
		Targets:           make([]string, 0, len(r.Targets)),
		Products:          toProductDTOs(r.Products),
		Unplanned:         toProductDTOs(r.Unplanned),
		TotalTargetQty:    r.TotalTargetQty,
		TotalActualQty:    r.TotalActualQty,
		OverallPercentage: r.OverallPercentage,
		TotalTargetAmount: r.TotalTargetAmount,
		TotalActualAmount: r.TotalActualAmount,
		AmountPercentage:  r.AmountPercentage,
	}
	if !r.Range.Start.IsZero() {
		dto.From = r.Range.Start.Format(time.RFC3339)
	}
	if !r.Range.End.IsZero() {
		dto.To = r.Range.End.Format(time.RFC3339)
	}
	for _, id := range r.Targets {
		dto.Targets = append(dto.Targets, string(id))
	}
	return dto
}

func toMetricRowDTO(m quota.MetricRow) MetricRowDTO {
	return MetricRowDTO{
		Label:      m.Label,
		HasTarget:  m.HasTarget,
		Target:     m.Target,
		Achieved:   m.Achieved,
		Shortfall:  m.Shortfall,
		Percentage: m.Percentage,
	}
}

func nodeStrings(ids []quota.NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
