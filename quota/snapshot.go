package quota

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateAssignments checks a client-supplied quota before it is stored.
func ValidateAssignments(as Assignments) error {
	if len(as) == 0 {
		return &ValidationError{Field: "assignments", Reason: "at least one product line is required"}
	}
	seen := make(map[ProductID]bool, len(as))
	for i, a := range as {
		field := fmt.Sprintf("assignments[%d]", i)
		if a.ProductID == "" {
			return &ValidationError{Field: field + ".productId", Reason: "required"}
		}
		if seen[a.ProductID] {
			return &ValidationError{Field: field + ".productId", Reason: fmt.Sprintf("duplicate product %q", a.ProductID)}
		}
		seen[a.ProductID] = true
		if a.QtyAssign.IsNegative() {
			return &ValidationError{Field: field + ".qtyAssign", Reason: "must not be negative"}
		}
		if a.UnitPrice.IsNegative() {
			return &ValidationError{Field: field + ".unitPrice", Reason: "must not be negative"}
		}
		for j, r := range a.Escalation {
			if r.Month < time.January || r.Month > time.December {
				return &ValidationError{Field: fmt.Sprintf("%s.escalation[%d].month", field, j), Reason: "must be 1-12"}
			}
			if r.Percentage.IsNegative() {
				return &ValidationError{Field: fmt.Sprintf("%s.escalation[%d].percentage", field, j), Reason: "must not be negative"}
			}
		}
	}
	return nil
}

// =============================================================================
// LINE ARITHMETIC
// =============================================================================

// Diff returns the per-product change that turns prev into next. Lines
// whose quantity is unchanged are omitted.
func Diff(next, prev Assignments) Assignments {
	var out Assignments
	for _, n := range next {
		d := n.QtyAssign
		if i := prev.Index(n.ProductID); i >= 0 {
			d = d.Sub(prev[i].QtyAssign)
		}
		if !d.IsZero() {
			out = append(out, ProductAssignment{ProductID: n.ProductID, QtyAssign: d, UnitPrice: n.UnitPrice})
		}
	}
	for _, p := range prev {
		if next.Index(p.ProductID) < 0 && !p.QtyAssign.IsZero() {
			out = append(out, ProductAssignment{ProductID: p.ProductID, QtyAssign: p.QtyAssign.Neg(), UnitPrice: p.UnitPrice})
		}
	}
	return out
}

// Merge applies delta to base. A matching line gains the delta quantity
// (never going below zero) and takes the delta's price when one is set.
// Unmatched positive lines are appended without escalation rules.
func Merge(base, delta Assignments) Assignments {
	out := base.Clone()
	for _, d := range delta {
		if d.QtyAssign.IsZero() {
			continue
		}
		if i := out.Index(d.ProductID); i >= 0 {
			qty := out[i].QtyAssign.Add(d.QtyAssign)
			if qty.IsNegative() {
				qty = decimal.Zero
			}
			out[i].QtyAssign = qty
			if !d.UnitPrice.IsZero() {
				out[i].UnitPrice = d.UnitPrice
			}
			continue
		}
		if d.QtyAssign.IsPositive() {
			out = append(out, ProductAssignment{ProductID: d.ProductID, QtyAssign: d.QtyAssign, UnitPrice: d.UnitPrice})
		}
	}
	return out
}

// positive keeps only the lines that add quantity.
func positive(delta Assignments) Assignments {
	var out Assignments
	for _, d := range delta {
		if d.QtyAssign.IsPositive() {
			out = append(out, ProductAssignment{ProductID: d.ProductID, QtyAssign: d.QtyAssign, UnitPrice: d.UnitPrice})
		}
	}
	return out
}

var hundred = decimal.NewFromInt(100)

// Escalate applies the rules configured for month. Each matching line grows
// by floor(qty × percentage / 100); other lines pass through unchanged.
func Escalate(as Assignments, month time.Month) (Assignments, bool) {
	out := as.Clone()
	changed := false
	for i, a := range out {
		rule, ok := a.RuleFor(month)
		if !ok || !rule.Percentage.IsPositive() {
			continue
		}
		increase := a.QtyAssign.Mul(rule.Percentage).Div(hundred).Floor()
		if increase.IsPositive() {
			out[i].QtyAssign = a.QtyAssign.Add(increase)
			changed = true
		}
	}
	return out, changed
}
