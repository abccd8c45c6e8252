package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - Closed date range used for order lookups and reports
// =============================================================================

// Period is the inclusive range [Start, End]. A zero bound is open.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within the period.
func (p Period) Contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false
	}
	return true
}

func (p Period) IsZero() bool { return p.Start.IsZero() && p.End.IsZero() }

func (p Period) Validate() error {
	if !p.Start.IsZero() && !p.End.IsZero() && p.End.Before(p.Start) {
		return &ValidationError{Field: "range", Reason: "end before start"}
	}
	return nil
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.DateOnly) + ", " + p.End.Format(time.DateOnly) + "]"
}

// MonthPeriod covers the whole calendar month, ending one nanosecond
// before the next month starts.
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}
}

// =============================================================================
// PERIOD LABELS - "YYYY-MM" buckets for target snapshots
// =============================================================================

// NoPeriod is the bucket for snapshots assigned without a period label.
const NoPeriod = ""

// PeriodLabel returns the canonical label for the month containing t.
func PeriodLabel(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// ParsePeriodLabel canonicalizes a label. Accepted forms:
//
//	2025-11, 11-2025, November-2025, Nov-2025
//
// An empty input is the no-period bucket.
func ParsePeriodLabel(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoPeriod, nil
	}
	left, right, ok := strings.Cut(s, "-")
	if !ok {
		return "", &ValidationError{Field: "periodLabel", Reason: fmt.Sprintf("unrecognized label %q", s)}
	}

	var year int
	var month time.Month
	if y, err := strconv.Atoi(left); err == nil && len(left) == 4 {
		year = y
		m, err := strconv.Atoi(right)
		if err != nil {
			return "", &ValidationError{Field: "periodLabel", Reason: fmt.Sprintf("unrecognized label %q", s)}
		}
		month = time.Month(m)
	} else {
		y, err := strconv.Atoi(right)
		if err != nil || len(right) != 4 {
			return "", &ValidationError{Field: "periodLabel", Reason: fmt.Sprintf("unrecognized label %q", s)}
		}
		year = y
		month = parseMonth(left)
	}
	if month < time.January || month > time.December {
		return "", &ValidationError{Field: "periodLabel", Reason: fmt.Sprintf("month out of range in %q", s)}
	}
	return fmt.Sprintf("%04d-%02d", year, int(month)), nil
}

func parseMonth(s string) time.Month {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Month(n)
	}
	s = strings.ToLower(s)
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return m
		}
	}
	return 0
}

// LabelPeriod returns the calendar month a canonical label names.
// NoPeriod maps to an open period.
func LabelPeriod(label string) (Period, error) {
	canonical, err := ParsePeriodLabel(label)
	if err != nil {
		return Period{}, err
	}
	if canonical == NoPeriod {
		return Period{}, nil
	}
	t, err := time.Parse("2006-01", canonical)
	if err != nil {
		return Period{}, &ValidationError{Field: "periodLabel", Reason: err.Error()}
	}
	return MonthPeriod(t.Year(), t.Month()), nil
}

// =============================================================================
// FISCAL YEAR
// =============================================================================

// PeriodConfig defines how financial years are cut.
type PeriodConfig struct {
	// Which month starts the financial year (1-12). Zero means April.
	FiscalYearStartMonth time.Month
}

func (pc PeriodConfig) startMonth() time.Month {
	if pc.FiscalYearStartMonth < time.January || pc.FiscalYearStartMonth > time.December {
		return time.April
	}
	return pc.FiscalYearStartMonth
}

// FiscalYear returns the financial year beginning in startYear.
func (pc PeriodConfig) FiscalYear(startYear int) Period {
	start := time.Date(startYear, pc.startMonth(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(1, 0, 0).Add(-time.Nanosecond)}
}

// FiscalYearStart returns the start year of the financial year containing t.
func (pc PeriodConfig) FiscalYearStart(t time.Time) int {
	if t.Month() < pc.startMonth() {
		return t.Year() - 1
	}
	return t.Year()
}

// FiscalMonths lists the twelve month labels of the financial year, in order.
func (pc PeriodConfig) FiscalMonths(startYear int) []string {
	start := time.Date(startYear, pc.startMonth(), 1, 0, 0, 0, 0, time.UTC)
	labels := make([]string, 12)
	for i := range labels {
		labels[i] = PeriodLabel(start.AddDate(0, i, 0))
	}
	return labels
}
