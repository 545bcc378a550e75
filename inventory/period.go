package inventory

import (
	"time"
)

// =============================================================================
// PERIOD - The date window a report covers
// =============================================================================

type PeriodKind string

const (
	PeriodToday     PeriodKind = "today"
	PeriodWeekly    PeriodKind = "weekly"    // last 7 days including today
	PeriodMonthly   PeriodKind = "monthly"   // 1st of this month to today
	PeriodQuarterly PeriodKind = "quarterly" // 1st of this quarter to today
	PeriodAnnual    PeriodKind = "annual"    // Jan 1 to today
	PeriodLifetime  PeriodKind = "lifetime"  // everything
)

func (k PeriodKind) Valid() bool {
	switch k {
	case PeriodToday, PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodAnnual, PeriodLifetime:
		return true
	}
	return false
}

// Period is an inclusive range of calendar days, each held as midnight UTC
// like purchase and issue dates. Nil bounds are open.
type Period struct {
	Kind PeriodKind `json:"kind"`
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

// Contains returns true if day falls within [From, To].
func (p Period) Contains(day time.Time) bool {
	d := DateOf(day)
	if p.From != nil && d.Before(*p.From) {
		return false
	}
	if p.To != nil && d.After(*p.To) {
		return false
	}
	return true
}

func (p Period) String() string {
	if p.From == nil && p.To == nil {
		return string(p.Kind)
	}
	return "[" + p.From.Format(time.DateOnly) + ", " + p.To.Format(time.DateOnly) + "]"
}

// =============================================================================
// PERIOD CALCULATOR - Resolves a kind against the current date
// =============================================================================

// PeriodCalculator decides what "today" is. Sites work on local time, so
// the calendar day is taken in Location rather than UTC.
type PeriodCalculator struct {
	Location *time.Location
	Now      func() time.Time
}

func (pc PeriodCalculator) today() time.Time {
	now := time.Now
	if pc.Now != nil {
		now = pc.Now
	}
	loc := pc.Location
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now().In(loc))
}

// PeriodFor returns the window of the given kind ending today.
func (pc PeriodCalculator) PeriodFor(kind PeriodKind) (Period, error) {
	if !kind.Valid() {
		return Period{}, invalid("period", "unknown period %q", kind)
	}
	today := pc.today()
	var from time.Time

	switch kind {
	case PeriodLifetime:
		return Period{Kind: kind}, nil
	case PeriodToday:
		from = today
	case PeriodWeekly:
		from = today.AddDate(0, 0, -6)
	case PeriodMonthly:
		from = Date(today.Year(), today.Month(), 1)
	case PeriodQuarterly:
		first := time.Month((int(today.Month())-1)/3*3 + 1)
		from = Date(today.Year(), first, 1)
	case PeriodAnnual:
		from = Date(today.Year(), time.January, 1)
	}
	return Period{Kind: kind, From: &from, To: &today}, nil
}
