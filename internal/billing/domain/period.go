package billing

import (
	"fmt"
	"time"
)

// Period is the window of consumption billed for one meter in one run.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod builds a period, rejecting windows that end before they start.
func NewPeriod(start, end time.Time) (Period, error) {
	if end.Before(start) {
		return Period{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidPeriod,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return Period{Start: start, End: end}, nil
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339Nano) + "]"
}

// PeriodEnd returns the last billable instant for a run at now.
//
//	DAILY     yesterday
//	WEEKLY    seven days ago
//	MONTHLY   last day of the previous month
//	QUARTERLY last day of the previous quarter
//	YEARLY    December 31 of the previous year
//
// The day is normalized to 23:59:59.999 in loc.
func PeriodEnd(cycle Cycle, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	var day time.Time
	switch cycle {
	case CycleDaily:
		day = local.AddDate(0, 0, -1)
	case CycleWeekly:
		day = local.AddDate(0, 0, -7)
	case CycleQuarterly:
		quarterStart := time.Month((int(local.Month())-1)/3*3 + 1)
		day = time.Date(local.Year(), quarterStart, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	case CycleYearly:
		day = time.Date(local.Year()-1, time.December, 31, 0, 0, 0, 0, loc)
	default:
		day = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	}
	return EndOfDay(day, loc)
}

// StartAfter returns the start of the calendar day following prevEnd in loc.
func StartAfter(prevEnd time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	p := prevEnd.In(loc)
	return time.Date(p.Year(), p.Month(), p.Day()+1, 0, 0, 0, 0, loc)
}

// EndOfDay returns 23:59:59.999 of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	d := t.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
}
