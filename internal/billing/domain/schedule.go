package billing

import "time"

// NextRun computes the next execution time of cfg after a run at now.
// It never fails: an unknown timezone falls back to UTC, an unknown cycle
// behaves as MONTHLY, and a day past the end of the target month clamps
// to that month's last day.
func NextRun(cfg BillingConfig, now time.Time) time.Time {
	loc := cfg.Location()
	local := now.In(loc)
	hour := clamp(cfg.Hour, 0, 23)
	minute := clamp(cfg.Minute, 0, 59)
	day := clamp(cfg.DayOfMonth, 1, 31)

	var next time.Time
	switch cfg.Cycle {
	case CycleDaily:
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	case CycleWeekly:
		next = time.Date(local.Year(), local.Month(), local.Day()+7, hour, minute, 0, 0, loc)
	case CycleQuarterly:
		next = onDay(local.Year(), local.Month()+3, day, hour, minute, loc)
	case CycleYearly:
		next = onDay(local.Year()+1, time.January, day, hour, minute, loc)
	default:
		next = onDay(local.Year(), local.Month()+1, day, hour, minute, loc)
	}

	if !cfg.IncludeWeekends {
		switch next.Weekday() {
		case time.Sunday:
			next = next.AddDate(0, 0, 1)
		case time.Saturday:
			next = next.AddDate(0, 0, 2)
		}
	}
	return next
}

// onDay builds the given day of (year, month), normalizing month overflow
// first and clamping day to the month length.
func onDay(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
