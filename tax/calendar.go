package tax

import (
	"strings"
	"time"
)

// Jurisdiction codes follow "COUNTRY" or "COUNTRY-REGION", e.g. "US-CA",
// "UK", "DE". US states and the UK file quarterly; everything else files
// monthly, one month in arrears.

// Quarterly reports whether the jurisdiction files on a quarterly
// schedule.
func Quarterly(jurisdiction string) bool {
	return jurisdiction == "UK" || jurisdiction == "US" || strings.HasPrefix(jurisdiction, "US-")
}

// Period returns the filing period containing t for the jurisdiction.
// Quarterly filers get the calendar quarter; monthly filers get the
// calendar month.
func Period(jurisdiction string, t time.Time) (start, end time.Time) {
	t = t.UTC()
	if Quarterly(jurisdiction) {
		qStart := time.Month((int(t.Month())-1)/3*3 + 1)
		start = time.Date(t.Year(), qStart, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 3, 0).Add(-time.Nanosecond)
		return start, end
	}
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return start, end
}

// DueDate returns when the filing for the period containing t is due:
// the last day of the month following the period end. A Q1 liability is
// due April 30; a January monthly liability is due February's last day.
func DueDate(jurisdiction string, t time.Time) time.Time {
	_, end := Period(jurisdiction, t)
	firstOfNext := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	// Last day of that month.
	return firstOfNext.AddDate(0, 1, -1)
}

// DaysOverdue returns how many whole days past due the filing is, zero
// if not yet due.
func DaysOverdue(due, now time.Time) int {
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due) / (24 * time.Hour))
}
