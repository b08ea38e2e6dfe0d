package shared

import (
	"fmt"
	"time"
)

// FiscalCalendar computes fiscal-year labels for batch codes. The year
// boundary is a fixed month/day (April 1st unless configured otherwise).
type FiscalCalendar struct {
	StartMonth time.Month
	StartDay   int
}

// NewFiscalCalendar builds a calendar, falling back to April 1st for
// out-of-range inputs.
func NewFiscalCalendar(month, day int) FiscalCalendar {
	if month < 1 || month > 12 {
		month = 4
	}
	if day < 1 || day > 31 {
		day = 1
	}
	return FiscalCalendar{StartMonth: time.Month(month), StartDay: day}
}

// StartYear returns the calendar year in which the fiscal year containing t
// begins.
func (c FiscalCalendar) StartYear(t time.Time) int {
	boundary := time.Date(t.Year(), c.StartMonth, c.StartDay, 0, 0, 0, 0, t.Location())
	if t.Before(boundary) {
		return t.Year() - 1
	}
	return t.Year()
}

// Label returns the two-digit-pair fiscal year label for t, e.g. "2526" for
// the year starting April 2025. The label is part of the durable batch code
// contract and must round-trip exactly through export/import.
func (c FiscalCalendar) Label(t time.Time) string {
	start := c.StartYear(t)
	return fmt.Sprintf("%02d%02d", start%100, (start+1)%100)
}
