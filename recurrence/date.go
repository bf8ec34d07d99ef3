package recurrence

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Civil date, always UTC midnight
// =============================================================================

const dateLayout = "2006-01-02"

type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its civil date.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(o Date) bool        { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool         { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool         { return d.Time.Equal(o.Time) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.After(o) }
func (d Date) AfterOrEqual(o Date) bool  { return !d.Before(o) }

// Properties
func (d Date) Year() int          { return d.Time.Year() }
func (d Date) Month() time.Month  { return d.Time.Month() }
func (d Date) Day() int           { return d.Time.Day() }
func (d Date) IsZero() bool       { return d.Time.IsZero() }
func (d Date) String() string     { return d.Time.Format(dateLayout) }
func (d Date) SameMonth(o Date) bool {
	return d.Year() == o.Year() && d.Month() == o.Month()
}

func (d Date) AddDays(n int) Date {
	return DateOf(d.Time.AddDate(0, 0, n))
}

// AddMonths moves n months keeping the day, rolled to the month's last day.
// Jan 31 + 1 month is Feb 28 (29), never Mar 3.
func (d Date) AddMonths(n int) Date {
	return NthMonthlyDate(d, d.Day(), n+1)
}

// =============================================================================
// MONTH ARITHMETIC
// =============================================================================

// DaysIn returns the number of days of a month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// RollDay places an anchor day inside a month, clamping to its last valid day.
func RollDay(year int, month time.Month, anchor int) Date {
	last := DaysIn(year, month)
	if anchor > last {
		anchor = last
	}
	return NewDate(year, month, anchor)
}

// NthMonthlyDate returns the date of the n-th (1-based) monthly occurrence
// counted from start's month, landing on anchor.
func NthMonthlyDate(start Date, anchor, n int) Date {
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	target := first.AddDate(0, n-1, 0)
	return RollDay(target.Year(), target.Month(), anchor)
}

// MonthsBetween counts calendar months from a to b (b's month minus a's month).
func MonthsBetween(a, b Date) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// HorizonEnd is the last date covered by materialization: now + horizon months.
func HorizonEnd(now Date, horizonMonths int) Date {
	return now.AddMonths(horizonMonths)
}
