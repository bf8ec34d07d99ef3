/*
schedule.go - RFC 5545 view of a monthly series

PURPOSE:
  Expresses a series as a recurrence rule so the full installment plan
  can be enumerated in one call (PARCELADA) and exported as an RRULE.

DAY ROLLING:
  BYMONTHDAY alone skips months that lack the anchor day. Listing every day
  from 28 up to the anchor and keeping the last one that exists
  (BYSETPOS=-1) lands on the anchor, or on the month's last day when the
  anchor does not exist:

    anchor 31: BYMONTHDAY=28,29,30,31;BYSETPOS=-1  -> Jan 31, Feb 28, Mar 31
    anchor 15: BYMONTHDAY=15;BYSETPOS=-1           -> the 15th every month

  NthMonthlyDate computes the same dates arithmetically; both must agree.
*/
package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// Schedule is the recurrence rule of a series.
type Schedule struct {
	rule *rrule.RRule
}

// NewSchedule builds the rule of a series. count <= 0 means unbounded,
// until (optional) caps the last occurrence.
func NewSchedule(start Date, anchor, count int, until *Date) (*Schedule, error) {
	if anchor <= 0 {
		anchor = start.Day()
	}
	opt := rrule.ROption{
		Freq:       rrule.MONTHLY,
		Dtstart:    start.Time,
		Bymonthday: anchorDays(anchor),
		Bysetpos:   []int{-1},
	}
	if count > 0 {
		opt.Count = count
	}
	if until != nil {
		opt.Until = until.Time
	}
	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build monthly rule: %w", err)
	}
	return &Schedule{rule: rule}, nil
}

// ScheduleFor returns the schedule of a series. PARCELADA series are bounded
// by their installment count, FIXA series by their end cap (if any).
func ScheduleFor(s Series) (*Schedule, error) {
	count := 0
	if s.Tipo == TipoParcelada {
		count = s.QuantidadeParcelas
	}
	return NewSchedule(s.DataInicio, s.Anchor(), count, s.DataFim)
}

// All returns every date of a bounded schedule.
func (sc *Schedule) All() []Date {
	return toDates(sc.rule.All())
}

// Between returns the dates in [from, to].
func (sc *Schedule) Between(from, to Date) []Date {
	return toDates(sc.rule.Between(from.Time, to.Time, true))
}

// String renders the rule as an RRULE line.
func (sc *Schedule) String() string {
	return sc.rule.String()
}

func anchorDays(anchor int) []int {
	if anchor > 31 {
		anchor = 31
	}
	lo := anchor
	if lo > 28 {
		lo = 28
	}
	days := make([]int, 0, anchor-lo+1)
	for d := lo; d <= anchor; d++ {
		days = append(days, d)
	}
	return days
}

func toDates(ts []time.Time) []Date {
	out := make([]Date, len(ts))
	for i, t := range ts {
		out[i] = DateOf(t.UTC())
	}
	return out
}
