package recurrence

import "time"

// =============================================================================
// PROJECTOR - Previews beyond the materialization horizon
// =============================================================================

// Projector computes the occurrence a FIXA series would have in a month that
// is not materialized yet. It is pure: no store, no lock, no clock.
type Projector struct {
	HorizonMonths int
}

// Project returns the preview of s in the given month, if there is one.
//
// A preview exists only for an active FIXA series, for a month whose rolled
// date lies strictly after now + horizon, on or after the series start, within
// its end cap, and past the highest parcela ever materialized.
func (p Projector) Project(s Series, year int, month time.Month, now Date) (Occurrence, bool) {
	if !s.IsActiveFixa() {
		return Occurrence{}, false
	}
	k := MonthsBetween(s.DataInicio, NewDate(year, month, 1)) + 1
	if k < 1 || k <= s.ParcelasGeradas {
		return Occurrence{}, false
	}
	d := s.DateOf(k)
	if !d.After(HorizonEnd(now, p.horizon())) || d.Before(s.DataInicio) || !s.Within(d) {
		return Occurrence{}, false
	}
	return s.occurrence(k), true
}

// ProjectMonth returns the previews of every series for the month, in input order.
func (p Projector) ProjectMonth(series []Series, year int, month time.Month, now Date) []Occurrence {
	var out []Occurrence
	for _, s := range series {
		if o, ok := p.Project(s, year, month, now); ok {
			out = append(out, o)
		}
	}
	return out
}

func (p Projector) horizon() int {
	if p.HorizonMonths <= 0 {
		return DefaultHorizonMonths
	}
	return p.HorizonMonths
}
