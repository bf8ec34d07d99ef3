/*
materializer.go - Series -> persisted occurrences

PURPOSE:
  Decides which occurrences of a series must exist as rows and builds them.
  It never reads the wall clock and never writes: callers pass "now" and the
  rows already stored, and persist the returned Batch themselves.

TWO MODES:
  PARCELADA: every installment, in one batch, at creation.
  FIXA:      every missing occurrence dated in [dataInicio, now + horizon],
             capped by dataFim. The first occurrence is always due, even when
             it lies beyond the horizon.

RESUME POINT:
  Generation resumes after max(ParcelasGeradas, highest stored parcela).
  An occurrence that was detached or deleted is below that mark and is never
  generated again. (seriesId, parcela) pairs already stored are skipped.

SEE ALSO:
  - projection.go: what lies beyond the horizon
  - engine.go:     locking and persistence around Due
*/
package recurrence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DefaultHorizonMonths is the materialization horizon when none is configured.
const DefaultHorizonMonths = 12

type Materializer struct {
	// HorizonMonths bounds FIXA materialization to now + HorizonMonths.
	HorizonMonths int
	// MaxPerRun caps occurrences created per call. Zero means unbounded.
	MaxPerRun int
	// NewID generates occurrence IDs. Defaults to random UUIDs.
	NewID func() OccurrenceID
}

func NewMaterializer(horizonMonths, maxPerRun int) Materializer {
	if horizonMonths <= 0 {
		horizonMonths = DefaultHorizonMonths
	}
	return Materializer{HorizonMonths: horizonMonths, MaxPerRun: maxPerRun}
}

// Batch is the outcome of one materialization pass.
type Batch struct {
	// Series carries the advanced ParcelasGeradas.
	Series      Series
	Occurrences []Occurrence
}

func (b Batch) Empty() bool { return len(b.Occurrences) == 0 }

// Due returns the occurrences of s that should exist at now and do not.
func (m Materializer) Due(ctx context.Context, s Series, existing []Occurrence, now Date) (Batch, error) {
	batch := Batch{Series: s}
	if err := s.Validate(); err != nil {
		return batch, err
	}
	if s.Tipo == TipoFixa && !s.Ativa {
		return batch, nil
	}

	stored := make(map[int]bool, len(existing))
	last := s.ParcelasGeradas
	for _, o := range existing {
		if o.SeriesID != s.ID || o.ParcelaAtual <= 0 {
			continue
		}
		stored[o.ParcelaAtual] = true
		if o.ParcelaAtual > last {
			last = o.ParcelaAtual
		}
	}
	batch.Series.ParcelasGeradas = last

	var dates func(k int) (Date, bool)
	switch s.Tipo {
	case TipoParcelada:
		plan, err := m.installmentDates(s)
		if err != nil {
			return batch, err
		}
		dates = func(k int) (Date, bool) {
			if k > len(plan) {
				return Date{}, false
			}
			return plan[k-1], true
		}
	default:
		end := HorizonEnd(now, m.horizon())
		dates = func(k int) (Date, bool) {
			d := s.DateOf(k)
			if !s.Within(d) {
				return Date{}, false
			}
			if d.After(end) && k > 1 {
				return Date{}, false
			}
			return d, true
		}
	}

	for k := last + 1; ; k++ {
		// PARCELADA plans are written whole; the cap only paces FIXA top-ups.
		if s.Tipo == TipoFixa && m.MaxPerRun > 0 && len(batch.Occurrences) >= m.MaxPerRun {
			break
		}
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		d, ok := dates(k)
		if !ok {
			break
		}
		batch.Series.ParcelasGeradas = k
		if stored[k] {
			continue
		}
		o := s.occurrence(k)
		o.DataTransacao = d
		o.ID = m.newID()
		batch.Occurrences = append(batch.Occurrences, o)
	}
	return batch, nil
}

// installmentDates enumerates the full PARCELADA plan through its recurrence rule.
func (m Materializer) installmentDates(s Series) ([]Date, error) {
	sched, err := NewSchedule(s.DataInicio, s.Anchor(), s.QuantidadeParcelas, nil)
	if err != nil {
		return nil, err
	}
	dates := sched.All()
	if len(dates) != s.QuantidadeParcelas {
		return nil, fmt.Errorf("installment plan of series %s has %d dates, want %d", s.ID, len(dates), s.QuantidadeParcelas)
	}
	return dates, nil
}

// Pending reports whether Due would find anything to create for s at now,
// judged from the definition alone. Rows stored above ParcelasGeradas only
// make it answer true more often.
func (m Materializer) Pending(s Series, now Date) bool {
	if !s.IsActiveFixa() {
		return false
	}
	next := s.ParcelasGeradas + 1
	d := s.DateOf(next)
	if !s.Within(d) {
		return false
	}
	return next == 1 || !d.After(HorizonEnd(now, m.horizon()))
}

func (m Materializer) horizon() int {
	if m.HorizonMonths <= 0 {
		return DefaultHorizonMonths
	}
	return m.HorizonMonths
}

func (m Materializer) newID() OccurrenceID {
	if m.NewID != nil {
		return m.NewID()
	}
	return OccurrenceID(uuid.NewString())
}

// NewSeriesID returns a random series identifier.
func NewSeriesID() SeriesID {
	return SeriesID(uuid.NewString())
}
