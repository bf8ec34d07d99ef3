/*
query.go - Month listing: stored occurrences merged with previews

PURPOSE:
  Answers "what happens in month M" for one owner. Stored occurrences come
  first, ordered by date. Then at most one preview per active FIXA series
  that has no stored occurrence in M. A series never appears twice in a month.

BACKSTOP:
  Before reading, the facade tops up the owner's active FIXA series so a
  listing is correct even if the background job has not run. Concurrent
  listings for the same owner share one top-up (singleflight). Series with
  nothing due are skipped without locking, and a series whose lock is held
  is skipped rather than waited for. A failed top-up is logged; the read
  still answers from what is stored.

SEE ALSO:
  - projection.go: preview computation
  - engine.go:     EnsureOwner
*/
package recurrence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// OwnerMaterializer tops up an owner's series before a read.
type OwnerMaterializer interface {
	EnsureOwner(ctx context.Context, owner OwnerID) error
}

type QueryFacade struct {
	Store     Store
	Projector Projector
	// Backstop is optional. When nil, reads return only what is stored.
	Backstop OwnerMaterializer
	Clock    func() time.Time
	Logger   *slog.Logger

	group singleflight.Group
}

func NewQueryFacade(store Store, horizonMonths int, backstop OwnerMaterializer) *QueryFacade {
	return &QueryFacade{
		Store:     store,
		Projector: Projector{HorizonMonths: horizonMonths},
		Backstop:  backstop,
		Clock:     time.Now,
		Logger:    slog.Default().With("component", "query"),
	}
}

// ListMonth returns the owner's month: stored occurrences, then previews.
func (q *QueryFacade) ListMonth(ctx context.Context, owner OwnerID, year int, month time.Month) ([]Entry, error) {
	if err := validMonth(year, month); err != nil {
		return nil, err
	}
	q.ensure(ctx, owner)

	stored, err := q.Store.ListByMonth(ctx, owner, year, month)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].DataTransacao.Before(stored[j].DataTransacao)
	})

	covered := make(map[SeriesID]bool)
	entries := make([]Entry, 0, len(stored))
	for _, o := range stored {
		if o.SeriesID != "" {
			covered[o.SeriesID] = true
		}
		entries = append(entries, Materialized{o})
	}

	previews, err := q.previews(ctx, owner, year, month)
	if err != nil {
		return nil, err
	}
	for _, p := range previews {
		if covered[p.SeriesID] {
			continue
		}
		covered[p.SeriesID] = true
		entries = append(entries, Preview{p})
	}
	return entries, nil
}

// ListPreviews returns only the previews of the owner's month.
func (q *QueryFacade) ListPreviews(ctx context.Context, owner OwnerID, year int, month time.Month) ([]Occurrence, error) {
	if err := validMonth(year, month); err != nil {
		return nil, err
	}
	return q.previews(ctx, owner, year, month)
}

func (q *QueryFacade) previews(ctx context.Context, owner OwnerID, year int, month time.Month) ([]Occurrence, error) {
	series, err := q.Store.ListSeries(ctx, owner)
	if err != nil {
		return nil, err
	}
	return q.Projector.ProjectMonth(series, year, month, DateOf(q.now())), nil
}

func (q *QueryFacade) ensure(ctx context.Context, owner OwnerID) {
	if q.Backstop == nil {
		return
	}
	_, err, shared := q.group.Do(string(owner), func() (any, error) {
		return nil, q.Backstop.EnsureOwner(ctx, owner)
	})
	if err != nil {
		q.logger().Warn("query-time materialization failed", "owner", owner, "shared", shared, "error", err)
	}
}

func (q *QueryFacade) now() time.Time {
	if q.Clock != nil {
		return q.Clock().UTC()
	}
	return time.Now().UTC()
}

func (q *QueryFacade) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

func validMonth(year int, month time.Month) error {
	if month < time.January || month > time.December {
		return &ValidationError{Field: "mes", Reason: "month must be within 1..12"}
	}
	if year < 1900 || year > 9999 {
		return &ValidationError{Field: "ano", Reason: "year out of range"}
	}
	return nil
}
