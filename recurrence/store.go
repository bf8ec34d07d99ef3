/*
store.go - Persistence interfaces for series and occurrences

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never writes occurrences outside a Plan, and every multi-row Plan is
  applied inside TxStore.WithTx.

KEY INTERFACES:
  SeriesStore:     Recurrence definitions
  OccurrenceStore: Materialized occurrences (recurring or standalone)
  TxStore:         Both, plus all-or-nothing transactions

UNIQUENESS:
  At most one occurrence per (seriesID, parcela). Implementations reject
  a duplicate with ErrDuplicateOccurrence; a batch containing one is not
  applied at all.

OWNER SCOPING:
  Every read a user can trigger takes the owner. Owner-less reads exist only
  for the background job (ListActiveFixa, ListBySeries).

IMPLEMENTATIONS:
  - recurrence/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:     SQLite with embedded migrations
*/
package recurrence

import (
	"context"
	"time"
)

// SeriesStore persists recurrence definitions.
type SeriesStore interface {
	CreateSeries(ctx context.Context, s Series) error
	UpdateSeries(ctx context.Context, s Series) error
	DeleteSeries(ctx context.Context, id SeriesID) error

	// GetSeries returns ErrSeriesNotFound when the series does not exist for the owner.
	GetSeries(ctx context.Context, owner OwnerID, id SeriesID) (Series, error)

	// ListSeries returns the owner's series ordered by DataInicio.
	ListSeries(ctx context.Context, owner OwnerID) ([]Series, error)

	// ListActiveFixa returns every active FIXA series across owners.
	ListActiveFixa(ctx context.Context) ([]Series, error)
}

// OccurrenceStore persists materialized occurrences.
type OccurrenceStore interface {
	// InsertOccurrences writes a batch atomically. Every occurrence has an ID.
	InsertOccurrences(ctx context.Context, occs []Occurrence) error
	UpdateOccurrence(ctx context.Context, o Occurrence) error
	DeleteOccurrences(ctx context.Context, ids []OccurrenceID) error

	// GetOccurrence returns ErrOccurrenceNotFound when missing for the owner.
	GetOccurrence(ctx context.Context, owner OwnerID, id OccurrenceID) (Occurrence, error)

	// ListBySeries returns the series' occurrences ordered by parcela.
	ListBySeries(ctx context.Context, id SeriesID) ([]Occurrence, error)

	// ListByMonth returns the owner's occurrences dated in the month,
	// ordered by DataTransacao then creation.
	ListByMonth(ctx context.Context, owner OwnerID, year int, month time.Month) ([]Occurrence, error)
}

type Store interface {
	SeriesStore
	OccurrenceStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error nothing it wrote is kept.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
