package recurrence

import (
	"context"
	"time"
)

// ChangeKind names what happened to a series.
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "series.created"
	ChangeMaterialized ChangeKind = "series.materialized"
	ChangeEdited       ChangeKind = "series.edited"
	ChangeSplit        ChangeKind = "series.split"
	ChangeCancelled    ChangeKind = "series.cancelled"
	ChangeDeleted      ChangeKind = "series.deleted"
)

// ChangeEvent is emitted after a write touching a series has been committed.
type ChangeEvent struct {
	Kind       ChangeKind
	OwnerID    OwnerID
	SeriesIDs  []SeriesID
	Inserted   int
	Updated    int
	Deleted    int
	OccurredAt time.Time
}

// Notifier receives committed changes. Failures never undo the write.
type Notifier interface {
	Notify(ctx context.Context, ev ChangeEvent) error
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, ChangeEvent) error { return nil }
