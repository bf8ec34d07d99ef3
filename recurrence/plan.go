package recurrence

import (
	"context"
	"fmt"
)

// Plan is the complete set of writes produced by resolving one edit or delete.
// It is applied inside a single store transaction: all of it or nothing.
type Plan struct {
	CreateSeries []Series
	UpdateSeries []Series
	DeleteSeries []SeriesID

	Insert []Occurrence
	Update []Occurrence
	Delete []OccurrenceID
}

func (p Plan) Empty() bool {
	return len(p.CreateSeries) == 0 && len(p.UpdateSeries) == 0 && len(p.DeleteSeries) == 0 &&
		len(p.Insert) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Touched returns every series the plan writes, created ones included.
func (p Plan) Touched() []SeriesID {
	seen := make(map[SeriesID]bool)
	var ids []SeriesID
	add := func(id SeriesID) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range p.CreateSeries {
		add(s.ID)
	}
	for _, s := range p.UpdateSeries {
		add(s.ID)
	}
	for _, id := range p.DeleteSeries {
		add(id)
	}
	return ids
}

// Apply writes the plan. Series are created before their occurrences and
// deleted after them.
func (p Plan) Apply(ctx context.Context, st Store) error {
	for _, s := range p.CreateSeries {
		if err := st.CreateSeries(ctx, s); err != nil {
			return fmt.Errorf("create series %s: %w", s.ID, err)
		}
	}
	for _, s := range p.UpdateSeries {
		if err := st.UpdateSeries(ctx, s); err != nil {
			return fmt.Errorf("update series %s: %w", s.ID, err)
		}
	}
	if len(p.Delete) > 0 {
		if err := st.DeleteOccurrences(ctx, p.Delete); err != nil {
			return fmt.Errorf("delete occurrences: %w", err)
		}
	}
	for _, o := range p.Update {
		if err := st.UpdateOccurrence(ctx, o); err != nil {
			return fmt.Errorf("update occurrence %s: %w", o.ID, err)
		}
	}
	if len(p.Insert) > 0 {
		if err := st.InsertOccurrences(ctx, p.Insert); err != nil {
			return fmt.Errorf("insert occurrences: %w", err)
		}
	}
	for _, id := range p.DeleteSeries {
		if err := st.DeleteSeries(ctx, id); err != nil {
			return fmt.Errorf("delete series %s: %w", id, err)
		}
	}
	return nil
}
