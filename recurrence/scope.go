/*
scope.go - Edit scope resolution

PURPOSE:
  Turns "edit/delete this occurrence with this scope" into a Plan.
  The resolver is pure: the engine loads the target, its series and the
  series' stored occurrences, and applies the Plan under the series lock.

SCOPES (active FIXA series only):
  APENAS_ESTA           Detach the occurrence: it leaves the series, becomes
                        standalone, and takes the new fields (date included).
  DESTA_DATA_EM_DIANTE  Split: stored occurrences dated on/after the target
                        are removed, the original series is capped just before
                        the target, and a new FIXA series starts on the target
                        date with the new fields and the original anchor day.
  TODAS                 Rewrite the series definition and the mutable fields of
                        every stored occurrence. Dates and parcelas never move.

OTHER TARGETS:
  Standalone and PARCELADA occurrences (and those of an ended FIXA series)
  are edited in place. No scope or APENAS_ESTA are accepted for them, and an
  installment keeps its series link.

ERRORS:
  Preview target                              -> ErrPreviewImmutable
  Active FIXA target without scope            -> *ValidationError
  DESTA/TODAS outside an active FIXA series   -> *ScopeError

SEE ALSO:
  - plan.go:   Plan and its transactional application
  - engine.go: Loading, locking and retry around the resolver
*/
package recurrence

import "context"

type Resolver struct {
	Materializer Materializer
	// NewSeriesID generates IDs for series created by splits and conversions.
	NewSeriesID func() SeriesID
}

// Target is the occurrence being edited with its context.
type Target struct {
	Occurrence Occurrence
	// Series is nil for standalone occurrences.
	Series *Series
	// Siblings are the stored occurrences of Series, the target included.
	Siblings []Occurrence
}

// =============================================================================
// EDIT
// =============================================================================

// ResolveEdit plans an update of t with fields f under scope.
func (r Resolver) ResolveEdit(ctx context.Context, t Target, f Fields, scope Scope, now Date) (Plan, error) {
	if !t.Occurrence.Materializado() {
		return Plan{}, ErrPreviewImmutable
	}
	if err := f.Validate(); err != nil {
		return Plan{}, err
	}

	if t.Series == nil || !t.Series.IsActiveFixa() {
		if err := individualScope(t, scope); err != nil {
			return Plan{}, err
		}
		return Plan{Update: []Occurrence{t.Occurrence.apply(f, true)}}, nil
	}

	switch scope {
	case ScopeApenasEsta:
		return Plan{Update: []Occurrence{detach(t.Occurrence.apply(f, true))}}, nil
	case ScopeDestaDataEmDiante:
		return r.split(ctx, t, &f, now)
	case ScopeTodas:
		return r.rewriteAll(t, f), nil
	default:
		return Plan{}, &ValidationError{Field: "escopoEdicao", Reason: "scope is required for occurrences of a fixed series"}
	}
}

// rewriteAll updates the series and every stored occurrence, dates untouched.
func (r Resolver) rewriteAll(t Target, f Fields) Plan {
	s := t.Series.apply(f)
	p := Plan{UpdateSeries: []Series{s}}

	seen := false
	for _, o := range t.Siblings {
		if o.ID == t.Occurrence.ID {
			seen = true
		}
		p.Update = append(p.Update, o.apply(f, false))
	}
	if !seen {
		p.Update = append(p.Update, t.Occurrence.apply(f, false))
	}
	return p
}

// split ends the original series before the target and starts a new one on
// the target date. With f nil nothing replaces the removed occurrences.
func (r Resolver) split(ctx context.Context, t Target, f *Fields, now Date) (Plan, error) {
	orig := *t.Series
	from := t.Occurrence.DataTransacao

	var p Plan
	kept := 0
	for _, o := range t.Siblings {
		if o.DataTransacao.AfterOrEqual(from) {
			p.Delete = append(p.Delete, o.ID)
		} else {
			kept++
		}
	}
	if !containsID(p.Delete, t.Occurrence.ID) {
		p.Delete = append(p.Delete, t.Occurrence.ID)
	}

	if t.Occurrence.ParcelaAtual <= 1 && kept == 0 {
		p.DeleteSeries = []SeriesID{orig.ID}
	} else {
		capped := orig
		end := from.AddDays(-1)
		if orig.DataFim == nil || end.Before(*orig.DataFim) {
			capped.DataFim = &end
		}
		p.UpdateSeries = []Series{capped}
	}

	if f == nil {
		return p, nil
	}

	next := orig.apply(*f)
	next.ID = r.newSeriesID()
	next.DataInicio = from
	next.DiaAncora = orig.Anchor()
	next.ParcelasGeradas = 0
	next.Ativa = true
	next.CreatedAt, next.UpdatedAt = now.Time, now.Time

	batch, err := r.Materializer.Due(ctx, next, nil, now)
	if err != nil {
		return Plan{}, err
	}
	p.CreateSeries = []Series{batch.Series}
	p.Insert = batch.Occurrences
	return p, nil
}

// =============================================================================
// DELETE
// =============================================================================

// ResolveDelete plans the removal of t under scope.
//
//	APENAS_ESTA / none         the occurrence only
//	DESTA_DATA_EM_DIANTE       the occurrence and the stored ones after it; the series is capped
//	TODAS                      every stored occurrence and the series
func (r Resolver) ResolveDelete(ctx context.Context, t Target, scope Scope, now Date) (Plan, error) {
	if !t.Occurrence.Materializado() {
		return Plan{}, ErrPreviewImmutable
	}

	if t.Series == nil || !t.Series.IsActiveFixa() {
		if err := individualScope(t, scope); err != nil {
			return Plan{}, err
		}
		return Plan{Delete: []OccurrenceID{t.Occurrence.ID}}, nil
	}

	switch scope {
	case ScopeApenasEsta:
		return Plan{Delete: []OccurrenceID{t.Occurrence.ID}}, nil
	case ScopeDestaDataEmDiante:
		return r.split(ctx, t, nil, now)
	case ScopeTodas:
		p := Plan{DeleteSeries: []SeriesID{t.Series.ID}}
		for _, o := range t.Siblings {
			p.Delete = append(p.Delete, o.ID)
		}
		if !containsID(p.Delete, t.Occurrence.ID) {
			p.Delete = append(p.Delete, t.Occurrence.ID)
		}
		return p, nil
	default:
		return Plan{}, &ValidationError{Field: "escopoEdicao", Reason: "scope is required for occurrences of a fixed series"}
	}
}

// =============================================================================
// CONVERSION - standalone -> recurring
// =============================================================================

// ResolveConversion turns a standalone occurrence into the first occurrence of
// a new series defined by def. The remaining occurrences are materialized.
// def.DataInicio defaults to the occurrence date.
func (r Resolver) ResolveConversion(ctx context.Context, o Occurrence, def Series, now Date) (Plan, error) {
	if !o.Materializado() {
		return Plan{}, ErrPreviewImmutable
	}
	if !o.Standalone() {
		return Plan{}, &ValidationError{Field: "recorrente", Reason: "transaction already belongs to a recurring series"}
	}

	def.ID = r.newSeriesID()
	def.OwnerID = o.OwnerID
	def.Ativa = true
	def.ParcelasGeradas = 0
	if def.DataInicio.IsZero() {
		def.DataInicio = o.DataTransacao
	}
	def.CreatedAt, def.UpdatedAt = now.Time, now.Time
	if err := def.Validate(); err != nil {
		return Plan{}, err
	}

	first := def.occurrence(1)
	first.ID = o.ID
	first.CreatedAt = o.CreatedAt

	batch, err := r.Materializer.Due(ctx, def, []Occurrence{first}, now)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		CreateSeries: []Series{batch.Series},
		Update:       []Occurrence{first},
		Insert:       batch.Occurrences,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// individualScope accepts only in-place scopes for targets outside an active FIXA series.
func individualScope(t Target, scope Scope) error {
	switch scope {
	case ScopeNone, ScopeApenasEsta:
		return nil
	}
	reason := "standalone transaction has no series"
	if t.Series != nil {
		switch {
		case t.Series.Tipo == TipoParcelada:
			reason = "installments are edited one at a time"
		default:
			reason = "series has ended"
		}
	}
	return &ScopeError{Scope: scope, Reason: reason}
}

func detach(o Occurrence) Occurrence {
	o.SeriesID = ""
	o.ParcelaAtual = 0
	o.TotalParcelas = 0
	return o
}

func containsID(ids []OccurrenceID, id OccurrenceID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (r Resolver) newSeriesID() SeriesID {
	if r.NewSeriesID != nil {
		return r.NewSeriesID()
	}
	return NewSeriesID()
}
