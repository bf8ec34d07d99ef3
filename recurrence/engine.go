/*
engine.go - Write path of the recurrence engine

PURPOSE:
  Orchestrates every write: validation, per-series locking, the store
  transaction, materialization and change notification.

WRITE FLOW (edit / delete):
  1. Read the target occurrence to learn its series
  2. Lock the series (same lock as materialization)
  3. In one transaction: re-read target, series and stored occurrences,
     resolve the Plan, apply it
  4. Notify after commit

  If the lock cannot be acquired, or the target moved to another series
  between 1 and 3, the whole flow is retried once after RetryBackoff.

CREATION:
  A recurring creation persists the series and its first batch in the same
  transaction. Nobody knows the new series ID yet, so no lock is taken.

SEE ALSO:
  - materializer.go: what is due
  - scope.go:        how edits propagate
  - query.go:        the read side
*/
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

type Engine struct {
	Store        TxStore
	Locker       Locker
	Materializer Materializer
	Resolver     Resolver
	Notifier     Notifier
	Clock        func() time.Time
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// EngineConfig holds the tunables of NewEngine.
type EngineConfig struct {
	HorizonMonths int
	MaxPerRun     int
	LockTimeout   time.Duration
	RetryBackoff  time.Duration
}

// NewEngine wires an engine with an in-process lock and no notifier.
// Replace Locker and Notifier for multi-instance deployments.
func NewEngine(store TxStore, cfg EngineConfig) *Engine {
	m := NewMaterializer(cfg.HorizonMonths, cfg.MaxPerRun)
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Engine{
		Store:        store,
		Locker:       NewKeyedLocker(lockTimeout),
		Materializer: m,
		Resolver:     Resolver{Materializer: m},
		Notifier:     NopNotifier{},
		Clock:        time.Now,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       slog.Default().With("component", "engine"),
	}
}

// Today is the engine's "now" as a civil date.
func (e *Engine) Today() Date {
	return DateOf(e.Clock().UTC())
}

// HorizonMonths exposes the configured materialization horizon.
func (e *Engine) HorizonMonths() int {
	return e.Materializer.horizon()
}

// =============================================================================
// INPUTS / RESULTS
// =============================================================================

// Recurrence is the recurring part of a create or update request.
type Recurrence struct {
	Recorrente         bool
	TipoRecorrencia    Tipo
	QuantidadeParcelas int
	Frequencia         Frequencia
	ValorTotalOriginal *decimal.Decimal
}

// Validate enforces that recorrente is set exactly when a recurrence type is.
func (r Recurrence) Validate() error {
	switch {
	case r.TipoRecorrencia != "" && !r.Recorrente:
		return &ValidationError{Field: "recorrente", Reason: "must be true when tipoRecorrencia is set"}
	case r.Recorrente && r.TipoRecorrencia == "":
		return &ValidationError{Field: "tipoRecorrencia", Reason: "required when recorrente is true"}
	case r.TipoRecorrencia != "" && !r.TipoRecorrencia.Valid():
		return &ValidationError{Field: "tipoRecorrencia", Reason: fmt.Sprintf("unknown recurrence type %q", r.TipoRecorrencia)}
	}
	return nil
}

// series builds the definition of a new series starting at start.
func (r Recurrence) series(owner OwnerID, f Fields, start Date) Series {
	freq := r.Frequencia
	if freq == "" {
		freq = FrequenciaMensal
	}
	s := Series{
		OwnerID:       owner,
		Tipo:          r.TipoRecorrencia,
		Frequencia:    freq,
		ValorBase:     f.Valor,
		CategoriaID:   f.CategoriaID,
		DescricaoBase: f.Descricao,
		Observacoes:   f.Observacoes,
		TipoFluxo:     f.TipoFluxo,
		DataInicio:    start,
		DiaAncora:     start.Day(),
		Ativa:         true,
	}
	if r.TipoRecorrencia == TipoParcelada {
		s.QuantidadeParcelas = r.QuantidadeParcelas
		if r.splitsTotal(f) && r.QuantidadeParcelas >= 2 {
			total := *r.ValorTotalOriginal
			s.ValorBase, _ = SplitTotal(total, r.QuantidadeParcelas)
			s.ValorTotalOriginal = &total
		}
	}
	return s
}

// splitsTotal reports whether the installment amount is derived from
// ValorTotalOriginal. valor is left zero in that case.
func (r Recurrence) splitsTotal(f Fields) bool {
	return r.TipoRecorrencia == TipoParcelada && r.ValorTotalOriginal != nil && f.Valor.IsZero()
}

type CreateInput struct {
	Fields
	Recurrence
}

type UpdateInput struct {
	Fields
	Recurrence
	Scope Scope
}

// validate checks the fields before any lookup. A conversion that splits a
// total is checked against the total; the split series is validated when built.
func (in UpdateInput) validate() error {
	f := in.Fields
	if in.Recurrence.splitsTotal(f) {
		f.Valor = *in.ValorTotalOriginal
	}
	return f.Validate()
}

// Result lists what a write left behind.
type Result struct {
	Series      []Series
	Occurrences []Occurrence
	Deleted     []OccurrenceID
}

func resultOf(p Plan) Result {
	r := Result{Deleted: p.Delete}
	r.Series = append(r.Series, p.CreateSeries...)
	r.Series = append(r.Series, p.UpdateSeries...)
	r.Occurrences = append(r.Occurrences, p.Update...)
	r.Occurrences = append(r.Occurrences, p.Insert...)
	return r
}

// =============================================================================
// CREATE
// =============================================================================

// Create persists a transaction. A recurring one becomes a series plus its
// first materialized occurrences.
func (e *Engine) Create(ctx context.Context, owner OwnerID, in CreateInput) (Result, error) {
	if err := in.Recurrence.Validate(); err != nil {
		return Result{}, err
	}
	if in.DataTransacao == nil || in.DataTransacao.IsZero() {
		return Result{}, &ValidationError{Field: "dataTransacao", Reason: "date is required"}
	}
	now := e.Today()

	if !in.Recorrente {
		if err := in.Fields.Validate(); err != nil {
			return Result{}, err
		}
		o := Occurrence{OwnerID: owner, DataTransacao: *in.DataTransacao}.apply(in.Fields, true)
		o.ID = e.Materializer.newID()
		p := Plan{Insert: []Occurrence{o}}
		if err := e.Store.WithTx(ctx, func(st Store) error { return p.Apply(ctx, st) }); err != nil {
			return Result{}, err
		}
		return resultOf(p), nil
	}

	s := in.Recurrence.series(owner, in.Fields, *in.DataTransacao)
	s.ID = e.Resolver.newSeriesID()
	s.CreatedAt, s.UpdatedAt = now.Time, now.Time
	if err := s.Validate(); err != nil {
		return Result{}, err
	}

	batch, err := e.Materializer.Due(ctx, s, nil, now)
	if err != nil {
		return Result{}, err
	}
	p := Plan{CreateSeries: []Series{batch.Series}, Insert: batch.Occurrences}
	if err := e.Store.WithTx(ctx, func(st Store) error { return p.Apply(ctx, st) }); err != nil {
		return Result{}, err
	}

	e.Logger.Info("series created",
		"series_id", s.ID, "tipo", s.Tipo, "occurrences", len(batch.Occurrences))
	e.notify(ctx, ChangeCreated, owner, p)
	return resultOf(p), nil
}

// =============================================================================
// UPDATE / DELETE
// =============================================================================

// Update edits an occurrence under the given scope. A standalone occurrence
// updated with recorrente=true is converted into a new series.
func (e *Engine) Update(ctx context.Context, owner OwnerID, id OccurrenceID, in UpdateInput) (Result, error) {
	if id == "" {
		return Result{}, ErrPreviewImmutable
	}
	if err := in.Recurrence.Validate(); err != nil {
		return Result{}, err
	}
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	var plan Plan
	err := e.retry(ctx, func() error {
		var err error
		plan, err = e.resolveLocked(ctx, owner, id, func(t Target, now Date) (Plan, error) {
			if in.Recorrente && t.Series == nil {
				f := in.Fields
				start := t.Occurrence.DataTransacao
				if f.DataTransacao != nil && !f.DataTransacao.IsZero() {
					start = *f.DataTransacao
				}
				return e.Resolver.ResolveConversion(ctx, t.Occurrence, in.Recurrence.series(owner, f, start), now)
			}
			return e.Resolver.ResolveEdit(ctx, t, in.Fields, in.Scope, now)
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}

	kind := ChangeEdited
	if len(plan.CreateSeries) > 0 {
		kind = ChangeSplit
		if len(plan.UpdateSeries) == 0 && len(plan.DeleteSeries) == 0 {
			kind = ChangeCreated
		}
	}
	e.notify(ctx, kind, owner, plan)
	return resultOf(plan), nil
}

// Delete removes an occurrence, and with a scope part or all of its series.
func (e *Engine) Delete(ctx context.Context, owner OwnerID, id OccurrenceID, scope Scope) (Result, error) {
	if id == "" {
		return Result{}, ErrPreviewImmutable
	}

	var plan Plan
	err := e.retry(ctx, func() error {
		var err error
		plan, err = e.resolveLocked(ctx, owner, id, func(t Target, now Date) (Plan, error) {
			return e.Resolver.ResolveDelete(ctx, t, scope, now)
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}

	kind := ChangeEdited
	if len(plan.DeleteSeries) > 0 {
		kind = ChangeDeleted
	}
	e.notify(ctx, kind, owner, plan)
	return resultOf(plan), nil
}

// resolveLocked loads the target, locks its series and applies the plan
// returned by resolve in one transaction.
func (e *Engine) resolveLocked(ctx context.Context, owner OwnerID, id OccurrenceID, resolve func(Target, Date) (Plan, error)) (Plan, error) {
	o, err := e.Store.GetOccurrence(ctx, owner, id)
	if err != nil {
		return Plan{}, err
	}
	if o.SeriesID != "" {
		release, err := e.Locker.Acquire(ctx, o.SeriesID)
		if err != nil {
			return Plan{}, err
		}
		defer release()
	}

	now := e.Today()
	var plan Plan
	err = e.Store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetOccurrence(ctx, owner, id)
		if err != nil {
			return err
		}
		if cur.SeriesID != o.SeriesID {
			return fmt.Errorf("occurrence %s changed series: %w", id, ErrMaterializationConflict)
		}
		t := Target{Occurrence: cur}
		if cur.SeriesID != "" {
			s, err := st.GetSeries(ctx, owner, cur.SeriesID)
			if err != nil {
				return err
			}
			siblings, err := st.ListBySeries(ctx, s.ID)
			if err != nil {
				return err
			}
			t.Series, t.Siblings = &s, siblings
		}
		plan, err = resolve(t, now)
		if err != nil {
			return err
		}
		stamp(&plan, e.Clock().UTC())
		return plan.Apply(ctx, st)
	})
	return plan, err
}

// =============================================================================
// SERIES LIFECYCLE
// =============================================================================

// CancelSeries ends a FIXA series. Stored occurrences survive; nothing new is
// materialized or projected. end defaults to today.
func (e *Engine) CancelSeries(ctx context.Context, owner OwnerID, id SeriesID, end *Date) (Series, error) {
	var out Series
	err := e.retry(ctx, func() error {
		release, err := e.Locker.Acquire(ctx, id)
		if err != nil {
			return err
		}
		defer release()

		return e.Store.WithTx(ctx, func(st Store) error {
			s, err := st.GetSeries(ctx, owner, id)
			if err != nil {
				return err
			}
			if s.Tipo != TipoFixa {
				return &ValidationError{Field: "tipoRecorrencia", Reason: "only fixed series can be cancelled"}
			}
			if !s.Ativa {
				out = s
				return nil
			}
			d := e.Today()
			if end != nil && !end.IsZero() {
				d = *end
			}
			if s.DataFim == nil || d.Before(*s.DataFim) {
				s.DataFim = &d
			}
			s.Ativa = false
			s.UpdatedAt = e.Clock().UTC()
			out = s
			return st.UpdateSeries(ctx, s)
		})
	})
	if err != nil {
		return Series{}, err
	}
	e.notify(ctx, ChangeCancelled, owner, Plan{UpdateSeries: []Series{out}})
	return out, nil
}

// MaterializeSeries tops up one series to the horizon and returns how many
// occurrences were created.
func (e *Engine) MaterializeSeries(ctx context.Context, owner OwnerID, id SeriesID) (int, error) {
	var created Batch
	err := e.retry(ctx, func() error {
		release, err := e.Locker.Acquire(ctx, id)
		if err != nil {
			return err
		}
		defer release()

		created, err = e.materializeHeld(ctx, owner, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.materialized(ctx, owner, id, created)
	return len(created.Occurrences), nil
}

// EnsureOwner tops up the active FIXA series of an owner that have something
// due. It runs on the read path: it never waits for a series lock and never
// retries, so a series busy with an edit or the job is left to them. It
// keeps going past failures and returns them joined.
func (e *Engine) EnsureOwner(ctx context.Context, owner OwnerID) error {
	series, err := e.Store.ListSeries(ctx, owner)
	if err != nil {
		return err
	}
	today := e.Today()
	var errs []error
	for _, s := range series {
		if !e.Materializer.Pending(s, today) {
			continue
		}
		release, ok, err := e.tryAcquire(ctx, s.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", s.ID, err))
			continue
		}
		if !ok {
			e.Logger.Debug("series busy, skipping query-time top-up", "series_id", s.ID)
			continue
		}
		created, err := e.materializeHeld(ctx, owner, s.ID)
		release()
		if err != nil {
			errs = append(errs, fmt.Errorf("series %s: %w", s.ID, err))
			continue
		}
		e.materialized(ctx, owner, s.ID, created)
	}
	return errors.Join(errs...)
}

// tryAcquire makes one attempt when the Locker supports it. Otherwise it
// falls back to a single bounded Acquire, reporting a conflict as busy.
func (e *Engine) tryAcquire(ctx context.Context, id SeriesID) (func(), bool, error) {
	if tl, ok := e.Locker.(TryLocker); ok {
		return tl.TryAcquire(ctx, id)
	}
	release, err := e.Locker.Acquire(ctx, id)
	if errors.Is(err, ErrMaterializationConflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return release, true, nil
}

// materializeHeld writes what is due for a series whose lock the caller holds.
func (e *Engine) materializeHeld(ctx context.Context, owner OwnerID, id SeriesID) (Batch, error) {
	var created Batch
	err := e.Store.WithTx(ctx, func(st Store) error {
		s, err := st.GetSeries(ctx, owner, id)
		if err != nil {
			return err
		}
		existing, err := st.ListBySeries(ctx, id)
		if err != nil {
			return err
		}
		created, err = e.Materializer.Due(ctx, s, existing, e.Today())
		if err != nil {
			return err
		}
		if created.Empty() && created.Series.ParcelasGeradas == s.ParcelasGeradas {
			return nil
		}
		created.Series.UpdatedAt = e.Clock().UTC()
		if err := st.UpdateSeries(ctx, created.Series); err != nil {
			return err
		}
		if created.Empty() {
			return nil
		}
		return st.InsertOccurrences(ctx, created.Occurrences)
	})
	if err != nil {
		return Batch{}, err
	}
	return created, nil
}

func (e *Engine) materialized(ctx context.Context, owner OwnerID, id SeriesID, b Batch) {
	n := len(b.Occurrences)
	if n == 0 {
		return
	}
	e.Logger.Info("series materialized", "series_id", id, "created", n,
		"parcelas_geradas", b.Series.ParcelasGeradas)
	e.notify(ctx, ChangeMaterialized, owner, Plan{Insert: b.Occurrences, UpdateSeries: []Series{b.Series}})
}

// =============================================================================
// HELPERS
// =============================================================================

// retry runs fn and, on a retryable failure, once more after RetryBackoff.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	err := fn()
	if !IsRetryable(err) {
		return err
	}
	e.Logger.Warn("retrying after conflict", "error", err, "backoff", e.RetryBackoff)
	if e.RetryBackoff > 0 {
		t := time.NewTimer(e.RetryBackoff)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return fn()
}

func (e *Engine) notify(ctx context.Context, kind ChangeKind, owner OwnerID, p Plan) {
	if e.Notifier == nil {
		return
	}
	ids := p.Touched()
	if len(ids) == 0 {
		ids = seriesOf(p.Update)
	}
	ev := ChangeEvent{
		Kind:       kind,
		OwnerID:    owner,
		SeriesIDs:  ids,
		Inserted:   len(p.Insert),
		Updated:    len(p.Update),
		Deleted:    len(p.Delete),
		OccurredAt: e.Clock().UTC(),
	}
	if err := e.Notifier.Notify(ctx, ev); err != nil {
		e.Logger.Warn("change notification failed", "kind", kind, "error", err)
	}
}

func seriesOf(occs []Occurrence) []SeriesID {
	for _, o := range occs {
		if o.SeriesID != "" {
			return []SeriesID{o.SeriesID}
		}
	}
	return nil
}

// stamp sets modification times on everything the plan writes.
func stamp(p *Plan, at time.Time) {
	for i := range p.UpdateSeries {
		p.UpdateSeries[i].UpdatedAt = at
	}
	for i := range p.Update {
		p.Update[i].UpdatedAt = at
	}
}
