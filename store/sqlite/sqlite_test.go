package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func fixa() recurrence.Series {
	return recurrence.Series{
		ID:            "s1",
		OwnerID:       "owner-1",
		Tipo:          recurrence.TipoFixa,
		Frequencia:    recurrence.FrequenciaMensal,
		ValorBase:     decimal.RequireFromString("59.90"),
		CategoriaID:   "streaming",
		DescricaoBase: "Netflix",
		TipoFluxo:     recurrence.FluxoDespesa,
		DataInicio:    recurrence.NewDate(2025, time.October, 16),
		DiaAncora:     16,
		Ativa:         true,
	}
}

func member(id string, parcela int) recurrence.Occurrence {
	return recurrence.Occurrence{
		ID:            recurrence.OccurrenceID(id),
		OwnerID:       "owner-1",
		SeriesID:      "s1",
		ParcelaAtual:  parcela,
		DataTransacao: recurrence.NewDate(2025, time.October, 16).AddMonths(parcela - 1),
		Valor:         decimal.RequireFromString("59.90"),
		CategoriaID:   "streaming",
		Descricao:     "Netflix",
		TipoFluxo:     recurrence.FluxoDespesa,
	}
}

// =============================================================================
// SERIES
// =============================================================================

func TestSQLite_SeriesRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	total := decimal.RequireFromString("1200.00")
	end := recurrence.NewDate(2026, time.March, 15)
	s := fixa()
	s.ValorTotalOriginal = &total
	s.DataFim = &end
	s.ParcelasGeradas = 12
	require.NoError(t, st.CreateSeries(ctx, s))

	got, err := st.GetSeries(ctx, "owner-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, recurrence.TipoFixa, got.Tipo)
	assert.True(t, got.ValorBase.Equal(s.ValorBase))
	require.NotNil(t, got.ValorTotalOriginal)
	assert.True(t, got.ValorTotalOriginal.Equal(total))
	assert.Equal(t, s.DataInicio, got.DataInicio)
	require.NotNil(t, got.DataFim)
	assert.Equal(t, end, *got.DataFim)
	assert.Equal(t, 12, got.ParcelasGeradas)
	assert.True(t, got.Ativa)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_UpdateSeries(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSeries(ctx, fixa()))

	s := fixa()
	s.Ativa = false
	s.DescricaoBase = "Netflix Premium"
	require.NoError(t, st.UpdateSeries(ctx, s))

	got, err := st.GetSeries(ctx, "owner-1", "s1")
	require.NoError(t, err)
	assert.False(t, got.Ativa)
	assert.Equal(t, "Netflix Premium", got.DescricaoBase)

	active, err := st.ListActiveFixa(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	missing := fixa()
	missing.ID = "nope"
	assert.ErrorIs(t, st.UpdateSeries(ctx, missing), recurrence.ErrSeriesNotFound)
}

func TestSQLite_OwnerScoping(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSeries(ctx, fixa()))
	require.NoError(t, st.InsertOccurrences(ctx, []recurrence.Occurrence{member("o1", 1)}))

	_, err := st.GetSeries(ctx, "intruder", "s1")
	assert.ErrorIs(t, err, recurrence.ErrSeriesNotFound)
	_, err = st.GetOccurrence(ctx, "intruder", "o1")
	assert.ErrorIs(t, err, recurrence.ErrOccurrenceNotFound)

	series, err := st.ListSeries(ctx, "intruder")
	require.NoError(t, err)
	assert.Empty(t, series)
}

// =============================================================================
// OCCURRENCES
// =============================================================================

func TestSQLite_DuplicateParcela(t *testing.T) {
	// GIVEN: parcela 1 already stored
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSeries(ctx, fixa()))
	require.NoError(t, st.InsertOccurrences(ctx, []recurrence.Occurrence{member("o1", 1)}))

	// WHEN: a concurrent writer inserts it again
	err := st.InsertOccurrences(ctx, []recurrence.Occurrence{member("o2", 1)})

	// THEN: the unique index rejects it
	assert.ErrorIs(t, err, recurrence.ErrDuplicateOccurrence)
	assert.True(t, recurrence.IsRetryable(err))
}

func TestSQLite_StandaloneHasNoParcela(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	a := member("a", 0)
	a.SeriesID, a.ParcelaAtual = "", 0
	b := member("b", 0)
	b.SeriesID, b.ParcelaAtual = "", 0
	require.NoError(t, st.InsertOccurrences(ctx, []recurrence.Occurrence{a, b}), "standalones never collide")

	got, err := st.GetOccurrence(ctx, "owner-1", "a")
	require.NoError(t, err)
	assert.True(t, got.Standalone())
	assert.Zero(t, got.ParcelaAtual)
	assert.True(t, got.Valor.Equal(decimal.RequireFromString("59.90")))
}

func TestSQLite_ListByMonthOrdering(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	mk := func(id string, day int) recurrence.Occurrence {
		o := member(id, 0)
		o.SeriesID = ""
		o.DataTransacao = recurrence.NewDate(2025, time.November, day)
		return o
	}
	require.NoError(t, st.InsertOccurrences(ctx, []recurrence.Occurrence{mk("late", 28), mk("early", 2), mk("mid", 15)}))

	outside := mk("dec", 1)
	outside.DataTransacao = recurrence.NewDate(2025, time.December, 1)
	require.NoError(t, st.InsertOccurrences(ctx, []recurrence.Occurrence{outside}))

	occs, err := st.ListByMonth(ctx, "owner-1", 2025, time.November)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, recurrence.OccurrenceID("early"), occs[0].ID)
	assert.Equal(t, recurrence.OccurrenceID("mid"), occs[1].ID)
	assert.Equal(t, recurrence.OccurrenceID("late"), occs[2].ID)
}

func TestSQLite_UpdateAndDeleteOccurrences(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSeries(ctx, fixa()))
	require.NoError(t, st.InsertOccurrences(ctx, []recurrence.Occurrence{member("o1", 1), member("o2", 2), member("o3", 3)}))

	o := member("o2", 2)
	o.Valor = decimal.RequireFromString("69.90")
	require.NoError(t, st.UpdateOccurrence(ctx, o))

	require.NoError(t, st.DeleteOccurrences(ctx, []recurrence.OccurrenceID{"o1", "o3"}))
	require.NoError(t, st.DeleteOccurrences(ctx, nil))

	occs, err := st.ListBySeries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "69.9", occs[0].Valor.String())

	assert.ErrorIs(t, st.UpdateOccurrence(ctx, member("gone", 9)), recurrence.ErrOccurrenceNotFound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTxRollsBack(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateSeries(ctx, fixa()))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx recurrence.Store) error {
		if err := tx.InsertOccurrences(ctx, []recurrence.Occurrence{member("o1", 1), member("o2", 2)}); err != nil {
			return err
		}
		s := fixa()
		s.ParcelasGeradas = 2
		if err := tx.UpdateSeries(ctx, s); err != nil {
			return err
		}
		// reads inside the transaction see its writes
		occs, err := tx.ListBySeries(ctx, "s1")
		if err != nil {
			return err
		}
		if len(occs) != 2 {
			return errors.New("uncommitted rows not visible")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	occs, err := st.ListBySeries(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, occs)
	s, err := st.GetSeries(ctx, "owner-1", "s1")
	require.NoError(t, err)
	assert.Zero(t, s.ParcelasGeradas)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestSQLite_EngineEndToEnd(t *testing.T) {
	// GIVEN: the engine running on SQLite
	st := newStore(t)
	today := recurrence.NewDate(2025, time.October, 16)
	e := recurrence.NewEngine(st, recurrence.EngineConfig{HorizonMonths: 12, LockTimeout: time.Second})
	e.Clock = func() time.Time { return today.Time.Add(9 * time.Hour) }
	ctx := context.Background()

	// WHEN: creating a FIXA series
	res, err := e.Create(ctx, "owner-1", recurrence.CreateInput{
		Fields: recurrence.Fields{
			Valor:         decimal.RequireFromString("59.90"),
			CategoriaID:   "streaming",
			Descricao:     "Netflix",
			TipoFluxo:     recurrence.FluxoDespesa,
			DataTransacao: &today,
		},
		Recurrence: recurrence.Recurrence{
			Recorrente:      true,
			TipoRecorrencia: recurrence.TipoFixa,
			Frequencia:      recurrence.FrequenciaMensal,
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Series, 1)
	id := res.Series[0].ID

	// THEN: the rolling window is stored
	occs, err := st.ListBySeries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, occs, 13)

	// AND: re-running materialization is a no-op
	n, err := e.MaterializeSeries(ctx, "owner-1", id)
	require.NoError(t, err)
	assert.Zero(t, n)

	// WHEN: editing from the 3rd occurrence onward
	_, err = e.Update(ctx, "owner-1", occs[2].ID, recurrence.UpdateInput{
		Fields: recurrence.Fields{
			Valor:       decimal.RequireFromString("69.90"),
			CategoriaID: "streaming",
			Descricao:   "Netflix",
			TipoFluxo:   recurrence.FluxoDespesa,
		},
		Scope: recurrence.ScopeDestaDataEmDiante,
	})
	require.NoError(t, err)

	// THEN: the old series stops before the edited date
	old, err := st.GetSeries(ctx, "owner-1", id)
	require.NoError(t, err)
	require.NotNil(t, old.DataFim)
	assert.True(t, old.DataFim.Before(occs[2].DataTransacao))

	series, err := st.ListSeries(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, series, 2)
}
