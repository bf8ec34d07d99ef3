package recurrence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recurrence-engine/recurrence"
	"github.com/warp/recurrence-engine/recurrence/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const owner recurrence.OwnerID = "owner-1"

type recordingNotifier struct {
	mu     sync.Mutex
	events []recurrence.ChangeEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev recurrence.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) kinds() []recurrence.ChangeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recurrence.ChangeKind
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestEngine(t *testing.T, today recurrence.Date) (*recurrence.Engine, *store.TxMemory, *recordingNotifier) {
	t.Helper()
	st := store.NewTxMemory()
	e := recurrence.NewEngine(st, recurrence.EngineConfig{HorizonMonths: 12, LockTimeout: 100 * time.Millisecond})
	e.Clock = func() time.Time { return today.Time.Add(10 * time.Hour) }
	n := &recordingNotifier{}
	e.Notifier = n
	return e, st, n
}

func netflix(d recurrence.Date) recurrence.CreateInput {
	return recurrence.CreateInput{
		Fields: recurrence.Fields{
			Valor:         decimal.RequireFromString("59.90"),
			CategoriaID:   "streaming",
			Descricao:     "Netflix",
			TipoFluxo:     recurrence.FluxoDespesa,
			DataTransacao: &d,
		},
		Recurrence: recurrence.Recurrence{
			Recorrente:      true,
			TipoRecorrencia: recurrence.TipoFixa,
			Frequencia:      recurrence.FrequenciaMensal,
		},
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestEngine_CreateParcelada_RoundTrip(t *testing.T) {
	// GIVEN: recorrente=true, PARCELADA, 10 installments
	today := date(2025, time.October, 16)
	e, st, n := newTestEngine(t, today)
	ctx := context.Background()

	in := netflix(today)
	in.Descricao = "Notebook"
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 10

	// WHEN
	res, err := e.Create(ctx, owner, in)
	require.NoError(t, err)

	// THEN: exactly 10 stored occurrences, parcela 1..10, monthly
	require.Len(t, res.Series, 1)
	occs, err := st.ListBySeries(ctx, res.Series[0].ID)
	require.NoError(t, err)
	require.Len(t, occs, 10)
	for i, o := range occs {
		assert.Equal(t, i+1, o.ParcelaAtual)
		assert.Equal(t, today.AddMonths(i), o.DataTransacao)
	}

	// AND: the first month shows 1/10, the next one 2/10
	oct, err := st.ListByMonth(ctx, owner, 2025, time.October)
	require.NoError(t, err)
	require.Len(t, oct, 1)
	assert.Equal(t, "1/10", oct[0].Badge())

	nov, err := st.ListByMonth(ctx, owner, 2025, time.November)
	require.NoError(t, err)
	require.Len(t, nov, 1)
	assert.Equal(t, "2/10", nov[0].Badge())

	assert.Equal(t, []recurrence.ChangeKind{recurrence.ChangeCreated}, n.kinds())
}

func TestEngine_CreateParcelada_FromTotal(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	total := decimal.RequireFromString("1000.00")
	in := netflix(today)
	in.Valor = decimal.Zero
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 3
	in.ValorTotalOriginal = &total

	res, err := e.Create(ctx, owner, in)
	require.NoError(t, err)

	occs, err := st.ListBySeries(ctx, res.Series[0].ID)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.True(t, decimal.RequireFromString("333.34").Equal(occs[0].Valor))
	assert.True(t, decimal.RequireFromString("333.33").Equal(occs[2].Valor))
}

func TestEngine_Create_RecorrenteCoupling(t *testing.T) {
	today := date(2025, time.October, 16)
	e, _, _ := newTestEngine(t, today)

	in := netflix(today)
	in.Recorrente = false
	_, err := e.Create(context.Background(), owner, in)
	var verr *recurrence.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recorrente", verr.Field)

	in = netflix(today)
	in.TipoRecorrencia = ""
	_, err = e.Create(context.Background(), owner, in)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "tipoRecorrencia", verr.Field)
}

func TestEngine_Create_ParceladaNeedsTwoInstallments(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)

	in := netflix(today)
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 1

	_, err := e.Create(context.Background(), owner, in)
	assert.ErrorIs(t, err, recurrence.ErrValidation)

	series, err := st.ListSeries(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, series, "nothing written")
}

func TestEngine_CreateStandalone(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)

	in := netflix(today)
	in.Recurrence = recurrence.Recurrence{}

	res, err := e.Create(context.Background(), owner, in)
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	assert.True(t, res.Occurrences[0].Standalone())

	got, err := st.GetOccurrence(context.Background(), owner, res.Occurrences[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Netflix", got.Descricao)
}

// =============================================================================
// EDIT SCOPES (end to end)
// =============================================================================

func TestEngine_UpdateApenasEsta_SiblingsUntouched(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	seriesID := res.Series[0].ID
	before, err := st.ListBySeries(ctx, seriesID)
	require.NoError(t, err)

	target := before[3]
	_, err = e.Update(ctx, owner, target.ID, recurrence.UpdateInput{Fields: edited("79.90"), Scope: recurrence.ScopeApenasEsta})
	require.NoError(t, err)

	// THEN: the target is standalone
	got, err := st.GetOccurrence(ctx, owner, target.ID)
	require.NoError(t, err)
	assert.True(t, got.Standalone())
	assert.True(t, decimal.RequireFromString("79.90").Equal(got.Valor))

	// AND: siblings keep count and fields
	after, err := st.ListBySeries(ctx, seriesID)
	require.NoError(t, err)
	assert.Len(t, after, len(before)-1)
	for _, o := range after {
		assert.True(t, decimal.RequireFromString("59.90").Equal(o.Valor))
		assert.Equal(t, "Netflix", o.Descricao)
	}

	// AND: topping up again does not bring the detached parcela back
	created, err := e.MaterializeSeries(ctx, owner, seriesID)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestEngine_UpdateTodas_PropagatesValor(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	seriesID := res.Series[0].ID
	before, err := st.ListBySeries(ctx, seriesID)
	require.NoError(t, err)

	_, err = e.Update(ctx, owner, before[6].ID, recurrence.UpdateInput{Fields: edited("64.90"), Scope: recurrence.ScopeTodas})
	require.NoError(t, err)

	s, err := st.GetSeries(ctx, owner, seriesID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("64.90").Equal(s.ValorBase))

	after, err := st.ListBySeries(ctx, seriesID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i, o := range after {
		assert.True(t, decimal.RequireFromString("64.90").Equal(o.Valor))
		assert.Equal(t, before[i].DataTransacao, o.DataTransacao)
		assert.Equal(t, before[i].ParcelaAtual, o.ParcelaAtual)
	}
}

func TestEngine_UpdateDesta_SplitIsAtomicAndVisible(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, n := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	orig := res.Series[0].ID
	before, err := st.ListBySeries(ctx, orig)
	require.NoError(t, err)

	_, err = e.Update(ctx, owner, before[4].ID, recurrence.UpdateInput{Fields: edited("70"), Scope: recurrence.ScopeDestaDataEmDiante})
	require.NoError(t, err)

	kept, err := st.ListBySeries(ctx, orig)
	require.NoError(t, err)
	assert.Len(t, kept, 4)

	series, err := st.ListSeries(ctx, owner)
	require.NoError(t, err)
	require.Len(t, series, 2)
	var next recurrence.Series
	for _, s := range series {
		if s.ID != orig {
			next = s
		}
	}
	assert.Equal(t, before[4].DataTransacao, next.DataInicio)

	fresh, err := st.ListBySeries(ctx, next.ID)
	require.NoError(t, err)
	require.NotEmpty(t, fresh)
	assert.True(t, decimal.NewFromInt(70).Equal(fresh[0].Valor))

	assert.Contains(t, n.kinds(), recurrence.ChangeSplit)
}

func TestEngine_PreviewIDRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, date(2025, time.October, 16))

	_, err := e.Update(context.Background(), owner, "", recurrence.UpdateInput{Fields: edited("1"), Scope: recurrence.ScopeTodas})
	assert.ErrorIs(t, err, recurrence.ErrPreviewImmutable)

	_, err = e.Delete(context.Background(), owner, "", recurrence.ScopeApenasEsta)
	assert.ErrorIs(t, err, recurrence.ErrPreviewImmutable)
}

func TestEngine_UpdateUnknownOccurrence(t *testing.T) {
	e, _, _ := newTestEngine(t, date(2025, time.October, 16))

	_, err := e.Update(context.Background(), owner, "missing", recurrence.UpdateInput{Fields: edited("1")})
	assert.True(t, recurrence.IsNotFound(err))
}

func TestEngine_ConvertStandalone(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	in := netflix(today)
	in.Recurrence = recurrence.Recurrence{}
	res, err := e.Create(ctx, owner, in)
	require.NoError(t, err)
	id := res.Occurrences[0].ID

	_, err = e.Update(ctx, owner, id, recurrence.UpdateInput{
		Fields:     edited("59.90"),
		Recurrence: recurrence.Recurrence{Recorrente: true, TipoRecorrencia: recurrence.TipoFixa},
	})
	require.NoError(t, err)

	got, err := st.GetOccurrence(ctx, owner, id)
	require.NoError(t, err)
	require.False(t, got.Standalone())
	assert.Equal(t, 1, got.ParcelaAtual)

	occs, err := st.ListBySeries(ctx, got.SeriesID)
	require.NoError(t, err)
	assert.Len(t, occs, 13)
}

// =============================================================================
// DELETE / CANCEL
// =============================================================================

func TestEngine_DeleteTodas_RemovesSeries(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	occs, err := st.ListBySeries(ctx, res.Series[0].ID)
	require.NoError(t, err)

	_, err = e.Delete(ctx, owner, occs[2].ID, recurrence.ScopeTodas)
	require.NoError(t, err)

	_, err = st.GetSeries(ctx, owner, res.Series[0].ID)
	assert.ErrorIs(t, err, recurrence.ErrSeriesNotFound)
	left, err := st.ListBySeries(ctx, res.Series[0].ID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEngine_CancelSeries_StopsGeneration(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	id := res.Series[0].ID

	s, err := e.CancelSeries(ctx, owner, id, nil)
	require.NoError(t, err)
	assert.False(t, s.Ativa)
	require.NotNil(t, s.DataFim)
	assert.Equal(t, today, *s.DataFim)

	// Rows survive, nothing new later
	e.Clock = func() time.Time { return today.AddMonths(3).Time }
	created, err := e.MaterializeSeries(ctx, owner, id)
	require.NoError(t, err)
	assert.Zero(t, created)

	occs, err := st.ListBySeries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, occs, 13)
}

func TestEngine_CancelParceladaRejected(t *testing.T) {
	today := date(2025, time.October, 16)
	e, _, _ := newTestEngine(t, today)

	in := netflix(today)
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 4
	res, err := e.Create(context.Background(), owner, in)
	require.NoError(t, err)

	_, err = e.CancelSeries(context.Background(), owner, res.Series[0].ID, nil)
	assert.ErrorIs(t, err, recurrence.ErrValidation)
}

// =============================================================================
// MATERIALIZATION / CONCURRENCY
// =============================================================================

func TestEngine_MaterializeSeries_RollsWindowForward(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	id := res.Series[0].ID

	e.Clock = func() time.Time { return today.AddMonths(2).Time }
	created, err := e.MaterializeSeries(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	again, err := e.MaterializeSeries(ctx, owner, id)
	require.NoError(t, err)
	assert.Zero(t, again, "idempotent")

	occs, err := st.ListBySeries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, occs, 15)
}

func TestEngine_ConcurrentMaterialization_NoDuplicates(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	e.Locker = recurrence.NewKeyedLocker(2 * time.Second)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	id := res.Series[0].ID
	e.Clock = func() time.Time { return today.AddMonths(6).Time }

	var wg sync.WaitGroup
	totals := make([]int, 8)
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := e.MaterializeSeries(ctx, owner, id)
			assert.NoError(t, err)
			totals[i] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range totals {
		sum += n
	}
	assert.Equal(t, 6, sum)

	occs, err := st.ListBySeries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, occs, 19)
}

func TestEngine_LockConflictRetriedThenSurfaced(t *testing.T) {
	today := date(2025, time.October, 16)
	e, _, _ := newTestEngine(t, today)
	e.RetryBackoff = 10 * time.Millisecond
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	id := res.Series[0].ID

	// GIVEN: someone else holds the series lock for the whole attempt
	release, err := e.Locker.Acquire(ctx, id)
	require.NoError(t, err)
	defer release()

	_, err = e.MaterializeSeries(ctx, owner, id)
	assert.ErrorIs(t, err, recurrence.ErrMaterializationConflict)
	assert.True(t, recurrence.IsRetryable(err))
}

func TestEngine_EnsureOwner_TopsUpActiveFixaOnly(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	_, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	in := netflix(today)
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 3
	_, err = e.Create(ctx, owner, in)
	require.NoError(t, err)

	e.Clock = func() time.Time { return today.AddMonths(1).Time }
	require.NoError(t, e.EnsureOwner(ctx, owner))

	nov, err := st.ListByMonth(ctx, owner, 2026, time.November)
	require.NoError(t, err)
	assert.Len(t, nov, 1)
}

func TestEngine_EnsureOwner_SkipsBusySeries(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	e.RetryBackoff = time.Second
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	id := res.Series[0].ID

	// GIVEN: a month is due but an edit holds the series lock
	e.Clock = func() time.Time { return today.AddMonths(1).Time }
	release, err := e.Locker.Acquire(ctx, id)
	require.NoError(t, err)

	// WHEN
	start := time.Now()
	err = e.EnsureOwner(ctx, owner)

	// THEN: no wait, no retry, nothing written
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	occs, err := st.ListBySeries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, occs, 13)

	// AND: once released the next read catches up
	release()
	require.NoError(t, e.EnsureOwner(ctx, owner))
	occs, err = st.ListBySeries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, occs, 14)
}

// =============================================================================
// INSTALLMENT PLAN BOUNDS
// =============================================================================

func TestEngine_CreateParcelada_MaxPerRunDoesNotTruncate(t *testing.T) {
	today := date(2025, time.October, 16)
	st := store.NewTxMemory()
	e := recurrence.NewEngine(st, recurrence.EngineConfig{HorizonMonths: 12, MaxPerRun: 5})
	e.Clock = func() time.Time { return today.Time }
	ctx := context.Background()

	in := netflix(today)
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 10
	res, err := e.Create(ctx, owner, in)
	require.NoError(t, err)

	occs, err := st.ListBySeries(ctx, res.Series[0].ID)
	require.NoError(t, err)
	assert.Len(t, occs, 10)
}

func TestEngine_CreateParcelada_TooManyInstallments(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	in := netflix(today)
	in.TipoRecorrencia = recurrence.TipoParcelada
	in.QuantidadeParcelas = 100000
	_, err := e.Create(ctx, owner, in)

	var verr *recurrence.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantidadeParcelas", verr.Field)

	series, err := st.ListSeries(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, series)
}

// =============================================================================
// FAILURES ROLL BACK
// =============================================================================

// insertFailingStore runs transactions whose inserts always fail.
type insertFailingStore struct {
	*store.TxMemory
}

func (s insertFailingStore) WithTx(ctx context.Context, fn func(recurrence.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx recurrence.Store) error {
		return fn(insertFailingTx{tx})
	})
}

type insertFailingTx struct {
	recurrence.Store
}

func (insertFailingTx) InsertOccurrences(context.Context, []recurrence.Occurrence) error {
	return errors.New("disk full")
}

func TestEngine_UpdateDesta_StoreFailureLeavesSeriesUntouched(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	orig := res.Series[0]
	before, err := st.ListBySeries(ctx, orig.ID)
	require.NoError(t, err)

	// GIVEN: the store fails the split's final insert
	e.Store = insertFailingStore{st}

	// WHEN
	_, err = e.Update(ctx, owner, before[4].ID, recurrence.UpdateInput{Fields: edited("70"), Scope: recurrence.ScopeDestaDataEmDiante})

	// THEN: the error surfaces and nothing of the split is visible
	require.Error(t, err)
	series, err := st.ListSeries(ctx, owner)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Nil(t, series[0].DataFim)
	assert.True(t, series[0].Ativa)

	after, err := st.ListBySeries(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// =============================================================================
// CONVERSION FROM A TOTAL
// =============================================================================

func TestEngine_ConvertStandaloneToParceladaFromTotal(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	in := netflix(today)
	in.Recurrence = recurrence.Recurrence{}
	res, err := e.Create(ctx, owner, in)
	require.NoError(t, err)
	id := res.Occurrences[0].ID

	// WHEN: converting with valor zero and a total to split
	total := decimal.RequireFromString("100.00")
	_, err = e.Update(ctx, owner, id, recurrence.UpdateInput{
		Fields: edited("0"),
		Recurrence: recurrence.Recurrence{
			Recorrente:         true,
			TipoRecorrencia:    recurrence.TipoParcelada,
			QuantidadeParcelas: 3,
			ValorTotalOriginal: &total,
		},
	})
	require.NoError(t, err)

	// THEN: three installments adding up to the total
	got, err := st.GetOccurrence(ctx, owner, id)
	require.NoError(t, err)
	occs, err := st.ListBySeries(ctx, got.SeriesID)
	require.NoError(t, err)
	require.Len(t, occs, 3)
	sum := decimal.Zero
	for _, o := range occs {
		sum = sum.Add(o.Valor)
	}
	assert.True(t, total.Equal(sum), "sum %s", sum)
	assert.True(t, decimal.RequireFromString("33.34").Equal(got.Valor))
}

func TestEngine_UpdateZeroValorOnSeriesRejected(t *testing.T) {
	today := date(2025, time.October, 16)
	e, st, _ := newTestEngine(t, today)
	ctx := context.Background()

	res, err := e.Create(ctx, owner, netflix(today))
	require.NoError(t, err)
	occs, err := st.ListBySeries(ctx, res.Series[0].ID)
	require.NoError(t, err)

	total := decimal.RequireFromString("100.00")
	_, err = e.Update(ctx, owner, occs[0].ID, recurrence.UpdateInput{
		Fields: edited("0"),
		Recurrence: recurrence.Recurrence{
			Recorrente:         true,
			TipoRecorrencia:    recurrence.TipoParcelada,
			QuantidadeParcelas: 3,
			ValorTotalOriginal: &total,
		},
		Scope: recurrence.ScopeTodas,
	})

	var verr *recurrence.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "valor", verr.Field)
}
