// Package store provides in-memory recurrence.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	series      map[recurrence.SeriesID]recurrence.Series
	occurrences map[recurrence.OccurrenceID]recurrence.Occurrence
	// parcelas indexes the (series, parcela) uniqueness constraint.
	parcelas map[parcelaKey]recurrence.OccurrenceID
	seq      int64
	order    map[recurrence.OccurrenceID]int64
}

type parcelaKey struct {
	SeriesID recurrence.SeriesID
	Parcela  int
}

func NewMemory() *Memory {
	return &Memory{
		series:      make(map[recurrence.SeriesID]recurrence.Series),
		occurrences: make(map[recurrence.OccurrenceID]recurrence.Occurrence),
		parcelas:    make(map[parcelaKey]recurrence.OccurrenceID),
		order:       make(map[recurrence.OccurrenceID]int64),
	}
}

// --- series ---

func (m *Memory) CreateSeries(_ context.Context, s recurrence.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSeriesLocked(s)
}

func (m *Memory) createSeriesLocked(s recurrence.Series) error {
	if _, ok := m.series[s.ID]; ok {
		return fmt.Errorf("series %s already exists", s.ID)
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	m.series[s.ID] = s
	return nil
}

func (m *Memory) UpdateSeries(_ context.Context, s recurrence.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSeriesLocked(s)
}

func (m *Memory) updateSeriesLocked(s recurrence.Series) error {
	if _, ok := m.series[s.ID]; !ok {
		return fmt.Errorf("update series %s: %w", s.ID, recurrence.ErrSeriesNotFound)
	}
	m.series[s.ID] = s
	return nil
}

func (m *Memory) DeleteSeries(_ context.Context, id recurrence.SeriesID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteSeriesLocked(id)
}

func (m *Memory) deleteSeriesLocked(id recurrence.SeriesID) error {
	if _, ok := m.series[id]; !ok {
		return fmt.Errorf("delete series %s: %w", id, recurrence.ErrSeriesNotFound)
	}
	for k := range m.parcelas {
		if k.SeriesID == id {
			return fmt.Errorf("delete series %s: occurrences still reference it", id)
		}
	}
	delete(m.series, id)
	return nil
}

func (m *Memory) GetSeries(_ context.Context, owner recurrence.OwnerID, id recurrence.SeriesID) (recurrence.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSeriesLocked(owner, id)
}

func (m *Memory) getSeriesLocked(owner recurrence.OwnerID, id recurrence.SeriesID) (recurrence.Series, error) {
	s, ok := m.series[id]
	if !ok || s.OwnerID != owner {
		return recurrence.Series{}, recurrence.ErrSeriesNotFound
	}
	return s, nil
}

func (m *Memory) ListSeries(_ context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSeriesLocked(func(s recurrence.Series) bool { return s.OwnerID == owner }), nil
}

func (m *Memory) ListActiveFixa(_ context.Context) ([]recurrence.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSeriesLocked(recurrence.Series.IsActiveFixa), nil
}

func (m *Memory) listSeriesLocked(keep func(recurrence.Series) bool) []recurrence.Series {
	var out []recurrence.Series
	for _, s := range m.series {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DataInicio.Equal(out[j].DataInicio) {
			return out[i].DataInicio.Before(out[j].DataInicio)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- occurrences ---

// InsertOccurrences adds a batch atomically: a duplicate anywhere rejects all of it.
func (m *Memory) InsertOccurrences(_ context.Context, occs []recurrence.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(occs)
}

func (m *Memory) insertLocked(occs []recurrence.Occurrence) error {
	// Check everything first (atomic check)
	batch := make(map[parcelaKey]bool)
	for _, o := range occs {
		if o.ID == "" {
			return fmt.Errorf("insert occurrence: %w", recurrence.ErrPreviewImmutable)
		}
		if _, ok := m.occurrences[o.ID]; ok {
			return fmt.Errorf("occurrence %s already exists", o.ID)
		}
		if o.SeriesID == "" {
			continue
		}
		if _, ok := m.series[o.SeriesID]; !ok {
			return fmt.Errorf("insert occurrence %s: %w", o.ID, recurrence.ErrSeriesNotFound)
		}
		k := parcelaKey{o.SeriesID, o.ParcelaAtual}
		if _, ok := m.parcelas[k]; ok || batch[k] {
			return fmt.Errorf("series %s parcela %d: %w", o.SeriesID, o.ParcelaAtual, recurrence.ErrDuplicateOccurrence)
		}
		batch[k] = true
	}

	now := time.Now().UTC()
	for _, o := range occs {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = now
		}
		m.putLocked(o)
	}
	return nil
}

func (m *Memory) putLocked(o recurrence.Occurrence) {
	m.occurrences[o.ID] = o
	if o.SeriesID != "" {
		m.parcelas[parcelaKey{o.SeriesID, o.ParcelaAtual}] = o.ID
	}
	if _, ok := m.order[o.ID]; !ok {
		m.seq++
		m.order[o.ID] = m.seq
	}
}

func (m *Memory) UpdateOccurrence(_ context.Context, o recurrence.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateOccurrenceLocked(o)
}

func (m *Memory) updateOccurrenceLocked(o recurrence.Occurrence) error {
	old, ok := m.occurrences[o.ID]
	if !ok {
		return fmt.Errorf("update occurrence %s: %w", o.ID, recurrence.ErrOccurrenceNotFound)
	}
	if o.SeriesID != "" {
		if _, ok := m.series[o.SeriesID]; !ok {
			return fmt.Errorf("update occurrence %s: %w", o.ID, recurrence.ErrSeriesNotFound)
		}
		k := parcelaKey{o.SeriesID, o.ParcelaAtual}
		if id, ok := m.parcelas[k]; ok && id != o.ID {
			return fmt.Errorf("series %s parcela %d: %w", o.SeriesID, o.ParcelaAtual, recurrence.ErrDuplicateOccurrence)
		}
	}
	if old.SeriesID != "" {
		delete(m.parcelas, parcelaKey{old.SeriesID, old.ParcelaAtual})
	}
	o.CreatedAt = old.CreatedAt
	m.putLocked(o)
	return nil
}

func (m *Memory) DeleteOccurrences(_ context.Context, ids []recurrence.OccurrenceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteOccurrencesLocked(ids)
	return nil
}

func (m *Memory) deleteOccurrencesLocked(ids []recurrence.OccurrenceID) {
	for _, id := range ids {
		o, ok := m.occurrences[id]
		if !ok {
			continue
		}
		if o.SeriesID != "" {
			delete(m.parcelas, parcelaKey{o.SeriesID, o.ParcelaAtual})
		}
		delete(m.occurrences, id)
		delete(m.order, id)
	}
}

func (m *Memory) GetOccurrence(_ context.Context, owner recurrence.OwnerID, id recurrence.OccurrenceID) (recurrence.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getOccurrenceLocked(owner, id)
}

func (m *Memory) getOccurrenceLocked(owner recurrence.OwnerID, id recurrence.OccurrenceID) (recurrence.Occurrence, error) {
	o, ok := m.occurrences[id]
	if !ok || o.OwnerID != owner {
		return recurrence.Occurrence{}, recurrence.ErrOccurrenceNotFound
	}
	return o, nil
}

func (m *Memory) ListBySeries(_ context.Context, id recurrence.SeriesID) ([]recurrence.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBySeriesLocked(id), nil
}

func (m *Memory) listBySeriesLocked(id recurrence.SeriesID) []recurrence.Occurrence {
	var out []recurrence.Occurrence
	for _, o := range m.occurrences {
		if o.SeriesID == id {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParcelaAtual < out[j].ParcelaAtual })
	return out
}

func (m *Memory) ListByMonth(_ context.Context, owner recurrence.OwnerID, year int, month time.Month) ([]recurrence.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listByMonthLocked(owner, year, month), nil
}

func (m *Memory) listByMonthLocked(owner recurrence.OwnerID, year int, month time.Month) []recurrence.Occurrence {
	var out []recurrence.Occurrence
	for _, o := range m.occurrences {
		if o.OwnerID == owner && o.DataTransacao.Year() == year && o.DataTransacao.Month() == month {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DataTransacao.Equal(out[j].DataTransacao) {
			return out[i].DataTransacao.Before(out[j].DataTransacao)
		}
		return m.order[out[i].ID] < m.order[out[j].ID]
	})
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction, simulated with a snapshot that is
// restored when fn fails. Other callers block until fn returns.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(recurrence.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	series      map[recurrence.SeriesID]recurrence.Series
	occurrences map[recurrence.OccurrenceID]recurrence.Occurrence
	parcelas    map[parcelaKey]recurrence.OccurrenceID
	order       map[recurrence.OccurrenceID]int64
	seq         int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	return memorySnapshot{
		series:      copyMap(tm.series),
		occurrences: copyMap(tm.occurrences),
		parcelas:    copyMap(tm.parcelas),
		order:       copyMap(tm.order),
		seq:         tm.seq,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.series = s.series
	tm.occurrences = s.occurrences
	tm.parcelas = s.parcelas
	tm.order = s.order
	tm.seq = s.seq
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// txMemoryView runs against the parent's maps while WithTx holds its lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateSeries(_ context.Context, s recurrence.Series) error {
	return tv.parent.createSeriesLocked(s)
}

func (tv *txMemoryView) UpdateSeries(_ context.Context, s recurrence.Series) error {
	return tv.parent.updateSeriesLocked(s)
}

func (tv *txMemoryView) DeleteSeries(_ context.Context, id recurrence.SeriesID) error {
	return tv.parent.deleteSeriesLocked(id)
}

func (tv *txMemoryView) GetSeries(_ context.Context, owner recurrence.OwnerID, id recurrence.SeriesID) (recurrence.Series, error) {
	return tv.parent.getSeriesLocked(owner, id)
}

func (tv *txMemoryView) ListSeries(_ context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	return tv.parent.listSeriesLocked(func(s recurrence.Series) bool { return s.OwnerID == owner }), nil
}

func (tv *txMemoryView) ListActiveFixa(_ context.Context) ([]recurrence.Series, error) {
	return tv.parent.listSeriesLocked(recurrence.Series.IsActiveFixa), nil
}

func (tv *txMemoryView) InsertOccurrences(_ context.Context, occs []recurrence.Occurrence) error {
	return tv.parent.insertLocked(occs)
}

func (tv *txMemoryView) UpdateOccurrence(_ context.Context, o recurrence.Occurrence) error {
	return tv.parent.updateOccurrenceLocked(o)
}

func (tv *txMemoryView) DeleteOccurrences(_ context.Context, ids []recurrence.OccurrenceID) error {
	tv.parent.deleteOccurrencesLocked(ids)
	return nil
}

func (tv *txMemoryView) GetOccurrence(_ context.Context, owner recurrence.OwnerID, id recurrence.OccurrenceID) (recurrence.Occurrence, error) {
	return tv.parent.getOccurrenceLocked(owner, id)
}

func (tv *txMemoryView) ListBySeries(_ context.Context, id recurrence.SeriesID) ([]recurrence.Occurrence, error) {
	return tv.parent.listBySeriesLocked(id), nil
}

func (tv *txMemoryView) ListByMonth(_ context.Context, owner recurrence.OwnerID, year int, month time.Month) ([]recurrence.Occurrence, error) {
	return tv.parent.listByMonthLocked(owner, year, month), nil
}

var _ recurrence.TxStore = (*TxMemory)(nil)
