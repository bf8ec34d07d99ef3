package recurrence

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOCKER - Per-series mutual exclusion
// =============================================================================

// Locker serializes materialization and edits of one series.
// Acquire blocks until the lock is held, the timeout elapses or ctx is done.
// A timeout yields ErrMaterializationConflict.
type Locker interface {
	Acquire(ctx context.Context, key SeriesID) (release func(), err error)
}

// TryLocker is a Locker that can also give up at once when the key is held.
// ok is false, with a nil error, when someone else holds it.
type TryLocker interface {
	Locker
	TryAcquire(ctx context.Context, key SeriesID) (release func(), ok bool, err error)
}

// KeyedLocker is an in-process Locker: one buffered channel per key.
type KeyedLocker struct {
	Timeout time.Duration

	mu    sync.Mutex
	slots map[SeriesID]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{Timeout: timeout, slots: make(map[SeriesID]*slot)}
}

func (l *KeyedLocker) Acquire(ctx context.Context, key SeriesID) (func(), error) {
	s := l.ref(key)

	var timeout <-chan time.Time
	if l.Timeout > 0 {
		t := time.NewTimer(l.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s.ch <- struct{}{}:
	case <-timeout:
		l.unref(key)
		return nil, ErrMaterializationConflict
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}

	return l.releaser(key, s), nil
}

func (l *KeyedLocker) TryAcquire(ctx context.Context, key SeriesID) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return l.releaser(key, s), true, nil
	default:
		l.unref(key)
		return nil, false, nil
	}
}

func (l *KeyedLocker) releaser(key SeriesID, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key)
		})
	}
}

func (l *KeyedLocker) ref(key SeriesID) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[SeriesID]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *KeyedLocker) unref(key SeriesID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
