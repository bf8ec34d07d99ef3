/*
Package pglock provides a recurrence.Locker backed by PostgreSQL advisory locks.

PURPOSE:
  The in-process KeyedLocker only serializes writers inside one process.
  When several engine instances share a database, the per-series lock has
  to live in the database too.

HOW IT WORKS:
  Acquire takes a pooled connection and polls pg_try_advisory_lock on a
  key derived from the series ID until it succeeds or the timeout expires.
  Advisory locks belong to the session, so the connection stays checked
  out until release unlocks it and hands it back to the pool.
  TryAcquire makes a single attempt; read paths use it so they never wait.

USAGE:
  locker, err := pglock.New(ctx, os.Getenv("POSTGRES_URL"), 5*time.Second)
  if err != nil {
      log.Fatal(err)
  }
  defer locker.Close()
  engine.Locker = locker

SEE ALSO:
  - recurrence/lock.go: Locker interface and the in-process implementation
*/
package pglock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/recurrence-engine/recurrence"
)

const (
	defaultPollInterval = 25 * time.Millisecond
	unlockTimeout       = 5 * time.Second
)

// Locker serializes writers per series across processes.
type Locker struct {
	Pool         *pgxpool.Pool
	Timeout      time.Duration
	PollInterval time.Duration
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, timeout time.Duration) (*Locker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Locker{Pool: pool, Timeout: timeout}, nil
}

func (l *Locker) Close() {
	l.Pool.Close()
}

// Acquire blocks until the series lock is held, the timeout expires
// (ErrMaterializationConflict) or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key recurrence.SeriesID) (func(), error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, l.timeoutErr(ctx, key, err)
	}

	poll := l.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := tryLock(ctx, conn, key)
		if err != nil {
			conn.Release()
			return nil, l.timeoutErr(ctx, key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			conn.Release()
			return nil, l.timeoutErr(ctx, key, ctx.Err())
		}
	}
	return unlocker(conn, key), nil
}

// TryAcquire makes a single attempt. ok is false when another session
// holds the series lock.
func (l *Locker) TryAcquire(ctx context.Context, key recurrence.SeriesID) (func(), bool, error) {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for series %s: %w", key, err)
	}
	ok, err := tryLock(ctx, conn, key)
	if err != nil || !ok {
		conn.Release()
		return nil, false, err
	}
	return unlocker(conn, key), true, nil
}

func tryLock(ctx context.Context, conn *pgxpool.Conn, key recurrence.SeriesID) (bool, error) {
	var ok bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, string(key)).Scan(&ok)
	return ok, err
}

func unlocker(conn *pgxpool.Conn, key recurrence.SeriesID) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(uctx, `SELECT pg_advisory_unlock(hashtext($1))`, string(key)); err != nil {
				// the session still holds the lock; drop it instead of pooling it
				conn.Conn().Close(uctx)
			}
			conn.Release()
		})
	}
}

// timeoutErr reports our own deadline as a lock conflict and keeps the
// caller's cancellation as is.
func (l *Locker) timeoutErr(ctx context.Context, key recurrence.SeriesID, err error) error {
	if ctx.Err() == context.DeadlineExceeded && l.Timeout > 0 {
		return fmt.Errorf("series %s: %w", key, recurrence.ErrMaterializationConflict)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("advisory lock for series %s: %w", key, err)
}

var _ recurrence.TryLocker = (*Locker)(nil)
