package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinytelemetry/brocess/internal/logger"
	"github.com/tinytelemetry/brocess/internal/model"
)

const (
	// DefaultRetryTimeout bounds how long one upsert keeps retrying while
	// the store reports lock contention.
	DefaultRetryTimeout = 2 * time.Minute

	retryBackoff    = 20 * time.Millisecond
	maxRetryBackoff = time.Second
)

// Engine owns the database session and batches upserts into transactions
// of commitLimit upserts. A limit of 1 commits after every upsert.
type Engine struct {
	dialect      Dialect
	commitLimit  int
	retryTimeout time.Duration

	mu      sync.Mutex
	db      *sql.DB
	tx      *sql.Tx
	pending [][]statement // upserts applied in tx but not yet committed
}

// NewEngine creates an engine. commitLimit <= 0 uses the dialect default.
func NewEngine(d Dialect, commitLimit int) *Engine {
	if commitLimit <= 0 {
		commitLimit = d.DefaultCommitLimit()
	}
	return &Engine{dialect: d, commitLimit: commitLimit, retryTimeout: DefaultRetryTimeout}
}

// SetRetryTimeout changes the lock-contention budget; d <= 0 keeps the
// current value.
func (e *Engine) SetRetryTimeout(d time.Duration) {
	if d > 0 {
		e.retryTimeout = d
	}
}

func backoff(attempt int) time.Duration {
	if attempt > 6 {
		return maxRetryBackoff
	}
	if d := retryBackoff << attempt; d < maxRetryBackoff {
		return d
	}
	return maxRetryBackoff
}

// newEngineWithDB wraps an already open handle.
func newEngineWithDB(d Dialect, db *sql.DB, commitLimit int) *Engine {
	e := NewEngine(d, commitLimit)
	e.db = db
	return e
}

// CommitLimit returns the number of upserts per transaction.
func (e *Engine) CommitLimit() int { return e.commitLimit }

// Open connects to the database. Calling Open on an open engine is a no-op.
// A file locked by another process is retried until the retry timeout
// passes, then reported as a configuration error.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return nil
	}
	db, err := e.openWithRetry(ctx, e.connect)
	if err != nil {
		return err
	}
	e.db = db
	return nil
}

func (e *Engine) openWithRetry(ctx context.Context, connect func(context.Context) (*sql.DB, error)) (*sql.DB, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		db, err := connect(ctx)
		if err == nil {
			return db, nil
		}
		if !e.dialect.IsLockConflict(err) {
			return nil, err
		}
		if time.Since(start) >= e.retryTimeout {
			return nil, fmt.Errorf("%w: %s database is locked by another process after waiting %s; "+
				"run one brocess at a time against this file or use sqlite or mysql: %v",
				model.ErrConfiguration, e.dialect.Backend(), time.Since(start).Round(time.Millisecond), err)
		}
		logger.Debugf("%s database locked, retrying open (attempt %d): %v", e.dialect.Backend(), attempt+2, err)
		if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
			return nil, fmt.Errorf("%w: open %s: %v", model.ErrStorage, e.dialect.Backend(), werr)
		}
	}
}

func (e *Engine) connect(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(e.dialect.DriverName(), e.dialect.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", model.ErrStorage, e.dialect.Backend(), err)
	}
	if err := e.dialect.Configure(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: configure %s: %w", model.ErrStorage, e.dialect.Backend(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect %s: %w", model.ErrStorage, e.dialect.Backend(), err)
	}
	return db, nil
}

// DB returns the underlying handle, or nil before Open.
func (e *Engine) DB() *sql.DB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

// Exec applies one upsert's statements. Retryable errors are retried with
// backoff until the retry timeout passes; the failure then also wraps
// model.ErrStorageBusy. Upserts accepted earlier stay pending across a
// rolled-back transaction and are replayed into the next one.
func (e *Engine) Exec(ctx context.Context, stmts []statement) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return fmt.Errorf("%w: database is not open", model.ErrStorage)
	}
	return e.retry(ctx, "upsert", func() error { return e.apply(ctx, stmts) })
}

// retry runs op until it succeeds, fails with a non-retryable error, or
// the retry timeout passes.
func (e *Engine) retry(ctx context.Context, what string, op func() error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		e.rollback()
		if !e.dialect.IsRetryable(err) {
			var re *replayError
			if errors.As(err, &re) {
				logger.Errorf("lost %d uncommitted upserts: %v", len(e.pending), err)
				e.pending = nil
			}
			return fmt.Errorf("%w: %s: %v", model.ErrStorage, what, err)
		}
		if time.Since(start) >= e.retryTimeout {
			return fmt.Errorf("%w: %w: %s gave up after %d attempts in %s: %v",
				model.ErrStorage, model.ErrStorageBusy, what, attempt+1, time.Since(start).Round(time.Millisecond), err)
		}
		logger.Debugf("retrying %s (attempt %d): %v", what, attempt+2, err)
		if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrStorage, what, werr)
		}
	}
}

// replayError is a failure while re-applying pending upserts.
type replayError struct {
	err error
}

func (r *replayError) Error() string { return "replay pending upserts: " + r.err.Error() }
func (r *replayError) Unwrap() error { return r.err }

// begin opens a transaction holding every pending upsert.
func (e *Engine) begin(ctx context.Context) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmts := range e.pending {
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
				_ = tx.Rollback()
				return &replayError{err: err}
			}
		}
	}
	e.tx = tx
	return nil
}

func (e *Engine) apply(ctx context.Context, stmts []statement) error {
	if e.tx == nil {
		if err := e.begin(ctx); err != nil {
			return err
		}
	}
	for _, s := range stmts {
		if _, err := e.tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return err
		}
	}
	e.pending = append(e.pending, stmts)
	if len(e.pending) < e.commitLimit {
		return nil
	}
	if err := e.tx.Commit(); err != nil {
		// The tx is gone; drop this upsert so the caller's retry re-applies it.
		e.pending = e.pending[:len(e.pending)-1]
		e.tx = nil
		return err
	}
	e.tx = nil
	e.pending = nil
	return nil
}

// rollback discards the open transaction. Pending upserts are kept.
func (e *Engine) rollback() {
	if e.tx != nil {
		_ = e.tx.Rollback()
		e.tx = nil
	}
}

// Commit flushes the open transaction, if any.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitLocked()
}

func (e *Engine) commitLocked() error {
	if e.tx == nil && len(e.pending) == 0 {
		return nil
	}
	ctx := context.Background()
	n := len(e.pending)
	err := e.retry(ctx, fmt.Sprintf("commit %d upserts", n), func() error {
		if e.tx == nil {
			if err := e.begin(ctx); err != nil {
				return err
			}
		}
		err := e.tx.Commit()
		e.tx = nil
		if err == nil {
			e.pending = nil
		}
		return err
	})
	if err != nil && len(e.pending) > 0 {
		logger.Errorf("lost %d uncommitted upserts: %v", len(e.pending), err)
		e.pending = nil
	}
	return err
}

// Close commits outstanding upserts and closes the session.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.commitLocked()
	if cerr := e.db.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close: %v", model.ErrStorage, cerr)
	}
	e.db = nil
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
