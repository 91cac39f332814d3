package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/brocess/internal/model"
)

// Two stores on one SQLite file behave like two brocess processes.
func TestStore_ConcurrentProcessesNoLostUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	const perWriter = 150

	writers := []*Store{
		newTestStore(t, BackendSQLite, path, 10),
		newTestStore(t, BackendSQLite, path, 1),
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, w := range writers {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				if err := w.AddConnRecord(ctx, conn("SF", "10.0.0.1", "10.0.0.2", 25, float64(i))); err != nil {
					return err
				}
			}
			return w.Close()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent upserts: %v", err)
	}

	check := newTestStore(t, BackendSQLite, path, 0)
	rows, err := check.TopConnections(context.Background(), model.ConnFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].NumConnections != 2*perWriter {
		t.Errorf("rows = %+v, want one row with count %d", rows, 2*perWriter)
	}
}

// A writer at the default SQLite commit limit keeps re-taking the write
// lock; a per-write peer must wait its turn rather than drop increments.
func TestStore_DefaultLimitWriterDoesNotStarvePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	const (
		bulk = 20000
		peer = 5
	)

	busy := newTestStore(t, BackendSQLite, path, 0)
	if busy.CommitLimit() != 1000 {
		t.Fatalf("CommitLimit = %d, want the sqlite default 1000", busy.CommitLimit())
	}
	single := newTestStore(t, BackendSQLite, path, 1)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for i := 0; i < bulk; i++ {
			if err := busy.AddHTTPRecord(ctx, model.HTTPRecord{Host: "example.com", FirstSeen: 1}); err != nil {
				return err
			}
		}
		return busy.Close()
	})
	g.Go(func() error {
		for i := 0; i < peer; i++ {
			if err := single.AddHTTPRecord(ctx, model.HTTPRecord{Host: "example.com", FirstSeen: 2}); err != nil {
				return err
			}
		}
		return single.Close()
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent upserts: %v", err)
	}

	check := newTestStore(t, BackendSQLite, path, 0)
	got, err := check.HTTPHost(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.NumConnections != bulk+peer {
		t.Errorf("count = %d, want %d", got.NumConnections, bulk+peer)
	}
}

func TestStore_ConcurrentGoroutinesSharedStore(t *testing.T) {
	s := newTestStore(t, BackendDuckDB, "", 7)
	const (
		workers   = 4
		perWorker = 50
	)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				if err := s.AddHTTPRecord(context.Background(), model.HTTPRecord{Host: "example.com", FirstSeen: 1}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent upserts: %v", err)
	}

	got, err := s.HTTPHost(context.Background(), "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.NumConnections != workers*perWorker {
		t.Errorf("count = %d, want %d", got.NumConnections, workers*perWorker)
	}
}

var errDuckDBLocked = errors.New(`IO Error: Could not set lock on file "/var/lib/brocess/bro.duckdb": Conflicting lock is held in /usr/bin/brocess (PID 4242)`)

func TestDuckDB_IsLockConflict(t *testing.T) {
	d := &duckdbDialect{path: "bro.duckdb"}
	if !d.IsLockConflict(errDuckDBLocked) {
		t.Error("lock error not recognized")
	}
	if d.IsLockConflict(errors.New("Catalog Error: table x does not exist")) || d.IsLockConflict(nil) {
		t.Error("unrelated error reported as a lock conflict")
	}
	if (&sqliteDialect{path: "bro.db"}).IsLockConflict(errDuckDBLocked) {
		t.Error("sqlite queues on its busy timeout and never refuses at open")
	}
}

// A second process on a DuckDB file waits for the holder to exit.
func TestEngine_OpenWaitsForDuckDBLock(t *testing.T) {
	e := NewEngine(&duckdbDialect{path: "bro.duckdb"}, 0)
	e.SetRetryTimeout(time.Minute)

	held := 2
	connect := func(context.Context) (*sql.DB, error) {
		if held > 0 {
			held--
			return nil, errDuckDBLocked
		}
		return &sql.DB{}, nil
	}
	db, err := e.openWithRetry(context.Background(), connect)
	if err != nil {
		t.Fatalf("openWithRetry: %v", err)
	}
	if db == nil || held != 0 {
		t.Errorf("db = %v, remaining failures = %d", db, held)
	}
}

func TestEngine_OpenLockedDuckDBIsConfigurationError(t *testing.T) {
	e := NewEngine(&duckdbDialect{path: "bro.duckdb"}, 0)
	e.SetRetryTimeout(50 * time.Millisecond)

	_, err := e.openWithRetry(context.Background(), func(context.Context) (*sql.DB, error) {
		return nil, errDuckDBLocked
	})
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	for _, want := range []string{"locked by another process", "sqlite or mysql"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestEngine_OpenOtherErrorNotRetried(t *testing.T) {
	e := NewEngine(&duckdbDialect{path: "bro.duckdb"}, 0)
	calls := 0
	boom := errors.New("permission denied")
	_, err := e.openWithRetry(context.Background(), func(context.Context) (*sql.DB, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err = %v after %d calls, want the first error unchanged", err, calls)
	}
}
