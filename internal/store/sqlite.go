package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tinytelemetry/brocess/internal/model"
)

const (
	sqliteMemory      = ":memory:"
	sqliteBusyTimeout = 5000 // ms
)

// sqliteDialect keeps one connection per process and defers commits.
// SQLite has no increment-on-conflict in the form used here, so each
// upsert is an insert-or-ignore with count 0 followed by an increment.
type sqliteDialect struct {
	path string
}

func newSQLiteDialect(database string) (Dialect, error) {
	path := strings.TrimSpace(database)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite database path is empty", model.ErrConfiguration)
	}
	return &sqliteDialect{path: path}, nil
}

func (d *sqliteDialect) inMemory() bool { return d.path == sqliteMemory }

func (d *sqliteDialect) Backend() Backend        { return BackendSQLite }
func (d *sqliteDialect) DriverName() string      { return "sqlite" }
func (d *sqliteDialect) DefaultCommitLimit() int { return 1000 }

// DSN begins write transactions immediately so concurrent processes queue
// on the busy timeout instead of failing at commit.
func (d *sqliteDialect) DSN() string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_txlock=immediate", d.path, sqliteBusyTimeout)
}

func (d *sqliteDialect) Configure(ctx context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if d.inMemory() {
		return nil
	}
	if dir := filepath.Dir(d.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set journal_mode: %w", err)
	}
	return nil
}

func (d *sqliteDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
	return n > 0, err
}

func (d *sqliteDialect) Upsert(u upsert) []statement {
	insert := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s,0,?)",
		u.table, u.insertColumns(), u.placeholders())
	update := fmt.Sprintf("UPDATE %s SET numconnections=numconnections+1 WHERE %s",
		u.table, u.keyPredicate())
	return []statement{
		{query: insert, args: u.insertArgs()},
		{query: update, args: u.keyArgs},
	}
}

func (d *sqliteDialect) DropTables(tables []string) []statement { return dropEach(tables) }

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code() & 0xff, true
}

func (d *sqliteDialect) IsDuplicateKey(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.SQLITE_CONSTRAINT
}

func (d *sqliteDialect) IsRetryable(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED)
}

// SQLite shares the file between processes and queues on the busy timeout.
func (d *sqliteDialect) IsLockConflict(error) bool { return false }

func (d *sqliteDialect) RemoveFiles() error {
	if d.inMemory() {
		return nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(d.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
