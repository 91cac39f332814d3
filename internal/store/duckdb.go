package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckdb/duckdb-go/v2"
)

// duckdbDialect uses the native ON CONFLICT upsert and defers commits.
// An empty path or ":memory:" opens an in-memory database. A database file
// admits one writing process at a time; a second process is refused at
// open rather than queued.
type duckdbDialect struct {
	path string
}

func newDuckDBDialect(database string) (Dialect, error) {
	path := strings.TrimSpace(database)
	if path == sqliteMemory {
		path = ""
	}
	return &duckdbDialect{path: path}, nil
}

func (d *duckdbDialect) Backend() Backend        { return BackendDuckDB }
func (d *duckdbDialect) DriverName() string      { return "duckdb" }
func (d *duckdbDialect) DSN() string             { return d.path }
func (d *duckdbDialect) DefaultCommitLimit() int { return 1000 }

func (d *duckdbDialect) Configure(_ context.Context, _ *sql.DB) error {
	if d.path == "" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(d.path), 0o755)
}

func (d *duckdbDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema='main' AND table_name=?", table).Scan(&n)
	return n > 0, err
}

func (d *duckdbDialect) Upsert(u upsert) []statement {
	return nativeUpsert(u, fmt.Sprintf(
		"ON CONFLICT (%s) DO UPDATE SET numconnections=%s.numconnections+1",
		strings.Join(u.keys, ","), u.table))
}

func (d *duckdbDialect) DropTables(tables []string) []statement { return dropEach(tables) }

func duckdbErrorType(err error) (duckdb.ErrorType, bool) {
	var de *duckdb.Error
	if !errors.As(err, &de) {
		return 0, false
	}
	return de.Type, true
}

func (d *duckdbDialect) IsDuplicateKey(err error) bool {
	t, ok := duckdbErrorType(err)
	return ok && t == duckdb.ErrorTypeConstraint
}

func (d *duckdbDialect) IsRetryable(err error) bool {
	t, ok := duckdbErrorType(err)
	return ok && t == duckdb.ErrorTypeTransaction
}

func (d *duckdbDialect) IsLockConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflicting lock") || strings.Contains(msg, "Could not set lock")
}

func (d *duckdbDialect) RemoveFiles() error {
	if d.path == "" {
		return nil
	}
	for _, suffix := range []string{"", ".wal"} {
		if err := os.Remove(d.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
