package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// statement is one SQL statement with its arguments.
type statement struct {
	query string
	args  []interface{}
}

// upsert describes one logical insert-or-increment on an aggregate table.
type upsert struct {
	table     string
	keys      []string
	keyArgs   []interface{}
	firstSeen float64
}

func (u upsert) insertColumns() string {
	return strings.Join(append(append([]string(nil), u.keys...), "numconnections", "firstconnectdate"), ",")
}

func (u upsert) placeholders() string {
	return strings.TrimSuffix(strings.Repeat("?,", len(u.keys)), ",")
}

func (u upsert) insertArgs() []interface{} {
	return append(append([]interface{}(nil), u.keyArgs...), u.firstSeen)
}

func (u upsert) keyPredicate() string {
	parts := make([]string, len(u.keys))
	for i, k := range u.keys {
		parts[i] = k + "=?"
	}
	return strings.Join(parts, " AND ")
}

// Dialect adapts the store to one database engine.
type Dialect interface {
	Backend() Backend
	DriverName() string
	DSN() string
	// DefaultCommitLimit is the number of upserts per transaction.
	DefaultCommitLimit() int
	// Configure applies connection pool settings and session pragmas.
	Configure(ctx context.Context, db *sql.DB) error
	TableExists(ctx context.Context, db *sql.DB, table string) (bool, error)
	// Upsert returns the statements performing one insert-or-increment.
	Upsert(u upsert) []statement
	DropTables(tables []string) []statement
	IsDuplicateKey(err error) bool
	IsRetryable(err error) bool
	// IsLockConflict reports an open refused because another process
	// holds the database file.
	IsLockConflict(err error) bool
	// RemoveFiles deletes on-disk database files after a reset.
	RemoveFiles() error
}

// nativeUpsert builds a single insert statement with an engine-specific
// conflict clause appended.
func nativeUpsert(u upsert, conflict string) []statement {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s,1,?) %s",
		u.table, u.insertColumns(), u.placeholders(), conflict)
	return []statement{{query: q, args: u.insertArgs()}}
}

func dropEach(tables []string) []statement {
	stmts := make([]statement, 0, len(tables))
	for _, t := range tables {
		stmts = append(stmts, statement{query: "DROP TABLE IF EXISTS " + t})
	}
	return stmts
}
