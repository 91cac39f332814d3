// Package store persists connection, SMTP and HTTP aggregates in SQLite,
// MySQL or DuckDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/brocess/internal/logger"
	"github.com/tinytelemetry/brocess/internal/model"
)

// Config selects and tunes a backend.
type Config struct {
	Backend  Backend
	Database string // connection string; format depends on Backend
	// CommitLimit is the number of upserts per transaction; 0 uses the
	// backend default.
	CommitLimit  int
	QueryTimeout time.Duration
	// RetryTimeout bounds retries while the store is locked by another
	// writer; 0 uses DefaultRetryTimeout.
	RetryTimeout time.Duration
}

// Store is the record store: schema ownership, version guard, upserts and
// aggregate queries.
type Store struct {
	dialect      Dialect
	engine       *Engine
	QueryTimeout time.Duration
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	d, err := NewDialect(cfg.Backend, cfg.Database)
	if err != nil {
		return nil, err
	}
	e := NewEngine(d, cfg.CommitLimit)
	e.SetRetryTimeout(cfg.RetryTimeout)
	return newStore(d, e, cfg.QueryTimeout), nil
}

func newStore(d Dialect, e *Engine, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = model.DefaultQueryTimeout
	}
	return &Store{dialect: d, engine: e, QueryTimeout: queryTimeout}
}

// Backend reports the configured backend.
func (s *Store) Backend() Backend { return s.dialect.Backend() }

// CommitLimit reports the effective upserts per transaction.
func (s *Store) CommitLimit() int { return s.engine.CommitLimit() }

// Open establishes the session. It is a no-op when already open.
func (s *Store) Open(ctx context.Context) error {
	return s.engine.Open(ctx)
}

// Close commits pending upserts and closes the session.
func (s *Store) Close() error {
	return s.engine.Close()
}

func (s *Store) db() (*sql.DB, error) {
	db := s.engine.DB()
	if db == nil {
		return nil, fmt.Errorf("%w: database is not open", model.ErrStorage)
	}
	return db, nil
}

// Instantiate creates the properties table and version row on a fresh
// database, or verifies the stored version on an existing one, then
// ensures the aggregate tables exist. A version mismatch returns
// model.ErrVersionMismatch before any table is touched.
func (s *Store) Instantiate(ctx context.Context) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	if err := s.engine.Commit(); err != nil {
		return err
	}

	exists, err := s.dialect.TableExists(ctx, db, tableProperties)
	if err != nil {
		return fmt.Errorf("%w: check properties table: %v", model.ErrStorage, err)
	}
	if exists {
		if err := s.checkVersion(ctx, db); err != nil {
			return err
		}
	} else if err := s.createProperties(ctx, db); err != nil {
		return err
	}

	if err := s.execSchema(ctx, db, "tables"); err != nil {
		return err
	}
	logger.Debugf("%s schema ready (version %s)", s.dialect.Backend(), model.SchemaVersion)
	return nil
}

func (s *Store) execSchema(ctx context.Context, db *sql.DB, part string) error {
	stmts, err := loadSchema(s.dialect.Backend().String(), part)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: create %s: %v", model.ErrStorage, part, err)
		}
	}
	return nil
}

func (s *Store) createProperties(ctx context.Context, db *sql.DB) error {
	if err := s.execSchema(ctx, db, "properties"); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO properties (label, value) VALUES (?, ?)", versionLabel, model.SchemaVersion)
	switch {
	case err == nil:
		return nil
	case s.dialect.IsDuplicateKey(err):
		// Another process created the row first.
		return s.checkVersion(ctx, db)
	default:
		return fmt.Errorf("%w: write schema version: %v", model.ErrStorage, err)
	}
}

func (s *Store) checkVersion(ctx context.Context, db *sql.DB) error {
	var version sql.NullString
	err := db.QueryRowContext(ctx,
		"SELECT value FROM properties WHERE label = ?", versionLabel).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && !version.Valid):
		return fmt.Errorf("%w: database corruption, cannot determine version number", model.ErrVersionMismatch)
	case err != nil:
		return fmt.Errorf("%w: read schema version: %v", model.ErrStorage, err)
	case version.String != model.SchemaVersion:
		return fmt.Errorf("%w: database version=%s, api version=%s",
			model.ErrVersionMismatch, version.String, model.SchemaVersion)
	}
	return nil
}

// Reset drops every core table. SQLite and DuckDB files are removed and
// the store is closed.
func (s *Store) Reset(ctx context.Context) error {
	db, err := s.db()
	if err != nil {
		return err
	}
	if err := s.engine.Commit(); err != nil {
		return err
	}
	for _, st := range s.dialect.DropTables(coreTables) {
		if _, err := db.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("%w: drop tables: %v", model.ErrStorage, err)
		}
	}
	if err := s.engine.Close(); err != nil {
		return err
	}
	if err := s.dialect.RemoveFiles(); err != nil {
		return fmt.Errorf("%w: remove database files: %v", model.ErrStorage, err)
	}
	return nil
}

// AddConnRecord counts a connection in connlog when it completed normally,
// else in connerr.
func (s *Store) AddConnRecord(ctx context.Context, r model.ConnRecord) error {
	table := tableConnErr
	if r.Successful() {
		table = tableConnLog
	}
	return s.upsert(ctx, upsert{
		table:     table,
		keys:      []string{"sourceip", "destip", "destport"},
		keyArgs:   []interface{}{r.SourceIP, r.DestIP, r.DestPort},
		firstSeen: r.FirstSeen,
	})
}

// AddSMTPRecord counts one sender/recipient pair.
func (s *Store) AddSMTPRecord(ctx context.Context, r model.SMTPRecord) error {
	return s.upsert(ctx, upsert{
		table:     tableSMTPLog,
		keys:      []string{"source", "destination"},
		keyArgs:   []interface{}{r.Source, r.Destination},
		firstSeen: r.FirstSeen,
	})
}

// AddHTTPRecord counts one hostname suffix.
func (s *Store) AddHTTPRecord(ctx context.Context, r model.HTTPRecord) error {
	return s.upsert(ctx, upsert{
		table:     tableHTTPLog,
		keys:      []string{"host"},
		keyArgs:   []interface{}{r.Host},
		firstSeen: r.FirstSeen,
	})
}

func (s *Store) upsert(ctx context.Context, u upsert) error {
	if err := s.engine.Exec(ctx, s.dialect.Upsert(u)); err != nil {
		return fmt.Errorf("%s %v: %w", u.table, u.keyArgs, err)
	}
	return nil
}
