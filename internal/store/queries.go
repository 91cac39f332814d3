package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/tinytelemetry/brocess/internal/model"
)

// queryCtx returns a context bounded by the store's query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}

func clampLimit(limit int) uint64 {
	switch {
	case limit <= 0:
		return model.DefaultQueryLimit
	case limit > model.MaxQueryLimit:
		return model.MaxQueryLimit
	default:
		return uint64(limit)
	}
}

// readDB flushes pending upserts so reads see them and so a single
// connection pool is not held by an open transaction.
func (s *Store) readDB() (*sql.DB, error) {
	db, err := s.db()
	if err != nil {
		return nil, err
	}
	if err := s.engine.Commit(); err != nil {
		return nil, err
	}
	return db, nil
}

func (s *Store) query(ctx context.Context, b sq.SelectBuilder) (*sql.Rows, context.CancelFunc, error) {
	db, err := s.readDB()
	if err != nil {
		return nil, func() {}, err
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: build query: %v", model.ErrStorage, err)
	}
	ctx, cancel := s.queryCtx(ctx)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		cancel()
		return nil, func() {}, fmt.Errorf("%w: %v", model.ErrStorage, err)
	}
	return rows, cancel, nil
}

func connSelect(table string, f model.ConnFilter) sq.SelectBuilder {
	b := sq.Select("sourceip", "destip", "destport", "numconnections", "firstconnectdate").From(table)
	eq := sq.Eq{}
	if f.SourceIP != "" {
		eq["sourceip"] = f.SourceIP
	}
	if f.DestIP != "" {
		eq["destip"] = f.DestIP
	}
	if f.DestPort > 0 {
		eq["destport"] = f.DestPort
	}
	if len(eq) > 0 {
		b = b.Where(eq)
	}
	return b.OrderBy("numconnections DESC", "sourceip", "destip", "destport").Limit(clampLimit(f.Limit))
}

func (s *Store) connAggregates(ctx context.Context, table string, f model.ConnFilter) ([]model.ConnAggregate, error) {
	rows, cancel, err := s.query(ctx, connSelect(table, f))
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConnAggregate
	for rows.Next() {
		var a model.ConnAggregate
		var first sql.NullFloat64
		if err := rows.Scan(&a.SourceIP, &a.DestIP, &a.DestPort, &a.NumConnections, &first); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", model.ErrStorage, table, err)
		}
		a.FirstSeen = first.Float64
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopConnections returns the most frequent successful connections.
func (s *Store) TopConnections(ctx context.Context, f model.ConnFilter) ([]model.ConnAggregate, error) {
	return s.connAggregates(ctx, tableConnLog, f)
}

// TopConnectionErrors returns the most frequent failed connections.
func (s *Store) TopConnectionErrors(ctx context.Context, f model.ConnFilter) ([]model.ConnAggregate, error) {
	return s.connAggregates(ctx, tableConnErr, f)
}

// TopSMTP returns the most frequent sender/recipient pairs.
func (s *Store) TopSMTP(ctx context.Context, f model.SMTPFilter) ([]model.SMTPAggregate, error) {
	b := sq.Select("source", "destination", "numconnections", "firstconnectdate").From(tableSMTPLog)
	eq := sq.Eq{}
	if f.Source != "" {
		eq["source"] = f.Source
	}
	if f.Destination != "" {
		eq["destination"] = f.Destination
	}
	if len(eq) > 0 {
		b = b.Where(eq)
	}
	b = b.OrderBy("numconnections DESC", "source", "destination").Limit(clampLimit(f.Limit))

	rows, cancel, err := s.query(ctx, b)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SMTPAggregate
	for rows.Next() {
		var a model.SMTPAggregate
		var first sql.NullFloat64
		if err := rows.Scan(&a.Source, &a.Destination, &a.NumConnections, &first); err != nil {
			return nil, fmt.Errorf("%w: scan smtplog: %v", model.ErrStorage, err)
		}
		a.FirstSeen = first.Float64
		out = append(out, a)
	}
	return out, rows.Err()
}

func httpSelect() sq.SelectBuilder {
	return sq.Select("host", "numconnections", "firstconnectdate").From(tableHTTPLog)
}

func scanHTTP(rows *sql.Rows) ([]model.HTTPAggregate, error) {
	var out []model.HTTPAggregate
	for rows.Next() {
		var a model.HTTPAggregate
		var first sql.NullFloat64
		if err := rows.Scan(&a.Host, &a.NumConnections, &first); err != nil {
			return nil, fmt.Errorf("%w: scan httplog: %v", model.ErrStorage, err)
		}
		a.FirstSeen = first.Float64
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopHTTP returns the most requested hostnames, optionally restricted to
// one domain suffix.
func (s *Store) TopHTTP(ctx context.Context, f model.HTTPFilter) ([]model.HTTPAggregate, error) {
	b := httpSelect()
	if f.Suffix != "" {
		b = b.Where(sq.Or{sq.Eq{"host": f.Suffix}, sq.Expr("host LIKE ? ESCAPE '!'", "%."+escapeLike(f.Suffix))})
	}
	b = b.OrderBy("numconnections DESC", "host").Limit(clampLimit(f.Limit))

	rows, cancel, err := s.query(ctx, b)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHTTP(rows)
}

// HTTPHost returns the aggregate for exactly host.
func (s *Store) HTTPHost(ctx context.Context, host string) (*model.HTTPAggregate, error) {
	rows, cancel, err := s.query(ctx, httpSelect().Where(sq.Eq{"host": host}))
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanHTTP(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: host %q", model.ErrNotFound, host)
	}
	return &out[0], nil
}

// TableRowCounts returns the row count of each aggregate table.
func (s *Store) TableRowCounts(ctx context.Context) (map[string]int64, error) {
	db, err := s.readDB()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	counts := make(map[string]int64, len(coreTables)-1)
	for _, table := range coreTables[1:] {
		q, args, err := sq.Select("count(*)").From(table).ToSql()
		if err != nil {
			return nil, fmt.Errorf("%w: build count: %v", model.ErrStorage, err)
		}
		var n int64
		if err := db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("%w: count %s: %v", model.ErrStorage, table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

var _ model.AggregateReader = (*Store)(nil)
var _ model.RecordSink = (*Store)(nil)

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// escapeLike makes s match literally inside a LIKE pattern using '!' as
// the escape character.
func escapeLike(s string) string { return likeEscaper.Replace(s) }
