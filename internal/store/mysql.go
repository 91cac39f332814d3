package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"

	"github.com/tinytelemetry/brocess/internal/model"
)

const (
	mysqlDefaultServer = "localhost"
	mysqlDefaultPort   = "3306"
)

// mysqlDialect commits after every upsert and relies on the native
// ON DUPLICATE KEY UPDATE.
type mysqlDialect struct {
	cfg *mysql.Config
}

func newMySQLDialect(database string) (Dialect, error) {
	cfg, err := parseMySQLConnectString(database)
	if err != nil {
		return nil, err
	}
	return &mysqlDialect{cfg: cfg}, nil
}

// parseMySQLConnectString accepts either "server=..;database=..;uid=..;pwd=.."
// (keys case-insensitive, server defaults to localhost, optional port) or a
// go-sql-driver DSN such as "user:pass@tcp(host:3306)/db".
func parseMySQLConnectString(s string) (*mysql.Config, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: mysql connection string is empty", model.ErrConfiguration)
	}
	if strings.Contains(s, "@") || (strings.Contains(s, "/") && !strings.Contains(s, "=")) {
		cfg, err := mysql.ParseDSN(s)
		if err != nil {
			return nil, fmt.Errorf("%w: mysql dsn: %v", model.ErrConfiguration, err)
		}
		return cfg, nil
	}

	vals := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		label, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: mysql connection string element %q is not label=value", model.ErrConfiguration, part)
		}
		vals[strings.ToLower(strings.TrimSpace(label))] = strings.TrimSpace(value)
	}
	var missing []string
	for _, k := range []string{"database", "uid", "pwd"} {
		if _, ok := vals[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: mysql connection string is missing %s", model.ErrConfiguration, strings.Join(missing, ", "))
	}

	server := vals["server"]
	if server == "" {
		server = mysqlDefaultServer
	}
	port := vals["port"]
	if port == "" {
		port = mysqlDefaultPort
	}

	cfg := mysql.NewConfig()
	cfg.User = vals["uid"]
	cfg.Passwd = vals["pwd"]
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(server, port)
	cfg.DBName = vals["database"]
	return cfg, nil
}

func (d *mysqlDialect) Backend() Backend        { return BackendMySQL }
func (d *mysqlDialect) DriverName() string      { return "mysql" }
func (d *mysqlDialect) DSN() string             { return d.cfg.FormatDSN() }
func (d *mysqlDialect) DefaultCommitLimit() int { return 1 }

func (d *mysqlDialect) Configure(_ context.Context, db *sql.DB) error {
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return nil
}

func (d *mysqlDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(table_name) FROM information_schema.tables WHERE table_schema=? AND table_name=?",
		d.cfg.DBName, table).Scan(&n)
	return n > 0, err
}

func (d *mysqlDialect) Upsert(u upsert) []statement {
	return nativeUpsert(u, "ON DUPLICATE KEY UPDATE numconnections=numconnections+1")
}

func (d *mysqlDialect) DropTables(tables []string) []statement {
	return []statement{{query: "DROP TABLE IF EXISTS " + strings.Join(tables, ",")}}
}

func mysqlNumber(err error) (uint16, bool) {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return 0, false
	}
	return me.Number, true
}

func (d *mysqlDialect) IsDuplicateKey(err error) bool {
	n, ok := mysqlNumber(err)
	return ok && n == mysqlerr.ER_DUP_ENTRY
}

func (d *mysqlDialect) IsLockConflict(error) bool { return false }

func (d *mysqlDialect) IsRetryable(err error) bool {
	switch n, ok := mysqlNumber(err); {
	case !ok:
		return false
	case n == mysqlerr.ER_LOCK_DEADLOCK, n == mysqlerr.ER_LOCK_WAIT_TIMEOUT:
		return true
	default:
		return false
	}
}

func (d *mysqlDialect) RemoveFiles() error { return nil }
