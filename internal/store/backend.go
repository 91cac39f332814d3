package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinytelemetry/brocess/internal/model"
)

// Backend selects a database engine.
type Backend int

const (
	BackendUnknown Backend = iota
	BackendSQLite
	BackendMySQL
	BackendDuckDB
)

var backendNames = map[Backend]string{
	BackendSQLite: "sqlite",
	BackendMySQL:  "mysql",
	BackendDuckDB: "duckdb",
}

func (b Backend) String() string {
	if n, ok := backendNames[b]; ok {
		return n
	}
	return "unknown"
}

// ParseBackend maps a dbtype setting to a Backend.
func ParseBackend(s string) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for b, n := range backendNames {
		if n == name {
			return b, nil
		}
	}
	return BackendUnknown, fmt.Errorf("%w: unknown dbtype %q (want one of %s)",
		model.ErrConfiguration, s, strings.Join(BackendNames(), ", "))
}

// BackendNames lists the registered backend names.
func BackendNames() []string {
	names := make([]string, 0, len(registry))
	for b := range registry {
		names = append(names, b.String())
	}
	sort.Strings(names)
	return names
}

type dialectFactory func(database string) (Dialect, error)

var registry = map[Backend]dialectFactory{
	BackendSQLite: newSQLiteDialect,
	BackendMySQL:  newMySQLDialect,
	BackendDuckDB: newDuckDBDialect,
}

// NewDialect builds the dialect for b from its connection string.
func NewDialect(b Backend, database string) (Dialect, error) {
	f, ok := registry[b]
	if !ok {
		return nil, fmt.Errorf("%w: no store registered for %s", model.ErrConfiguration, b)
	}
	return f(database)
}
