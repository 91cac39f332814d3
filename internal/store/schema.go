package store

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// Core tables in drop order.
const (
	tableProperties = "properties"
	tableConnLog    = "connlog"
	tableConnErr    = "connerr"
	tableSMTPLog    = "smtplog"
	tableHTTPLog    = "httplog"
)

var coreTables = []string{tableProperties, tableConnLog, tableConnErr, tableSMTPLog, tableHTTPLog}

const versionLabel = "VERSION"

// loadSchema returns the statements of schema/<dialect>_<part>.sql.
func loadSchema(dialect, part string) ([]string, error) {
	name := fmt.Sprintf("schema/%s_%s.sql", dialect, part)
	data, err := schemaFiles.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var stmts []string
	for _, s := range strings.Split(string(data), ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}
