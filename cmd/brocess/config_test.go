package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/brocess/internal/model"
	"github.com/tinytelemetry/brocess/internal/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const iniConfig = `[main]
dbtype = sqlite
eventlog = /var/log/brocess/brocess.log

[sqlite]
database = /var/lib/brocess/brocess.db

[mysql]
database = server=db;database=bro;uid=bro;pwd=secret

[watchlogs]
connlog = conn*.log.gz
smtplog = smtp*.log.gz
httplog = http*.log.gz

[conn_dest_whitelist_ips]
dns1 = 10.0.0.53
dns2 = 10.0.0.54

[conn_dest_whitelist_ports]
ntp = 123

[smtp_whitelist_source]
noreply = noreply@example.com
`

func TestLoadConfig_INILayout(t *testing.T) {
	path := writeFile(t, "brocess.ini", iniConfig)

	cfg, err := loadConfig(path, nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DBType != "sqlite" {
		t.Errorf("DBType = %q, want sqlite", cfg.DBType)
	}
	if cfg.Database != "/var/lib/brocess/brocess.db" {
		t.Errorf("Database = %q, want the [sqlite] database", cfg.Database)
	}
	if cfg.LogFile != "/var/log/brocess/brocess.log" {
		t.Errorf("LogFile = %q, want eventlog", cfg.LogFile)
	}
	if cfg.ConnLog != "conn*.log.gz" || cfg.SMTPLog != "smtp*.log.gz" || cfg.HTTPLog != "http*.log.gz" {
		t.Errorf("patterns = %+v", cfg.patterns())
	}
	if cfg.LogLevel != defaultLogLevel || cfg.APIAddr != defaultAPIAddr || cfg.QueryTimeout != defaultQueryTimeout ||
		cfg.RetryTimeout != store.DefaultRetryTimeout {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}

	wl := cfg.Whitelists
	if !wl.ConnDestIPs.Contains("10.0.0.53") || !wl.ConnDestIPs.Contains("10.0.0.54") {
		t.Errorf("ConnDestIPs = %v, want the section values", wl.ConnDestIPs)
	}
	if wl.ConnDestIPs.Contains("dns1") {
		t.Error("ConnDestIPs contains an option name, want values only")
	}
	if !wl.ConnDestPorts.Contains("123") {
		t.Errorf("ConnDestPorts = %v", wl.ConnDestPorts)
	}
	if !wl.SMTPSources.Contains("noreply@example.com") {
		t.Errorf("SMTPSources = %v", wl.SMTPSources)
	}
	if wl.ConnSourceIPs.Contains("10.0.0.53") {
		t.Error("ConnSourceIPs should be empty")
	}
}

func TestLoadConfig_INIDatabaseFollowsDBType(t *testing.T) {
	path := writeFile(t, "brocess.ini", iniConfig)

	cfg, err := loadConfig(path, map[string]interface{}{"dbtype": "mysql"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Database != "server=db;database=bro;uid=bro;pwd=secret" {
		t.Errorf("Database = %q, want the [mysql] database", cfg.Database)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	doc := map[string]interface{}{
		"dbtype":   "duckdb",
		"database": "/tmp/brocess.duckdb",
		"connlog":  "*.conn.log.gz",
	}
	doc["commit-limit"] = 50
	doc["log-level"] = "debug"
	doc["query-timeout"] = "5s"
	doc["smtp_whitelist_destination"] = []string{"postmaster@example.com", " abuse@example.com "}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, "config.yml", string(raw))

	cfg, err := loadConfig(path, nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DBType != "duckdb" || cfg.Database != "/tmp/brocess.duckdb" || cfg.CommitLimit != 50 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ConnLog != "*.conn.log.gz" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.QueryTimeout != 5*time.Second {
		t.Errorf("QueryTimeout = %s, want 5s", cfg.QueryTimeout)
	}
	if !cfg.Whitelists.SMTPDestinations.Contains("abuse@example.com") {
		t.Errorf("SMTPDestinations = %v", cfg.Whitelists.SMTPDestinations)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeFile(t, "brocess.ini", iniConfig)
	t.Setenv("BROCESS_LOG_LEVEL", "warn")
	t.Setenv("BROCESS_CONNLOG", "env-conn*.gz")

	cfg, err := loadConfig(path, map[string]interface{}{
		"connlog":  "flag-conn*.gz",
		"database": "/flag.db",
		"remove":   "true",
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want the environment value", cfg.LogLevel)
	}
	if cfg.ConnLog != "flag-conn*.gz" {
		t.Errorf("ConnLog = %q, want the flag value", cfg.ConnLog)
	}
	if cfg.Database != "/flag.db" {
		t.Errorf("Database = %q, want the flag value", cfg.Database)
	}
	if !cfg.Remove {
		t.Error("Remove = false, want true")
	}
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.ini"), nil)
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := appConfig{DBType: "sqlite", Database: ":memory:", QueryTimeout: time.Second, RetryTimeout: time.Second}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Backend != store.BackendSQLite {
		t.Errorf("Backend = %s, want sqlite", cfg.Backend)
	}

	duck := appConfig{DBType: "DuckDB", QueryTimeout: time.Second, RetryTimeout: time.Second}
	if err := duck.validate(); err != nil {
		t.Errorf("in-memory duckdb: %v", err)
	}

	bad := appConfig{DBType: "oracle", CommitLimit: -1}
	err := bad.validate()
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	for _, want := range []string{"oracle", "database connection string", "commit-limit", "retry-timeout", "query-timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestINICodec_Encode(t *testing.T) {
	out, err := iniCodec{}.Encode(map[string]any{
		"dbtype":    "sqlite",
		"watchlogs": map[string]any{"connlog": "conn*.gz"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got := make(map[string]any)
	if err := (iniCodec{}).Decode(out, got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got["dbtype"] != "sqlite" {
		t.Errorf("dbtype = %v, want sqlite", got["dbtype"])
	}
	section, ok := got["watchlogs"].(map[string]any)
	if !ok || section["connlog"] != "conn*.gz" {
		t.Errorf("watchlogs = %v", got["watchlogs"])
	}
}

func TestINICodec_Decode(t *testing.T) {
	src := "dbtype = sqlite\n" +
		"; a whole-line comment\n" +
		"[MySQL]\n" +
		"Database = server=db;database=bro;uid=bro;pwd=se#cret\n"

	got := make(map[string]any)
	if err := (iniCodec{}).Decode([]byte(src), got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := map[string]any{
		"dbtype": "sqlite",
		"mysql":  map[string]any{"database": "server=db;database=bro;uid=bro;pwd=se#cret"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_INIMySQLOpensConnectString(t *testing.T) {
	path := writeFile(t, "brocess.ini", "[main]\ndbtype = mysql\n\n[mysql]\ndatabase = server=db;database=bro;uid=bro;pwd=secret\n")

	cfg, err := loadConfig(path, nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := store.New(cfg.storeConfig()); err != nil {
		t.Errorf("store.New on the INI connect string: %v", err)
	}
}
