package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/brocess/internal/ingest"
	"github.com/tinytelemetry/brocess/internal/model"
	"github.com/tinytelemetry/brocess/internal/store"
)

const (
	defaultLogLevel     = "info"
	defaultAPIAddr      = "127.0.0.1:3000"
	defaultQueryTimeout = model.DefaultQueryTimeout
	defaultININame      = "brocess.ini"
)

// Whitelist section names, shared by the INI and YAML layouts.
const (
	sectionConnSrcIPs    = "conn_src_whitelist_ips"
	sectionConnDestIPs   = "conn_dest_whitelist_ips"
	sectionConnDestPorts = "conn_dest_whitelist_ports"
	sectionSMTPSource    = "smtp_whitelist_source"
	sectionSMTPDest      = "smtp_whitelist_destination"
)

// appConfig is internal runtime configuration.
type appConfig struct {
	DBType       string        `mapstructure:"dbtype"`
	Database     string        `mapstructure:"database"`
	CommitLimit  int           `mapstructure:"commit-limit"`
	ConnLog      string        `mapstructure:"connlog"`
	SMTPLog      string        `mapstructure:"smtplog"`
	HTTPLog      string        `mapstructure:"httplog"`
	Remove       bool          `mapstructure:"remove"`
	LogLevel     string        `mapstructure:"log-level"`
	LogFile      string        `mapstructure:"log-file"`
	APIAddr      string        `mapstructure:"api-addr"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`
	RetryTimeout time.Duration `mapstructure:"retry-timeout"`

	Backend    store.Backend     `mapstructure:"-"`
	Whitelists ingest.Whitelists `mapstructure:"-"`
	ConfigPath string            `mapstructure:"-"` // not from config file
}

func (c appConfig) patterns() ingest.Patterns {
	return ingest.Patterns{Conn: c.ConnLog, SMTP: c.SMTPLog, HTTP: c.HTTPLog}
}

func (c appConfig) storeConfig() store.Config {
	return store.Config{
		Backend:      c.Backend,
		Database:     c.Database,
		CommitLimit:  c.CommitLimit,
		QueryTimeout: c.QueryTimeout,
		RetryTimeout: c.RetryTimeout,
	}
}

// loadConfig merges, highest first: overrides (set CLI flags), BROCESS_*
// environment variables, the config file, defaults. The config file may use
// the sectioned INI layout ([main], [<dbtype>], [watchlogs]); those values
// back-fill the flat keys.
func loadConfig(configPath string, overrides map[string]interface{}) (appConfig, error) {
	var cfg appConfig

	v := viper.NewWithOptions(viper.WithCodecRegistry(codecRegistry()))
	v.SetEnvPrefix("BROCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	path, explicit := resolveConfigPath(configPath)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFound viper.ConfigFileNotFoundError
			if explicit || (!errors.As(err, &configFileNotFound) && !os.IsNotExist(err)) {
				return cfg, fmt.Errorf("%w: reading %s: %v", model.ErrConfiguration, path, err)
			}
		} else {
			cfg.ConfigPath = v.ConfigFileUsed()
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	backfill(v, "log-file", "main.eventlog")
	backfill(v, "log-level", "main.log-level")
	backfill(v, "dbtype", "main.dbtype")
	for _, k := range []string{"connlog", "smtplog", "httplog"} {
		backfill(v, k, "watchlogs."+k)
	}
	if dbtype := v.GetString("dbtype"); dbtype != "" {
		section := strings.ToLower(strings.TrimSpace(dbtype))
		backfill(v, "database", section+".database")
		backfill(v, "commit-limit", section+".commit-limit")
		backfill(v, "retry-timeout", section+".retry-timeout")
	}

	for _, k := range []string{"dbtype", "database", "connlog", "smtplog", "httplog", "log-file"} {
		v.SetDefault(k, "")
	}
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("commit-limit", 0)
	v.SetDefault("retry-timeout", store.DefaultRetryTimeout)
	v.SetDefault("remove", false)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	cfg.Whitelists = ingest.Whitelists{
		ConnSourceIPs:    whitelist(v, sectionConnSrcIPs),
		ConnDestIPs:      whitelist(v, sectionConnDestIPs),
		ConnDestPorts:    whitelist(v, sectionConnDestPorts),
		SMTPSources:      whitelist(v, sectionSMTPSource),
		SMTPDestinations: whitelist(v, sectionSMTPDest),
	}
	return cfg, nil
}

// resolveConfigPath returns the file to read and whether the user named it.
func resolveConfigPath(configPath string) (string, bool) {
	if configPath != "" {
		return configPath, true
	}
	if exe, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exe), defaultININame)
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "brocess", "config.yml"), false
	}
	return "", false
}

func backfill(v *viper.Viper, key, fallback string) {
	if !v.IsSet(key) && v.IsSet(fallback) {
		v.Set(key, v.Get(fallback))
	}
}

// whitelist reads a section as a list (YAML) or as a map whose values are
// the whitelisted items (INI).
func whitelist(v *viper.Viper, key string) ingest.Whitelist {
	raw := v.Get(key)
	if raw == nil {
		return ingest.NewWhitelist()
	}
	var items []string
	switch val := raw.(type) {
	case map[string]interface{}, map[string]string:
		for _, item := range cast.ToStringMapString(val) {
			items = append(items, strings.TrimSpace(item))
		}
	case string:
		for _, item := range strings.Split(val, ",") {
			items = append(items, strings.TrimSpace(item))
		}
	default:
		for _, item := range cast.ToStringSlice(val) {
			items = append(items, strings.TrimSpace(item))
		}
	}
	return ingest.NewWhitelist(items...)
}

// validate checks what every mode needs. File processing additionally
// needs watch patterns, checked by the caller.
func (c *appConfig) validate() error {
	var errs []string

	if strings.TrimSpace(c.DBType) == "" {
		errs = append(errs, "dbtype is required (sqlite, mysql or duckdb)")
	} else if b, err := store.ParseBackend(c.DBType); err != nil {
		errs = append(errs, fmt.Sprintf("dbtype %q is not one of %s", c.DBType, strings.Join(store.BackendNames(), ", ")))
	} else {
		c.Backend = b
	}
	if c.Backend != store.BackendDuckDB && strings.TrimSpace(c.Database) == "" {
		errs = append(errs, "database connection string is required")
	}
	if c.CommitLimit < 0 {
		errs = append(errs, fmt.Sprintf("commit-limit must be >= 0, got %d", c.CommitLimit))
	}
	if c.RetryTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("retry-timeout must be positive, got %s", c.RetryTimeout))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("query-timeout must be positive, got %s", c.QueryTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", model.ErrConfiguration, strings.Join(errs, "; "))
	}
	return nil
}
