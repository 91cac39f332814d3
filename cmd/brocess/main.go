package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// GetVersionInfo returns the current version and commit information.
func GetVersionInfo() (string, string) {
	return version, commit
}

type mode int

const (
	modeIngest mode = iota
	modeServe
	modeReset
)

// options is the parsed command line.
type options struct {
	configPath  string
	showVersion bool
	mode        mode
	yes         bool
	files       []string
	overrides   map[string]interface{}
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"t":             "dbtype",
	"dbtype":        "dbtype",
	"d":             "database",
	"database":      "database",
	"c":             "connlog",
	"m":             "smtplog",
	"w":             "httplog",
	"e":             "log-file",
	"log-file":      "log-file",
	"r":             "remove",
	"remove":        "remove",
	"log-level":     "log-level",
	"commit-limit":  "commit-limit",
	"retry-timeout": "retry-timeout",
	"api-addr":      "api-addr",
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	opts := options{overrides: make(map[string]interface{})}

	fs := flag.NewFlagSet("brocess", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: brocess [flags] <file.log.gz>...\n")
		fmt.Fprintf(stderr, "       brocess -serve [flags]\n")
		fmt.Fprintf(stderr, "       brocess -reset -yes [flags]\n\n")
		fs.PrintDefaults()
	}

	var serve, reset bool
	fs.StringVar(&opts.configPath, "config", "", "config file, INI or YAML (default brocess.ini beside the binary, then $HOME/.config/brocess/config.yml)")
	fs.StringVar(&opts.configPath, "i", "", "shorthand for -config")
	fs.BoolVar(&opts.showVersion, "version", false, "print version information")
	fs.BoolVar(&serve, "serve", false, "serve the aggregate query API instead of ingesting")
	fs.BoolVar(&reset, "reset", false, "drop all tables and remove database files")
	fs.BoolVar(&opts.yes, "yes", false, "confirm -reset")

	fs.String("t", "", "shorthand for -dbtype")
	fs.String("dbtype", "", "database type: sqlite, mysql or duckdb")
	fs.String("d", "", "shorthand for -database")
	fs.String("database", "", "database path or connection string")
	fs.String("c", "", "glob matching conn log file names")
	fs.String("m", "", "glob matching smtp log file names")
	fs.String("w", "", "glob matching http log file names")
	fs.String("e", "", "shorthand for -log-file")
	fs.String("log-file", "", "append logs to this file instead of stderr")
	fs.Bool("r", false, "shorthand for -remove")
	fs.Bool("remove", false, "remove each input file after it is processed")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.Int("commit-limit", 0, "upserts per transaction (0 uses the backend default)")
	fs.Duration("retry-timeout", 0, "how long one upsert waits for a locked database before the file is aborted")
	fs.String("api-addr", "", "listen address for -serve")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			opts.overrides[key] = f.Value.String()
		}
	})
	opts.files = fs.Args()

	switch {
	case serve && reset:
		return opts, errors.New("-serve and -reset are mutually exclusive")
	case serve:
		opts.mode = modeServe
	case reset:
		opts.mode = modeReset
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Printf("Brocess - Zeek Log Aggregator\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(opts.configPath, opts.overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down... (press Ctrl+C again to force)")
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	err = run(ctx, cfg, opts, os.Stdout)
	signal.Stop(sigCh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
