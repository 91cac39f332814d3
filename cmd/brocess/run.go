package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinytelemetry/brocess/internal/ingest"
	"github.com/tinytelemetry/brocess/internal/logger"
	"github.com/tinytelemetry/brocess/internal/model"
	"github.com/tinytelemetry/brocess/internal/store"
)

// fileResult is the outcome of one input file.
type fileResult struct {
	Path    string
	Type    ingest.LogType
	Stats   ingest.Stats
	Err     error
	Removed bool
}

func run(ctx context.Context, cfg appConfig, opts options, stdout io.Writer) error {
	logger.Init(cfg.LogLevel)
	if cfg.LogFile != "" {
		restore, err := logger.OpenFile(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("%w: log file: %v", model.ErrConfiguration, err)
		}
		defer restore()
	}

	if err := cfg.validate(); err != nil {
		logger.Error(err)
		return err
	}

	switch opts.mode {
	case modeServe:
		return serve(ctx, cfg, stdout)
	case modeReset:
		return resetStore(ctx, cfg, opts.yes)
	}
	return ingestFiles(ctx, cfg, opts.files, stdout)
}

type job struct {
	path string
	kind ingest.LogType
}

// planJobs resolves every file to a processor before the store is touched.
func planJobs(files []string, patterns ingest.Patterns) ([]job, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no input files given", model.ErrConfiguration)
	}
	jobs := make([]job, 0, len(files))
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: cannot find %s", model.ErrConfiguration, path)
		}
		kind, err := ingest.Select(path, patterns)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job{path: path, kind: kind})
	}
	return jobs, nil
}

func openStore(ctx context.Context, cfg appConfig) (*store.Store, error) {
	st, err := store.New(cfg.storeConfig())
	if err != nil {
		return nil, err
	}
	if err := st.Open(ctx); err != nil {
		return nil, err
	}
	if err := st.Instantiate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func ingestFiles(ctx context.Context, cfg appConfig, files []string, stdout io.Writer) error {
	jobs, err := planJobs(files, cfg.patterns())
	if err != nil {
		logger.Error(err)
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Errorf("unable to open %s database: %v", cfg.Backend, err)
		return err
	}

	results := make([]fileResult, 0, len(jobs))
	var failed []error
	for _, j := range jobs {
		res, err := processFile(ctx, st, cfg, j)
		results = append(results, res)
		if err == nil {
			continue
		}
		if errors.Is(err, model.ErrDecompression) {
			failed = append(failed, err)
			continue
		}
		logger.Errorf("aborting: %v", err)
		if cerr := st.Close(); cerr != nil {
			logger.Errorf("closing store: %v", cerr)
		}
		printSummary(stdout, cfg, results)
		return err
	}

	if err := st.Close(); err != nil {
		logger.Errorf("closing store: %v", err)
		return err
	}
	printSummary(stdout, cfg, results)
	return errors.Join(failed...)
}

func processFile(ctx context.Context, st *store.Store, cfg appConfig, j job) (fileResult, error) {
	res := fileResult{Path: j.path, Type: j.kind}

	proc, err := ingest.NewProcessor(j.kind, st, cfg.Whitelists)
	if err != nil {
		res.Err = err
		return res, err
	}
	res.Stats, res.Err = ingest.NewRunner(proc).Start(ctx, j.path)
	if res.Err != nil {
		return res, res.Err
	}

	logger.Infof("Finished processing %d records in %.3f seconds at %.1f records per second",
		res.Stats.Records, res.Stats.Elapsed.Seconds(), res.Stats.Rate)
	if res.Stats.Skipped > 0 || res.Stats.Malformed > 0 || res.Stats.StorageErrors > 0 {
		logger.WithFields(map[string]interface{}{
			"file":      j.path,
			"skipped":   res.Stats.Skipped,
			"malformed": res.Stats.Malformed,
			"storage":   res.Stats.StorageErrors,
		}).Info("records not counted")
	}

	if cfg.Remove {
		if err := os.Remove(j.path); err != nil {
			logger.Errorf("unable to remove %s: %v", j.path, err)
		} else {
			res.Removed = true
		}
	}
	return res, nil
}

func resetStore(ctx context.Context, cfg appConfig, confirmed bool) error {
	if !confirmed {
		err := fmt.Errorf("%w: -reset drops every table; pass -yes to confirm", model.ErrConfiguration)
		logger.Error(err)
		return err
	}
	st, err := store.New(cfg.storeConfig())
	if err != nil {
		return err
	}
	if err := st.Open(ctx); err != nil {
		return err
	}
	if err := st.Reset(ctx); err != nil {
		_ = st.Close()
		logger.Errorf("reset failed: %v", err)
		return err
	}
	logger.Infof("dropped all %s tables", cfg.Backend)
	return nil
}
