package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tinytelemetry/brocess/internal/logger"
	"github.com/tinytelemetry/brocess/internal/logparse"
	"github.com/tinytelemetry/brocess/internal/model"
)

// Stats summarizes one processed file.
type Stats struct {
	Elapsed time.Duration
	Records int     // every line read, including headers and skipped lines
	Rate    float64 // records per second

	Upserts       int
	Skipped       int
	Malformed     int
	StorageErrors int
}

// Runner feeds gzip log files through one processor.
type Runner struct {
	proc LineProcessor
	now  func() time.Time
}

// NewRunner creates a runner for proc.
func NewRunner(proc LineProcessor) *Runner {
	return &Runner{proc: proc, now: time.Now}
}

// Start processes the file at path line by line with a fresh property set.
// An empty file returns zero Stats. Structural header problems, a store
// that stays locked past its retry budget and unexpected errors abort the
// file; a decompression error aborts the rest
// of the file and returns an error wrapping model.ErrDecompression along
// with the stats gathered so far.
func (r *Runner) Start(ctx context.Context, path string) (Stats, error) {
	logger.Infof("parsing %s", path)

	reader, err := logparse.Open(path)
	if err != nil {
		if errors.Is(err, model.ErrDecompression) {
			logger.Errorf("%s is not readable gzip, skipping to next file: %v", path, err)
		}
		return Stats{}, err
	}
	defer reader.Close()

	begin := r.now()
	stats, err := r.consume(ctx, reader, path)
	if stats.Records == 0 && err == nil {
		return Stats{}, nil
	}
	stats.Elapsed = r.now().Sub(begin)
	if secs := stats.Elapsed.Seconds(); secs > 0 {
		stats.Rate = float64(stats.Records) / secs
	}
	return stats, err
}

func (r *Runner) consume(ctx context.Context, reader *logparse.Reader, path string) (Stats, error) {
	var stats Stats
	props := logparse.NewPropertySet()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line, err := reader.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			if errors.Is(err, model.ErrDecompression) {
				logger.Errorf("%s has a compression error, skipping to next file: %v", path, err)
			}
			return stats, fmt.Errorf("%s: %w", path, err)
		}
		stats.Records++

		switch line.Kind {
		case logparse.LineBlank:
			continue
		case logparse.LineHeader:
			if err := r.header(props, line.Text); err != nil {
				return stats, fmt.Errorf("%s line %d: %w", path, stats.Records, err)
			}
		case logparse.LineData:
			if err := r.data(ctx, props, line.Text, &stats); err != nil {
				return stats, fmt.Errorf("%s line %d: %w", path, stats.Records, err)
			}
		}
	}
}

func (r *Runner) header(props *logparse.PropertySet, text string) error {
	label, err := props.ProcessHeader(text)
	if err != nil {
		return err
	}
	if label != logparse.LabelFields {
		return nil
	}
	for _, f := range r.proc.RequiredFields() {
		if !props.HasField(f) {
			return fmt.Errorf("%w: %s log is missing field %q", model.ErrParse, r.proc.Type(), f)
		}
	}
	logger.Debugf("fields=%v", props.Fields())
	return nil
}

// data handles one data line. Only errors that abort the file are returned.
func (r *Runner) data(ctx context.Context, props *logparse.PropertySet, text string, stats *Stats) error {
	rec, err := props.Record(text)
	if err != nil {
		if errors.Is(err, model.ErrParse) {
			stats.Malformed++
			logger.Errorf("error processing line %q: %v", text, err)
			return nil
		}
		return err
	}

	n, err := r.proc.Process(ctx, rec)
	stats.Upserts += n
	switch {
	case err == nil:
	case errors.Is(err, model.ErrValidation):
		stats.Skipped++
		logger.Debugf("skipping: %v", err)
	case errors.Is(err, model.ErrStorageBusy):
		return err
	case errors.Is(err, model.ErrStorage):
		stats.StorageErrors++
		logger.WithFields(recordFields(rec)).Errorf("%s upsert failed: %v", r.proc.Type(), err)
	default:
		return err
	}
	return nil
}

func recordFields(rec model.RawRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
