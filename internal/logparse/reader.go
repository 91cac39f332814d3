package logparse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tinytelemetry/brocess/internal/model"
)

const maxLineSize = 1 << 20

// LineKind classifies a line of the log stream.
type LineKind int

const (
	LineBlank LineKind = iota
	LineHeader
	LineData
)

// Line is one trimmed line of the decompressed stream.
type Line struct {
	Kind LineKind
	Text string
}

// Reader yields classified lines from a gzip-compressed log.
type Reader struct {
	gz      *gzip.Reader
	scanner *bufio.Scanner
	closer  io.Closer
}

// NewReader wraps a gzip stream. A bad gzip header is a decompression error;
// an empty stream yields no lines.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err == io.EOF {
		// Zero-length input is an empty log.
		return &Reader{scanner: bufio.NewScanner(strings.NewReader(""))}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecompression, err)
	}
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{gz: gz, scanner: sc}, nil
}

// Open opens a gzip log file. Close releases the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// Next returns the next line, or io.EOF at the end of the stream.
// Truncated or corrupt input returns an error wrapping ErrDecompression.
func (r *Reader) Next() (Line, error) {
	if !r.scanner.Scan() {
		err := r.scanner.Err()
		switch {
		case err == nil:
			return Line{}, io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return Line{}, fmt.Errorf("%w: %v", model.ErrParse, err)
		default:
			return Line{}, fmt.Errorf("%w: %v", model.ErrDecompression, err)
		}
	}
	text := strings.TrimSpace(r.scanner.Text())
	switch {
	case text == "":
		return Line{Kind: LineBlank}, nil
	case IsHeader(text):
		return Line{Kind: LineHeader, Text: text}, nil
	default:
		return Line{Kind: LineData, Text: text}, nil
	}
}

// Close releases the decompressor and any file opened by Open.
func (r *Reader) Close() error {
	var err error
	if r.gz != nil {
		err = r.gz.Close()
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
