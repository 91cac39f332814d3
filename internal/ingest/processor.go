package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinytelemetry/brocess/internal/model"
)

// LogType identifies which processor handles a file.
type LogType int

const (
	LogTypeUnknown LogType = iota
	LogTypeConn
	LogTypeSMTP
	LogTypeHTTP
)

func (t LogType) String() string {
	switch t {
	case LogTypeConn:
		return "conn"
	case LogTypeSMTP:
		return "smtp"
	case LogTypeHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// LineProcessor turns one raw record into zero or more upserts.
type LineProcessor interface {
	Type() LogType
	// RequiredFields lists the field names the processor reads.
	RequiredFields() []string
	// Process returns the number of upserts issued. A skipped record
	// returns an error wrapping model.ErrValidation.
	Process(ctx context.Context, rec model.RawRecord) (int, error)
}

// NewProcessor builds the processor for a log type.
func NewProcessor(t LogType, sink model.RecordSink, wl Whitelists) (LineProcessor, error) {
	switch t {
	case LogTypeConn:
		return NewConnProcessor(sink, wl), nil
	case LogTypeSMTP:
		return NewSMTPProcessor(sink, wl), nil
	case LogTypeHTTP:
		return NewHTTPProcessor(sink), nil
	default:
		return nil, fmt.Errorf("%w: no processor for log type %q", model.ErrConfiguration, t)
	}
}

func skip(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", model.ErrValidation, fmt.Sprintf(format, args...))
}

func parseTimestamp(rec model.RawRecord) (float64, error) {
	ts, err := strconv.ParseFloat(rec["ts"], 64)
	if err != nil {
		return 0, skip("invalid ts %q", rec["ts"])
	}
	return ts, nil
}

// ConnProcessor aggregates conn.log records.
type ConnProcessor struct {
	sink      model.RecordSink
	srcIPs    Whitelist
	destIPs   Whitelist
	destPorts Whitelist
}

// NewConnProcessor creates a connection processor.
func NewConnProcessor(sink model.RecordSink, wl Whitelists) *ConnProcessor {
	return &ConnProcessor{
		sink:      sink,
		srcIPs:    wl.ConnSourceIPs,
		destIPs:   wl.ConnDestIPs,
		destPorts: wl.ConnDestPorts,
	}
}

func (p *ConnProcessor) Type() LogType { return LogTypeConn }

func (p *ConnProcessor) RequiredFields() []string {
	return []string{"ts", "conn_state", "id.orig_h", "id.resp_h", "id.resp_p"}
}

func (p *ConnProcessor) Process(ctx context.Context, rec model.RawRecord) (int, error) {
	src, dst, port := rec["id.orig_h"], rec["id.resp_h"], rec["id.resp_p"]
	if p.destIPs.Contains(dst) || p.destPorts.Contains(port) || p.srcIPs.Contains(src) {
		return 0, skip("whitelisted connection %s -> %s:%s", src, dst, port)
	}
	if !isIPv4(src) {
		return 0, skip("invalid sourceip IPv4 address %q", src)
	}
	if !isIPv4(dst) {
		return 0, skip("invalid destip IPv4 address %q", dst)
	}
	destPort, err := strconv.Atoi(port)
	if err != nil || destPort < 0 || destPort > 65535 {
		return 0, skip("invalid destport %q", port)
	}
	ts, err := parseTimestamp(rec)
	if err != nil {
		return 0, err
	}

	r := model.ConnRecord{
		State:     rec["conn_state"],
		SourceIP:  src,
		DestIP:    dst,
		DestPort:  destPort,
		FirstSeen: ts,
	}
	if err := p.sink.AddConnRecord(ctx, r); err != nil {
		return 0, err
	}
	return 1, nil
}

// SMTPProcessor aggregates smtp.log records, one upsert per recipient.
type SMTPProcessor struct {
	sink         model.RecordSink
	sources      Whitelist
	destinations Whitelist
}

// NewSMTPProcessor creates an SMTP processor.
func NewSMTPProcessor(sink model.RecordSink, wl Whitelists) *SMTPProcessor {
	return &SMTPProcessor{
		sink:         sink,
		sources:      wl.SMTPSources,
		destinations: wl.SMTPDestinations,
	}
}

func (p *SMTPProcessor) Type() LogType { return LogTypeSMTP }

func (p *SMTPProcessor) RequiredFields() []string {
	return []string{"ts", "mailfrom", "rcptto"}
}

func (p *SMTPProcessor) Process(ctx context.Context, rec model.RawRecord) (int, error) {
	from := normalizeAddress(rec["mailfrom"])
	if isPlaceholder(from) {
		return 0, skip("empty mailfrom")
	}
	if p.sources.Contains(from) {
		return 0, skip("whitelisted sender %s", from)
	}
	ts, err := parseTimestamp(rec)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, to := range strings.Split(rec["rcptto"], ",") {
		to = normalizeAddress(to)
		if isPlaceholder(to) || p.destinations.Contains(to) {
			continue
		}
		r := model.SMTPRecord{Source: from, Destination: to, FirstSeen: ts}
		if err := p.sink.AddSMTPRecord(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, errors.Join(errs...)
	}
	if n == 0 {
		return 0, skip("no recipients left for %s", from)
	}
	return n, nil
}

// HTTPProcessor aggregates http.log hostnames by suffix.
type HTTPProcessor struct {
	sink model.RecordSink
}

// NewHTTPProcessor creates an HTTP processor.
func NewHTTPProcessor(sink model.RecordSink) *HTTPProcessor {
	return &HTTPProcessor{sink: sink}
}

func (p *HTTPProcessor) Type() LogType { return LogTypeHTTP }

func (p *HTTPProcessor) RequiredFields() []string {
	return []string{"ts", "host"}
}

func (p *HTTPProcessor) Process(ctx context.Context, rec model.RawRecord) (int, error) {
	host := rec["host"]
	if isPlaceholder(strings.TrimSpace(host)) {
		return 0, skip("empty host")
	}
	suffixes := hostSuffixes(host)
	if len(suffixes) == 0 {
		return 0, skip("malformed host %q", host)
	}
	ts, err := parseTimestamp(rec)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, s := range suffixes {
		if err := p.sink.AddHTTPRecord(ctx, model.HTTPRecord{Host: s, FirstSeen: ts}); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
