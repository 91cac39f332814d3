package model

import "context"

// RecordSink receives normalized records from the log processors.
// Each call is exactly one logical upsert.
type RecordSink interface {
	AddConnRecord(ctx context.Context, r ConnRecord) error
	AddSMTPRecord(ctx context.Context, r SMTPRecord) error
	AddHTTPRecord(ctx context.Context, r HTTPRecord) error
}

// ConnFilter narrows connection aggregate queries. Zero values match all.
type ConnFilter struct {
	SourceIP string
	DestIP   string
	DestPort int // 0 = any
	Limit    int
}

// SMTPFilter narrows SMTP aggregate queries.
type SMTPFilter struct {
	Source      string
	Destination string
	Limit       int
}

// HTTPFilter narrows HTTP aggregate queries. Suffix matches hosts equal to
// the suffix or ending in "."+suffix.
type HTTPFilter struct {
	Suffix string
	Limit  int
}

// AggregateReader provides the read side used by the query API.
type AggregateReader interface {
	TopConnections(ctx context.Context, f ConnFilter) ([]ConnAggregate, error)
	TopConnectionErrors(ctx context.Context, f ConnFilter) ([]ConnAggregate, error)
	TopSMTP(ctx context.Context, f SMTPFilter) ([]SMTPAggregate, error)
	TopHTTP(ctx context.Context, f HTTPFilter) ([]HTTPAggregate, error)
	HTTPHost(ctx context.Context, host string) (*HTTPAggregate, error)
	TableRowCounts(ctx context.Context) (map[string]int64, error)
}
