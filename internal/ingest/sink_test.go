package ingest

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/brocess/internal/model"
)

type recordingSink struct {
	conns []model.ConnRecord
	smtps []model.SMTPRecord
	https []model.HTTPRecord

	// failHost makes AddHTTPRecord fail for that key.
	failHost string
	// busyHost makes AddHTTPRecord fail as if the store stayed locked.
	busyHost string
}

func (s *recordingSink) AddConnRecord(_ context.Context, r model.ConnRecord) error {
	s.conns = append(s.conns, r)
	return nil
}

func (s *recordingSink) AddSMTPRecord(_ context.Context, r model.SMTPRecord) error {
	s.smtps = append(s.smtps, r)
	return nil
}

func (s *recordingSink) AddHTTPRecord(_ context.Context, r model.HTTPRecord) error {
	if s.failHost != "" && r.Host == s.failHost {
		return fmt.Errorf("%w: insert %s: disk full", model.ErrStorage, r.Host)
	}
	if s.busyHost != "" && r.Host == s.busyHost {
		return fmt.Errorf("%w: %w: insert %s: database is locked", model.ErrStorage, model.ErrStorageBusy, r.Host)
	}
	s.https = append(s.https, r)
	return nil
}

func (s *recordingSink) total() int {
	return len(s.conns) + len(s.smtps) + len(s.https)
}
