package ingest

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar"

	"github.com/tinytelemetry/brocess/internal/model"
)

// Patterns are the file-name globs that pick a processor. Empty patterns
// never match.
type Patterns struct {
	Conn string
	SMTP string
	HTTP string
}

// Empty reports whether no pattern is configured.
func (p Patterns) Empty() bool {
	return p.Conn == "" && p.SMTP == "" && p.HTTP == ""
}

// Select matches the base name of path against the patterns. When several
// match, http wins over smtp, which wins over conn.
func Select(path string, p Patterns) (LogType, error) {
	if p.Empty() {
		return LogTypeUnknown, fmt.Errorf("%w: no watch patterns (connlog, smtplog, httplog) are set", model.ErrConfiguration)
	}
	name := filepath.Base(path)
	found := LogTypeUnknown
	for _, c := range []struct {
		pattern string
		t       LogType
	}{
		{p.Conn, LogTypeConn},
		{p.SMTP, LogTypeSMTP},
		{p.HTTP, LogTypeHTTP},
	} {
		if c.pattern == "" {
			continue
		}
		ok, err := doublestar.Match(c.pattern, name)
		if err != nil {
			return LogTypeUnknown, fmt.Errorf("%w: bad %s pattern %q: %v", model.ErrConfiguration, c.t, c.pattern, err)
		}
		if ok {
			found = c.t
		}
	}
	if found == LogTypeUnknown {
		return LogTypeUnknown, fmt.Errorf("%w: unable to find a pattern match for %s", model.ErrConfiguration, name)
	}
	return found, nil
}
