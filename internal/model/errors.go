package model

import "errors"

// Error classes shared by the parser, processors and stores. Producers wrap
// them with context; callers branch with errors.Is.
var (
	// ErrConfiguration covers missing or invalid settings, including a
	// header stream that never declared its separator.
	ErrConfiguration = errors.New("configuration error")

	// ErrParse is a malformed header or data line.
	ErrParse = errors.New("parse error")

	// ErrValidation marks a record that is intentionally skipped: invalid
	// address literal, whitelisted entity, empty or placeholder identifier.
	ErrValidation = errors.New("validation error")

	// ErrDecompression is a truncated or corrupt compressed stream.
	ErrDecompression = errors.New("decompression error")

	// ErrStorage is a failed write or read against the backing store.
	ErrStorage = errors.New("storage error")

	// ErrStorageBusy accompanies ErrStorage when the store stayed locked
	// past the retry budget. The record was not counted and the file must
	// not continue.
	ErrStorageBusy = errors.New("storage busy")

	// ErrVersionMismatch is returned when the stored schema version differs
	// from SchemaVersion.
	ErrVersionMismatch = errors.New("schema version mismatch")

	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("not found")
)
