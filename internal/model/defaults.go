package model

import "time"

// Shared defaults used by the CLI and the stores.
const (
	ConnStateSF = "SF"

	// Placeholder emitted by the network monitor for unset fields.
	EmptyField = "-"

	SchemaVersion = "1.0"

	DefaultQueryTimeout = 30 * time.Second
	DefaultQueryLimit   = 100
	MaxQueryLimit       = 10000
)
