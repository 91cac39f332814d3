package ingest

// Whitelist is a set of identifiers exempted from aggregation.
type Whitelist map[string]struct{}

// NewWhitelist builds a set from items. Empty items are ignored.
func NewWhitelist(items ...string) Whitelist {
	w := make(Whitelist, len(items))
	for _, item := range items {
		if item != "" {
			w[item] = struct{}{}
		}
	}
	return w
}

// Contains reports whether item is whitelisted. A nil set contains nothing.
func (w Whitelist) Contains(item string) bool {
	_, ok := w[item]
	return ok
}

// Whitelists holds the five sets loaded at startup. They are read-only
// once processing starts.
type Whitelists struct {
	ConnSourceIPs    Whitelist
	ConnDestIPs      Whitelist
	ConnDestPorts    Whitelist
	SMTPSources      Whitelist
	SMTPDestinations Whitelist
}
