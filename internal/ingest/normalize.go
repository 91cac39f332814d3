package ingest

import (
	"net/netip"
	"strings"

	"github.com/tinytelemetry/brocess/internal/model"
)

// normalizeAddress trims and lowercases a mail address and strips one
// leading '<' and one trailing '>'.
func normalizeAddress(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "<")
	return strings.TrimSuffix(s, ">")
}

func isPlaceholder(s string) bool {
	return s == "" || s == model.EmptyField
}

// isIPv4 accepts only dotted-quad IPv4 literals.
func isIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// hostSuffixes returns every right-anchored suffix of host, shortest first:
// "www.example.com" yields "com", "example.com", "www.example.com". Labels
// are lowercased and one trailing dot is dropped. Hosts with an empty label
// return nil.
func hostSuffixes(host string) []string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return nil
	}
	labels := strings.Split(strings.ToLower(host), ".")
	for _, l := range labels {
		if l == "" {
			return nil
		}
	}
	out := make([]string, 0, len(labels))
	for i := len(labels) - 1; i >= 0; i-- {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}
