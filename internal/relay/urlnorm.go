package relay

import (
	"net/url"
	"strings"
)

// normalizeURL re-parses and re-stringifies u so that dedup comparisons are
// robust to trivial formatting differences between what the extension
// reports for a discovered tab and what it reports for the same tab once
// attached. Fragment is kept — per the registry's dedup invariant — and
// surrounding whitespace is trimmed. Unparseable input is normalized to its
// trimmed form so a bad URL never panics the comparison, it just never
// matches anything.
func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	return parsed.String()
}
