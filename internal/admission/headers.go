package admission

import (
	"net/http"
	"strings"
)

// extractTags reads every X-Tag header value (repeatable, spec §6) and
// splits comma-separated values within a single header line too, so both
// "X-Tag: a" "X-Tag: b" and "X-Tag: a,b" work the same way.
func extractTags(r *http.Request) []string {
	var tags []string
	for _, v := range r.Header.Values("X-Tag") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				tags = append(tags, part)
			}
		}
	}
	return tags
}

// extractSessionID reads X-Session-Id, or "" if absent.
func extractSessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Session-Id"))
}
