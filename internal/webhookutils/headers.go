package webhookutils

import "strings"

// GetHeaderCaseInsensitive looks up a header by key, ignoring case.
// Delivery headers arrive canonicalized (X-GitHub-Event becomes
// X-Github-Event), so an exact match on the documented name misses.
func GetHeaderCaseInsensitive(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
