package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TTL tiers for callers that do not want to pick a number.
const (
	TTLVeryShort = 30 * time.Second
	TTLShort     = time.Minute
	TTLMedium    = 5 * time.Minute
	TTLLong      = 30 * time.Minute
	TTLVeryLong  = time.Hour
	TTLDay       = 24 * time.Hour
)

// KeyPrefix namespaces every key built by this package.
const KeyPrefix = "cache:"

// RequestKey derives a key from the request path and query. Query
// parameters are sorted so that ?a=1&b=2 and ?b=2&a=1 share an entry. Only
// GET responses are cached, so the method is not part of the key.
func RequestKey(r *http.Request) string {
	var sb strings.Builder
	sb.WriteString(KeyPrefix)
	sb.WriteString(r.URL.Path)
	if q := normalizeQuery(r.URL.Query()); q != "" {
		sb.WriteByte('?')
		sb.WriteString(q)
	}
	return sb.String()
}

// UserKey scopes a key to a single principal. An empty principal maps to
// "anonymous".
func UserKey(principal, suffix string) string {
	if principal == "" {
		principal = "anonymous"
	}
	return KeyPrefix + "user:" + principal + ":" + suffix
}

// PathPattern matches every request key for paths under prefix, whatever
// the query.
func PathPattern(prefix string) string {
	return KeyPrefix + prefix + "*"
}

// url.Values.Encode sorts by key; values keep their order.
func normalizeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return q.Encode()
}
