package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every cache key in Redis.
const KeyPrefix = "harvest"

// Key identifies a cached range page.
type Key struct {
	// Endpoint is the API path (e.g., "/products").
	Endpoint string

	// Query holds the range predicate and any fixed filters.
	Query url.Values
}

// KeyForRequest builds the key for an outgoing request.
func KeyForRequest(req *http.Request) Key {
	return Key{
		Endpoint: req.URL.Path,
		Query:    req.URL.Query(),
	}
}

// String generates a deterministic key.
// Format: harvest:endpoint:param1=val1:param2=val2
//
// Example:
//
//	harvest:products:maxPrice=499:minPrice=0
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := append([]string(nil), k.Query[name]...)
			sort.Strings(values)
			parts = append(parts, name+"="+strings.Join(values, ","))
		}
	}

	return strings.Join(parts, ":")
}
