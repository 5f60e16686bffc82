package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every cache key.
const KeyPrefix = "harvest:cache"

// Key identifies a cached response.
type Key struct {
	// Endpoint is the request path (e.g., "/appreviews/570")
	Endpoint string

	// Query are the query parameters (e.g., {"cursor": "*"})
	Query url.Values
}

// String generates a deterministic cache key string.
// Format: harvest:cache:endpoint:query1=val1:query2=val2
//
// Example:
//
//	harvest:cache:appreviews/570:cursor=*:json=1
func (k Key) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism
	if len(k.Query) > 0 {
		names := make([]string, 0, len(k.Query))
		for name := range k.Query {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+strings.Join(k.Query[name], ","))
		}
	}

	return strings.Join(parts, ":")
}

// KeyFromURL builds a Key from a request URL. The host is part of the
// endpoint so identical paths on different APIs do not collide.
func KeyFromURL(u *url.URL) Key {
	return Key{
		Endpoint: u.Host + u.Path,
		Query:    u.Query(),
	}
}
