package cache

import (
	"github.com/qforce/netengine/internal/transport"
)

// Store persists GET responses keyed by operation fingerprint, serving
// the cache-else-load and cache-only cache policies.
type Store interface {
	// Get returns the cached response, or models.ErrCacheMiss when the
	// fingerprint is absent or the entry has expired.
	Get(fingerprint string) (*transport.Response, error)

	// Put stores a response for a fingerprint, replacing any prior entry.
	Put(fingerprint string, resp *transport.Response) error

	// Remove drops a cached entry.
	Remove(fingerprint string) error

	Close() error
}
