package cache

import (
	"sync"
	"time"

	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/transport"
)

// MemoryStore implements Store in memory, for tests and for runs with no
// cache path configured.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	resp     *transport.Response
	storedAt time.Time
}

// NewMemoryStore creates an in-memory response cache.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

// Get retrieves a cached response if present and fresh.
func (s *MemoryStore) Get(fingerprint string) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		return nil, models.ErrCacheMiss
	}
	if s.ttl > 0 && time.Since(entry.storedAt) > s.ttl {
		delete(s.entries, fingerprint)
		return nil, models.ErrCacheMiss
	}
	return entry.resp, nil
}

// Put stores a response.
func (s *MemoryStore) Put(fingerprint string, resp *transport.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fingerprint] = memoryEntry{resp: resp, storedAt: time.Now()}
	return nil
}

// Remove drops a cached entry.
func (s *MemoryStore) Remove(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
