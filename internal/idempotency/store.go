package idempotency

import (
	"time"
)

// Store caches response envelope bytes keyed by (client-id, idempotency-key)
// for a configurable TTL. Repeated requests bearing the same key within the
// window get back the exact bytes produced the first time, without being
// reprocessed.
type Store struct {
	cache PersistentCache
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Store. If dbPath is empty the store is in-memory only;
// otherwise entries are also persisted to a bbolt database at dbPath, with
// an S3-FIFO eviction layer bounding the hot in-memory set to capacity.
func New(dbPath string, capacity int, ttl time.Duration) (*Store, error) {
	var backing PersistentCache
	if dbPath != "" {
		b, err := newBboltCache(dbPath)
		if err != nil {
			return nil, err
		}
		backing = b
	} else {
		backing = newMemoryCache()
	}
	return &Store{cache: newS3FIFOCache(backing, capacity), ttl: ttl, now: time.Now}, nil
}

func compositeKey(clientID, idempotencyKey string) string {
	return clientID + "\x00" + idempotencyKey
}

// Get returns the cached response bytes for (clientID, idempotencyKey), if
// present and not expired.
func (s *Store) Get(clientID, idempotencyKey string) ([]byte, bool) {
	e, ok := s.cache.Get(compositeKey(clientID, idempotencyKey))
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		return nil, false
	}
	return e.Body, true
}

// Put stores body for (clientID, idempotencyKey), expiring after the
// store's configured TTL.
func (s *Store) Put(clientID, idempotencyKey string, body []byte) {
	s.cache.Set(compositeKey(clientID, idempotencyKey), entry{
		Body:      body,
		ExpiresAt: s.now().Add(s.ttl),
	})
}

// Close releases any resources (e.g. the bbolt file handle) held by the
// store.
func (s *Store) Close() error {
	return s.cache.Close()
}
