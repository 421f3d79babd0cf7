// Package idempotency caches whole response envelopes keyed by
// (client-id, idempotency-key), so a retried request within the TTL window
// gets back the exact bytes it got the first time instead of being
// reprocessed.
//
// Grounded on the teacher's internal/anonymizer cache.go/s3fifo_cache.go:
// the same PersistentCache interface and S3-FIFO-over-bbolt layering,
// repurposed from caching Ollama PII-value→token lookups to caching
// idempotency-key→response-envelope lookups, and generalized from string
// values to arbitrary byte slices plus an expiry timestamp.
package idempotency

import (
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/go-faster/errors"
)

// entry is the value stored for one idempotency key.
type entry struct {
	Body      []byte    `json:"body"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// PersistentCache is the idempotency-key → response-envelope store
// interface. All implementations must be safe for concurrent use.
type PersistentCache interface {
	Get(key string) (entry, bool)
	Set(key string, e entry)
	Delete(key string)
	Close() error
}

// --- memoryCache ---------------------------------------------------------

type memoryCache struct {
	mu    sync.RWMutex
	store map[string]entry
}

func newMemoryCache() PersistentCache {
	return &memoryCache{store: make(map[string]entry)}
}

func (c *memoryCache) Get(key string) (entry, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	return e, ok
}

func (c *memoryCache) Set(key string, e entry) {
	c.mu.Lock()
	c.store[key] = e
	c.mu.Unlock()
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// --- bboltCache ------------------------------------------------------------

const bboltBucket = "idempotency_cache"

type bboltCache struct {
	db *bolt.DB
}

// newBboltCache opens (or creates) the bbolt database at path and ensures
// the bucket exists.
func newBboltCache(path string) (PersistentCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "idempotency: open bbolt cache %q", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bboltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, errors.Wrap(err, "idempotency: create bbolt bucket")
	}
	return &bboltCache{db: db}, nil
}

func (c *bboltCache) Get(key string) (entry, bool) {
	var e entry
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		decoded, err := decodeEntry(v)
		if err != nil {
			return nil
		}
		e, found = decoded, true
		return nil
	})
	return e, found
}

func (c *bboltCache) Set(key string, e entry) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return errors.New("idempotency: bucket not found")
		}
		return b.Put([]byte(key), encodeEntry(e))
	})
}

func (c *bboltCache) Delete(key string) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bboltBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (c *bboltCache) Close() error {
	return c.db.Close()
}
