// Package cache implements the process-wide response cache plane.
//
// Values are carried through JSON serialization rather than stored as live
// objects: framework response writers and parsed signing keys do not survive
// a generic serializer, so callers lower them to the narrow records in
// records.go before storing and raise them again after reading.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Cache is a TTL store of serialized entries with a get-or-produce guarantee:
// concurrent misses on the same key run the producer at most once.
type Cache struct {
	store *gocache.Cache
	group singleflight.Group
}

// New creates an empty cache. Expired entries are swept every minute.
func New() *Cache {
	return &Cache{
		store: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// Get returns the serialized entry for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Set stores a serialized entry under key for the given TTL.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.store.Set(key, value, ttl)
}

// GetOrProduce returns the entry for key, running produce on a miss. For any
// given key the producer runs at most once across concurrent callers; every
// caller observes the same result. The returned bool reports whether the
// value came from the cache.
func (c *Cache) GetOrProduce(key string, ttl time.Duration, produce func() ([]byte, error)) ([]byte, bool, error) {
	if b, ok := c.Get(key); ok {
		return b, true, nil
	}

	hit := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have populated the key while we waited.
		if b, ok := c.Get(key); ok {
			hit = true
			return b, nil
		}
		b, err := produce()
		if err != nil {
			return nil, err
		}
		c.Set(key, b, ttl)
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), hit, nil
}
