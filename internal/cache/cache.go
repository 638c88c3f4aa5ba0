// Package cache memoizes admission decisions by request fingerprint.
// It is strictly an optimization: any malfunction degrades to a miss
// and a fresh evaluation, never to a stale or fabricated verdict.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/parachutes/chutes-admission/internal/policy"
)

type entry struct {
	decision policy.Decision
	storedAt time.Time
}

// Cache is a TTL- and capacity-bounded decision store. Entries are
// never invalidated on policy change; the TTL is the only staleness
// control, so it must stay short relative to policy-update cadence.
// Safe for unbounded concurrent use; distinct keys do not contend.
type Cache struct {
	store *ristretto.Cache
	ttl   time.Duration
	now   func() time.Time
}

// New builds a cache holding roughly maxEntries decisions. A zero TTL
// disables caching entirely; a store that fails to initialize degrades
// to a cache that always misses.
func New(ttl time.Duration, maxEntries int64) *Cache {
	c := &Cache{ttl: ttl, now: time.Now}
	if ttl <= 0 {
		return c
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return c
	}
	c.store = store
	return c
}

// Get returns the cached decision for a fingerprint, treating expired
// entries as absent. The stored timestamp is checked here as well:
// eviction is best-effort, the TTL bound is not.
func (c *Cache) Get(fp Fingerprint) (policy.Decision, bool) {
	if c == nil || c.store == nil {
		return policy.Decision{}, false
	}
	v, ok := c.store.Get(string(fp))
	if !ok {
		return policy.Decision{}, false
	}
	e, ok := v.(entry)
	if !ok {
		return policy.Decision{}, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		return policy.Decision{}, false
	}
	return e.decision, true
}

// Set stores a fully computed decision. Callers must not store on
// behalf of a cancelled request.
func (c *Cache) Set(fp Fingerprint, d policy.Decision) {
	if c == nil || c.store == nil {
		return
	}
	c.store.SetWithTTL(string(fp), entry{decision: d, storedAt: c.now()}, 1, c.ttl)
}

// Wait flushes the store's internal write buffers. Tests use it to make
// a Set observable before asserting a hit.
func (c *Cache) Wait() {
	if c == nil || c.store == nil {
		return
	}
	c.store.Wait()
}

// Ready reports whether the underlying store initialized. A cache that
// is not ready still serves traffic (as permanent misses).
func (c *Cache) Ready() bool {
	return c != nil && (c.ttl <= 0 || c.store != nil)
}
