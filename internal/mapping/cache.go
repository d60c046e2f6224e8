package mapping

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// positiveTTLBase (plus up to positiveTTLJitter) and negativeTTL bound how stale a resolved mapping may be, per
// §4.4: minutes for a successful query, seconds for a failed one so a
// database outage doesn't wedge the cache shut once it recovers.
const (
	positiveTTLBase = 4 * time.Minute
	positiveTTLJitter = time.Minute
	negativeTTL       = 5 * time.Second
)

// jitteredTTL spreads cache expiry out so a burst of simultaneously-primed
// entries don't all fall due for refill in the same instant.
func jitteredTTL() time.Duration {
	return positiveTTLBase + time.Duration(rand.Int63n(int64(positiveTTLJitter)))
}

type entry[V any] struct {
	value   V
	expires time.Time
	negative bool
	err      error
}

func (e entry[V]) valid() bool { return time.Now().Before(e.expires) }

// ttlCache is a TTL-bounded, single-flighted cache from K to V, held in one
// map guarded by one RWMutex.
// At most one Load is ever in flight per key; concurrent callers for the
// same key block on the same underlying query, per §4.4 and §8's
// single-flight testable property.
type ttlCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	group singleflight.Group
	zero  V
}

func newTTLCache[K comparable, V any]() *ttlCache[K, V] {
	return &ttlCache[K, V]{items: make(map[K]entry[V])}
}

// get returns the cached value for key, or runs load once for all
// concurrent callers of the same keyStr and caches its result. keyStr is
// the singleflight.Group key; callers pass a pre-rendered string (the
// mapping store uses model.CacheKey.String()). A failed load is cached for
// negativeTTL, during which get returns the same error without calling
// load again.
func (c *ttlCache[K, V]) get(ctx context.Context, key K, keyStr string, load func(context.Context) (V, error)) (V, error) {
	c.mu.RLock()
	if e, ok := c.items[key]; ok && e.valid() {
		c.mu.RUnlock()
		if e.negative {
			return c.zero, e.err
		}
		return e.value, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do(keyStr, func() (interface{}, error) {
		// re-check under the singleflight lock: another caller may have
		// refilled while we waited to enter Do.
		c.mu.RLock()
		if e, ok := c.items[key]; ok && e.valid() {
			c.mu.RUnlock()
			if e.negative {
				return c.zero, e.err
			}
			return e.value, nil
		}
		c.mu.RUnlock()

		v, loadErr := load(ctx)
		c.mu.Lock()
		if loadErr != nil {
			c.items[key] = entry[V]{value: c.zero, expires: time.Now().Add(negativeTTL), negative: true, err: loadErr}
		} else {
			c.items[key] = entry[V]{value: v, expires: time.Now().Add(jitteredTTL())}
		}
		c.mu.Unlock()
		return v, loadErr
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// invalidate drops key immediately, used by group-membership updates.
func (c *ttlCache[K, V]) invalidate(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
