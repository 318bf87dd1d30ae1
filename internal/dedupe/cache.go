// ABOUTME: TTL set of recently seen Matrix event IDs
// ABOUTME: Keeps sync replays and redeliveries from starting a second turn

package dedupe

import (
	"sync"
	"time"
)

type mark struct {
	key string
	at  time.Time
}

// Cache remembers keys for a fixed window. Expired entries are swept lazily
// on insert, oldest first, so no background goroutine is needed. When the
// cache is full the oldest key is forgotten early.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []mark // insertion order; may hold stale marks for re-seen keys
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that remembers keys for ttl, holding at most maxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was recorded within the window. A key that was not
// seen is recorded, so of several concurrent callers with the same key exactly
// one gets false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}

	c.sweep(now)
	c.seen[key] = now
	c.order = append(c.order, mark{key: key, at: now})
	return false
}

// Contains reports whether key is in the window without recording it.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[key]
	return ok && c.now().Sub(at) < c.ttl
}

// Len returns the number of remembered keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweep drops expired marks and makes room for one more key. Must hold mu.
func (c *Cache) sweep(now time.Time) {
	drop := 0
	for drop < len(c.order) {
		m := c.order[drop]
		current, live := c.seen[m.key]
		stale := !live || !current.Equal(m.at)
		expired := now.Sub(m.at) >= c.ttl
		full := len(c.seen) >= c.maxSize

		if !stale && !expired && !full {
			break
		}
		if !stale {
			delete(c.seen, m.key)
		}
		drop++
	}
	if drop > 0 {
		c.order = append(c.order[:0:0], c.order[drop:]...)
	}
}
