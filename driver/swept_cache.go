package driver

import (
	"sync"
	"time"
)

// sweptCache remembers when each owner was last swept, bounded by
// evicting the stalest entry. Losing an entry only causes an extra sweep,
// never a missed one.
type sweptCache struct {
	mu       sync.Mutex
	last     map[string]time.Time
	size     int
	cooldown time.Duration
}

func newSweptCache(size int, cooldown time.Duration) *sweptCache {
	if size <= 0 {
		size = 1
	}
	return &sweptCache{
		last:     make(map[string]time.Time, size),
		size:     size,
		cooldown: cooldown,
	}
}

func (c *sweptCache) due(owner string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.last[owner]
	return !ok || now.Sub(at) >= c.cooldown
}

func (c *sweptCache) mark(owner string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.last[owner]; !ok && len(c.last) >= c.size {
		var stalest string
		var stalestAt time.Time
		for o, at := range c.last {
			if stalest == "" || at.Before(stalestAt) {
				stalest, stalestAt = o, at
			}
		}
		delete(c.last, stalest)
	}
	c.last[owner] = now
}
