package geo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Cache memoizes a Meter. A re-match probes the same driver at up to five
// radius levels, so remote meters are hit once per pair instead.
type Cache struct {
	meter Meter
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	store     map[string]cacheEntry
	lastSweep time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache wraps meter with a cache whose entries live for ttl.
func NewCache(meter Meter, ttl time.Duration) *Cache {
	return &Cache{meter: meter, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cache) Distance(ctx context.Context, from, to models.Coord) (float64, error) {
	if v, ok := c.get(from, to); ok {
		return v, nil
	}
	v, err := c.meter.Distance(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.set(from, to, v)
	return v, nil
}

func (c *Cache) get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// set stores v and, at most once per ttl, drops every expired entry. Most
// pairs are never asked for again once a driver moves, so expiry on read
// alone would let the map grow without bound.
func (c *Cache) set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) > c.ttl {
		for key, e := range c.store {
			if now.Sub(e.ts) > c.ttl {
				delete(c.store, key)
			}
		}
		c.lastSweep = now
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

// Len reports the number of cached pairs, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
