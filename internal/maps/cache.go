package maps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DefaultCacheEntries bounds a cache built with a non-positive size.
const DefaultCacheEntries = 10000

// Cache is a small in-memory TTL cache holding at most max entries. A Set on
// a full cache first drops expired entries, then the oldest one.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	store map[K]cacheEntry[V]
	ttl   time.Duration
	max   int
	now   func() time.Time
}

type cacheEntry[V any] struct {
	v  V
	ts time.Time
}

func NewCache[K comparable, V any](ttl time.Duration, maxEntries int) *Cache[K, V] {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Cache[K, V]{store: make(map[K]cacheEntry[V]), ttl: ttl, max: maxEntries, now: time.Now}
}

// Get returns the cached value and true if present and not expired.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	var zero V
	if !ok {
		return zero, false
	}
	if c.expired(e) {
		c.mu.Lock()
		// a Set may have refreshed the entry since the read
		if cur, ok := c.store[k]; ok && c.expired(cur) {
			delete(c.store, k)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.v, true
}

func (c *Cache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[k]; !ok && len(c.store) >= c.max {
		c.pruneLocked()
		if len(c.store) >= c.max {
			c.evictOldestLocked()
		}
	}
	c.store[k] = cacheEntry[V]{v: v, ts: c.now()}
}

// Prune drops every expired entry and reports how many it removed.
func (c *Cache[K, V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

func (c *Cache[K, V]) expired(e cacheEntry[V]) bool {
	return c.now().Sub(e.ts) > c.ttl
}

func (c *Cache[K, V]) pruneLocked() int {
	n := 0
	for k, e := range c.store {
		if c.expired(e) {
			delete(c.store, k)
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) evictOldestLocked() {
	var (
		oldest K
		ts     time.Time
		found  bool
	)
	for k, e := range c.store {
		if !found || e.ts.Before(ts) {
			oldest, ts, found = k, e.ts, true
		}
	}
	if found {
		delete(c.store, oldest)
	}
}

// CachedLocator memoizes geocodes per normalized address and routes per
// coordinate pair, and records lookup latency. Failures are not cached.
type CachedLocator struct {
	next   Locator
	coords *Cache[string, models.Coord]
	routes *Cache[string, Route]
}

func NewCachedLocator(next Locator, ttl time.Duration) *CachedLocator {
	return &CachedLocator{
		next:   next,
		coords: NewCache[string, models.Coord](ttl, DefaultCacheEntries),
		routes: NewCache[string, Route](ttl, DefaultCacheEntries),
	}
}

func (c *CachedLocator) Geocode(ctx context.Context, address string) (models.Coord, error) {
	k := strings.ToLower(strings.Join(strings.Fields(address), " "))
	if v, ok := c.coords.Get(k); ok {
		observability.MapsCacheHits.WithLabelValues("geocode").Inc()
		return v, nil
	}
	start := time.Now()
	v, err := c.next.Geocode(ctx, address)
	observe("geocode", start, err)
	if err != nil {
		return models.Coord{}, err
	}
	c.coords.Set(k, v)
	return v, nil
}

func (c *CachedLocator) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	k := routeKey(from, to)
	if v, ok := c.routes.Get(k); ok {
		observability.MapsCacheHits.WithLabelValues("route").Inc()
		return v, nil
	}
	start := time.Now()
	v, err := c.next.Route(ctx, from, to)
	observe("route", start, err)
	if err != nil {
		return Route{}, err
	}
	c.routes.Set(k, v)
	return v, nil
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.MapsLookupDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func routeKey(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lng, b.Lat, b.Lng)
}
