package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// cacheEntry holds one resolved hostname → site mapping.
type cacheEntry struct {
	tenantID  string
	siteID    uuid.UUID
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// routeCache is a read-mostly in-memory cache in front of the domain and
// site registries. Request-serving goroutines read concurrently under an
// RLock; the rare reconciliation/administration paths write. Entries expire
// after a TTL as a safety net, but the primary invalidation mechanism is the
// explicit status-change hook.
type routeCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newRouteCache(ttl time.Duration) *routeCache {
	return &routeCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// get looks up a cached route by hostname.
func (c *routeCache) get(host string) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[host]
	if !ok || e.expired() {
		return nil, false
	}
	return e, true
}

// set stores a route for hostname.
func (c *routeCache) set(host, tenantID string, siteID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[host] = &cacheEntry{
		tenantID:  tenantID,
		siteID:    siteID,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// invalidate drops the entry for hostname, if any.
func (c *routeCache) invalidate(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, host)
}

// evict removes all expired entries and returns how many were dropped.
func (c *routeCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *routeCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
