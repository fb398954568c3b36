package geoip

import (
	"context"
	"sync"
	"time"
)

// Resolver resolves an IP address to a country code.
type Resolver interface {
	LookupCountry(ctx context.Context, ip string) string
}

// Cache memoizes country lookups and keeps callers off the network: a
// miss returns "" immediately while the lookup runs in the background,
// so a token decision never waits on the lookup service. Failed lookups
// are cached as "" for the same TTL.
type Cache struct {
	resolver Resolver
	ttl      time.Duration

	mu       sync.Mutex
	entries  map[string]cacheEntry
	inflight map[string]struct{}
}

type cacheEntry struct {
	code    string
	expires time.Time
}

// NewCache wraps a resolver with a TTL cache.
func NewCache(r Resolver, ttl time.Duration) *Cache {
	return &Cache{
		resolver: r,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]struct{}),
	}
}

// LookupCountry returns the cached country code for an IP, or "" while
// the first lookup for that IP is still resolving.
func (c *Cache) LookupCountry(ctx context.Context, ip string) string {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[ip]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.code
	}
	if _, busy := c.inflight[ip]; busy {
		c.mu.Unlock()
		return ""
	}
	c.inflight[ip] = struct{}{}
	c.mu.Unlock()

	go func() {
		// detached from the request context; the request has moved on
		lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		code := c.resolver.LookupCountry(lctx, ip)

		c.mu.Lock()
		c.entries[ip] = cacheEntry{code: code, expires: time.Now().Add(c.ttl)}
		delete(c.inflight, ip)
		c.mu.Unlock()
	}()
	return ""
}
