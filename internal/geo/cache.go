package geo

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedProvider wraps another provider with an LRU cache of successful
// lookups. Failed lookups are not cached so a provider that later learns
// a range gets retried.
type CachedProvider struct {
	inner Provider
	cache *lru.Cache[string, Location]
}

// NewCachedProvider wraps inner with a cache of the given size
func NewCachedProvider(inner Provider, size int) (*CachedProvider, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, Location](size)
	if err != nil {
		return nil, fmt.Errorf("create geo cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

// Lookup resolves from cache first, falling through to the wrapped
// provider
func (c *CachedProvider) Lookup(ip string) (Location, error) {
	if loc, ok := c.cache.Get(ip); ok {
		return loc, nil
	}
	loc, err := c.inner.Lookup(ip)
	if err != nil {
		return Location{}, err
	}
	c.cache.Add(ip, loc)
	return loc, nil
}
