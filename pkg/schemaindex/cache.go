package schemaindex

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachedIndex wraps an Index with a TTL cache for per-table descriptions.
// Similarity searches are not cached; their inputs are free text.
type CachedIndex struct {
	inner Index
	cache *ttlcache.Cache[string, string]
}

// NewCachedIndex creates a caching decorator around inner. Descriptions are
// kept for ttl; schema changes show up after expiry, which is acceptable for
// grounding purposes.
func NewCachedIndex(inner Index, ttl time.Duration) *CachedIndex {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &CachedIndex{inner: inner, cache: cache}
}

// SimilaritySearch delegates to the wrapped index.
func (c *CachedIndex) SimilaritySearch(ctx context.Context, text string, k int) ([]Entry, error) {
	return c.inner.SimilaritySearch(ctx, text, k)
}

// GetByTableName returns a cached description when present.
func (c *CachedIndex) GetByTableName(ctx context.Context, name string) (string, bool, error) {
	if item := c.cache.Get(name); item != nil {
		return item.Value(), true, nil
	}
	desc, ok, err := c.inner.GetByTableName(ctx, name)
	if err != nil || !ok {
		return "", ok, err
	}
	c.cache.Set(name, desc, ttlcache.DefaultTTL)
	return desc, true, nil
}

// Stop shuts down the cache janitor.
func (c *CachedIndex) Stop() {
	c.cache.Stop()
}
