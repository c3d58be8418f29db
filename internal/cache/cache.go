// Package cache stores successful completions for replay. Lookup is
// two-tier: an exact SHA-256 fingerprint over the canonicalized request,
// then a cosine scan over recent prompt embeddings for near-duplicate
// prompts under the same model and options.
//
// Two exact backends are available and interchangeable:
//   - MemoryCache, an in-process TTL map for single-instance deployments.
//   - RedisCache, shared across replicas; Redis failures degrade to cache
//     misses so a broken cache never fails a request.
package cache

import (
	"context"
	"time"
)

// Cache is the exact storage tier under the response cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
