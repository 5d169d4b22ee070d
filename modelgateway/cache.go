package modelgateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	vectorCacheTTL     = 72 * time.Hour
	vectorCacheTimeout = 300 * time.Millisecond
)

// ResultCache caches embedding vectors by content hash so re-uploading a
// document with identical chunk text never pays for a second embed
// call. Backed by the same singleton Redis client used elsewhere.
type ResultCache struct {
	client *redis.Client
}

// NewResultCache wraps a Redis client. A nil client disables the cache.
func NewResultCache(client *redis.Client) *ResultCache {
	if client == nil {
		return nil
	}
	return &ResultCache{client: client}
}

func (c *ResultCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), vectorCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= vectorCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, vectorCacheTimeout)
}

// GetVector returns a cached vector for key, if present.
func (c *ResultCache) GetVector(ctx context.Context, key string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, false
	}
	return vector, true
}

// PutVector stores a vector for key with a fixed TTL. Failures are
// logged, not returned, since a cache miss is always correct to fall
// back from.
func (c *ResultCache) PutVector(ctx context.Context, key string, vector []float32) {
	if c == nil || c.client == nil {
		return
	}

	payload, err := json.Marshal(vector)
	if err != nil {
		log.Printf("modelgateway: marshal vector cache payload failed: %v", err)
		return
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, key, payload, vectorCacheTTL).Err(); err != nil {
		log.Printf("modelgateway: store vector cache failed: %v", err)
	}
}
