package hypothesis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/readiness-cli/internal/model"
)

// Entry is a cached state together with the fingerprint of the inputs it
// was computed from.
type Entry struct {
	Fingerprint string                `json:"fingerprint"`
	State       model.HypothesisState `json:"state"`
}

// Cache stores computed states keyed by entity and category.
type Cache interface {
	Get(ctx context.Context, entityID, category string) (Entry, bool, error)
	Set(ctx context.Context, entityID, category string, e Entry) error
	Invalidate(ctx context.Context, entityID string) error
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]map[string]Entry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, entityID, category string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entityID][category]
	return e, ok, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, entityID, category string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[entityID] == nil {
		c.entries[entityID] = make(map[string]Entry)
	}
	c.entries[entityID][category] = e
	return nil
}

// Invalidate implements Cache.
func (c *MemoryCache) Invalidate(_ context.Context, entityID string) error {
	c.mu.Lock()
	delete(c.entries, entityID)
	c.mu.Unlock()
	return nil
}

const redisKeyPrefix = "readiness:hypothesis:"

// RedisCache stores entries as JSON in a Redis hash per entity, one field
// per category.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps a Redis client. A zero ttl keeps entries until they
// are invalidated.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, entityID, category string) (Entry, bool, error) {
	raw, err := c.client.HGet(ctx, redisKeyPrefix+entityID, category).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, eris.Wrapf(err, "hypothesis: redis get %s/%s", entityID, category)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, eris.Wrapf(err, "hypothesis: decode cached state %s/%s", entityID, category)
	}
	return e, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, entityID, category string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "hypothesis: encode cached state")
	}
	key := redisKeyPrefix + entityID
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, category, raw)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "hypothesis: redis set %s/%s", entityID, category)
	}
	return nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, entityID string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+entityID).Err(); err != nil {
		return eris.Wrapf(err, "hypothesis: redis invalidate %s", entityID)
	}
	return nil
}
