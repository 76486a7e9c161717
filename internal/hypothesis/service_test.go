package hypothesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/readiness-cli/internal/model"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, ttl), srv
}

func TestCaches(t *testing.T) {
	redisCache, _ := newRedisCache(t, 0)
	caches := map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  redisCache,
	}
	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := c.Get(ctx, "acme.com", "cloud")
			require.NoError(t, err)
			assert.False(t, ok)

			want := Entry{Fingerprint: "fp", State: model.HypothesisState{
				EntityID: "acme.com", Category: "cloud", State: model.StateEngage, ActivityScore: 0.7, AsOf: asOf,
			}}
			require.NoError(t, c.Set(ctx, "acme.com", "cloud", want))
			require.NoError(t, c.Set(ctx, "acme.com", "security", Entry{Fingerprint: "other"}))

			got, ok, err := c.Get(ctx, "acme.com", "cloud")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, got)

			require.NoError(t, c.Invalidate(ctx, "acme.com"))
			_, ok, err = c.Get(ctx, "acme.com", "security")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisCache_TTL(t *testing.T) {
	c, srv := newRedisCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "acme.com", "cloud", Entry{Fingerprint: "fp"}))
	assert.Equal(t, time.Hour, srv.TTL(redisKeyPrefix+"acme.com"))

	srv.FastForward(2 * time.Hour)
	_, ok, err := c.Get(ctx, "acme.com", "cloud")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	c, srv := newRedisCache(t, 0)
	srv.HSet(redisKeyPrefix+"acme.com", "cloud", "not json")

	_, _, err := c.Get(context.Background(), "acme.com", "cloud")
	assert.Error(t, err)
}

// countingCache records calls and can be made to fail.
type countingCache struct {
	*MemoryCache
	gets, sets int
	err        error
}

func (c *countingCache) Get(ctx context.Context, entityID, category string) (Entry, bool, error) {
	c.gets++
	if c.err != nil {
		return Entry{}, false, c.err
	}
	return c.MemoryCache.Get(ctx, entityID, category)
}

func (c *countingCache) Set(ctx context.Context, entityID, category string, e Entry) error {
	c.sets++
	if c.err != nil {
		return c.err
	}
	return c.MemoryCache.Set(ctx, entityID, category, e)
}

func testBuckets() model.SignalBuckets {
	return model.SplitBuckets([]model.Signal{
		sig("p1", model.SignalBudgetAllocated, 0.8, 24*time.Hour),
		sig("c1", model.SignalHiringSurge, 0.75, 72*time.Hour),
	}, "")
}

func TestService_Evaluate(t *testing.T) {
	ctx := context.Background()
	cache := &countingCache{MemoryCache: NewMemoryCache()}
	svc := NewService(newMachine(t), cache)

	req := Request{EntityID: "acme.com", Category: "cloud", Buckets: testBuckets(), AsOf: asOf.Add(5 * time.Hour)}

	first, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, asOf, first.State.AsOf, "asOf is truncated to the day")

	second, err := svc.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.State, second.State)

	t.Run("changed inputs recompute", func(t *testing.T) {
		changed := req
		changed.Buckets.Opportunity = []model.Signal{sig("o1", model.SignalRFPDetected, 0.9, 0)}
		res, err := svc.Evaluate(ctx, changed)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, model.StateLive, res.State.State)
	})

	t.Run("force refresh bypasses cache", func(t *testing.T) {
		gets := cache.gets
		forced := req
		forced.ForceRefresh = true
		res, err := svc.Evaluate(ctx, forced)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Equal(t, gets, cache.gets)
		assert.Equal(t, first.State, res.State)
	})
}

func TestService_CacheFailureRecomputes(t *testing.T) {
	cache := &countingCache{MemoryCache: NewMemoryCache(), err: errors.New("redis down")}
	svc := NewService(newMachine(t), cache)

	res, err := svc.Evaluate(context.Background(), Request{EntityID: "acme.com", Buckets: testBuckets(), AsOf: asOf})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, model.DefaultCategory, res.State.Category)
	assert.Equal(t, 1, cache.sets)
}

func TestService_NoCache(t *testing.T) {
	svc := NewService(newMachine(t), nil)
	svc.now = func() time.Time { return asOf.Add(13 * time.Hour) }

	res, err := svc.Evaluate(context.Background(), Request{EntityID: "acme.com", Buckets: testBuckets()})
	require.NoError(t, err)
	assert.Equal(t, asOf, res.State.AsOf)
	assert.NoError(t, svc.Invalidate(context.Background(), "acme.com"))
}

func TestService_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewService(newMachine(t), nil).Evaluate(ctx, Request{EntityID: "acme.com"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFingerprint(t *testing.T) {
	b := testBuckets()
	reordered := b
	reordered.Capability = append([]model.Signal(nil), b.Capability...)

	assert.Equal(t, Fingerprint(b, asOf), Fingerprint(reordered, asOf))
	assert.NotEqual(t, Fingerprint(b, asOf), Fingerprint(b, asOf.AddDate(0, 0, 1)))

	bumped := testBuckets()
	bumped.Procurement[0].FinalConfidence = 0.81
	assert.NotEqual(t, Fingerprint(b, asOf), Fingerprint(bumped, asOf))
}
