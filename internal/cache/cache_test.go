package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, strategy Strategy) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, strategy, "test", time.Minute)
}

func TestSetGet_JSONStrategyRoundTrips(t *testing.T) {
	c := newTestCache(t, JSONStrategy)

	type payload struct {
		Name string
		Age  int
	}
	require.NoError(t, c.Set(context.Background(), "k1", payload{Name: "bob", Age: 5}, 0))

	var got payload
	ok, err := c.Get(context.Background(), "k1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Name: "bob", Age: 5}, got)
}

func TestSetGet_BinaryStrategyRoundTrips(t *testing.T) {
	c := newTestCache(t, BinaryStrategy)

	type payload struct {
		Name string
		Age  int
	}
	require.NoError(t, c.Set(context.Background(), "k1", payload{Name: "bob", Age: 5}, 0))

	var got payload
	ok, err := c.Get(context.Background(), "k1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload{Name: "bob", Age: 5}, got)
}

func TestGet_MissReturnsFalseNoError(t *testing.T) {
	c := newTestCache(t, JSONStrategy)

	var v string
	ok, err := c.Get(context.Background(), "missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_CorruptedEntryIsTreatedAsMissAndDeleted(t *testing.T) {
	c := newTestCache(t, JSONStrategy)

	require.NoError(t, c.client.Set(context.Background(), c.fullKey("bad"), []byte("not json{{"), time.Minute).Err())

	var v string
	ok, err := c.Get(context.Background(), "bad", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := c.client.Exists(context.Background(), c.fullKey("bad")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists)
}

func TestDelete_RemovesKey(t *testing.T) {
	c := newTestCache(t, JSONStrategy)
	require.NoError(t, c.Set(context.Background(), "k1", "v", 0))
	require.NoError(t, c.Delete(context.Background(), "k1"))

	var v string
	ok, _ := c.Get(context.Background(), "k1", &v)
	assert.False(t, ok)
}

func TestClearPattern_RemovesOnlyMatchingKeys(t *testing.T) {
	c := newTestCache(t, JSONStrategy)
	require.NoError(t, c.Set(context.Background(), "squad:1", "a", 0))
	require.NoError(t, c.Set(context.Background(), "squad:2", "b", 0))
	require.NoError(t, c.Set(context.Background(), "other:1", "c", 0))

	count, err := c.ClearPattern(context.Background(), "squad:*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var v string
	ok, _ := c.Get(context.Background(), "other:1", &v)
	assert.True(t, ok)
}

func TestHealthCheck_ReportsHealthyAndStats(t *testing.T) {
	c := newTestCache(t, JSONStrategy)
	result := c.HealthCheck(context.Background())
	assert.True(t, result.Healthy)
}

func TestGetOrCompute_MissInvokesComputeAndCaches(t *testing.T) {
	c := newTestCache(t, JSONStrategy)

	var calls int
	compute := func() (interface{}, error) {
		calls++
		return "computed", nil
	}

	var v string
	require.NoError(t, c.GetOrCompute(context.Background(), "k1", time.Minute, &v, compute))
	assert.Equal(t, "computed", v)
	assert.Equal(t, 1, calls)

	var v2 string
	require.NoError(t, c.GetOrCompute(context.Background(), "k1", time.Minute, &v2, compute))
	assert.Equal(t, "computed", v2)
	assert.Equal(t, 1, calls) // cached, compute not invoked again
}
