package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cached struct {
	Title string `json:"title"`
	Count int    `json:"count"`
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := New(context.Background(), Config{URL: "redis://" + mr.Addr(), KeyPrefix: "test:", DefaultTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestSetAndGetJSON(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "k", cached{Title: "Metformin", Count: 2}, 0))

	var got cached
	require.NoError(t, c.GetJSON(ctx, "k", &got))
	assert.Equal(t, cached{Title: "Metformin", Count: 2}, got)

	assert.True(t, mr.Exists("test:k"), "key is stored under the prefix")
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestGetJSON_Miss(t *testing.T) {
	_, c := setupTestRedis(t)

	var got cached
	err := c.GetJSON(context.Background(), "missing", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGetJSON_Expired(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "k", cached{Title: "x"}, 10*time.Second))
	mr.FastForward(11 * time.Second)

	var got cached
	assert.ErrorIs(t, c.GetJSON(ctx, "k", &got), ErrCacheMiss)
}

func TestGetJSON_CorruptValue(t *testing.T) {
	mr, c := setupTestRedis(t)
	require.NoError(t, mr.Set("test:bad", "{not json"))

	var got cached
	err := c.GetJSON(context.Background(), "bad", &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestDelete(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "a", 1, 0))
	require.NoError(t, c.Delete(ctx, "a"))
	assert.False(t, mr.Exists("test:a"))
}

func TestClosedCache(t *testing.T) {
	_, c := setupTestRedis(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.SetJSON(context.Background(), "k", 1, 0), ErrClosed)
}
