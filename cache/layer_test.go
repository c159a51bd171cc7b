package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayer(t *testing.T) (*Layer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "ak", nil), mr
}

func TestGetSet(t *testing.T) {
	layer, mr := testLayer(t)
	ctx := context.Background()

	_, err := layer.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, layer.Set(ctx, "k", "v", time.Minute))
	v, err := layer.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	// TTL applies and the key expires.
	mr.FastForward(2 * time.Minute)
	_, err = layer.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetDelIsSingleUse(t *testing.T) {
	layer, _ := testLayer(t)
	ctx := context.Background()

	require.NoError(t, layer.Set(ctx, "once", "v", time.Minute))

	v, err := layer.GetDel(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = layer.GetDel(ctx, "once")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCounters(t *testing.T) {
	layer, _ := testLayer(t)
	ctx := context.Background()

	n, err := layer.Incr(ctx, "cnt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = layer.Incr(ctx, "cnt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = layer.Decr(ctx, "cnt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetNX(t *testing.T) {
	layer, _ := testLayer(t)
	ctx := context.Background()

	ok, err := layer.SetNX(ctx, "nx", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = layer.SetNX(ctx, "nx", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := layer.Get(ctx, "nx")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestDeleteByPattern(t *testing.T) {
	layer, _ := testLayer(t)
	ctx := context.Background()

	require.NoError(t, layer.Set(ctx, "sess:u1:a", "1", 0))
	require.NoError(t, layer.Set(ctx, "sess:u1:b", "1", 0))
	require.NoError(t, layer.Set(ctx, "sess:u2:a", "1", 0))

	n, err := layer.DeleteByPattern(ctx, "sess:u1:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = layer.Get(ctx, "sess:u1:a")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = layer.Get(ctx, "sess:u2:a")
	assert.NoError(t, err)
}

func TestUnavailableBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	layer := New(client, "ak", nil)
	mr.Close()

	_, err := layer.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	err = layer.Set(context.Background(), "k", "v", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}
