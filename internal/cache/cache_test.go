package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *MemoryClient {
	t.Helper()
	c := NewMemoryClient(100)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryClient_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_TTLAndExpire(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 50*time.Millisecond))

	ttl, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 50*time.Millisecond)

	require.NoError(t, c.Expire(ctx, "k", time.Hour))
	ttl, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err = c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_MGetMSet(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.MSet(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, time.Minute))

	got, err := c.MGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["a"])
	assert.NotContains(t, got, "c")
}

func TestMemoryClient_DeletePatternAndNamespace(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.Set(ctx, "search:q1", []byte("x"), time.Minute))
	require.NoError(t, c.Set(ctx, "search:q2", []byte("y"), time.Minute))
	require.NoError(t, c.Set(ctx, "material:1", []byte("z"), time.Minute))

	require.NoError(t, c.DeletePattern(ctx, "search:*"))
	_, err := c.Get(ctx, "search:q1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "material:1")
	assert.NoError(t, err)

	require.NoError(t, c.Set(ctx, "material:2", []byte("w"), time.Minute))
	require.NoError(t, c.ClearNamespace(ctx, "material:"))
	_, err = c.Get(ctx, "material:2")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_ListOps(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	for _, v := range []string{"one", "two", "three", "four"} {
		require.NoError(t, c.ListPush(ctx, "recent", []byte(v), 3))
	}

	vals, err := c.ListRange(ctx, "recent", 0, -1)
	require.NoError(t, err)
	require.Len(t, vals, 3)
	// Most recent first, trimmed to three.
	assert.Equal(t, "four", string(vals[0]))
	assert.Equal(t, "three", string(vals[1]))
	assert.Equal(t, "two", string(vals[2]))
}

func TestMemoryClient_Eviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient(2)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 2*time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 3*time.Minute))

	// "a" had the earliest expiry and should have been evicted.
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestMemoryClient_HealthCheck(t *testing.T) {
	c := newTestClient(t)
	status := c.HealthCheck(context.Background())
	assert.Equal(t, "healthy", status.Status)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "search:abc:1", Key("search", "abc", "1"))
}
