package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestKeyNamespacing(t *testing.T) {
	c, _ := newTestClient(t)
	assert.Equal(t, "janus:hash:abc", c.Key("hash", "abc"))
	assert.Equal(t, "janus:ratelimit:b:c9", c.Key("ratelimit", "b", "c9"))
}

func TestSetNXAndExists(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, c.Key("hash", "h1"), "1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, c.Key("hash", "h1"), "1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must not overwrite")

	exists, err := c.Exists(ctx, c.Key("hash", "h1"))
	require.NoError(t, err)
	assert.True(t, exists)

	mr.FastForward(11 * time.Second)

	exists, err = c.Exists(ctx, c.Key("hash", "h1"))
	require.NoError(t, err)
	assert.False(t, exists, "key must expire with its TTL")
}

func TestGetSetSwapsAndReturnsPrevious(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := c.Key("edit-update", "p1", "a", "m1")

	prev, err := c.GetSet(ctx, key, "M2", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, prev, "first swap sees no previous value")

	prev, err = c.GetSet(ctx, key, "M3", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "M2", prev)

	val, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "M3", val)
}

func TestIncrWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := c.Key("ratelimit", "a", "c1")

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrWindow(ctx, key, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	ttl, err := c.PTTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 2*time.Second)

	// A new window starts from one once the old counter expires.
	mr.FastForward(3 * time.Second)
	n, err := c.IncrWindow(ctx, key, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPTTLAbsentKey(t *testing.T) {
	c, _ := newTestClient(t)
	d, err := c.PTTL(context.Background(), c.Key("nope"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)
}
