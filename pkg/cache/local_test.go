package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(LocalConfig{MaxSize: 2})

	require.NoError(t, c.Set(ctx, "a", true, 0))
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.True(t, c.Exists(ctx, "a"))

	require.NoError(t, c.Set(ctx, "b", 2, time.Minute))
	assert.ErrorIs(t, c.Set(ctx, "c", 3, time.Minute), ErrCacheFull)
	// overwriting an existing key is always allowed
	assert.NoError(t, c.Set(ctx, "a", false, time.Minute))

	require.NoError(t, c.Delete(ctx, "a"))
	assert.False(t, c.Exists(ctx, "a"))
	assert.NoError(t, c.Set(ctx, "c", 3, time.Minute))

	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, c.Len())
	assert.NoError(t, c.Close())
}

func TestLocalCache_Expiration(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCache(LocalConfig{MaxSize: 1})

	require.NoError(t, c.Set(ctx, "short", 1, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)

	// the expired entry is reclaimed to make room
	assert.NoError(t, c.Set(ctx, "next", 2, time.Minute))
}
