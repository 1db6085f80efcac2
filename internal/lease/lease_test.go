package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	a := NewRedisLocker(client, "lease:", 10*time.Second)
	b := NewRedisLocker(client, "lease:", 10*time.Second)

	ok, err := a.Acquire(ctx, "56/0xabc/sale")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "56/0xabc/sale")
	require.NoError(t, err)
	assert.False(t, ok)

	// the holder renews its own lease
	mr.FastForward(5 * time.Second)
	ok, err = a.Acquire(ctx, "56/0xabc/sale")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, a.Owner(), mustGet(t, mr, "lease:56/0xabc/sale"))

	assert.ErrorIs(t, b.Release(ctx, "56/0xabc/sale"), ErrNotHeld)
	require.NoError(t, a.Release(ctx, "56/0xabc/sale"))

	ok, err = b.Acquire(ctx, "56/0xabc/sale")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaseExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	a := NewRedisLocker(client, "", time.Second)
	b := NewRedisLocker(client, "", time.Second)

	ok, err := a.Acquire(ctx, "p")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.Acquire(ctx, "p")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	ok, _ := l.Acquire(ctx, "p")
	assert.True(t, ok)
	ok, _ = l.Acquire(ctx, "p")
	assert.True(t, ok)
	require.NoError(t, l.Release(ctx, "p"))
	assert.ErrorIs(t, l.Release(ctx, "p"), ErrNotHeld)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
