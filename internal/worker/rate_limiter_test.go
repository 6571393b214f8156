package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLimiterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	fixed := time.Unix(1700000000, 250*int64(time.Millisecond))
	rl := NewRedisLimiter(client, "test", 2)
	rl.now = func() time.Time { return fixed }

	for i := 0; i < 2; i++ {
		ok, _, err := rl.CheckAndIncrement(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "call %d should pass", i)
	}

	ok, wait, err := rl.CheckAndIncrement(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 750*time.Millisecond, wait)

	// A second limiter instance shares the same window.
	other := NewRedisLimiter(client, "test", 2)
	other.now = rl.now
	ok, _, err = other.CheckAndIncrement(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	fixed = fixed.Add(time.Second)
	ok, _, err = rl.CheckAndIncrement(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	rl := NewRedisLimiter(client, "test", 100)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, rl.Wait(ctx))
}

func TestLocalLimiterHonoursContext(t *testing.T) {
	l := NewLocalLimiter(1, 1)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short), "second token is a second away")
}
