package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryQueueAckRemoves(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	id, err := q.Enqueue(ctx, []byte(`{"send_id":"s1"}`))
	require.NoError(t, err)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, 1, d.Attempts)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty, "in-flight message must be invisible")

	require.NoError(t, q.Ack(ctx, d))
	assert.ErrorIs(t, q.Ack(ctx, d), ErrUnknownDelivery)
}

func TestMemoryQueueVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	q := NewMemoryQueue(time.Minute)
	q.SetClock(clock.now)

	_, err := q.Enqueue(ctx, []byte("job"))
	require.NoError(t, err)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)

	clock.advance(61 * time.Second)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	// The stale receipt can no longer ack.
	assert.ErrorIs(t, q.Ack(ctx, first), ErrUnknownDelivery)
	require.NoError(t, q.Ack(ctx, second))
}

func TestMemoryQueueNackDelay(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	q := NewMemoryQueue(time.Minute)
	q.SetClock(clock.now)

	_, _ = q.Enqueue(ctx, []byte("job"))
	d, _ := q.Dequeue(ctx)
	require.NoError(t, q.Nack(ctx, d, 30*time.Second))

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	stats, _ := q.Stats(ctx)
	assert.Equal(t, int64(1), stats.Delayed)

	clock.advance(31 * time.Second)
	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempts)
}

func TestMemoryQueueRecoverDeadLetters(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	q := NewMemoryQueue(time.Minute)
	q.SetClock(clock.now)

	id, _ := q.Enqueue(ctx, []byte("poison"))
	for i := 0; i < 3; i++ {
		_, err := q.Dequeue(ctx)
		require.NoError(t, err)
		clock.advance(2 * time.Minute)
	}

	requeued, dead, err := q.Recover(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, int64(1), dead)

	reason, ok := q.DeadLettered(id)
	assert.True(t, ok)
	assert.Equal(t, "visibility timeout exceeded", reason)
}

func TestMemoryQueueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)
	id, _ := q.Enqueue(ctx, []byte("x"))
	d, _ := q.Dequeue(ctx)

	require.NoError(t, q.DeadLetter(ctx, d, "ledger unavailable"))
	reason, ok := q.DeadLettered(id)
	assert.True(t, ok)
	assert.Equal(t, "ledger unavailable", reason)

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}
