package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key string
	msg amqp.Publishing
}

type fakeChannel struct {
	declared   map[string]amqp.Table
	prefetch   int
	deliveries chan amqp.Delivery
	published  []published
	publishErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{declared: map[string]amqp.Table{}, deliveries: make(chan amqp.Delivery, 4)}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{key, msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// acks records broker acknowledgements by delivery tag.
type acks struct {
	acked    []uint64
	requeued []uint64
}

func (a *acks) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acks) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	return nil
}

func (a *acks) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestAMQPQueueSetup(t *testing.T) {
	ch := newFakeChannel()
	_, err := newAMQPQueue(nil, ch, "sends", 16)
	require.NoError(t, err)

	assert.Contains(t, ch.declared, "sends")
	assert.Contains(t, ch.declared, "sends.dead")
	require.Contains(t, ch.declared, "sends.delay")
	assert.Equal(t, "sends", ch.declared["sends.delay"]["x-dead-letter-routing-key"])
	assert.Equal(t, 16, ch.prefetch)
}

func TestAMQPQueue(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	ack := &acks{}
	q, err := newAMQPQueue(nil, ch, "sends", 0)
	require.NoError(t, err)

	id, err := q.Enqueue(ctx, []byte(`{"send_id":"s1"}`))
	require.NoError(t, err)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "sends", ch.published[0].key)
	assert.Equal(t, id, ch.published[0].msg.MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].msg.DeliveryMode)

	ch.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		MessageId:    id,
		Headers:      amqp.Table{attemptsHeader: int32(0)},
		Body:         []byte(`{"send_id":"s1"}`),
	}
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, 1, d.Attempts)

	t.Run("nack goes through the delay queue", func(t *testing.T) {
		require.NoError(t, q.Nack(ctx, d, 30*time.Second))
		require.Len(t, ch.published, 2)
		delayed := ch.published[1]
		assert.Equal(t, "sends.delay", delayed.key)
		assert.Equal(t, "30000", delayed.msg.Expiration)
		assert.Equal(t, int32(1), delayed.msg.Headers[attemptsHeader])
		assert.Equal(t, []uint64{1}, ack.acked)

		assert.ErrorIs(t, q.Ack(ctx, d), ErrUnknownDelivery)
	})

	t.Run("redelivery carries the attempt count", func(t *testing.T) {
		ch.deliveries <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  2,
			MessageId:    id,
			Headers:      amqp.Table{attemptsHeader: int32(1)},
			Body:         []byte(`{"send_id":"s1"}`),
		}
		d2, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, d2.Attempts)

		require.NoError(t, q.Ack(ctx, d2))
		assert.Equal(t, []uint64{1, 2}, ack.acked)
	})

	t.Run("broker redelivery after crash", func(t *testing.T) {
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, MessageId: id, Redelivered: true}
		d3, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, d3.Attempts)

		require.NoError(t, q.DeadLetter(ctx, d3, "too many attempts"))
		last := ch.published[len(ch.published)-1]
		assert.Equal(t, "sends.dead", last.key)
		assert.Equal(t, "too many attempts", last.msg.Headers["x-reason"])
		assert.Equal(t, []uint64{1, 2, 3}, ack.acked)
	})

	t.Run("failed republish falls back to requeue", func(t *testing.T) {
		ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 4, MessageId: id}
		d4, err := q.Dequeue(ctx)
		require.NoError(t, err)

		ch.publishErr = errors.New("channel closed")
		require.NoError(t, q.Nack(ctx, d4, 0))
		assert.Equal(t, []uint64{4}, ack.requeued)
		ch.publishErr = nil
	})

	require.NoError(t, q.Close())
	assert.True(t, ch.closed)
}

func TestAMQPDequeueClosed(t *testing.T) {
	ch := newFakeChannel()
	q, err := newAMQPQueue(nil, ch, "sends", 0)
	require.NoError(t, err)
	close(ch.deliveries)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeaderAttempts(t *testing.T) {
	assert.Equal(t, 3, headerAttempts(amqp.Table{attemptsHeader: int32(3)}))
	assert.Equal(t, 4, headerAttempts(amqp.Table{attemptsHeader: int64(4)}))
	assert.Equal(t, 0, headerAttempts(amqp.Table{attemptsHeader: "x"}))
	assert.Equal(t, 0, headerAttempts(nil))
}
