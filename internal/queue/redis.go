package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout for one queue:
//
//	<p>:ready     LIST  ids ready for delivery (RPOP end is oldest)
//	<p>:delayed   ZSET  ids by visible-at ms (nacked with a delay)
//	<p>:inflight  ZSET  ids by lease deadline ms
//	<p>:msg       HASH  id -> body
//	<p>:attempts  HASH  id -> receive count
//	<p>:receipts  HASH  id -> current receipt
//	<p>:dead      HASH  id -> reason
var (
	dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('LPUSH', KEYS[1], id)
end
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
local body = redis.call('HGET', KEYS[4], id)
if not body then
	return false
end
redis.call('ZADD', KEYS[3], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
local n = redis.call('HINCRBY', KEYS[5], id, 1)
redis.call('HSET', KEYS[6], id, ARGV[3])
return {id, body, n}
`)

	ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

	nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[1])
return 1
`)

	deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return 1
`)

	recoverScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local requeued, dead = 0, 0
local max = tonumber(ARGV[2])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[4], id)
	local n = tonumber(redis.call('HGET', KEYS[3], id) or '0')
	if max > 0 and n >= max then
		redis.call('HSET', KEYS[5], id, 'visibility timeout exceeded')
		dead = dead + 1
	else
		redis.call('RPUSH', KEYS[2], id)
		requeued = requeued + 1
	end
end
return {requeued, dead}
`)
)

// RedisQueue is a Queue on plain Redis data structures with Lua scripts for
// every state change, so it works against a single node or miniredis.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	now        func() time.Time
	closed     atomic.Bool
}

// NewRedisQueue creates a queue stored under "<keyPrefix>:queue:{<name>}".
// The braces keep every key of one queue in the same cluster slot.
func NewRedisQueue(client *redis.Client, keyPrefix, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		prefix:     fmt.Sprintf("%s:queue:{%s}", keyPrefix, name),
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *RedisQueue) key(part string) string { return q.prefix + ":" + part }

func (q *RedisQueue) nowMS() int64 { return q.now().UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("msg"), id, body)
	pipe.LPush(ctx, q.key("ready"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis enqueue: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	receipt := uuid.New().String()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("ready"), q.key("delayed"), q.key("inflight"), q.key("msg"), q.key("attempts"), q.key("receipts")},
		q.nowMS(), q.visibility.Milliseconds(), receipt,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply of %d items", len(res))
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	attempts, _ := res[2].(int64)
	return &Delivery{ID: id, Body: []byte(body), Attempts: int(attempts), receipt: receipt}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("msg"), q.key("receipts"), q.key("attempts")},
		d.ID, d.receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if n == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	n, err := nackScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("receipts"), q.key("delayed")},
		d.ID, d.receipt, q.now().Add(delay).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	if n == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	n, err := deadLetterScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("receipts"), q.key("dead")},
		d.ID, d.receipt, reason,
	).Int()
	if err != nil {
		return fmt.Errorf("redis dead-letter: %w", err)
	}
	if n == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Recover returns expired leases to the ready list.
func (q *RedisQueue) Recover(ctx context.Context, maxReceives int) (int64, int64, error) {
	res, err := recoverScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("ready"), q.key("attempts"), q.key("receipts"), q.key("dead")},
		q.nowMS(), maxReceives,
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis recover: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("redis recover: unexpected reply of %d items", len(res))
	}
	return res[0], res[1], nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	inflight := pipe.ZCard(ctx, q.key("inflight"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	dead := pipe.HLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}
	return Stats{Ready: ready.Val(), InFlight: inflight.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

// DeadLetterReason returns why id was dead-lettered.
func (q *RedisQueue) DeadLetterReason(ctx context.Context, id string) (string, error) {
	return q.client.HGet(ctx, q.key("dead"), id).Result()
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
