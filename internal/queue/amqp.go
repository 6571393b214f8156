package queue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const attemptsHeader = "x-attempts"

// amqpChannel is the part of *amqp.Channel the queue uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPQueue runs the Queue contract over a durable RabbitMQ queue with
// manual acks. The broker redelivers unacked messages when the consumer's
// channel closes, which stands in for the visibility timeout. Nack with a
// delay republishes to a per-queue delay queue whose dead-letter exchange
// routes back to the work queue.
type AMQPQueue struct {
	conn       io.Closer
	ch         amqpChannel
	name       string
	delayName  string
	deliveries <-chan amqp.Delivery

	mu       sync.Mutex
	inFlight map[string]amqp.Delivery
}

// DialAMQP connects, declares the work and delay queues and starts consuming.
func DialAMQP(url, name string, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	q, err := newAMQPQueue(conn, ch, name, prefetch)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return q, nil
}

func newAMQPQueue(conn io.Closer, ch amqpChannel, name string, prefetch int) (*AMQPQueue, error) {
	q := &AMQPQueue{
		conn:      conn,
		ch:        ch,
		name:      name,
		delayName: name + ".delay",
		inFlight:  make(map[string]amqp.Delivery),
	}
	if err := q.setup(prefetch); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) setup(prefetch int) error {
	if _, err := q.ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", q.name, err)
	}
	// Expired messages in the delay queue are dead-lettered through the
	// default exchange back onto the work queue.
	_, err := q.ch.QueueDeclare(q.delayName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	})
	if err != nil {
		return fmt.Errorf("amqp declare %s: %w", q.delayName, err)
	}
	if _, err := q.ch.QueueDeclare(q.name+".dead", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare dead queue: %w", err)
	}
	if prefetch > 0 {
		if err := q.ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("amqp qos: %w", err)
		}
	}
	msgs, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	q.deliveries = msgs
	return nil
}

func (q *AMQPQueue) publish(queueName string, body []byte, id string, attempts int, expiration string) error {
	return q.ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Expiration:   expiration,
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		Body:         body,
	})
}

func (q *AMQPQueue) Enqueue(_ context.Context, body []byte) (string, error) {
	id := uuid.New().String()
	if err := q.publish(q.name, body, id, 0, ""); err != nil {
		return "", fmt.Errorf("amqp publish: %w", err)
	}
	return id, nil
}

// Dequeue waits up to one second for a delivery from the consumer.
func (q *AMQPQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrEmpty
	case m, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		attempts := headerAttempts(m.Headers) + 1
		if m.Redelivered {
			// A redelivery after a consumer crash does not carry an updated header.
			attempts++
		}
		receipt := uuid.New().String()
		q.mu.Lock()
		q.inFlight[receipt] = m
		q.mu.Unlock()
		return &Delivery{ID: m.MessageId, Body: m.Body, Attempts: attempts, receipt: receipt}, nil
	}
}

func headerAttempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (q *AMQPQueue) take(d *Delivery) (amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inFlight[d.receipt]
	if !ok {
		return amqp.Delivery{}, ErrUnknownDelivery
	}
	delete(q.inFlight, d.receipt)
	return m, nil
}

func (q *AMQPQueue) Ack(_ context.Context, d *Delivery) error {
	m, err := q.take(d)
	if err != nil {
		return err
	}
	return m.Ack(false)
}

// Nack republishes with the attempt count and a per-message TTL on the
// delay queue, then acks the original.
func (q *AMQPQueue) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	m, err := q.take(d)
	if err != nil {
		return err
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	exp := fmt.Sprintf("%d", delay.Milliseconds())
	if err := q.publish(q.delayName, m.Body, m.MessageId, d.Attempts, exp); err != nil {
		// Fall back to a plain broker requeue so the job is not lost.
		return m.Nack(false, true)
	}
	return m.Ack(false)
}

func (q *AMQPQueue) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	m, err := q.take(d)
	if err != nil {
		return err
	}
	err = q.ch.Publish("", q.name+".dead", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.MessageId,
		Headers:      amqp.Table{"x-reason": reason, attemptsHeader: int32(d.Attempts)},
		Body:         m.Body,
	})
	if err != nil {
		return m.Nack(false, true)
	}
	return m.Ack(false)
}

func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
