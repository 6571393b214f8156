// Package queue defines the durable send-job queue and its backends.
//
// Every backend gives at-least-once delivery: a dequeued message stays
// invisible for the visibility timeout and is handed out again unless it is
// acked first. Consumers must therefore be idempotent.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by Dequeue when no message is ready.
	ErrEmpty = errors.New("queue: empty")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrUnknownDelivery is returned when acking a receipt the backend no
	// longer tracks, typically because its visibility timeout expired.
	ErrUnknownDelivery = errors.New("queue: unknown delivery")
)

// Delivery is one handed-out message.
type Delivery struct {
	ID       string
	Body     []byte
	Attempts int // 1 on first delivery

	receipt string
}

// Receipt identifies this particular hand-out to the backend.
func (d *Delivery) Receipt() string { return d.receipt }

// Queue is the contract the dispatcher runs against.
type Queue interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
	// Dequeue returns the next ready message or ErrEmpty.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the message visible again after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	// DeadLetter removes the message from circulation, keeping it for inspection.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Close() error
}

// Recoverer is implemented by backends whose visibility timeout is enforced
// by a periodic sweep instead of the broker.
type Recoverer interface {
	// Recover returns expired in-flight messages to the ready set and
	// dead-letters those that exhausted maxReceives.
	Recover(ctx context.Context, maxReceives int) (requeued, deadLettered int64, err error)
}

// Stats is a point-in-time depth snapshot. Backends that cannot report a
// figure leave it at -1.
type Stats struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Delayed  int64 `json:"delayed"`
	Dead     int64 `json:"dead"`
}

// StatsReporter is implemented by backends that can report depth.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
