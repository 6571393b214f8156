package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresQueue stores jobs in the send_queue table and claims them with
// FOR UPDATE SKIP LOCKED, so any number of worker processes can share it.
// Expired leases are returned by Recover, driven by the recovery worker.
type PostgresQueue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
}

// NewPostgresQueue creates a queue over rows where queue = name.
func NewPostgresQueue(db *sql.DB, name string, visibility time.Duration) *PostgresQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &PostgresQueue{db: db, name: name, visibility: visibility}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.New().String()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO send_queue (id, queue, body, status, attempts, visible_at, created_at)
		VALUES ($1, $2, $3, 'queued', 0, NOW(), NOW())
	`, id, q.name, body)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	receipt := uuid.New().String()
	d := &Delivery{receipt: receipt}
	err := q.db.QueryRowContext(ctx, `
		UPDATE send_queue
		SET status = 'inflight',
		    attempts = attempts + 1,
		    receipt = $2,
		    locked_at = NOW(),
		    visible_at = NOW() + make_interval(secs => $3)
		WHERE id = (
			SELECT id FROM send_queue
			WHERE queue = $1
			  AND status = 'queued'
			  AND visible_at <= NOW()
			ORDER BY visible_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, body, attempts
	`, q.name, receipt, q.visibility.Seconds()).Scan(&d.ID, &d.Body, &d.Attempts)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return d, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, d *Delivery) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM send_queue
		WHERE id = $1 AND receipt = $2 AND status = 'inflight'
	`, d.ID, d.receipt)
	return affectedOne(res, err, "ack")
}

func (q *PostgresQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'queued',
		    receipt = NULL,
		    locked_at = NULL,
		    visible_at = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND receipt = $2 AND status = 'inflight'
	`, d.ID, d.receipt, delay.Seconds())
	return affectedOne(res, err, "nack")
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'dead',
		    receipt = NULL,
		    last_error = $3
		WHERE id = $1 AND receipt = $2 AND status = 'inflight'
	`, d.ID, d.receipt, reason)
	return affectedOne(res, err, "dead-letter")
}

// Recover performs two passes over expired leases:
//  1. Requeue leases under the receive limit.
//  2. Dead-letter leases that reached it.
func (q *PostgresQueue) Recover(ctx context.Context, maxReceives int) (int64, int64, error) {
	if maxReceives <= 0 {
		maxReceives = int(^uint32(0) >> 1)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'queued', receipt = NULL, locked_at = NULL
		WHERE queue = $1
		  AND status = 'inflight'
		  AND visible_at < NOW()
		  AND attempts < $2
	`, q.name, maxReceives)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue expired: %w", err)
	}
	requeued, _ := res.RowsAffected()

	res, err = q.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = 'dead', receipt = NULL, last_error = 'visibility timeout exceeded'
		WHERE queue = $1
		  AND status = 'inflight'
		  AND visible_at < NOW()
		  AND attempts >= $2
	`, q.name, maxReceives)
	if err != nil {
		return requeued, 0, fmt.Errorf("dead-letter expired: %w", err)
	}
	dead, _ := res.RowsAffected()
	return requeued, dead, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued' AND visible_at <= NOW()),
			COUNT(*) FILTER (WHERE status = 'inflight'),
			COUNT(*) FILTER (WHERE status = 'queued' AND visible_at > NOW()),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM send_queue
		WHERE queue = $1
	`, q.name).Scan(&s.Ready, &s.InFlight, &s.Delayed, &s.Dead)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

func (q *PostgresQueue) Close() error { return nil }

func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrUnknownDelivery
	}
	return nil
}
