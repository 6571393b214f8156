package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	id        string
	body      []byte
	attempts  int
	visibleAt time.Time
	receipt   string
	inFlight  bool
}

// MemoryQueue is an in-process Queue for tests and single-process stub mode.
// Nothing survives a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   map[string]*memMessage
	dead       map[string]string
	visibility time.Duration
	now        func() time.Time
	closed     bool
}

// NewMemoryQueue creates a queue with the given visibility timeout.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		messages:   make(map[string]*memMessage),
		dead:       make(map[string]string),
		visibility: visibility,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests use it to expire leases.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *MemoryQueue) Enqueue(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	id := uuid.New().String()
	cp := append([]byte(nil), body...)
	q.messages[id] = &memMessage{id: id, body: cp, visibleAt: q.now()}
	return id, nil
}

// Dequeue hands out the oldest visible message. Expired leases become
// visible again here, so the memory backend needs no recovery sweep.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now()
	var ready []*memMessage
	for _, m := range q.messages {
		if !m.visibleAt.After(now) {
			ready = append(ready, m)
		}
	}
	if len(ready) == 0 {
		return nil, ErrEmpty
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].visibleAt.Before(ready[j].visibleAt) })

	m := ready[0]
	m.attempts++
	m.inFlight = true
	m.visibleAt = now.Add(q.visibility)
	m.receipt = uuid.New().String()
	return &Delivery{ID: m.id, Body: m.body, Attempts: m.attempts, receipt: m.receipt}, nil
}

func (q *MemoryQueue) lookup(d *Delivery) (*memMessage, error) {
	m, ok := q.messages[d.ID]
	if !ok || m.receipt != d.receipt || !m.inFlight {
		return nil, ErrUnknownDelivery
	}
	return m, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.lookup(d); err != nil {
		return err
	}
	delete(q.messages, d.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.lookup(d)
	if err != nil {
		return err
	}
	m.inFlight = false
	m.receipt = ""
	m.visibleAt = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.lookup(d); err != nil {
		return err
	}
	delete(q.messages, d.ID)
	q.dead[d.ID] = reason
	return nil
}

// Recover dead-letters expired leases that reached maxReceives. Expired
// leases under the limit are already visible to Dequeue.
func (q *MemoryQueue) Recover(_ context.Context, maxReceives int) (int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var requeued, dead int64
	for id, m := range q.messages {
		if !m.inFlight || m.visibleAt.After(now) {
			continue
		}
		if maxReceives > 0 && m.attempts >= maxReceives {
			delete(q.messages, id)
			q.dead[id] = "visibility timeout exceeded"
			dead++
			continue
		}
		m.inFlight = false
		m.receipt = ""
		requeued++
	}
	return requeued, dead, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var s Stats
	for _, m := range q.messages {
		switch {
		case m.inFlight && m.visibleAt.After(now):
			s.InFlight++
		case m.visibleAt.After(now):
			s.Delayed++
		default:
			s.Ready++
		}
	}
	s.Dead = int64(len(q.dead))
	return s, nil
}

// DeadLettered returns the reason a message was dead-lettered.
func (q *MemoryQueue) DeadLettered(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.dead[id]
	return r, ok
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
