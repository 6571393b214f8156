package webhooks

import "sync"

// InFlight caps concurrent outbound attempts globally and per webhook, so
// one slow endpoint cannot hold every slot.
type InFlight struct {
	mu     sync.Mutex
	max    int
	perKey int
	total  int
	byKey  map[string]int
}

// NewInFlight creates a limiter. Non-positive caps disable that cap.
func NewInFlight(max, perKey int) *InFlight {
	return &InFlight{max: max, perKey: perKey, byKey: make(map[string]int)}
}

// TryAcquire takes a slot for key without blocking.
func (l *InFlight) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.total >= l.max {
		return false
	}
	if l.perKey > 0 && l.byKey[key] >= l.perKey {
		return false
	}
	l.total++
	l.byKey[key]++
	return true
}

// Release returns a slot taken by TryAcquire.
func (l *InFlight) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byKey[key] <= 1 {
		delete(l.byKey, key)
	} else {
		l.byKey[key]--
	}
	if l.total > 0 {
		l.total--
	}
}

// Active returns the number of slots in use.
func (l *InFlight) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
