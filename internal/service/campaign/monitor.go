package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/logger"
)

var log = logger.New("campaign")

// EventPublisher forwards platform events to user webhooks.
type EventPublisher interface {
	Publish(ctx context.Context, userID string, evt domain.PlatformEvent, data interface{}) error
}

// Monitor transitions campaigns to sent once their last send leaves
// PENDING. Safe for concurrent use.
type Monitor struct {
	repo      Repository
	publisher EventPublisher
	timeout   time.Duration
	now       func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool // campaign id -> rerun requested
}

// NewMonitor creates a completion monitor. maxConcurrent bounds the number
// of checks Trigger runs at once. publisher may be nil.
func NewMonitor(repo Repository, publisher EventPublisher, maxConcurrent int) *Monitor {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Monitor{
		repo:      repo,
		publisher: publisher,
		timeout:   30 * time.Second,
		now:       time.Now,
		sem:       make(chan struct{}, maxConcurrent),
		running:   make(map[string]bool),
	}
}

// CheckCompletion completes the campaign if no send is still PENDING.
// Returns true only for the caller whose update performed the transition.
func (m *Monitor) CheckCompletion(ctx context.Context, campaignID string) (bool, error) {
	pending, err := m.repo.CountPendingSends(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("count pending sends: %w", err)
	}
	if pending > 0 {
		return false, nil
	}

	won, err := m.repo.MarkCompleted(ctx, campaignID, m.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark campaign completed: %w", err)
	}
	if !won {
		return false, nil
	}

	log.Info("campaign completed", "campaign_id", campaignID)
	m.publishSent(ctx, campaignID)
	return true, nil
}

func (m *Monitor) publishSent(ctx context.Context, campaignID string) {
	if m.publisher == nil {
		return
	}
	c, err := m.repo.Get(ctx, campaignID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn("load completed campaign", "campaign_id", campaignID, "error", err)
		}
		return
	}
	data := map[string]interface{}{
		"campaign_id":  c.ID,
		"name":         c.Name,
		"status":       c.Status,
		"completed_at": c.CompletedAt,
	}
	if err := m.publisher.Publish(ctx, c.UserID, domain.EventCampaignSent, data); err != nil {
		log.Warn("publish campaign.sent", "campaign_id", campaignID, "error", err)
	}
}

// Trigger schedules a completion check in the background. Triggers for a
// campaign whose check is already running collapse into one re-check after
// it finishes, so the last send to leave PENDING is always observed.
func (m *Monitor) Trigger(campaignID string) {
	if campaignID == "" {
		return
	}
	m.mu.Lock()
	if _, busy := m.running[campaignID]; busy {
		m.running[campaignID] = true
		m.mu.Unlock()
		return
	}
	m.running[campaignID] = false
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(campaignID)
}

func (m *Monitor) run(campaignID string) {
	defer m.wg.Done()
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if _, err := m.CheckCompletion(ctx, campaignID); err != nil {
			log.Error("completion check failed", "campaign_id", campaignID, "error", err)
		}
		cancel()

		m.mu.Lock()
		if !m.running[campaignID] {
			delete(m.running, campaignID)
			m.mu.Unlock()
			return
		}
		m.running[campaignID] = false
		m.mu.Unlock()
	}
}

// Wait blocks until every triggered check has finished.
func (m *Monitor) Wait() { m.wg.Wait() }
