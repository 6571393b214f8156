package memory

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/campaign"
	"github.com/ignite/sendpipe/internal/service/suppression"
)

// CampaignRepo implements campaign.Repository in memory.
type CampaignRepo struct{ s *Store }

var _ campaign.Repository = (*CampaignRepo)(nil)

func (r *CampaignRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) CountPendingSends(_ context.Context, id string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, send := range r.s.sends {
		if send.CampaignID != nil && *send.CampaignID == id && send.Status == domain.SendPending {
			n++
		}
	}
	return n, nil
}

func (r *CampaignRepo) MarkCompleted(_ context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || c.Status != domain.CampaignSending || c.CompletedAt != nil {
		return false, nil
	}
	c.Status = domain.CampaignSent
	c.CompletedAt = &at
	c.UpdatedAt = at
	return true, nil
}

// ContactRepo implements suppression.Repository in memory.
type ContactRepo struct{ s *Store }

var _ suppression.Repository = (*ContactRepo)(nil)

func (r *ContactRepo) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, suppression.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ContactRepo) SuppressContact(_ context.Context, id string, status domain.ContactStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok || c.Status != domain.ContactActive {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = at
	return true, nil
}
