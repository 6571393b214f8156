package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPaused    CampaignStatus = "paused"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign is the projection of a campaign the delivery pipeline reads and
// writes. Content and targeting live with the campaign builder.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	UserID      string         `json:"user_id" db:"user_id"`
	Name        string         `json:"name" db:"name"`
	Status      CampaignStatus `json:"status" db:"status"`
	CompletedAt *time.Time     `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// ContactStatus enumerates a contact's deliverability state.
type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactBounced      ContactStatus = "bounced"
	ContactComplained   ContactStatus = "complained"
	ContactUnsubscribed ContactStatus = "unsubscribed"
)

// Contact is the projection of a list member the pipeline needs for
// suppression decisions.
type Contact struct {
	ID        string        `json:"id" db:"id"`
	UserID    string        `json:"user_id" db:"user_id"`
	Email     string        `json:"email" db:"email"`
	Status    ContactStatus `json:"status" db:"status"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// IsSuppressed reports whether mail must not be sent to the contact.
func (c *Contact) IsSuppressed() bool {
	switch c.Status {
	case ContactBounced, ContactComplained, ContactUnsubscribed:
		return true
	}
	return false
}
