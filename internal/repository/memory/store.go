// Package memory provides in-process implementations of the service
// repositories. They back the service tests and the server's stub mode
// when no DATABASE_URL is configured.
package memory

import (
	"sync"

	"github.com/ignite/sendpipe/internal/domain"
)

// Store holds every table behind one lock so cross-table reads such as the
// pending-send count see a consistent snapshot.
type Store struct {
	mu         sync.RWMutex
	sends      map[string]*domain.EmailSend
	byProvider map[string]string // provider message id -> send id
	events     map[string][]domain.EmailEvent
	campaigns  map[string]*domain.Campaign
	contacts   map[string]*domain.Contact
	webhooks   map[string]*domain.Webhook
	deliveries map[string]*domain.WebhookDelivery
	order      []string // delivery ids in insertion order
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sends:      make(map[string]*domain.EmailSend),
		byProvider: make(map[string]string),
		events:     make(map[string][]domain.EmailEvent),
		campaigns:  make(map[string]*domain.Campaign),
		contacts:   make(map[string]*domain.Contact),
		webhooks:   make(map[string]*domain.Webhook),
		deliveries: make(map[string]*domain.WebhookDelivery),
	}
}

// Sends returns the ledger repository view of the store.
func (s *Store) Sends() *SendRepo { return &SendRepo{s: s} }

// Campaigns returns the campaign repository view of the store.
func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s: s} }

// Contacts returns the suppression repository view of the store.
func (s *Store) Contacts() *ContactRepo { return &ContactRepo{s: s} }

// Webhooks returns the webhook repository view of the store.
func (s *Store) Webhooks() *WebhookRepo { return &WebhookRepo{s: s} }

// Deliveries returns the delivery log view of the store.
func (s *Store) Deliveries() *DeliveryRepo { return &DeliveryRepo{s: s} }

// PutCampaign inserts or replaces a campaign projection.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = &c
}

// PutContact inserts or replaces a contact projection.
func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = &c
}

func cloneSend(in *domain.EmailSend) *domain.EmailSend {
	out := *in
	return &out
}

func cloneWebhook(in *domain.Webhook) domain.Webhook {
	out := *in
	out.Events = append([]string(nil), in.Events...)
	return out
}
