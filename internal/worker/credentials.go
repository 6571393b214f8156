package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/ignite/sendpipe/internal/config"
	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/service/inbound"
)

// Credential registry errors.
var (
	ErrUnknownCredential = errors.New("unknown sender credential")
	ErrNoWebhookSecret   = errors.New("credential has no webhook secret")
)

type credential struct {
	provider domain.ESPType
	sender   ESPSender
	verifier inbound.Verifier
}

// CredentialRegistry maps credential ids to provider senders and inbound
// signature verifiers. Built once at startup and shared by reference with
// the dispatcher and the inbound processor.
type CredentialRegistry struct {
	mu        sync.RWMutex
	creds     map[string]*credential
	defaultID string
}

// NewCredentialRegistry returns an empty registry.
func NewCredentialRegistry() *CredentialRegistry {
	return &CredentialRegistry{creds: make(map[string]*credential)}
}

// Register adds a credential. webhookSecret may be empty for providers that
// don't sign callbacks; inbound requests for it are then rejected. The
// first credential registered, or any with isDefault, becomes the default.
func (r *CredentialRegistry) Register(id string, provider domain.ESPType, sender ESPSender, webhookSecret string, isDefault bool) error {
	if id == "" {
		return fmt.Errorf("credential id is required")
	}
	if sender == nil {
		return fmt.Errorf("credential %s: sender is required", id)
	}
	c := &credential{provider: provider, sender: sender}
	if webhookSecret != "" {
		wh, err := svix.NewWebhook(webhookSecret)
		if err != nil {
			return fmt.Errorf("credential %s: webhook secret: %w", id, err)
		}
		c.verifier = wh
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.creds[id]; dup {
		return fmt.Errorf("credential %s registered twice", id)
	}
	r.creds[id] = c
	if isDefault || r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

func (r *CredentialRegistry) lookup(id string) (*credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	c, ok := r.creds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCredential, id)
	}
	return c, nil
}

// Sender returns the sender for id. An empty id selects the default.
func (r *CredentialRegistry) Sender(id string) (ESPSender, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.sender, nil
}

// Provider returns the provider type behind id.
func (r *CredentialRegistry) Provider(id string) (domain.ESPType, error) {
	c, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return c.provider, nil
}

// Verifier returns the inbound signature verifier for id.
func (r *CredentialRegistry) Verifier(id string) (inbound.Verifier, error) {
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if c.verifier == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoWebhookSecret, id)
	}
	return c.verifier, nil
}

// DefaultID returns the id used when a job names no credential.
func (r *CredentialRegistry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// IDs returns the registered credential ids, sorted.
func (r *CredentialRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.creds))
	for id := range r.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuildCredentialRegistry constructs a sender per configured credential.
func BuildCredentialRegistry(ctx context.Context, creds []config.CredentialConfig, defaultID string) (*CredentialRegistry, error) {
	reg := NewCredentialRegistry()
	for _, c := range creds {
		sender, err := newSender(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.ID, err)
		}
		isDefault := c.Default || (defaultID != "" && c.ID == defaultID)
		if err := reg.Register(c.ID, domain.ESPType(c.Provider), sender, c.WebhookSecret, isDefault); err != nil {
			return nil, err
		}
		log.Info("sender credential registered", "credential_id", c.ID, "provider", c.Provider, "default", isDefault)
	}
	return reg, nil
}

func newSender(ctx context.Context, c config.CredentialConfig) (ESPSender, error) {
	switch c.Provider {
	case config.ProviderResend:
		if c.APIKey == "" {
			return nil, fmt.Errorf("resend: api_key is required")
		}
		return NewResendSender(c.APIKey, c.BaseURL, c.Timeout(), c.MaxRetries), nil
	case config.ProviderSES:
		return NewSESSender(ctx, c.AccessKey, c.SecretKey, c.Region, c.ConfigurationSet)
	case config.ProviderSparkPost:
		if c.APIKey == "" {
			return nil, fmt.Errorf("sparkpost: api_key is required")
		}
		return NewSparkPostSender(c.APIKey, c.BaseURL, c.Timeout()), nil
	case config.ProviderSMTP:
		if c.SMTPHost == "" {
			return nil, fmt.Errorf("smtp: smtp_host is required")
		}
		return NewSMTPSender(c.SMTPHost, c.SMTPPort, c.SMTPUser, c.SMTPPass), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", c.Provider)
}
