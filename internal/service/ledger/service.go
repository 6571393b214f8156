package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/logger"
)

var log = logger.New("ledger")

// Outcome describes what ApplyEvent did with a provider event.
type Outcome struct {
	// Recognized is false for event types the state machine ignores. They
	// are still written to the audit log.
	Recognized bool
	// Applied is true when the conditional update changed the row. A
	// replayed or overtaken event leaves it false.
	Applied bool
	// Terminal is true when the update moved the send into DELIVERED or an
	// absorbing status.
	Terminal bool
	// Suppress is the contact status the event imposes, or "".
	Suppress domain.ContactStatus
}

// Service implements the send ledger. All public methods are safe for
// concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo   Repository
	policy TerminalPolicy
	now    func() time.Time
}

// NewService creates a ledger backed by the given repository.
func NewService(repo Repository, policy TerminalPolicy) *Service {
	return &Service{repo: repo, policy: policy, now: time.Now}
}

// Policy returns the configured terminal policy.
func (s *Service) Policy() TerminalPolicy { return s.policy }

// Open creates the PENDING EmailSend for a job. Submitting the same job
// twice returns the existing row.
func (s *Service) Open(ctx context.Context, job domain.SendJob) (*domain.EmailSend, error) {
	if job.SendID == "" || job.To == "" || job.UserID == "" {
		return nil, ErrInvalidJob
	}
	now := s.now().UTC()
	send := &domain.EmailSend{
		ID:           job.SendID,
		ContactID:    job.ContactID,
		UserID:       job.UserID,
		Email:        job.To,
		CredentialID: job.CredentialID,
		Status:       domain.SendPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.CampaignID != "" {
		cid := job.CampaignID
		send.CampaignID = &cid
	}

	created, err := s.repo.Create(ctx, send)
	if err != nil {
		return nil, fmt.Errorf("create send: %w", err)
	}
	if !created {
		return s.repo.Get(ctx, job.SendID)
	}
	return send, nil
}

// Get returns a single send.
func (s *Service) Get(ctx context.Context, id string) (*domain.EmailSend, error) {
	return s.repo.Get(ctx, id)
}

// FindByProviderMessageID resolves a provider callback to its send.
func (s *Service) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailSend, error) {
	return s.repo.GetByProviderMessageID(ctx, providerMessageID)
}

// Events returns the audit trail of a send.
func (s *Service) Events(ctx context.Context, id string) ([]domain.EmailEvent, error) {
	return s.repo.ListEvents(ctx, id)
}

// RecordAccepted marks a PENDING send as accepted by the provider and
// appends the email.sent audit row. Returns false if the send had already
// left PENDING.
func (s *Service) RecordAccepted(ctx context.Context, id, providerMessageID string) (bool, error) {
	at := s.now().UTC()
	ok, err := s.repo.MarkSent(ctx, id, providerMessageID, at)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	if !ok {
		return false, nil
	}

	data, _ := json.Marshal(map[string]interface{}{
		"provider_message_id": providerMessageID,
		"sent_at":             at,
	})
	if err := s.appendEvent(ctx, id, string(domain.DeliverySent), data, at); err != nil {
		return true, err
	}
	return true, nil
}

// RecordFailed marks a PENDING send as FAILED with the given reason.
func (s *Service) RecordFailed(ctx context.Context, id, reason string) (bool, error) {
	ok, err := s.repo.MarkFailed(ctx, id, reason, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return ok, nil
}

// ApplyEvent folds a provider event into the send. The conditional update
// makes redelivered events no-ops; the audit row is appended either way.
func (s *Service) ApplyEvent(ctx context.Context, send *domain.EmailSend, evt domain.DeliveryEvent) (Outcome, error) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = s.now().UTC()
	}
	out := Outcome{Suppress: SuppressionFor(evt.Type)}

	m, ok := Plan(s.policy, evt)
	if ok {
		out.Recognized = true
		applied, err := s.repo.Apply(ctx, send.ID, m)
		if err != nil {
			return out, fmt.Errorf("apply %s: %w", evt.Type, err)
		}
		out.Applied = applied
		out.Terminal = applied && !m.IsOverlay()
	}

	if err := s.appendEvent(ctx, send.ID, string(evt.Type), eventData(evt), evt.OccurredAt); err != nil {
		return out, err
	}

	if out.Recognized && !out.Applied {
		log.Debug("event did not change send", "send_id", send.ID, "event", string(evt.Type))
	}
	return out, nil
}

func (s *Service) appendEvent(ctx context.Context, sendID, eventType string, data []byte, at time.Time) error {
	e := &domain.EmailEvent{
		ID:          uuid.New().String(),
		EmailSendID: sendID,
		EventType:   eventType,
		EventData:   data,
		CreatedAt:   at,
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

// eventData keeps the provider's raw JSON when there is one.
func eventData(evt domain.DeliveryEvent) json.RawMessage {
	if len(evt.Raw) > 0 && json.Valid(evt.Raw) {
		return evt.Raw
	}
	fields := map[string]interface{}{
		"type":        evt.Type,
		"occurred_at": evt.OccurredAt,
	}
	if evt.ProviderMessageID != "" {
		fields["provider_message_id"] = evt.ProviderMessageID
	}
	if evt.BounceReason != "" {
		fields["bounce_reason"] = evt.BounceReason
	}
	if evt.ClickURL != "" {
		fields["click_url"] = evt.ClickURL
	}
	data, _ := json.Marshal(fields)
	return data
}

// IsNotFound reports whether err means the send does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
