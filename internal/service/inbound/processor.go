package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/logger"
	"github.com/ignite/sendpipe/internal/service/ledger"
)

var log = logger.New("inbound")

// Verifier checks a callback signature over the raw body. *svix.Webhook
// satisfies it.
type Verifier interface {
	Verify(payload []byte, headers http.Header) error
}

// VerifierSource resolves the verifier of a sender credential. An empty id
// selects the default credential.
type VerifierSource interface {
	Verifier(credentialID string) (Verifier, error)
}

// Ledger is the part of the send ledger the processor drives.
type Ledger interface {
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.EmailSend, error)
	ApplyEvent(ctx context.Context, send *domain.EmailSend, evt domain.DeliveryEvent) (ledger.Outcome, error)
}

// Suppressor marks a contact as bounced or complained.
type Suppressor interface {
	Suppress(ctx context.Context, contactID string, status domain.ContactStatus) (bool, error)
}

// Publisher forwards platform events to user webhooks.
type Publisher interface {
	Publish(ctx context.Context, userID string, evt domain.PlatformEvent, data interface{}) error
}

// CompletionTrigger schedules a campaign completion check.
type CompletionTrigger interface {
	Trigger(campaignID string)
}

// Archiver stores verified raw payloads.
type Archiver interface {
	Archive(ctx context.Context, key string, payload []byte) error
}

// Deps wires a Processor. Publisher, Completion and Archiver are optional.
type Deps struct {
	Verifiers  VerifierSource
	Ledger     Ledger
	Suppressor Suppressor
	Publisher  Publisher
	Completion CompletionTrigger
	Archiver   Archiver
}

// Result tells the caller what happened to an accepted callback. All
// accepted callbacks are answered 200.
type Result struct {
	// Applied means the send's state changed.
	Applied bool
	// Duplicate means the event was valid for the send but changed nothing.
	Duplicate bool
	// Ignored covers unknown event types and unmatched message ids.
	Ignored bool

	SendID    string
	EventType string
}

// Processor handles provider callbacks. Safe for concurrent use.
type Processor struct {
	deps Deps
	now  func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(deps Deps) *Processor {
	return &Processor{deps: deps, now: time.Now}
}

// Handle verifies, parses and applies one callback for the given
// credential. ErrInvalidSignature and ErrMalformedPayload are client errors;
// any other error is worth a provider retry.
func (p *Processor) Handle(ctx context.Context, credentialID string, raw []byte, headers http.Header) (Result, error) {
	verifier, err := p.deps.Verifiers.Verifier(credentialID)
	if err != nil {
		log.Warn("inbound webhook for unusable credential", "credential_id", credentialID, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := verifier.Verify(raw, headers); err != nil {
		log.Warn("inbound webhook signature rejected",
			"credential_id", credentialID,
			"svix_id", headers.Get("svix-id"),
			"error", err,
		)
		return Result{}, ErrInvalidSignature
	}

	p.archive(ctx, credentialID, raw, headers)

	evt, err := parseEvent(raw, p.now())
	if err != nil {
		log.Warn("inbound webhook payload rejected", "credential_id", credentialID, "error", err)
		return Result{}, err
	}
	res := Result{EventType: string(evt.Type)}

	if evt.ProviderMessageID == "" {
		res.Ignored = true
		return res, nil
	}
	send, err := p.deps.Ledger.FindByProviderMessageID(ctx, evt.ProviderMessageID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Debug("inbound event for unknown message", "provider_message_id", evt.ProviderMessageID, "event", res.EventType)
		res.Ignored = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("resolve send: %w", err)
	}
	res.SendID = send.ID

	out, err := p.deps.Ledger.ApplyEvent(ctx, send, evt)
	if err != nil {
		return res, err
	}
	res.Applied = out.Applied
	res.Duplicate = out.Recognized && !out.Applied
	res.Ignored = !out.Recognized

	// Forwarding hangs off Applied, which a provider retry never sees again,
	// so it runs before anything that can still fail. Suppression is
	// reported on duplicates too and is redone by the retry.
	if out.Applied {
		p.forward(ctx, send, evt)
	}
	if out.Terminal && send.CampaignID != nil && p.deps.Completion != nil {
		p.deps.Completion.Trigger(*send.CampaignID)
	}

	if out.Suppress != "" && send.ContactID != "" {
		if _, err := p.deps.Suppressor.Suppress(ctx, send.ContactID, out.Suppress); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (p *Processor) forward(ctx context.Context, send *domain.EmailSend, evt domain.DeliveryEvent) {
	if p.deps.Publisher == nil {
		return
	}
	platformEvt, ok := domain.PlatformEventFor(evt.Type)
	if !ok {
		return
	}
	data := map[string]interface{}{
		"email_id":            send.ID,
		"provider_message_id": evt.ProviderMessageID,
		"contact_id":          send.ContactID,
		"email":               send.Email,
		"occurred_at":         evt.OccurredAt,
	}
	if send.CampaignID != nil {
		data["campaign_id"] = *send.CampaignID
	}
	if evt.BounceReason != "" {
		data["bounce_reason"] = evt.BounceReason
	}
	if evt.ClickURL != "" {
		data["click_url"] = evt.ClickURL
	}
	if err := p.deps.Publisher.Publish(ctx, send.UserID, platformEvt, data); err != nil {
		log.Error("forward event to webhooks", "send_id", send.ID, "event", string(platformEvt), "error", err)
	}
}

// archive is best effort: a lost copy must not make the provider retry.
func (p *Processor) archive(ctx context.Context, credentialID string, raw []byte, headers http.Header) {
	if p.deps.Archiver == nil {
		return
	}
	id := headers.Get("svix-id")
	if id == "" {
		id = uuid.New().String()
	}
	if credentialID == "" {
		credentialID = "default"
	}
	key := fmt.Sprintf("%s/%s/%s.json", credentialID, p.now().UTC().Format("2006/01/02"), id)
	if err := p.deps.Archiver.Archive(ctx, key, raw); err != nil {
		log.Warn("archive inbound payload", "key", key, "error", err)
	}
}
