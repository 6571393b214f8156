package ledger

import (
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// Stamp names a timestamp column of email_sends. Values are fixed column
// names and safe to interpolate into SQL.
type Stamp string

const (
	StampSent       Stamp = "sent_at"
	StampDelivered  Stamp = "delivered_at"
	StampOpened     Stamp = "opened_at"
	StampClicked    Stamp = "clicked_at"
	StampBounced    Stamp = "bounced_at"
	StampComplained Stamp = "complained_at"
)

// Mutation is one conditional update of an EmailSend row.
//
// With SetStatus empty it is an overlay: Stamp is set to At only if it is
// still null, in any status. Otherwise it is a transition: it applies only
// while the current status is one of From, sets the status, and fills Stamp
// (and BounceReason) only if still null.
type Mutation struct {
	Stamp        Stamp
	At           time.Time
	SetStatus    domain.SendStatus
	From         []domain.SendStatus
	BounceReason string
}

// IsOverlay reports whether the mutation leaves status untouched.
func (m Mutation) IsOverlay() bool { return m.SetStatus == "" }

// allows reports whether current satisfies the transition guard.
func (m Mutation) allows(current domain.SendStatus) bool {
	for _, s := range m.From {
		if s == current {
			return true
		}
	}
	return false
}

// ApplyTo performs the mutation on an in-memory row with the same semantics
// the SQL repositories implement. Returns whether the row changed.
func (m Mutation) ApplyTo(s *domain.EmailSend) bool {
	field := stampField(s, m.Stamp)
	if m.IsOverlay() {
		if field == nil || *field != nil {
			return false
		}
		at := m.At
		*field = &at
		s.UpdatedAt = m.At
		return true
	}
	if !m.allows(s.Status) {
		return false
	}
	s.Status = m.SetStatus
	if field != nil && *field == nil {
		at := m.At
		*field = &at
	}
	if m.BounceReason != "" && s.BounceReason == nil {
		r := m.BounceReason
		s.BounceReason = &r
	}
	s.UpdatedAt = m.At
	return true
}

func stampField(s *domain.EmailSend, st Stamp) **time.Time {
	switch st {
	case StampSent:
		return &s.SentAt
	case StampDelivered:
		return &s.DeliveredAt
	case StampOpened:
		return &s.OpenedAt
	case StampClicked:
		return &s.ClickedAt
	case StampBounced:
		return &s.BouncedAt
	case StampComplained:
		return &s.ComplainedAt
	}
	return nil
}

var (
	beforeDelivery = []domain.SendStatus{domain.SendPending, domain.SendSent}
	nonAbsorbing   = []domain.SendStatus{domain.SendPending, domain.SendSent, domain.SendDelivered}
)

// Plan maps a provider event onto the mutation the transition table
// prescribes. ok is false for events that only go to the audit log.
//
//	current            event       next        side effect
//	PENDING/SENT       delivered   DELIVERED   deliveredAt
//	any                opened      unchanged   openedAt if unset
//	any                clicked     unchanged   clickedAt if unset
//	any                sent        unchanged   sentAt if unset
//	non-terminal       bounced     BOUNCED     bouncedAt, bounceReason
//	non-terminal       complained  COMPLAINED  complainedAt
//
// Whether DELIVERED counts as terminal depends on the policy.
func Plan(policy TerminalPolicy, evt domain.DeliveryEvent) (Mutation, bool) {
	at := evt.OccurredAt
	terminalFrom := nonAbsorbing
	if policy == DeliveredIsFinal {
		terminalFrom = beforeDelivery
	}

	switch evt.Type {
	case domain.DeliverySent:
		return Mutation{Stamp: StampSent, At: at}, true
	case domain.DeliveryDelivered:
		return Mutation{Stamp: StampDelivered, At: at, SetStatus: domain.SendDelivered, From: beforeDelivery}, true
	case domain.DeliveryOpened:
		return Mutation{Stamp: StampOpened, At: at}, true
	case domain.DeliveryClicked:
		return Mutation{Stamp: StampClicked, At: at}, true
	case domain.DeliveryBounced:
		return Mutation{
			Stamp:        StampBounced,
			At:           at,
			SetStatus:    domain.SendBounced,
			From:         terminalFrom,
			BounceReason: evt.BounceReason,
		}, true
	case domain.DeliveryComplained:
		return Mutation{Stamp: StampComplained, At: at, SetStatus: domain.SendComplained, From: terminalFrom}, true
	}
	return Mutation{}, false
}

// SuppressionFor returns the contact status a provider event imposes, or ""
// when the event does not affect the contact.
func SuppressionFor(t domain.DeliveryEventType) domain.ContactStatus {
	switch t {
	case domain.DeliveryBounced:
		return domain.ContactBounced
	case domain.DeliveryComplained:
		return domain.ContactComplained
	}
	return ""
}
