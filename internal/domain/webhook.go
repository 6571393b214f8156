package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// PlatformEvent is an event type user webhooks can subscribe to.
type PlatformEvent string

const (
	EventContactCreated      PlatformEvent = "contact.created"
	EventContactUpdated      PlatformEvent = "contact.updated"
	EventContactDeleted      PlatformEvent = "contact.deleted"
	EventContactUnsubscribed PlatformEvent = "contact.unsubscribed"
	EventListCreated         PlatformEvent = "list.created"
	EventListDeleted         PlatformEvent = "list.deleted"
	EventCampaignCreated     PlatformEvent = "campaign.created"
	EventCampaignScheduled   PlatformEvent = "campaign.scheduled"
	EventCampaignSent        PlatformEvent = "campaign.sent"
	EventEmailSent           PlatformEvent = "email.sent"
	EventEmailDelivered      PlatformEvent = "email.delivered"
	EventEmailOpened         PlatformEvent = "email.opened"
	EventEmailClicked        PlatformEvent = "email.clicked"
	EventEmailBounced        PlatformEvent = "email.bounced"
	EventEmailComplained     PlatformEvent = "email.complained"
	EventOrderCreated        PlatformEvent = "order.created"
	EventOrderSynced         PlatformEvent = "order.synced"
	EventWebhookTest         PlatformEvent = "webhook.test"
)

// EventWildcard subscribes a webhook to every platform event.
const EventWildcard = "*"

var platformEvents = map[PlatformEvent]struct{}{
	EventContactCreated: {}, EventContactUpdated: {}, EventContactDeleted: {}, EventContactUnsubscribed: {},
	EventListCreated: {}, EventListDeleted: {},
	EventCampaignCreated: {}, EventCampaignScheduled: {}, EventCampaignSent: {},
	EventEmailSent: {}, EventEmailDelivered: {}, EventEmailOpened: {}, EventEmailClicked: {},
	EventEmailBounced: {}, EventEmailComplained: {},
	EventOrderCreated: {}, EventOrderSynced: {},
	EventWebhookTest: {},
}

// ParsePlatformEvent validates s against the closed set of platform events.
func ParsePlatformEvent(s string) (PlatformEvent, bool) {
	e := PlatformEvent(strings.TrimSpace(s))
	_, ok := platformEvents[e]
	return e, ok
}

// PlatformEventFor maps a provider delivery event onto the platform event
// forwarded to user webhooks.
func PlatformEventFor(t DeliveryEventType) (PlatformEvent, bool) {
	e := PlatformEvent(t)
	if _, ok := platformEvents[e]; !ok {
		return "", false
	}
	return e, true
}

// Webhook is a user-owned outbound subscription.
type Webhook struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	URL       string    `json:"url" db:"url"`
	Name      string    `json:"name" db:"name"`
	Events    []string  `json:"events" db:"events"`
	Secret    string    `json:"secret,omitempty" db:"secret"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Matches reports whether the webhook subscribes to evt.
func (w *Webhook) Matches(evt PlatformEvent) bool {
	for _, e := range w.Events {
		if e == EventWildcard || e == string(evt) {
			return true
		}
	}
	return false
}

// Masked returns a copy safe to list: the secret keeps its prefix and the
// last four characters.
func (w Webhook) Masked() Webhook {
	w.Secret = MaskSecret(w.Secret)
	return w
}

// MaskSecret hides all but the prefix and last four characters of a secret.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	prefix := ""
	if i := strings.Index(s, "_"); i >= 0 && i < len(s)-1 {
		prefix, s = s[:i+1], s[i+1:]
	}
	if len(s) <= 4 {
		return prefix + "****"
	}
	return prefix + "****" + s[len(s)-4:]
}

// DeliveryStatus is the state of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery records one (logical event, webhook) pair across retries.
type WebhookDelivery struct {
	ID             string          `json:"id" db:"id"`
	WebhookID      string          `json:"webhook_id" db:"webhook_id"`
	EventID        string          `json:"event_id" db:"event_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         DeliveryStatus  `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at" db:"last_attempt_at"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at" db:"next_attempt_at"`
	ResponseStatus *int            `json:"response_status" db:"response_status"`
	ResponseBody   *string         `json:"response_body" db:"response_body"`
	ErrorMessage   *string         `json:"error_message" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// WebhookEnvelope is the JSON body POSTed to a user endpoint.
type WebhookEnvelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}
