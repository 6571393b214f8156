package domain

import (
	"encoding/json"
	"time"
)

// ESPType identifies the email service provider behind a sender credential.
type ESPType string

const (
	ESPResend    ESPType = "resend"
	ESPSES       ESPType = "ses"
	ESPSparkPost ESPType = "sparkpost"
	ESPSMTP      ESPType = "smtp"
)

// SendStatus is the lifecycle state of a single EmailSend.
type SendStatus string

const (
	SendPending    SendStatus = "PENDING"
	SendSent       SendStatus = "SENT"
	SendDelivered  SendStatus = "DELIVERED"
	SendBounced    SendStatus = "BOUNCED"
	SendComplained SendStatus = "COMPLAINED"
	SendFailed     SendStatus = "FAILED"
)

// IsAbsorbing reports whether no provider event can move the send out of s.
func (s SendStatus) IsAbsorbing() bool {
	return s == SendBounced || s == SendComplained || s == SendFailed
}

// SendJob is the unit of work carried by the send queue.
type SendJob struct {
	SendID       string            `json:"send_id"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	ContactID    string            `json:"contact_id"`
	UserID       string            `json:"user_id"`
	CredentialID string            `json:"credential_id,omitempty"`
	To           string            `json:"to"`
	From         string            `json:"from"`
	FromName     string            `json:"from_name,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	Subject      string            `json:"subject"`
	HTML         string            `json:"html,omitempty"`
	Text         string            `json:"text,omitempty"`
	Variables    map[string]any    `json:"variables,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`

	// Attempt is filled in by the queue on delivery and never serialized.
	Attempt int `json:"-"`
}

// EmailSend is the ledger row for one (campaign-or-automation, recipient).
type EmailSend struct {
	ID                string     `json:"id" db:"id"`
	CampaignID        *string    `json:"campaign_id" db:"campaign_id"`
	ContactID         string     `json:"contact_id" db:"contact_id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Email             string     `json:"email" db:"email"`
	CredentialID      string     `json:"credential_id" db:"credential_id"`
	ProviderMessageID *string    `json:"provider_message_id" db:"provider_message_id"`
	Status            SendStatus `json:"status" db:"status"`
	SentAt            *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at" db:"delivered_at"`
	OpenedAt          *time.Time `json:"opened_at" db:"opened_at"`
	ClickedAt         *time.Time `json:"clicked_at" db:"clicked_at"`
	BouncedAt         *time.Time `json:"bounced_at" db:"bounced_at"`
	ComplainedAt      *time.Time `json:"complained_at" db:"complained_at"`
	BounceReason      *string    `json:"bounce_reason" db:"bounce_reason"`
	ErrorMessage      *string    `json:"error_message" db:"error_message"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// EmailEvent is an append-only audit row. Never mutated after insert.
type EmailEvent struct {
	ID          string          `json:"id" db:"id"`
	EmailSendID string          `json:"email_send_id" db:"email_send_id"`
	EventType   string          `json:"event_type" db:"event_type"`
	EventData   json.RawMessage `json:"event_data" db:"event_data"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// DeliveryEventType is the kind of a provider delivery callback.
type DeliveryEventType string

const (
	DeliverySent       DeliveryEventType = "email.sent"
	DeliveryDelivered  DeliveryEventType = "email.delivered"
	DeliveryDelayed    DeliveryEventType = "email.delivery_delayed"
	DeliveryOpened     DeliveryEventType = "email.opened"
	DeliveryClicked    DeliveryEventType = "email.clicked"
	DeliveryBounced    DeliveryEventType = "email.bounced"
	DeliveryComplained DeliveryEventType = "email.complained"
)

// DeliveryEvent is a parsed provider callback.
type DeliveryEvent struct {
	Type              DeliveryEventType
	ProviderMessageID string
	OccurredAt        time.Time
	BounceReason      string
	ClickURL          string
	Raw               json.RawMessage
}
