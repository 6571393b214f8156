// Package worker contains the send dispatcher, its ESP sender adapters and
// the periodic background workers of the delivery pipeline.
//
// ESP adapters are split into individual files:
//   - esp_resend.go:    Resend-style HTTP email API (default provider)
//   - esp_ses.go:       AWS SES v2
//   - esp_sparkpost.go: SparkPost Transmissions API
//   - esp_smtp.go:      plain SMTP submission
//   - credentials.go:   registry resolving a credential id to one of the above
package worker

import (
	"context"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/logger"
)

var log = logger.New("worker")

// ESPSender delivers one message to a provider. A provider rejection is
// reported as a SendResult with Success=false; a returned error means the
// call itself failed (transport, misconfiguration).
type ESPSender interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}

// EmailMessage is a fully personalised message ready for an ESP sender.
type EmailMessage struct {
	ID          string // EmailSend id, doubles as the idempotency key
	CampaignID  string
	ContactID   string
	Email       string
	FromName    string
	FromEmail   string
	ReplyTo     string
	Subject     string
	HTMLContent string
	TextContent string
	Headers     map[string]string
	Tags        map[string]string
}

// SendResult is returned by an ESP sender after attempting delivery.
type SendResult struct {
	Success   bool
	MessageID string
	Error     error
	ESPType   domain.ESPType
	SentAt    time.Time
}

// formatFrom renders an RFC 5322 mailbox, omitting an empty display name.
func formatFrom(name, email string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
