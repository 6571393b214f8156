package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/ignite/sendpipe/internal/domain"
)

// SMTPSender submits mail to an SMTP relay. The relay returns no message id,
// so the sender generates the Message-ID header and reports it as the
// provider id.
type SMTPSender struct {
	dialer  *gomail.Dialer
	deliver func(*gomail.Message) error
}

// NewSMTPSender creates a sender for host:port with optional auth.
func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	d := gomail.NewDialer(host, port, username, password)
	s := &SMTPSender{dialer: d}
	s.deliver = func(m *gomail.Message) error { return d.DialAndSend(m) }
	return s
}

// Send delivers a single email over SMTP. The dial is not context aware;
// ctx is only checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageID := smtpMessageID(msg)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.Email)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}
	switch {
	case msg.HTMLContent != "" && msg.TextContent != "":
		m.SetBody("text/plain", msg.TextContent)
		m.AddAlternative("text/html", msg.HTMLContent)
	case msg.HTMLContent != "":
		m.SetBody("text/html", msg.HTMLContent)
	default:
		m.SetBody("text/plain", msg.TextContent)
	}

	if err := s.deliver(m); err != nil {
		// 5xx replies are permanent rejections; everything else is transport.
		if isPermanentSMTPError(err) {
			return &SendResult{Success: false, Error: err, ESPType: domain.ESPSMTP}, nil
		}
		return nil, fmt.Errorf("smtp send: %w", err)
	}

	log.Debug("smtp accepted", "email", msg.Email, "message_id", messageID)
	return &SendResult{
		Success:   true,
		MessageID: strings.Trim(messageID, "<>"),
		ESPType:   domain.ESPSMTP,
		SentAt:    time.Now(),
	}, nil
}

func smtpMessageID(msg *EmailMessage) string {
	domainPart := "localhost"
	if i := strings.LastIndex(msg.FromEmail, "@"); i >= 0 && i < len(msg.FromEmail)-1 {
		domainPart = msg.FromEmail[i+1:]
	}
	local := msg.ID
	if local == "" {
		local = uuid.New().String()
	}
	return fmt.Sprintf("<%s@%s>", local, domainPart)
}

func isPermanentSMTPError(err error) bool {
	s := err.Error()
	return len(s) >= 3 && s[0] == '5' && s[1] >= '0' && s[1] <= '9' && s[2] >= '0' && s[2] <= '9'
}
