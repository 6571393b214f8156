package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/httpretry"
)

// ResendSender sends through a Resend-compatible HTTP API. Every request
// carries the send id as Idempotency-Key, which makes transport retries and
// job redeliveries safe against duplicate mail.
type ResendSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewResendSender creates a sender with a retrying HTTP client.
func NewResendSender(apiKey, baseURL string, timeout time.Duration, maxRetries int) *ResendSender {
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ResendSender{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpretry.NewRetryClient(&http.Client{Timeout: timeout}, maxRetries),
	}
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendEmail struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []resendTag       `json:"tags,omitempty"`
}

// Send delivers a single email.
func (s *ResendSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("resend API key not configured")
	}

	payload := resendEmail{
		From:    formatFrom(msg.FromName, msg.FromEmail),
		To:      []string{msg.Email},
		Subject: msg.Subject,
		HTML:    msg.HTMLContent,
		Text:    msg.TextContent,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
		Tags:    resendTags(msg),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return &SendResult{
			Success: false,
			ESPType: domain.ESPResend,
			Error:   fmt.Errorf("resend error %d: %s", resp.StatusCode, providerError(body)),
		}, nil
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.ID == "" {
		return nil, fmt.Errorf("resend: accepted without message id: %s", string(body))
	}

	log.Debug("resend accepted", "email", msg.Email, "message_id", result.ID)
	return &SendResult{
		Success:   true,
		MessageID: result.ID,
		ESPType:   domain.ESPResend,
		SentAt:    time.Now(),
	}, nil
}

// resendTags encodes tags in a stable order; the API accepts only
// [A-Za-z0-9_-] in names and values.
func resendTags(msg *EmailMessage) []resendTag {
	tags := []resendTag{{Name: "send_id", Value: tagSafe(msg.ID)}}
	if msg.CampaignID != "" {
		tags = append(tags, resendTag{Name: "campaign_id", Value: tagSafe(msg.CampaignID)})
	}
	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, resendTag{Name: tagSafe(k), Value: tagSafe(msg.Tags[k])})
	}
	return tags
}

func tagSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// providerError extracts a message field from a JSON error body, falling back
// to the raw (truncated) body.
func providerError(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		if e.Name != "" {
			return e.Name + ": " + e.Message
		}
		return e.Message
	}
	s := string(body)
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

