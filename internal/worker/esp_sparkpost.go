package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/httpretry"
)

// SparkPostSender sends emails via the SparkPost Transmissions API.
// Transmissions are not idempotent, so requests are never retried here.
type SparkPostSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewSparkPostSender creates a sender targeting the SparkPost v1 API.
func NewSparkPostSender(apiKey, baseURL string, timeout time.Duration) *SparkPostSender {
	if baseURL == "" {
		baseURL = "https://api.sparkpost.com/api/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SparkPostSender{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Send delivers a single email through SparkPost.
func (s *SparkPostSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("SparkPost API key not configured")
	}

	metadata := map[string]interface{}{"send_id": msg.ID}
	if msg.CampaignID != "" {
		metadata["campaign_id"] = msg.CampaignID
	}
	for k, v := range msg.Tags {
		metadata[k] = v
	}
	content := map[string]interface{}{
		"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject": msg.Subject,
		"html":    msg.HTMLContent,
		"text":    msg.TextContent,
	}
	if msg.ReplyTo != "" {
		content["reply_to"] = msg.ReplyTo
	}
	if len(msg.Headers) > 0 {
		content["headers"] = msg.Headers
	}
	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.Email}},
		},
		"content":  content,
		"metadata": metadata,
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return &SendResult{
			Success: false,
			ESPType: domain.ESPSparkPost,
			Error:   fmt.Errorf("SparkPost error %d: %s", resp.StatusCode, providerError(body)),
		}, nil
	}

	var result struct {
		Results struct {
			ID                  string `json:"id"`
			TotalAcceptedRecips int    `json:"total_accepted_recipients"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("SparkPost: unreadable response: %w", err)
	}
	if result.Results.TotalAcceptedRecips == 0 {
		return &SendResult{
			Success: false,
			ESPType: domain.ESPSparkPost,
			Error:   fmt.Errorf("SparkPost rejected recipient"),
		}, nil
	}

	log.Debug("sparkpost accepted", "email", msg.Email, "message_id", result.Results.ID)

	return &SendResult{
		Success:   true,
		MessageID: result.Results.ID,
		ESPType:   domain.ESPSparkPost,
		SentAt:    time.Now(),
	}, nil
}
