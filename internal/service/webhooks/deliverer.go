package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/pkg/httpretry"
)

// DefaultUserAgent identifies outbound webhook calls.
const DefaultUserAgent = "sendpipe-webhooks/1.0"

// Attempt is the outcome of one POST to a user endpoint.
type Attempt struct {
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration
}

// OK reports whether the endpoint answered 2xx.
func (a Attempt) OK() bool {
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300
}

// Deliverer signs and POSTs payloads. Each call is exactly one HTTP
// request; retrying is the Dispatcher's job.
type Deliverer struct {
	client    httpretry.HTTPDoer
	timeout   time.Duration
	userAgent string
	bodyLimit int64
	now       func() time.Time
}

// NewDeliverer creates a deliverer. A nil client gets a plain http.Client.
func NewDeliverer(client httpretry.HTTPDoer, timeout time.Duration, userAgent string, bodyLimit int64) *Deliverer {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if bodyLimit <= 0 {
		bodyLimit = 1024
	}
	return &Deliverer{client: client, timeout: timeout, userAgent: userAgent, bodyLimit: bodyLimit, now: time.Now}
}

// Deliver POSTs payload to the webhook, signed with its current secret.
func (d *Deliverer) Deliver(ctx context.Context, hook *domain.Webhook, eventID, eventType string, payload []byte) Attempt {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return Attempt{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(HeaderSignature, Sign(hook.Secret, start, payload))
	req.Header.Set(HeaderEventID, eventID)
	req.Header.Set(HeaderEventType, eventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return Attempt{Err: err, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, d.bodyLimit))
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Attempt{StatusCode: resp.StatusCode, Body: string(body), Duration: time.Since(start)}
}
