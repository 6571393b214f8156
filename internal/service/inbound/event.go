package inbound

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/sendpipe/internal/domain"
)

// providerEvent is the callback body:
//
//	{"type":"email.bounced","created_at":"...","data":{"email_id":"...","to":["..."],"bounce":{...}}}
type providerEvent struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID   string   `json:"email_id"`
		To        []string `json:"to"`
		CreatedAt string   `json:"created_at"`
		Click     *struct {
			Link string `json:"link"`
		} `json:"click"`
		Bounce *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			SubType string `json:"subType"`
		} `json:"bounce"`
		Complaint *struct {
			Type string `json:"type"`
		} `json:"complaint"`
	} `json:"data"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseEvent decodes a verified payload. now stands in for a missing or
// unreadable timestamp.
func parseEvent(raw []byte, now time.Time) (domain.DeliveryEvent, error) {
	var pe providerEvent
	if err := json.Unmarshal(raw, &pe); err != nil {
		return domain.DeliveryEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if pe.Type == "" {
		return domain.DeliveryEvent{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}

	evt := domain.DeliveryEvent{
		Type:              domain.DeliveryEventType(pe.Type),
		ProviderMessageID: pe.Data.EmailID,
		OccurredAt:        now.UTC(),
		Raw:               json.RawMessage(raw),
	}
	if t, ok := parseTime(pe.CreatedAt); ok {
		evt.OccurredAt = t
	}
	if pe.Data.Click != nil {
		evt.ClickURL = pe.Data.Click.Link
	}
	if b := pe.Data.Bounce; b != nil {
		evt.BounceReason = bounceReason(b.Message, b.Type, b.SubType)
	}
	return evt, nil
}

func bounceReason(message, typ, subType string) string {
	kind := strings.TrimSpace(strings.Join([]string{typ, subType}, " "))
	switch {
	case message != "" && kind != "":
		return fmt.Sprintf("%s (%s)", message, kind)
	case message != "":
		return message
	default:
		return kind
	}
}
