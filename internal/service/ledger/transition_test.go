package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/sendpipe/internal/domain"
)

func TestPlan(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name    string
		policy  TerminalPolicy
		typ     domain.DeliveryEventType
		ok      bool
		overlay bool
		stamp   Stamp
		status  domain.SendStatus
		from    []domain.SendStatus
	}{
		{"sent", LatestTerminalWins, domain.DeliverySent, true, true, StampSent, "", nil},
		{"delivered", LatestTerminalWins, domain.DeliveryDelivered, true, false, StampDelivered, domain.SendDelivered, beforeDelivery},
		{"opened", LatestTerminalWins, domain.DeliveryOpened, true, true, StampOpened, "", nil},
		{"clicked", DeliveredIsFinal, domain.DeliveryClicked, true, true, StampClicked, "", nil},
		{"bounced latest", LatestTerminalWins, domain.DeliveryBounced, true, false, StampBounced, domain.SendBounced, nonAbsorbing},
		{"bounced final", DeliveredIsFinal, domain.DeliveryBounced, true, false, StampBounced, domain.SendBounced, beforeDelivery},
		{"complained latest", LatestTerminalWins, domain.DeliveryComplained, true, false, StampComplained, domain.SendComplained, nonAbsorbing},
		{"complained final", DeliveredIsFinal, domain.DeliveryComplained, true, false, StampComplained, domain.SendComplained, beforeDelivery},
		{"delayed", LatestTerminalWins, domain.DeliveryDelayed, false, false, "", "", nil},
		{"unknown", LatestTerminalWins, "email.scheduled", false, false, "", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := Plan(tt.policy, domain.DeliveryEvent{Type: tt.typ, OccurredAt: at})
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.overlay, m.IsOverlay())
			assert.Equal(t, tt.stamp, m.Stamp)
			assert.Equal(t, tt.status, m.SetStatus)
			assert.Equal(t, tt.from, m.From)
			assert.Equal(t, at, m.At)
		})
	}
}

func TestApplyToKeepsFirstStamp(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &domain.EmailSend{Status: domain.SendPending}

	m := Mutation{Stamp: StampDelivered, At: first, SetStatus: domain.SendDelivered, From: beforeDelivery}
	assert.True(t, m.ApplyTo(s))

	// A bounce under the permissive policy keeps deliveredAt.
	b := Mutation{Stamp: StampBounced, At: first.Add(time.Hour), SetStatus: domain.SendBounced, From: nonAbsorbing, BounceReason: "hard"}
	assert.True(t, b.ApplyTo(s))
	assert.Equal(t, domain.SendBounced, s.Status)
	assert.Equal(t, first, *s.DeliveredAt)
	assert.Equal(t, "hard", *s.BounceReason)

	assert.False(t, b.ApplyTo(s))
}

func TestSuppressionFor(t *testing.T) {
	assert.Equal(t, domain.ContactBounced, SuppressionFor(domain.DeliveryBounced))
	assert.Equal(t, domain.ContactComplained, SuppressionFor(domain.DeliveryComplained))
	assert.Equal(t, domain.ContactStatus(""), SuppressionFor(domain.DeliveryOpened))
}
