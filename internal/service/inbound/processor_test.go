package inbound_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/repository/memory"
	"github.com/ignite/sendpipe/internal/service/inbound"
	"github.com/ignite/sendpipe/internal/service/ledger"
	"github.com/ignite/sendpipe/internal/service/suppression"
)

var signingKey = []byte("0123456789abcdef0123456789abcdef")

func testSecret() string { return "whsec_" + base64.StdEncoding.EncodeToString(signingKey) }

// signed returns headers carrying a valid svix signature for body.
func signed(t *testing.T, id string, body []byte) http.Header {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(id + "." + ts + "." + string(body)))
	h := http.Header{}
	h.Set("svix-id", id)
	h.Set("svix-timestamp", ts)
	h.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return h
}

type verifiers map[string]inbound.Verifier

func (v verifiers) Verifier(id string) (inbound.Verifier, error) {
	if id == "" {
		id = "default"
	}
	ver, ok := v[id]
	if !ok {
		return nil, fmt.Errorf("unknown credential %q", id)
	}
	return ver, nil
}

type published struct {
	userID string
	evt    domain.PlatformEvent
	data   interface{}
}

type recorder struct {
	mu         sync.Mutex
	events     []published
	triggers   []string
	archived   map[string][]byte
	archiveErr error
}

func (r *recorder) Publish(_ context.Context, userID string, evt domain.PlatformEvent, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{userID, evt, data})
	return nil
}

func (r *recorder) Trigger(campaignID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, campaignID)
}

func (r *recorder) Archive(_ context.Context, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archived == nil {
		r.archived = map[string][]byte{}
	}
	r.archived[key] = payload
	return r.archiveErr
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Service
	proc   *inbound.Processor
	rec    *recorder
}

func newFixture(t *testing.T, policy ledger.TerminalPolicy) *fixture {
	t.Helper()
	wh, err := svix.NewWebhook(testSecret())
	require.NoError(t, err)

	store := memory.New()
	store.PutContact(domain.Contact{ID: "contact-1", UserID: "user-1", Email: "ann@example.com", Status: domain.ContactActive})
	led := ledger.NewService(store.Sends(), policy)
	rec := &recorder{}
	proc := inbound.NewProcessor(inbound.Deps{
		Verifiers:  verifiers{"default": wh},
		Ledger:     led,
		Suppressor: suppression.NewService(store.Contacts()),
		Publisher:  rec,
		Completion: rec,
		Archiver:   rec,
	})

	ctx := context.Background()
	_, err = led.Open(ctx, domain.SendJob{
		SendID: "send-1", CampaignID: "camp-1", ContactID: "contact-1", UserID: "user-1",
		To: "ann@example.com", From: "news@example.com", Subject: "hi",
	})
	require.NoError(t, err)
	_, err = led.RecordAccepted(ctx, "send-1", "abc123")
	require.NoError(t, err)

	return &fixture{store: store, ledger: led, proc: proc, rec: rec}
}

func body(typ, emailID string, extra string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"created_at":"2026-03-01T12:00:00.000Z","data":{"email_id":%q,"to":["ann@example.com"]%s}}`, typ, emailID, extra))
}

func (f *fixture) deliver(t *testing.T, id string, payload []byte) (inbound.Result, error) {
	t.Helper()
	return f.proc.Handle(context.Background(), "", payload, signed(t, id, payload))
}

func (f *fixture) send(t *testing.T) *domain.EmailSend {
	t.Helper()
	s, err := f.ledger.Get(context.Background(), "send-1")
	require.NoError(t, err)
	return s
}

func (f *fixture) eventCount(t *testing.T) int {
	t.Helper()
	events, err := f.ledger.Events(context.Background(), "send-1")
	require.NoError(t, err)
	return len(events)
}

func TestInvalidSignatureIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)
	payload := body("email.bounced", "abc123", "")
	headers := signed(t, "msg_1", payload)
	headers.Set("svix-signature", "v1,"+base64.StdEncoding.EncodeToString([]byte("forged")))

	_, err := f.proc.Handle(context.Background(), "", payload, headers)
	assert.ErrorIs(t, err, inbound.ErrInvalidSignature)

	assert.Equal(t, domain.SendSent, f.send(t).Status)
	assert.Equal(t, 1, f.eventCount(t))
	assert.Empty(t, f.rec.archived, "unverified payloads are not archived")

	tampered := body("email.complained", "abc123", "")
	_, err = f.proc.Handle(context.Background(), "", tampered, signed(t, "msg_2", payload))
	assert.ErrorIs(t, err, inbound.ErrInvalidSignature)
	assert.Equal(t, domain.SendSent, f.send(t).Status)
}

func TestUnknownCredentialIsRejected(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)
	payload := body("email.delivered", "abc123", "")
	_, err := f.proc.Handle(context.Background(), "ses-eu", payload, signed(t, "msg_1", payload))
	assert.ErrorIs(t, err, inbound.ErrInvalidSignature)
}

func TestMalformedPayloadAfterValidSignature(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)
	_, err := f.deliver(t, "msg_1", []byte(`{"type":`))
	assert.ErrorIs(t, err, inbound.ErrMalformedPayload)

	_, err = f.deliver(t, "msg_2", []byte(`{"data":{}}`))
	assert.ErrorIs(t, err, inbound.ErrMalformedPayload)
}

func TestDeliveredThenDuplicate(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)

	res, err := f.deliver(t, "msg_1", body("email.delivered", "abc123", ""))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "send-1", res.SendID)

	s := f.send(t)
	assert.Equal(t, domain.SendDelivered, s.Status)
	require.NotNil(t, s.DeliveredAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), *s.DeliveredAt)

	res, err = f.deliver(t, "msg_1", body("email.delivered", "abc123", ""))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Applied)

	require.Len(t, f.rec.events, 1, "duplicates are not forwarded")
	assert.Equal(t, domain.EventEmailDelivered, f.rec.events[0].evt)
	assert.Equal(t, "user-1", f.rec.events[0].userID)
	assert.Equal(t, 3, f.eventCount(t), "duplicates are still audited")
	assert.Len(t, f.rec.archived, 1, "same svix id archives to the same key")
	for key := range f.rec.archived {
		assert.Contains(t, key, "default/")
		assert.Contains(t, key, "msg_1.json")
	}
}

func TestBounceSuppressesContactAndTriggersCompletion(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)

	res, err := f.deliver(t, "msg_1", body("email.bounced", "abc123", `,"bounce":{"message":"Mailbox does not exist","type":"Permanent","subType":"General"}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	s := f.send(t)
	assert.Equal(t, domain.SendBounced, s.Status)
	require.NotNil(t, s.BounceReason)
	assert.Equal(t, "Mailbox does not exist (Permanent General)", *s.BounceReason)

	c, err := f.store.Contacts().GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ContactBounced, c.Status)

	assert.Equal(t, []string{"camp-1"}, f.rec.triggers)
	require.Len(t, f.rec.events, 1)
	assert.Equal(t, domain.EventEmailBounced, f.rec.events[0].evt)
}

func TestWorkedExampleDeliveredIsFinal(t *testing.T) {
	f := newFixture(t, ledger.DeliveredIsFinal)

	_, err := f.deliver(t, "msg_1", body("email.delivered", "abc123", ""))
	require.NoError(t, err)
	_, err = f.deliver(t, "msg_2", body("email.opened", "abc123", ""))
	require.NoError(t, err)

	s := f.send(t)
	assert.Equal(t, domain.SendDelivered, s.Status)
	require.NotNil(t, s.OpenedAt)

	res, err := f.deliver(t, "msg_3", body("email.bounced", "abc123", `,"bounce":{"message":"late"}`))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	s = f.send(t)
	assert.Equal(t, domain.SendDelivered, s.Status)
	assert.Nil(t, s.BouncedAt)

	c, _ := f.store.Contacts().GetContact(context.Background(), "contact-1")
	assert.Equal(t, domain.ContactBounced, c.Status, "the contact is suppressed anyway")
	assert.Equal(t, 4, f.eventCount(t))
}

func TestUnknownTypeAndUnmatchedAreIgnored(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)

	res, err := f.deliver(t, "msg_1", body("email.delivery_delayed", "abc123", ""))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, 2, f.eventCount(t))

	res, err = f.deliver(t, "msg_2", body("email.delivered", "nope", ""))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, res.SendID)

	res, err = f.deliver(t, "msg_3", []byte(`{"type":"domain.updated","data":{}}`))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, f.rec.events)
}

func TestArchiveFailureDoesNotFailHandle(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)
	f.rec.archiveErr = errors.New("s3 down")

	res, err := f.deliver(t, "msg_1", body("email.clicked", "abc123", `,"click":{"link":"https://example.com/a"}`))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, f.send(t).ClickedAt)
}

// downOnce fails the first Suppress call and delegates after that.
type downOnce struct {
	inbound.Suppressor
	calls int
}

func (d *downOnce) Suppress(ctx context.Context, contactID string, status domain.ContactStatus) (bool, error) {
	d.calls++
	if d.calls == 1 {
		return false, errors.New("db down")
	}
	return d.Suppressor.Suppress(ctx, contactID, status)
}

func TestSuppressionFailureStillForwardsOnce(t *testing.T) {
	f := newFixture(t, ledger.LatestTerminalWins)
	wh, err := svix.NewWebhook(testSecret())
	require.NoError(t, err)
	sup := &downOnce{Suppressor: suppression.NewService(f.store.Contacts())}
	proc := inbound.NewProcessor(inbound.Deps{
		Verifiers:  verifiers{"default": wh},
		Ledger:     f.ledger,
		Suppressor: sup,
		Publisher:  f.rec,
		Completion: f.rec,
	})
	payload := body("email.bounced", "abc123", `,"bounce":{"message":"Mailbox full"}`)

	_, err = proc.Handle(context.Background(), "", payload, signed(t, "msg_1", payload))
	require.EqualError(t, err, "db down")
	assert.Equal(t, domain.SendBounced, f.send(t).Status)
	require.Len(t, f.rec.events, 1)
	assert.Equal(t, domain.EventEmailBounced, f.rec.events[0].evt)

	// Provider retry of the same delivery.
	res, err := proc.Handle(context.Background(), "", payload, signed(t, "msg_1", payload))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, f.rec.events, 1, "retry does not forward again")
	assert.Equal(t, []string{"camp-1"}, f.rec.triggers)

	c, err := f.store.Contacts().GetContact(context.Background(), "contact-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ContactBounced, c.Status)
}
