package webhooks_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/repository/memory"
	"github.com/ignite/sendpipe/internal/service/webhooks"
)

func newRegistry(t *testing.T, requireHTTPS bool) (*webhooks.Registry, *memory.Store) {
	t.Helper()
	store := memory.New()
	deliverer := webhooks.NewDeliverer(nil, 2*time.Second, "", 1024)
	d := webhooks.NewDispatcher(store.Webhooks(), store.Deliveries(), deliverer, webhooks.DispatcherConfig{})
	return webhooks.NewRegistry(store.Webhooks(), store.Deliveries(), deliverer, d, requireHTTPS), store
}

func TestRegistryCreate(t *testing.T) {
	reg, _ := newRegistry(t, false)
	ctx := context.Background()
	ep := newEndpoint(t, 204)

	hook, err := reg.Create(ctx, "user-1", webhooks.CreateInput{
		URL:    ep.srv.URL,
		Events: []string{"contact.created", "contact.created", "email.bounced"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hook.Secret, webhooks.SecretPrefix))
	assert.Equal(t, []string{"contact.created", "email.bounced"}, hook.Events)
	assert.True(t, hook.IsActive)
	assert.NotEmpty(t, hook.Name)
	assert.Equal(t, 1, ep.Hits(), "registration probes the endpoint")
	assert.Equal(t, []string{"webhook.test"}, ep.seenEvents())

	list, err := reg.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEqual(t, hook.Secret, list[0].Secret)
	assert.True(t, strings.HasSuffix(list[0].Secret, hook.Secret[len(hook.Secret)-4:]))

	got, err := reg.Get(ctx, "user-1", hook.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Secret, "****")

	_, err = reg.Get(ctx, "user-2", hook.ID)
	assert.ErrorIs(t, err, webhooks.ErrNotFound)
}

func TestRegistryCreateRejectsFailingEndpoint(t *testing.T) {
	reg, store := newRegistry(t, false)
	ctx := context.Background()
	ep := newEndpoint(t, 500)

	_, err := reg.Create(ctx, "user-1", webhooks.CreateInput{URL: ep.srv.URL, Events: []string{"*"}})
	assert.ErrorIs(t, err, webhooks.ErrTestDeliveryFailed)

	hooks, err := store.Webhooks().ListByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestRegistryValidation(t *testing.T) {
	reg, _ := newRegistry(t, true)
	ctx := context.Background()

	cases := []struct {
		name  string
		in    webhooks.CreateInput
		field string
	}{
		{"missing url", webhooks.CreateInput{Events: []string{"*"}}, "url"},
		{"relative url", webhooks.CreateInput{URL: "/hooks", Events: []string{"*"}}, "url"},
		{"bad scheme", webhooks.CreateInput{URL: "ftp://example.com/x", Events: []string{"*"}}, "url"},
		{"plain http", webhooks.CreateInput{URL: "http://example.com/x", Events: []string{"*"}}, "url"},
		{"no events", webhooks.CreateInput{URL: "https://example.com/x"}, "events"},
		{"unknown event", webhooks.CreateInput{URL: "https://example.com/x", Events: []string{"contact.exploded"}}, "events"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Create(ctx, "user-1", tc.in)
			require.Error(t, err)
			var ve *webhooks.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.True(t, webhooks.IsValidation(err))
		})
	}
}

func TestRegistryUpdateRotateDelete(t *testing.T) {
	reg, store := newRegistry(t, false)
	ctx := context.Background()
	ep := newEndpoint(t, 200)

	hook, err := reg.Create(ctx, "user-1", webhooks.CreateInput{URL: ep.srv.URL, Name: "crm", Events: []string{"*"}})
	require.NoError(t, err)

	inactive := false
	name := "crm sync"
	updated, err := reg.Update(ctx, "user-1", hook.ID, webhooks.UpdateInput{Name: &name, IsActive: &inactive, Events: []string{"order.created"}})
	require.NoError(t, err)
	assert.Equal(t, "crm sync", updated.Name)
	assert.False(t, updated.IsActive)
	assert.Equal(t, []string{"order.created"}, updated.Events)

	_, err = reg.Update(ctx, "user-1", hook.ID, webhooks.UpdateInput{Events: []string{}})
	assert.True(t, webhooks.IsValidation(err))

	rotated, err := reg.RotateSecret(ctx, "user-1", hook.ID)
	require.NoError(t, err)
	assert.NotEqual(t, hook.Secret, rotated.Secret)
	stored, err := store.Webhooks().GetByID(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, rotated.Secret, stored.Secret)

	require.NoError(t, reg.Delete(ctx, "user-1", hook.ID))
	assert.ErrorIs(t, reg.Delete(ctx, "user-1", hook.ID), webhooks.ErrNotFound)
}

func TestRegistrySendTestAndHistory(t *testing.T) {
	reg, _ := newRegistry(t, false)
	ctx := context.Background()
	ep := newEndpoint(t, 200)

	hook, err := reg.Create(ctx, "user-1", webhooks.CreateInput{URL: ep.srv.URL, Events: []string{"*"}})
	require.NoError(t, err)
	ep.setSecret(hook.Secret)

	for i := 0; i < 3; i++ {
		d, err := reg.SendTest(ctx, "user-1", hook.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliverySuccess, d.Status)
		assert.Equal(t, 1, d.Attempts)
		assert.Equal(t, string(domain.EventWebhookTest), d.EventType)
	}
	assert.Zero(t, ep.badSignatures())

	atomic.StoreInt32(&ep.status, 500)
	d, err := reg.SendTest(ctx, "user-1", hook.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, d.Status, "manual tests are not retried")
	assert.Nil(t, d.NextAttemptAt)

	page, total, err := reg.Deliveries(ctx, "user-1", hook.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, domain.DeliveryFailed, page[0].Status, "newest first")

	_, _, err = reg.Deliveries(ctx, "user-2", hook.ID, 10, 0)
	assert.ErrorIs(t, err, webhooks.ErrNotFound)
}
