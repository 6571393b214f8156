package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/queue"
	"github.com/ignite/sendpipe/internal/repository/memory"
	"github.com/ignite/sendpipe/internal/service/inbound"
	"github.com/ignite/sendpipe/internal/service/ledger"
	"github.com/ignite/sendpipe/internal/service/webhooks"
	"github.com/ignite/sendpipe/internal/worker"
)

type fakeInbound struct {
	credentialID string
	body         []byte
	err          error
}

func (f *fakeInbound) Handle(_ context.Context, credentialID string, raw []byte, _ http.Header) (inbound.Result, error) {
	f.credentialID = credentialID
	f.body = raw
	return inbound.Result{Applied: f.err == nil}, f.err
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []domain.SendJob
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, job domain.SendJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSubmitter) Stats(context.Context) worker.DispatcherStats {
	return worker.DispatcherStats{Workers: 4, Running: true, Sent: 7, Queue: &queue.Stats{Ready: 3}}
}

type publishCall struct {
	userID string
	evt    domain.PlatformEvent
}

type fakePublisher struct {
	calls []publishCall
}

func (f *fakePublisher) Publish(_ context.Context, userID string, evt domain.PlatformEvent, _ interface{}) error {
	f.calls = append(f.calls, publishCall{userID, evt})
	return nil
}

type testServer struct {
	router    http.Handler
	inbound   *fakeInbound
	sends     *fakeSubmitter
	publisher *fakePublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	deliverer := webhooks.NewDeliverer(nil, 2*time.Second, "", 1024)
	dispatcher := webhooks.NewDispatcher(store.Webhooks(), store.Deliveries(), deliverer, webhooks.DispatcherConfig{})
	t.Cleanup(dispatcher.Wait)
	registry := webhooks.NewRegistry(store.Webhooks(), store.Deliveries(), deliverer, dispatcher, false)

	ts := &testServer{
		inbound:   &fakeInbound{},
		sends:     &fakeSubmitter{},
		publisher: &fakePublisher{},
	}
	ts.router = NewRouter(RouterDeps{
		Health:   NewHealthChecker(nil, nil, nil, "", queue.NewMemoryQueue(time.Minute)),
		Inbound:  NewInboundHandler(ts.inbound, 1<<20),
		Webhooks: NewWebhookHandler(registry),
		Pipeline: NewPipelineHandler(ts.sends, ts.publisher),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// endpoint is a user webhook receiver answering with a fixed status.
func endpoint(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "up", checks["queue"].(map[string]interface{})["status"])
	assert.Equal(t, "not configured", checks["database"].(map[string]interface{})["message"])

	rec = ts.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"redis":    {Status: "down", Message: "ping failed"},
	}))
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"archive":  {Status: "down", Message: "not configured"},
	}))
}

func TestAPIRequiresUser(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/webhooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProviderWebhook(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/webhooks/provider/resend-main", "", `{"type":"email.delivered"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["received"])
	assert.Equal(t, "resend-main", ts.inbound.credentialID)
	assert.JSONEq(t, `{"type":"email.delivered"}`, string(ts.inbound.body))

	rec = ts.do(t, http.MethodPost, "/webhooks/provider", "", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.inbound.credentialID)

	cases := []struct {
		err  error
		code int
	}{
		{inbound.ErrInvalidSignature, http.StatusBadRequest},
		{fmt.Errorf("%w: missing type", inbound.ErrMalformedPayload), http.StatusBadRequest},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts.inbound.err = tc.err
		rec := ts.do(t, http.MethodPost, "/webhooks/provider", "", `{}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestWebhookLifecycle(t *testing.T) {
	ts := newTestServer(t)
	srv, hits := endpoint(t, http.StatusNoContent)

	rec := ts.do(t, http.MethodPost, "/api/webhooks", "user-1", map[string]interface{}{
		"url":    srv.URL,
		"name":   "crm sync",
		"events": []string{"contact.created", "email.bounced"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	secret := created["secret"].(string)
	assert.True(t, strings.HasPrefix(secret, webhooks.SecretPrefix))
	assert.Equal(t, int32(1), hits.Load())

	rec = ts.do(t, http.MethodGet, "/api/webhooks", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["webhooks"].([]interface{})
	require.Len(t, list, 1)
	assert.NotEqual(t, secret, list[0].(map[string]interface{})["secret"])

	rec = ts.do(t, http.MethodGet, "/api/webhooks/"+id, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/webhooks/"+id, "user-1", map[string]interface{}{"is_active": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["is_active"])

	rec = ts.do(t, http.MethodPost, "/api/webhooks/"+id+"/rotate-secret", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decode(t, rec)["secret"].(string)
	assert.NotEqual(t, secret, rotated)

	rec = ts.do(t, http.MethodPost, "/api/webhooks/"+id+"/test", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.Equal(t, int32(2), hits.Load())

	rec = ts.do(t, http.MethodGet, "/api/webhooks/"+id+"/deliveries?limit=500", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	pagination := page["pagination"].(map[string]interface{})
	assert.Equal(t, float64(100), pagination["limit"])
	assert.Equal(t, float64(1), pagination["total"])
	assert.Len(t, page["data"].([]interface{}), 1)

	rec = ts.do(t, http.MethodDelete, "/api/webhooks/"+id, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/webhooks/"+id, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookCreateErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/webhooks", "user-1", map[string]interface{}{
		"url": "https://example.com/hook", "events": []string{"contact.exploded"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "validation_error", body["code"])
	assert.Equal(t, "events", body["details"].(map[string]interface{})["field"])

	srv, _ := endpoint(t, http.StatusInternalServerError)
	rec = ts.do(t, http.MethodPost, "/api/webhooks", "user-1", map[string]interface{}{
		"url": srv.URL, "events": []string{"*"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "test_delivery_failed", decode(t, rec)["code"])

	rec = ts.do(t, http.MethodPost, "/api/webhooks", "user-1", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitSend(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/sends", "user-1", map[string]interface{}{
		"contact_id": "c-1", "to": "a@example.com", "from": "news@example.com", "subject": "Hi",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sendID := decode(t, rec)["send_id"].(string)
	assert.NotEmpty(t, sendID)
	require.Len(t, ts.sends.jobs, 1)
	assert.Equal(t, "user-1", ts.sends.jobs[0].UserID)
	assert.Equal(t, sendID, ts.sends.jobs[0].SendID)

	rec = ts.do(t, http.MethodPost, "/api/sends", "user-1", map[string]interface{}{
		"send_id": "s-fixed", "contact_id": "c-1", "to": "a@example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "s-fixed", decode(t, rec)["send_id"])

	ts.sends.err = fmt.Errorf("%w: missing recipient", ledger.ErrInvalidJob)
	rec = ts.do(t, http.MethodPost, "/api/sends", "user-1", map[string]interface{}{"contact_id": "c-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishEvent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events", "user-1", map[string]interface{}{
		"event": "contact.created", "data": map[string]string{"id": "c-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, ts.publisher.calls, 1)
	assert.Equal(t, publishCall{"user-1", domain.PlatformEvent("contact.created")}, ts.publisher.calls[0])

	rec = ts.do(t, http.MethodPost, "/api/events", "user-1", map[string]interface{}{"event": "contact.exploded"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, ts.publisher.calls, 1)
}

func TestDispatcherStats(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/dispatcher/stats", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(7), body["sent"])
	assert.Equal(t, float64(3), body["queue"].(map[string]interface{})["ready"])
}

func TestParsePagination(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?page=3&limit=20", nil)
	p := ParsePagination(req, 50, 100)
	assert.Equal(t, 20, p.Limit)
	assert.Equal(t, 40, p.Offset)

	req = httptest.NewRequest(http.MethodGet, "/?limit=-1&offset=-5", nil)
	p = ParsePagination(req, 50, 100)
	assert.Equal(t, 50, p.Limit)
	assert.Equal(t, 0, p.Offset)

	resp := NewPaginatedResponse([]int{1, 2}, PaginationParams{Limit: 2, Offset: 0}, 5)
	assert.True(t, resp.Pagination.HasMore)
}
