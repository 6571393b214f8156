package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sendpipe/internal/config"
	"github.com/ignite/sendpipe/internal/domain"
	"github.com/ignite/sendpipe/internal/queue"
	"github.com/ignite/sendpipe/internal/worker"
)

func memoryConfig(t *testing.T, providerURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Driver = "memory"
	cfg.Queue.Backend = "memory"
	cfg.Queue.PollIntervalMS = 5
	cfg.Dispatcher.Workers = 2
	cfg.Credentials = []config.CredentialConfig{{
		ID:             "resend-main",
		Provider:       config.ProviderResend,
		Default:        true,
		APIKey:         "re_test",
		BaseURL:        providerURL,
		TimeoutSeconds: 5,
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewMemoryPipeline(t *testing.T) {
	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer provider.Close()

	app, err := New(context.Background(), memoryConfig(t, provider.URL))
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Store)
	assert.Nil(t, app.DB)
	assert.Nil(t, app.Redis)
	assert.IsType(t, &queue.MemoryQueue{}, app.Queue)
	assert.Equal(t, []string{"resend-main"}, app.Credentials.IDs())

	ctx, cancel := context.WithCancel(context.Background())
	app.StartBackground(ctx)

	router := app.Router()
	body, _ := json.Marshal(domain.SendJob{
		SendID: "s-1", ContactID: "c-1", To: "a@example.com", From: "news@example.com", Subject: "Hi", HTML: "<p>Hi</p>",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sends", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		send, err := app.Ledger.Get(context.Background(), "s-1")
		return err == nil && send.Status == domain.SendSent
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	app.StopBackground()

	send, err := app.Ledger.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.NotNil(t, send.ProviderMessageID)
	assert.Equal(t, "msg-1", *send.ProviderMessageID)
	assert.Equal(t, int32(1), calls.Load())

	stats := app.Dispatcher.Stats(context.Background())
	assert.Equal(t, int64(1), stats.Sent)
}

func TestNewUsesRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t, "http://127.0.0.1:1")
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Queue.Backend = "redis"
	cfg.Dispatcher.DistributedLimit = true

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Redis)
	assert.IsType(t, &queue.RedisQueue{}, app.Queue)
	assert.IsType(t, &worker.RedisLimiter{}, app.limiter())
}

func TestNewRejectsBadPolicy(t *testing.T) {
	cfg := memoryConfig(t, "http://127.0.0.1:1")
	cfg.Ledger.TerminalPolicy = "first_wins"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	cfg := memoryConfig(t, "http://127.0.0.1:1")
	cfg.Redis.URL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
