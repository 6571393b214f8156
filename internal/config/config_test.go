package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/sendpipe?sslmode=disable"

queue:
  backend: redis
  visibility_timeout_seconds: 120

dispatcher:
  workers: 4
  rate_per_second: 50

ledger:
  terminal_policy: delivered_is_final

credentials:
  - id: primary
    provider: resend
    default: true
    api_key: re_test
    webhook_secret: whsec_dGVzdA==
  - id: bulk
    provider: ses
    access_key: AKIA
    secret_key: shh

webhooks:
  backoff: ["30s", "2m"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Queue.VisibilityTimeout())
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 50, cfg.Dispatcher.Burst, "burst defaults to the rate")
	assert.Equal(t, "delivered_is_final", cfg.Ledger.TerminalPolicy)

	require.Len(t, cfg.Credentials, 2)
	assert.Equal(t, "https://api.resend.com", cfg.Credentials[0].BaseURL)
	assert.Equal(t, "us-west-2", cfg.Credentials[1].Region)
	assert.Equal(t, 30*time.Second, cfg.Credentials[1].Timeout())
	assert.Equal(t, "primary", cfg.DefaultCredentialID())

	sched, err := cfg.Webhooks.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, sched)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Queue.Backend)
	assert.Equal(t, 10, cfg.Dispatcher.Workers)
	assert.Equal(t, 100, cfg.Dispatcher.RatePerSecond)
	assert.Equal(t, 5, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Webhooks.Timeout())
	assert.Equal(t, "latest_terminal_wins", cfg.Ledger.TerminalPolicy)

	sched, err := cfg.Webhooks.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}, sched)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: memory
queue:
  backend: memory
`)
	t.Setenv("DISPATCHER_WORKERS", "3")
	t.Setenv("LEDGER_TERMINAL_POLICY", "delivered_is_final")
	t.Setenv("RESEND_API_KEY", "re_env")
	t.Setenv("RESEND_WEBHOOK_SECRET", "whsec_ZW52")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Dispatcher.Workers)
	assert.Equal(t, "delivered_is_final", cfg.Ledger.TerminalPolicy)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "default", cfg.Credentials[0].ID)
	assert.Equal(t, "re_env", cfg.Credentials[0].APIKey)
	assert.Equal(t, "https://api.resend.com", cfg.Credentials[0].BaseURL)
	assert.True(t, cfg.Credentials[0].Default)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Queue.Backend = "kafka"
	cfg.Ledger.TerminalPolicy = "coin_flip"
	cfg.Credentials = []CredentialConfig{
		{ID: "a", Provider: "resend"},
		{ID: "a", Provider: "pigeon"},
	}

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "database.url is required")
	assert.Contains(t, msg, `queue.backend "kafka"`)
	assert.Contains(t, msg, `ledger.terminal_policy "coin_flip"`)
	assert.Contains(t, msg, `duplicate id "a"`)
	assert.Contains(t, msg, `provider "pigeon"`)
}

func TestServerHost(t *testing.T) {
	t.Setenv("ECS_CONTAINER_METADATA_URI", "")
	t.Setenv("AWS_EXECUTION_ENV", "")
	t.Setenv("SERVER_HOST", "")
	assert.Equal(t, "localhost", ServerConfig{}.GetHost())
	assert.Equal(t, "127.0.0.1:81", ServerConfig{Host: "127.0.0.1", Port: 81}.Addr())
}
