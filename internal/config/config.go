package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery pipeline.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Queue       QueueConfig        `yaml:"queue"`
	Dispatcher  DispatcherConfig   `yaml:"dispatcher"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Resend      ResendEnvConfig    `yaml:"-"`
	Inbound     InboundConfig      `yaml:"inbound"`
	Webhooks    WebhooksConfig     `yaml:"webhooks"`
	Completion  CompletionConfig   `yaml:"completion"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                int      `yaml:"port" env:"PORT"`
	Host                string   `yaml:"host"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	CORSOrigins         []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	if c.Host == "" {
		return "localhost"
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level         string `yaml:"level" env:"LOG_LEVEL"`
	DisableRedact bool   `yaml:"disable_pii_redaction"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver" env:"DATABASE_DRIVER"` // "postgres" or "memory"
	URL                    string `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the configured lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig is optional. When URL is empty, Redis-backed components fall
// back to PostgreSQL or in-process implementations.
type RedisConfig struct {
	URL       string `yaml:"url" env:"REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix"`
}

// QueueConfig selects and tunes the durable send queue.
type QueueConfig struct {
	Backend                  string     `yaml:"backend" env:"QUEUE_BACKEND"` // memory | postgres | redis | sqs | amqp
	Name                     string     `yaml:"name"`
	VisibilityTimeoutSeconds int        `yaml:"visibility_timeout_seconds"`
	PollIntervalMS           int        `yaml:"poll_interval_ms"`
	MaxReceives              int        `yaml:"max_receives"`
	RecoveryIntervalSeconds  int        `yaml:"recovery_interval_seconds"`
	SQS                      SQSConfig  `yaml:"sqs"`
	AMQP                     AMQPConfig `yaml:"amqp"`
}

// VisibilityTimeout returns how long a dequeued job stays invisible.
func (c QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// PollInterval returns the idle wait between empty dequeues.
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RecoveryInterval returns the stale-lease sweep period.
func (c QueueConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// SQSConfig configures the SQS queue backend.
type SQSConfig struct {
	QueueURL      string `yaml:"queue_url" env:"SQS_QUEUE_URL"`
	DeadLetterURL string `yaml:"dead_letter_url" env:"SQS_DEAD_LETTER_URL"`
	Region        string `yaml:"region" env:"SQS_REGION"`
	WaitSeconds   int    `yaml:"wait_seconds"`
}

// AMQPConfig configures the RabbitMQ queue backend.
type AMQPConfig struct {
	URL      string `yaml:"url" env:"AMQP_URL"`
	Prefetch int    `yaml:"prefetch"`
}

// DispatcherConfig tunes the send worker pool.
type DispatcherConfig struct {
	Workers            int  `yaml:"workers" env:"DISPATCHER_WORKERS"`
	RatePerSecond      int  `yaml:"rate_per_second" env:"DISPATCHER_RATE_PER_SECOND"`
	Burst              int  `yaml:"burst"`
	DistributedLimit   bool `yaml:"distributed_limit"`
	MaxAttempts        int  `yaml:"max_attempts"`
	PauseDelaySeconds  int  `yaml:"pause_delay_seconds"`
	SendTimeoutSeconds int  `yaml:"send_timeout_seconds"`
	BackoffBaseMS      int  `yaml:"backoff_base_ms"`
	BackoffMaxSeconds  int  `yaml:"backoff_max_seconds"`
}

// PauseDelay returns how long a job of a paused campaign is deferred.
func (c DispatcherConfig) PauseDelay() time.Duration {
	return time.Duration(c.PauseDelaySeconds) * time.Second
}

// SendTimeout returns the per-provider-call timeout.
func (c DispatcherConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// BackoffBase returns the first redelivery delay after an infrastructure error.
func (c DispatcherConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the redelivery delay cap.
func (c DispatcherConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// LedgerConfig configures the send state machine.
type LedgerConfig struct {
	// TerminalPolicy is "latest_terminal_wins" or "delivered_is_final".
	TerminalPolicy string `yaml:"terminal_policy" env:"LEDGER_TERMINAL_POLICY"`
}

// Provider names accepted in CredentialConfig.Provider.
const (
	ProviderResend    = "resend"
	ProviderSES       = "ses"
	ProviderSparkPost = "sparkpost"
	ProviderSMTP      = "smtp"
)

// CredentialConfig describes one sender credential. Fields not used by the
// chosen provider are ignored.
type CredentialConfig struct {
	ID               string `yaml:"id"`
	Provider         string `yaml:"provider"`
	Default          bool   `yaml:"default"`
	APIKey           string `yaml:"api_key"`
	BaseURL          string `yaml:"base_url"`
	WebhookSecret    string `yaml:"webhook_secret"`
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
	SMTPHost         string `yaml:"smtp_host"`
	SMTPPort         int    `yaml:"smtp_port"`
	SMTPUser         string `yaml:"smtp_user"`
	SMTPPass         string `yaml:"smtp_pass"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxRetries       int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c CredentialConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResendEnvConfig lets a deployment define the default credential purely
// from the environment.
type ResendEnvConfig struct {
	APIKey        string `env:"RESEND_API_KEY"`
	WebhookSecret string `env:"RESEND_WEBHOOK_SECRET"`
	BaseURL       string `env:"RESEND_BASE_URL"`
}

// InboundConfig configures the provider webhook endpoint.
type InboundConfig struct {
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Archive      ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig enables raw payload archiving to S3 when Bucket is set.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket" env:"INBOUND_ARCHIVE_BUCKET"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region" env:"INBOUND_ARCHIVE_REGION"`
}

// WebhooksConfig tunes outbound webhook delivery.
type WebhooksConfig struct {
	TimeoutSeconds         int      `yaml:"timeout_seconds"`
	MaxAttempts            int      `yaml:"max_attempts"`
	Backoff                []string `yaml:"backoff"`
	MaxInFlight            int      `yaml:"max_in_flight"`
	MaxInFlightPerEndpoint int      `yaml:"max_in_flight_per_endpoint"`
	RetryIntervalSeconds   int      `yaml:"retry_interval_seconds"`
	RetryBatchSize         int      `yaml:"retry_batch_size"`
	ClaimLeaseSeconds      int      `yaml:"claim_lease_seconds"`
	ResponseBodyLimit      int      `yaml:"response_body_limit"`
	RequireHTTPS           bool     `yaml:"require_https" env:"WEBHOOKS_REQUIRE_HTTPS"`
	UserAgent              string   `yaml:"user_agent"`
}

// Timeout returns the configured timeout as a duration
func (c WebhooksConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryInterval returns the retry sweep period.
func (c WebhooksConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// ClaimLease returns how long a claimed delivery is hidden from other sweeps.
func (c WebhooksConfig) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

// Schedule parses Backoff into durations.
func (c WebhooksConfig) Schedule() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(c.Backoff))
	for _, s := range c.Backoff {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("webhooks.backoff %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// CompletionConfig bounds the campaign completion checks.
type CompletionConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Load reads configuration from a YAML file and applies defaults. An empty
// path yields the defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "sendpipe"
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "postgres"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "email-sends"
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 300
	}
	if cfg.Queue.PollIntervalMS == 0 {
		cfg.Queue.PollIntervalMS = 500
	}
	if cfg.Queue.MaxReceives == 0 {
		cfg.Queue.MaxReceives = 5
	}
	if cfg.Queue.RecoveryIntervalSeconds == 0 {
		cfg.Queue.RecoveryIntervalSeconds = 60
	}
	if cfg.Queue.SQS.WaitSeconds == 0 {
		cfg.Queue.SQS.WaitSeconds = 10
	}
	if cfg.Queue.AMQP.Prefetch == 0 {
		cfg.Queue.AMQP.Prefetch = 20
	}

	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 10
	}
	if cfg.Dispatcher.RatePerSecond == 0 {
		cfg.Dispatcher.RatePerSecond = 100
	}
	if cfg.Dispatcher.Burst == 0 {
		cfg.Dispatcher.Burst = cfg.Dispatcher.RatePerSecond
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 5
	}
	if cfg.Dispatcher.PauseDelaySeconds == 0 {
		cfg.Dispatcher.PauseDelaySeconds = 60
	}
	if cfg.Dispatcher.SendTimeoutSeconds == 0 {
		cfg.Dispatcher.SendTimeoutSeconds = 30
	}
	if cfg.Dispatcher.BackoffBaseMS == 0 {
		cfg.Dispatcher.BackoffBaseMS = 1000
	}
	if cfg.Dispatcher.BackoffMaxSeconds == 0 {
		cfg.Dispatcher.BackoffMaxSeconds = 300
	}

	if cfg.Ledger.TerminalPolicy == "" {
		cfg.Ledger.TerminalPolicy = "latest_terminal_wins"
	}

	for i := range cfg.Credentials {
		c := &cfg.Credentials[i]
		if c.TimeoutSeconds == 0 {
			c.TimeoutSeconds = 30
		}
		switch c.Provider {
		case ProviderResend:
			if c.BaseURL == "" {
				c.BaseURL = "https://api.resend.com"
			}
		case ProviderSparkPost:
			if c.BaseURL == "" {
				c.BaseURL = "https://api.sparkpost.com/api/v1"
			}
		case ProviderSES:
			if c.Region == "" {
				c.Region = "us-west-2"
			}
		case ProviderSMTP:
			if c.SMTPPort == 0 {
				c.SMTPPort = 587
			}
		}
	}

	if cfg.Inbound.MaxBodyBytes == 0 {
		cfg.Inbound.MaxBodyBytes = 1 << 20
	}
	if cfg.Inbound.Archive.Prefix == "" {
		cfg.Inbound.Archive.Prefix = "inbound/"
	}

	if cfg.Webhooks.TimeoutSeconds == 0 {
		cfg.Webhooks.TimeoutSeconds = 10
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if len(cfg.Webhooks.Backoff) == 0 {
		cfg.Webhooks.Backoff = []string{"1m", "5m", "30m", "2h"}
	}
	if cfg.Webhooks.MaxInFlight == 0 {
		cfg.Webhooks.MaxInFlight = 64
	}
	if cfg.Webhooks.MaxInFlightPerEndpoint == 0 {
		cfg.Webhooks.MaxInFlightPerEndpoint = 4
	}
	if cfg.Webhooks.RetryIntervalSeconds == 0 {
		cfg.Webhooks.RetryIntervalSeconds = 15
	}
	if cfg.Webhooks.RetryBatchSize == 0 {
		cfg.Webhooks.RetryBatchSize = 100
	}
	if cfg.Webhooks.ClaimLeaseSeconds == 0 {
		cfg.Webhooks.ClaimLeaseSeconds = 120
	}
	if cfg.Webhooks.ResponseBodyLimit == 0 {
		cfg.Webhooks.ResponseBodyLimit = 1024
	}
	if cfg.Webhooks.UserAgent == "" {
		cfg.Webhooks.UserAgent = "sendpipe-webhooks/1.0"
	}

	if cfg.Completion.MaxConcurrent == 0 {
		cfg.Completion.MaxConcurrent = 8
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.mergeResendEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeResendEnv turns RESEND_* variables into the default credential.
func (cfg *Config) mergeResendEnv() {
	r := cfg.Resend
	if r.APIKey == "" && r.WebhookSecret == "" {
		return
	}
	for i := range cfg.Credentials {
		c := &cfg.Credentials[i]
		if c.Provider != ProviderResend || !(c.Default || len(cfg.Credentials) == 1) {
			continue
		}
		if r.APIKey != "" {
			c.APIKey = r.APIKey
		}
		if r.WebhookSecret != "" {
			c.WebhookSecret = r.WebhookSecret
		}
		if r.BaseURL != "" {
			c.BaseURL = r.BaseURL
		}
		return
	}
	cfg.Credentials = append(cfg.Credentials, CredentialConfig{
		ID:            "default",
		Provider:      ProviderResend,
		Default:       len(cfg.Credentials) == 0,
		APIKey:        r.APIKey,
		WebhookSecret: r.WebhookSecret,
		BaseURL:       r.BaseURL,
	})
}

var (
	validBackends = map[string]bool{"memory": true, "postgres": true, "redis": true, "sqs": true, "amqp": true}
	validPolicies = map[string]bool{"latest_terminal_wins": true, "delivered_is_final": true}
	validDrivers  = map[string]bool{"postgres": true, "memory": true}
	validProvider = map[string]bool{ProviderResend: true, ProviderSES: true, ProviderSparkPost: true, ProviderSMTP: true}
)

// Validate reports every configuration error at once.
func (cfg *Config) Validate() error {
	var errs []error
	if !validDrivers[cfg.Database.Driver] {
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver))
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for the postgres driver"))
	}
	if !validBackends[cfg.Queue.Backend] {
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", cfg.Queue.Backend))
	}
	switch cfg.Queue.Backend {
	case "postgres":
		if cfg.Database.Driver != "postgres" {
			errs = append(errs, errors.New("queue.backend postgres requires database.driver postgres"))
		}
	case "redis":
		if cfg.Redis.URL == "" {
			errs = append(errs, errors.New("queue.backend redis requires redis.url"))
		}
	case "sqs":
		if cfg.Queue.SQS.QueueURL == "" {
			errs = append(errs, errors.New("queue.sqs.queue_url is required"))
		}
	case "amqp":
		if cfg.Queue.AMQP.URL == "" {
			errs = append(errs, errors.New("queue.amqp.url is required"))
		}
	}
	if !validPolicies[cfg.Ledger.TerminalPolicy] {
		errs = append(errs, fmt.Errorf("ledger.terminal_policy %q is not supported", cfg.Ledger.TerminalPolicy))
	}
	if _, err := cfg.Webhooks.Schedule(); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	defaults := 0
	for _, c := range cfg.Credentials {
		if c.ID == "" {
			errs = append(errs, errors.New("credentials: id is required"))
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("credentials: duplicate id %q", c.ID))
		}
		seen[c.ID] = true
		if !validProvider[c.Provider] {
			errs = append(errs, fmt.Errorf("credentials[%s]: provider %q is not supported", c.ID, c.Provider))
		}
		if c.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, errors.New("credentials: more than one default"))
	}
	return errors.Join(errs...)
}

// DefaultCredentialID returns the credential used when a job names none.
func (cfg *Config) DefaultCredentialID() string {
	for _, c := range cfg.Credentials {
		if c.Default {
			return c.ID
		}
	}
	if len(cfg.Credentials) > 0 {
		return cfg.Credentials[0].ID
	}
	return ""
}
