// Package bootstrap builds the pipeline's object graph from configuration.
// Both binaries share it so the HTTP server and the worker agree on every
// backend choice.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sendpipe/internal/api"
	"github.com/ignite/sendpipe/internal/config"
	"github.com/ignite/sendpipe/internal/pkg/distlock"
	"github.com/ignite/sendpipe/internal/pkg/logger"
	"github.com/ignite/sendpipe/internal/queue"
	"github.com/ignite/sendpipe/internal/repository/memory"
	"github.com/ignite/sendpipe/internal/repository/postgres"
	"github.com/ignite/sendpipe/internal/service/campaign"
	"github.com/ignite/sendpipe/internal/service/inbound"
	"github.com/ignite/sendpipe/internal/service/ledger"
	"github.com/ignite/sendpipe/internal/service/suppression"
	"github.com/ignite/sendpipe/internal/service/webhooks"
	"github.com/ignite/sendpipe/internal/worker"
)

var log = logger.New("bootstrap")

// repositories groups one persistence backend.
type repositories struct {
	sends      ledger.Repository
	campaigns  campaign.Repository
	contacts   suppression.Repository
	hooks      webhooks.Repository
	deliveries webhooks.DeliveryRepository
}

// App is the fully wired pipeline.
type App struct {
	Config *config.Config

	DB    *sql.DB
	Redis *redis.Client
	S3    *s3.Client

	// Store is set only with the memory database driver.
	Store *memory.Store

	Queue       queue.Queue
	Ledger      *ledger.Service
	Campaigns   *campaign.Monitor
	Suppression *suppression.Service
	Credentials *worker.CredentialRegistry
	Dispatcher  *worker.Dispatcher
	Webhooks    *webhooks.Dispatcher
	Registry    *webhooks.Registry
	Inbound     *inbound.Processor

	campaignRepo campaign.Repository
	closers      []func() error
}

// New connects every configured backend and wires the services. On error
// anything already opened is closed.
func New(ctx context.Context, cfg *config.Config) (app *App, err error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(!cfg.Log.DisableRedact)

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	repos, err := a.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}
	if a.Queue, err = a.openQueue(ctx); err != nil {
		return nil, err
	}

	policy, err := ledger.ParseTerminalPolicy(cfg.Ledger.TerminalPolicy)
	if err != nil {
		return nil, err
	}
	a.Ledger = ledger.NewService(repos.sends, policy)
	a.Suppression = suppression.NewService(repos.contacts)
	a.campaignRepo = repos.campaigns

	schedule, err := cfg.Webhooks.Schedule()
	if err != nil {
		return nil, err
	}
	deliverer := webhooks.NewDeliverer(nil, cfg.Webhooks.Timeout(), cfg.Webhooks.UserAgent, int64(cfg.Webhooks.ResponseBodyLimit))
	a.Webhooks = webhooks.NewDispatcher(repos.hooks, repos.deliveries, deliverer, webhooks.DispatcherConfig{
		Schedule:       webhooks.Schedule(schedule),
		MaxAttempts:    cfg.Webhooks.MaxAttempts,
		ClaimLease:     cfg.Webhooks.ClaimLease(),
		MaxInFlight:    cfg.Webhooks.MaxInFlight,
		MaxPerEndpoint: cfg.Webhooks.MaxInFlightPerEndpoint,
	})
	a.Registry = webhooks.NewRegistry(repos.hooks, repos.deliveries, deliverer, a.Webhooks, cfg.Webhooks.RequireHTTPS)
	a.Campaigns = campaign.NewMonitor(repos.campaigns, a.Webhooks, cfg.Completion.MaxConcurrent)

	if a.Credentials, err = worker.BuildCredentialRegistry(ctx, cfg.Credentials, cfg.DefaultCredentialID()); err != nil {
		return nil, err
	}

	deps := inbound.Deps{
		Verifiers:  a.Credentials,
		Ledger:     a.Ledger,
		Suppressor: a.Suppression,
		Publisher:  a.Webhooks,
		Completion: a.Campaigns,
	}
	if archiver, err := a.openArchive(ctx); err != nil {
		return nil, err
	} else if archiver != nil {
		deps.Archiver = archiver
	}
	a.Inbound = inbound.NewProcessor(deps)

	a.Dispatcher = worker.NewDispatcher(worker.DispatcherDeps{
		Queue:        a.Queue,
		Ledger:       a.Ledger,
		Senders:      a.Credentials,
		Limiter:      a.limiter(),
		Campaigns:    repos.campaigns,
		Suppression:  a.Suppression,
		Personalizer: worker.NewPersonalizer(),
		Completion:   a.Campaigns,
	}, worker.DispatcherConfig{
		Workers:      cfg.Dispatcher.Workers,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		PauseDelay:   cfg.Dispatcher.PauseDelay(),
		SendTimeout:  cfg.Dispatcher.SendTimeout(),
		BackoffBase:  cfg.Dispatcher.BackoffBase(),
		BackoffMax:   cfg.Dispatcher.BackoffMax(),
		PollInterval: cfg.Queue.PollInterval(),
	})

	log.Info("pipeline wired",
		"database", cfg.Database.Driver,
		"queue", cfg.Queue.Backend,
		"redis", a.Redis != nil,
		"archive", deps.Archiver != nil,
		"credentials", len(a.Credentials.IDs()),
		"terminal_policy", policy.String(),
	)
	return a, nil
}

func (a *App) openDatabase(ctx context.Context) (repositories, error) {
	cfg := a.Config.Database
	if cfg.Driver == "memory" {
		log.Warn("using in-memory storage; state is lost on restart")
		a.Store = memory.New()
		return repositories{
			sends:      a.Store.Sends(),
			campaigns:  a.Store.Campaigns(),
			contacts:   a.Store.Contacts(),
			hooks:      a.Store.Webhooks(),
			deliveries: a.Store.Deliveries(),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return repositories{}, fmt.Errorf("open database: %w", err)
	}
	a.addCloser(db.Close)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return repositories{}, fmt.Errorf("ping database: %w", err)
	}
	a.DB = db
	log.Info("connected to database", "max_open_conns", cfg.MaxOpenConns)

	return repositories{
		sends:      postgres.NewSendRepo(db),
		campaigns:  postgres.NewCampaignRepo(db),
		contacts:   postgres.NewContactRepo(db),
		hooks:      postgres.NewWebhookRepo(db),
		deliveries: postgres.NewDeliveryRepo(db),
	}, nil
}

func (a *App) openRedis(ctx context.Context) error {
	if a.Config.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.addCloser(client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.Redis = client
	log.Info("connected to redis", "addr", opts.Addr)
	return nil
}

func (a *App) openQueue(ctx context.Context) (queue.Queue, error) {
	cfg := a.Config.Queue
	var (
		q   queue.Queue
		err error
	)
	switch cfg.Backend {
	case "memory":
		q = queue.NewMemoryQueue(cfg.VisibilityTimeout())
	case "postgres":
		if a.DB == nil {
			return nil, errors.New("postgres queue requires the postgres database driver")
		}
		q = queue.NewPostgresQueue(a.DB, cfg.Name, cfg.VisibilityTimeout())
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("redis queue requires redis.url")
		}
		q = queue.NewRedisQueue(a.Redis, a.Config.Redis.KeyPrefix, cfg.Name, cfg.VisibilityTimeout())
	case "sqs":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.SQS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.SQS.Region))
		}
		awsCfg, lerr := awsconfig.LoadDefaultConfig(ctx, opts...)
		if lerr != nil {
			return nil, fmt.Errorf("sqs: load aws config: %w", lerr)
		}
		q = queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL, cfg.SQS.DeadLetterURL,
			cfg.VisibilityTimeout(), time.Duration(cfg.SQS.WaitSeconds)*time.Second)
	case "amqp":
		q, err = queue.DialAMQP(cfg.AMQP.URL, cfg.Name, cfg.AMQP.Prefetch)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
	a.addCloser(q.Close)
	log.Info("send queue ready", "backend", cfg.Backend, "name", cfg.Name)
	return q, nil
}

func (a *App) openArchive(ctx context.Context) (*inbound.S3Archiver, error) {
	cfg := a.Config.Inbound.Archive
	if cfg.Bucket == "" {
		return nil, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	a.S3 = s3.NewFromConfig(awsCfg)
	return inbound.NewS3Archiver(a.S3, cfg.Bucket, cfg.Prefix), nil
}

func (a *App) limiter() worker.Limiter {
	cfg := a.Config.Dispatcher
	if cfg.DistributedLimit && a.Redis != nil {
		return worker.NewRedisLimiter(a.Redis, a.Config.Redis.KeyPrefix, cfg.RatePerSecond)
	}
	return worker.NewLocalLimiter(cfg.RatePerSecond, cfg.Burst)
}

// lock returns a cluster-wide lock for a background job, or a local one
// when neither Redis nor PostgreSQL is available.
func (a *App) lock(key string, ttl time.Duration) distlock.DistLock {
	return distlock.NewLock(a.Redis, a.DB, a.Config.Redis.KeyPrefix+":lock:"+key, ttl)
}

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	var archiveClient api.S3HeadBucketAPI
	if a.S3 != nil {
		archiveClient = a.S3
	}
	var depth queue.StatsReporter
	if sr, ok := a.Queue.(queue.StatsReporter); ok {
		depth = sr
	}
	return api.NewRouter(api.RouterDeps{
		Health:      api.NewHealthChecker(a.DB, a.Redis, archiveClient, a.Config.Inbound.Archive.Bucket, depth),
		Inbound:     api.NewInboundHandler(a.Inbound, a.Config.Inbound.MaxBodyBytes),
		Webhooks:    api.NewWebhookHandler(a.Registry),
		Pipeline:    api.NewPipelineHandler(a.Dispatcher, a.Webhooks),
		CORSOrigins: a.Config.Server.CORSOrigins,
	})
}

// StartBackground starts the send workers and the periodic jobs. They stop
// when ctx is cancelled; call StopBackground to drain the workers.
func (a *App) StartBackground(ctx context.Context) {
	a.Dispatcher.Start()

	if r, ok := a.Queue.(queue.Recoverer); ok {
		rec := worker.NewQueueRecoveryWorker(r, a.lock("queue-recovery", 5*time.Minute),
			a.Config.Queue.RecoveryInterval(), a.Config.Queue.MaxReceives)
		go rec.Start(ctx)
	}

	retry := worker.NewWebhookRetryScheduler(a.Webhooks, a.lock("webhook-retry", 5*time.Minute),
		a.Config.Webhooks.RetryInterval(), a.Config.Webhooks.RetryBatchSize)
	go retry.Start(ctx)
}

// StopBackground stops the send workers and waits for in-flight webhook
// and completion work.
func (a *App) StopBackground() {
	a.Dispatcher.Stop()
	a.Webhooks.Wait()
	a.Campaigns.Wait()
}

func (a *App) addCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
