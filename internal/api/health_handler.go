package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sendpipe/internal/pkg/httputil"
	"github.com/ignite/sendpipe/internal/queue"
)

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// S3HeadBucketAPI is the part of *s3.Client the archive check uses.
type S3HeadBucketAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// HealthChecker probes the pipeline's dependencies. Any dependency can be
// nil; its check then reports "not configured".
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	s3Client    S3HeadBucketAPI
	s3Bucket    string
	queue       queue.StatsReporter
	maxReady    int64
	startTime   time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, s3Client S3HeadBucketAPI, s3Bucket string, q queue.StatsReporter) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		s3Client:    s3Client,
		s3Bucket:    s3Bucket,
		queue:       q,
		maxReady:    10000,
		startTime:   time.Now(),
	}
}

const healthVersion = "1.0.0"

// HandleHealth returns the status of all components. Always 200; the body
// carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  determineOverallStatus(checks),
		Version: healthVersion,
		Uptime:  formatUptime(time.Since(hc.startTime)),
		Checks:  checks,
	})
}

// HandleLiveness always returns 200 while the process runs.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status": "alive",
		"uptime": formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness returns 503 when a critical dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	probes := map[string]func(context.Context) ComponentCheck{
		"database": hc.checkDatabase,
		"redis":    hc.checkRedis,
		"archive":  hc.checkS3,
		"queue":    hc.checkQueue,
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]ComponentCheck, len(probes))
	)
	for name, fn := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context) ComponentCheck) {
			defer wg.Done()
			c := fn(ctx)
			mu.Lock()
			checks[name] = c
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()
	return checks
}

// probe runs fn under timeout and grades the result: an error is down,
// a response slower than slow is degraded.
func probe(ctx context.Context, timeout, slow time.Duration, okMsg string, fn func(context.Context) error) ComponentCheck {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(pctx)
	elapsed := time.Since(start)
	c := ComponentCheck{Status: "up", Latency: elapsed.String(), Message: okMsg}
	switch {
	case err != nil:
		c.Status, c.Message = "down", err.Error()
	case slow > 0 && elapsed > slow:
		c.Status, c.Message = "degraded", fmt.Sprintf("slow response (%s)", elapsed)
	}
	return c
}

var notConfigured = ComponentCheck{Status: "down", Message: "not configured"}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return notConfigured
	}
	return probe(ctx, 3*time.Second, time.Second, "connected", hc.db.PingContext)
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return notConfigured
	}
	return probe(ctx, 2*time.Second, 500*time.Millisecond, "connected", func(ctx context.Context) error {
		return hc.redisClient.Ping(ctx).Err()
	})
}

// checkS3 verifies the inbound archive bucket is reachable.
func (hc *HealthChecker) checkS3(ctx context.Context) ComponentCheck {
	if hc.s3Client == nil || hc.s3Bucket == "" {
		return notConfigured
	}
	return probe(ctx, 3*time.Second, 0, "bucket "+hc.s3Bucket+" accessible", func(ctx context.Context) error {
		_, err := hc.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &hc.s3Bucket})
		return err
	})
}

// checkQueue reports send queue depth. A failed stats query or a deep
// backlog is degraded, never down: the queue may still be draining.
func (hc *HealthChecker) checkQueue(ctx context.Context) ComponentCheck {
	if hc.queue == nil {
		return notConfigured
	}
	var st queue.Stats
	c := probe(ctx, 3*time.Second, 0, "", func(ctx context.Context) (err error) {
		st, err = hc.queue.Stats(ctx)
		return err
	})
	switch {
	case c.Status == "down":
		c.Status = "degraded"
	case st.Ready > hc.maxReady:
		c.Status, c.Message = "degraded", fmt.Sprintf("backlog: %d jobs ready", st.Ready)
	default:
		c.Message = fmt.Sprintf("%d ready, %d in flight, %d dead", st.Ready, st.InFlight, st.Dead)
	}
	return c
}

// determineOverallStatus derives the aggregate status from individual checks.
//
// Rules:
//   - "unhealthy" if a configured database is down
//   - "degraded"  if any check is degraded or a configured non-critical check is down
//   - "healthy"   otherwise
func determineOverallStatus(checks map[string]ComponentCheck) string {
	if db, ok := checks["database"]; ok && db.Status == "down" && db.Message != "not configured" {
		return "unhealthy"
	}
	for _, c := range checks {
		if c.Status == "degraded" {
			return "degraded"
		}
		if c.Status == "down" && c.Message != "not configured" {
			return "degraded"
		}
	}
	return "healthy"
}

func formatUptime(d time.Duration) string {
	return d.Round(time.Second).String()
}
