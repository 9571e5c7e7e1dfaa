// Package refresher keeps the GitHub cache warm so public requests rarely
// pay upstream latency.
//
// Design Philosophy:
// - Re-warm on a schedule, before entries cross from fresh into stale
// - Re-warm immediately after an invalidation wipes a user
// - Rate limiting and deduplication protect the GitHub API quota
// - Worker pool bounds concurrency; a full queue drops work instead of
//   blocking the scheduler
//
// Trade-offs:
// - In-memory task queue; a missed warm self-heals on the next cron run
// - Warm failures are reported via events, not retried in place (the next
//   scheduled run retries naturally)
package refresher

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/githubstats"
	cachepubsub "encore.app/pkg/pubsub"
)

// Refresh reasons carried on tasks and completion events.
const (
	ReasonCron         = "cron"
	ReasonInvalidation = "invalidation"
	ReasonManual       = "manual"
)

//encore:service
type Service struct {
	config  Config
	metrics *Metrics
	pool    *workerPool
	limiter *rate.Limiter
	dedupe  singleflight.Group

	// Seams for tests; production wiring targets the githubstats service.
	users   func(ctx context.Context) ([]string, error)
	warm    func(ctx context.Context, username string) (*githubstats.WarmResponse, error)
	publish func(ctx context.Context, ev *cachepubsub.RefreshCompletedEvent)
	clock   func() time.Time
}

// Config holds runtime configuration for the refresher.
type Config struct {
	Workers        int           `json:"workers"`          // concurrent warm goroutines
	QueueSize      int           `json:"queue_size"`       // buffered task queue capacity
	MaxUpstreamRPS int           `json:"max_upstream_rps"` // warms per second across all workers
	WarmTimeout    time.Duration `json:"warm_timeout"`     // per-user warm deadline
}

// DefaultConfig returns sensible default configuration. The limits are
// deliberately conservative: a warm fans out into several GitHub calls.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      256,
		MaxUpstreamRPS: 2,
		WarmTimeout:    30 * time.Second,
	}
}

// Metrics tracks refresher counters.
type Metrics struct {
	Queued    atomic.Int64
	Dropped   atomic.Int64 // queue full
	Deduped   atomic.Int64 // collapsed into an in-flight warm
	Succeeded atomic.Int64 // warms with zero failed fetches
	Failed    atomic.Int64 // warms with at least one failed fetch, or an error
}

// RefreshCompletedTopic reports each finished warm for observability.
var RefreshCompletedTopic = pubsub.NewTopic[*cachepubsub.RefreshCompletedEvent](
	cachepubsub.TopicRefreshCompleted,
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

var svc *Service

func init() {
	svc = newService(DefaultConfig())
}

func newService(cfg Config) *Service {
	s := &Service{
		config:  cfg,
		metrics: &Metrics{},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxUpstreamRPS), cfg.MaxUpstreamRPS),
		clock:   time.Now,
	}
	s.users = func(ctx context.Context) ([]string, error) {
		resp, err := githubstats.TrackedUsers(ctx)
		if err != nil {
			return nil, err
		}
		return resp.Usernames, nil
	}
	s.warm = func(ctx context.Context, username string) (*githubstats.WarmResponse, error) {
		return githubstats.Warm(ctx, &githubstats.WarmRequest{Username: username})
	}
	s.publish = func(ctx context.Context, ev *cachepubsub.RefreshCompletedEvent) {
		if _, err := RefreshCompletedTopic.Publish(ctx, ev); err != nil {
			log.Printf("[WARN] publish refresh completion: %v", err)
		}
	}
	s.pool = newWorkerPool(s, cfg.Workers, cfg.QueueSize)
	return s
}

// refreshTask is one unit of work: re-warm every cached entity for one user.
type refreshTask struct {
	Username  string
	Reason    string
	RequestID string
}

// enqueue adds a task to the pool, dropping it when the queue is full.
// Dropped work self-heals: the next cron run re-queues every tracked user.
func (s *Service) enqueue(task refreshTask) bool {
	if task.Username == "" {
		return false
	}
	if task.RequestID == "" {
		task.RequestID = uuid.New().String()
	}
	if !s.pool.queue(task) {
		s.metrics.Dropped.Add(1)
		log.Printf("[WARN] refresh queue full, dropping: username=%s reason=%s", task.Username, task.Reason)
		return false
	}
	s.metrics.Queued.Add(1)
	return true
}

// execute performs one warm: rate-limited, deduplicated per username, and
// reported on the completion topic whatever the outcome.
func (s *Service) execute(task refreshTask) {
	_, _, shared := s.dedupe.Do(task.Username, func() (interface{}, error) {
		s.executeLocked(task)
		return nil, nil
	})
	if shared {
		s.metrics.Deduped.Add(1)
	}
}

func (s *Service) executeLocked(task refreshTask) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WarmTimeout)
	defer cancel()

	start := s.clock()
	if err := s.limiter.Wait(ctx); err != nil {
		s.report(ctx, task, start, nil, err)
		return
	}

	resp, err := s.warm(ctx, task.Username)
	s.report(ctx, task, start, resp, err)
}

// report publishes the completion event and updates counters.
func (s *Service) report(ctx context.Context, task refreshTask, start time.Time, resp *githubstats.WarmResponse, err error) {
	ev := &cachepubsub.RefreshCompletedEvent{
		Version:     cachepubsub.EventVersion1,
		Service:     "refresher",
		Username:    task.Username,
		Reason:      task.Reason,
		DurationMS:  s.clock().Sub(start).Milliseconds(),
		TriggeredAt: start,
		RequestID:   task.RequestID,
	}

	switch {
	case err != nil:
		s.metrics.Failed.Add(1)
		ev.Failed = 1
		log.Printf("[WARN] warm failed: username=%s reason=%s err=%v", task.Username, task.Reason, err)
	case resp.Failed > 0:
		s.metrics.Failed.Add(1)
		ev.Succeeded, ev.Failed = resp.Succeeded, resp.Failed
	default:
		s.metrics.Succeeded.Add(1)
		ev.Succeeded = resp.Succeeded
	}

	s.publish(ctx, ev)
}

// StatusResponse is the payload of the status endpoint.
type StatusResponse struct {
	QueuedTasks   int   `json:"queued_tasks"`
	ActiveWorkers int   `json:"active_workers"`
	Queued        int64 `json:"queued_total"`
	Dropped       int64 `json:"dropped_total"`
	Deduped       int64 `json:"deduped_total"`
	Succeeded     int64 `json:"succeeded_total"`
	Failed        int64 `json:"failed_total"`
}

// Status reports queue depth and lifetime counters.
//
//encore:api public method=GET path=/refresh/status
func Status(ctx context.Context) (*StatusResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Status(ctx)
}

func (s *Service) Status(ctx context.Context) (*StatusResponse, error) {
	return &StatusResponse{
		QueuedTasks:   s.pool.queueDepth(),
		ActiveWorkers: s.pool.activeWorkers(),
		Queued:        s.metrics.Queued.Load(),
		Dropped:       s.metrics.Dropped.Load(),
		Deduped:       s.metrics.Deduped.Load(),
		Succeeded:     s.metrics.Succeeded.Load(),
		Failed:        s.metrics.Failed.Load(),
	}, nil
}

type RefreshUserRequest struct {
	Username string `json:"username"`
}

type RefreshUserResponse struct {
	Queued bool `json:"queued"`
}

// RefreshUser queues an immediate re-warm for one username.
//
//encore:api private
func RefreshUser(ctx context.Context, req *RefreshUserRequest) (*RefreshUserResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	if req.Username == "" {
		return nil, errors.New("username is required")
	}
	queued := svc.enqueue(refreshTask{Username: req.Username, Reason: ReasonManual})
	return &RefreshUserResponse{Queued: queued}, nil
}

// Shutdown drains the worker pool when Encore stops the service.
func (s *Service) Shutdown(force context.Context) {
	s.pool.shutdown()
}
