// Package githubstats implements a stale-while-revalidate cache for GitHub
// statistics: user profile, paginated repository lists, yearly contribution
// calendars (with derived streaks), and an aggregate stats summary.
//
// Design Philosophy:
// - Postgres is the single cache tier; staleness is derived from last_fetch,
//   never stored, so expired rows remain usable as stale fallback
// - Callers never block on upstream while any entry inside the stale ceiling
//   exists; revalidation happens in a detached goroutine
// - Synchronous misses for the same key are collapsed with singleflight;
//   upserts are last-write-wins, so the residual race between a slow
//   background refresh and a newer fetch is accepted
// - Analytics is write-only, best-effort observability; it can never fail a
//   request
//
// Per-type freshness windows:
// - profile/repos: 1h fresh, 2h stale ceiling
// - contributions: 24h fresh, 48h stale ceiling
// - stats: 30m fresh, 1h stale ceiling
package githubstats

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync/atomic"
	"time"

	"encore.dev/pubsub"
	"encore.dev/storage/sqldb"
	"golang.org/x/sync/singleflight"

	"encore.app/pkg/middleware"
	"encore.app/pkg/models"
	cachepubsub "encore.app/pkg/pubsub"
)

//encore:service
type Service struct {
	store    Storage
	fetcher  Fetcher
	flight   singleflight.Group
	limiter  *middleware.TokenBucket
	metrics  *Metrics
	config   Config
	clock    func() time.Time
	announce func(ctx context.Context, ev *cachepubsub.InvalidationEvent)
}

// Config holds runtime configuration for the cache service.
type Config struct {
	Username        string `json:"username"`          // GitHub username the public routes serve
	DefaultPerPage  int    `json:"default_per_page"`  // repos page size when per_page is absent
	MaxPerPage      int    `json:"max_per_page"`      // upper clamp for per_page
	StatsRepoSample int    `json:"stats_repo_sample"` // recently-updated repos aggregated into the stats summary
}

// DefaultConfig returns sensible default configuration. The username comes
// from the environment; the freshness windows live in models.PolicyFor.
func DefaultConfig() Config {
	return Config{
		Username:        os.Getenv("GITHUB_USERNAME"),
		DefaultPerPage:  30,
		MaxPerPage:      100,
		StatsRepoSample: 100,
	}
}

// Storage abstracts the persistent cache store (see Store for the Postgres
// implementation).
type Storage interface {
	GetProfile(ctx context.Context, username string) (*models.Record, error)
	UpsertProfile(ctx context.Context, username string, up Upsert) error
	MarkProfileError(ctx context.Context, username, message string) error

	GetRepoPage(ctx context.Context, username string, page, perPage int) (*models.Record, error)
	UpsertRepoPage(ctx context.Context, username string, page, perPage int, up Upsert) error
	MarkRepoPageError(ctx context.Context, username string, page, perPage int, message string) error

	GetContributionYear(ctx context.Context, username string, year int) (*ContributionRecord, error)
	UpsertContributionYear(ctx context.Context, username string, year int, up Upsert, total int, streaks Streaks) error
	MarkContributionYearError(ctx context.Context, username string, year int, message string) error

	GetStats(ctx context.Context, username string) (*models.Record, error)
	UpsertStats(ctx context.Context, username string, up Upsert) error
	MarkStatsError(ctx context.Context, username, message string) error

	DeleteUser(ctx context.Context, username string) error
	Usernames(ctx context.Context) ([]string, error)
	InsertAnalytics(ctx context.Context, e AnalyticsEvent) error
}

// Fetcher abstracts the upstream GitHub data source (see Client).
type Fetcher interface {
	Profile(ctx context.Context, username string) (json.RawMessage, *models.RateLimit, error)
	Repos(ctx context.Context, username string, page, perPage int) (json.RawMessage, *models.RateLimit, error)
	Contributions(ctx context.Context, username string, year int) (*ContributionCalendar, error)
}

// Metrics tracks cache engine counters.
type Metrics struct {
	Hits                atomic.Int64
	StaleHits           atomic.Int64
	Misses              atomic.Int64
	Errors              atomic.Int64
	BackgroundRefreshes atomic.Int64
	Invalidations       atomic.Int64
}

// Cache database; schema in ./migrations.
var db = sqldb.NewDatabase("githubstats", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

var secrets struct {
	GitHubToken string // bearer credential for REST and GraphQL
}

// InvalidationTopic broadcasts user cache wipes. The refresher service
// subscribes and re-warms invalidated users.
var InvalidationTopic = pubsub.NewTopic[*cachepubsub.InvalidationEvent](
	cachepubsub.TopicCacheInvalidate,
	pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
)

// Global service instance
var svc *Service

func init() {
	svc = newService(DefaultConfig())
}

// newService wires the production dependencies. The fetcher stays nil when
// no token is configured; handlers answer 503 until one is provided.
func newService(cfg Config) *Service {
	s := &Service{
		store:   NewStore(db),
		limiter: middleware.NewTokenBucket(1, 5), // invalidation is administrative
		metrics: &Metrics{},
		config:  cfg,
		clock:   time.Now,
	}
	if secrets.GitHubToken != "" {
		s.fetcher = NewClient(secrets.GitHubToken)
	}
	s.announce = func(ctx context.Context, ev *cachepubsub.InvalidationEvent) {
		if _, err := InvalidationTopic.Publish(ctx, ev); err != nil {
			// The wipe already happened; the event is best-effort.
			log.Printf("[WARN] publish invalidation event: %v", err)
		}
	}
	return s
}

// configured reports whether the service can reach upstream at all.
func (s *Service) configured() bool {
	return s.fetcher != nil && s.config.Username != ""
}

// MetricsResponse is the payload of the metrics endpoint.
type MetricsResponse struct {
	Hits                int64   `json:"hits"`
	StaleHits           int64   `json:"stale_hits"`
	Misses              int64   `json:"misses"`
	Errors              int64   `json:"errors"`
	BackgroundRefreshes int64   `json:"background_refreshes"`
	Invalidations       int64   `json:"invalidations"`
	HitRate             float64 `json:"hit_rate"`
}

// CacheMetrics returns in-process cache engine counters.
//
//encore:api public method=GET path=/github/metrics
func CacheMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.CacheMetrics(ctx)
}

func (s *Service) CacheMetrics(ctx context.Context) (*MetricsResponse, error) {
	hits := s.metrics.Hits.Load() + s.metrics.StaleHits.Load()
	misses := s.metrics.Misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &MetricsResponse{
		Hits:                s.metrics.Hits.Load(),
		StaleHits:           s.metrics.StaleHits.Load(),
		Misses:              misses,
		Errors:              s.metrics.Errors.Load(),
		BackgroundRefreshes: s.metrics.BackgroundRefreshes.Load(),
		Invalidations:       s.metrics.Invalidations.Load(),
		HitRate:             hitRate,
	}, nil
}

type WarmRequest struct {
	// Username to warm. Defaults to the configured username.
	Username string `json:"username"`
}

type WarmResponse struct {
	Username  string   `json:"username"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Warm force-refreshes every entity type for a username: profile, the first
// repository page, the current year's contributions, and the stats summary.
// Used by the refresher service; never called on the request path.
//
//encore:api private
func Warm(ctx context.Context, req *WarmRequest) (*WarmResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Warm(ctx, req)
}

func (s *Service) Warm(ctx context.Context, req *WarmRequest) (*WarmResponse, error) {
	if !s.configured() {
		return nil, errors.New("github credential or username not configured")
	}

	username := req.Username
	if username == "" {
		username = s.config.Username
	}

	entities := []entity{
		s.profileEntity(username),
		s.reposEntity(username, 1, s.config.DefaultPerPage),
		s.contributionsEntity(username, s.clock().Year()),
		s.statsEntity(username),
	}

	resp := &WarmResponse{Username: username}
	for _, e := range entities {
		if _, err := s.fetchShared(ctx, e); err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		resp.Succeeded++
	}
	return resp, nil
}

type TrackedUsersResponse struct {
	Usernames []string `json:"usernames"`
}

// TrackedUsers lists every username with cached data, for scheduled refresh.
//
//encore:api private
func TrackedUsers(ctx context.Context) (*TrackedUsersResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	usernames, err := svc.store.Usernames(ctx)
	if err != nil {
		return nil, err
	}
	return &TrackedUsersResponse{Usernames: usernames}, nil
}
