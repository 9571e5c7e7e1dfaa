package githubstats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"encore.app/pkg/models"
	cachepubsub "encore.app/pkg/pubsub"
	"encore.app/pkg/utils"
)

// entity parameterizes the lookup flow over the four cached shapes. The
// decision algorithm is identical for all of them; only the key, the store
// accessors, and the upstream fetch differ.
type entity struct {
	kind      models.CacheType
	flightKey string
	lookup    func(ctx context.Context) (*models.Record, error)
	fetch     func(ctx context.Context) (*fetchOutcome, error) // fetch upstream and upsert
	markError func(ctx context.Context, message string)
}

// fetchOutcome is the result of a successful fetch-and-upsert.
type fetchOutcome struct {
	payload   json.RawMessage
	rateLimit *models.RateLimit
}

// lookupResult is the uniform outcome of a cache lookup, ready to be wrapped
// in the HTTP envelope.
type lookupResult struct {
	Payload        json.RawMessage
	Cached         bool
	Stale          bool
	Age            time.Duration
	Source         string
	RateLimit      *models.RateLimit
	RemainingFresh time.Duration
}

// upstreamError marks a GitHub-side fetch failure so the HTTP layer can
// distinguish it (502) from store failures (500). Entity fetch closures wrap
// only the upstream half; a failed upsert after a successful fetch stays a
// plain store error.
type upstreamError struct {
	err error
}

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// resolve runs one cache lookup through the stale-while-revalidate state
// machine:
//
//	fresh        -> serve from store, no network call
//	stale        -> serve from store, revalidate in background
//	miss/expired -> fetch synchronously, upsert, serve
//
// Each terminal state emits exactly one analytics event.
func (s *Service) resolve(ctx context.Context, e entity) (*lookupResult, error) {
	start := s.clock()

	rec, err := e.lookup(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache lookup (%s): %w", e.kind, err)
	}

	now := s.clock()
	policy := models.PolicyFor(e.kind)

	switch models.Decide(rec, now, policy) {
	case models.DecideFresh:
		s.metrics.Hits.Add(1)
		age := rec.Age(now)
		recordAnalytics(s.store, AnalyticsEvent{
			CacheType:    e.kind,
			Operation:    opHit,
			Username:     rec.Username,
			ResponseTime: s.clock().Sub(start),
			CacheAge:     &age,
			DataSize:     len(rec.Payload),
		})
		return &lookupResult{
			Payload:        rec.Payload,
			Cached:         true,
			Age:            age,
			Source:         models.SourceCache,
			RateLimit:      rec.RateLimit,
			RemainingFresh: rec.RemainingFreshness(now),
		}, nil

	case models.DecideStale:
		s.metrics.StaleHits.Add(1)
		s.refreshInBackground(e)
		age := rec.Age(now)
		recordAnalytics(s.store, AnalyticsEvent{
			CacheType:    e.kind,
			Operation:    opStaleHit,
			Username:     rec.Username,
			ResponseTime: s.clock().Sub(start),
			CacheAge:     &age,
			DataSize:     len(rec.Payload),
		})
		return &lookupResult{
			Payload:   rec.Payload,
			Cached:    true,
			Stale:     true,
			Age:       age,
			Source:    models.SourceStaleCache,
			RateLimit: rec.RateLimit,
		}, nil

	default: // absent or past the stale ceiling
		out, err := s.fetchShared(ctx, e)
		if err != nil {
			s.metrics.Errors.Add(1)
			recordAnalytics(s.store, AnalyticsEvent{
				CacheType:    e.kind,
				Operation:    opError,
				Username:     s.config.Username,
				ResponseTime: s.clock().Sub(start),
				ErrorMessage: err.Error(),
			})
			return nil, err
		}
		s.metrics.Misses.Add(1)
		recordAnalytics(s.store, AnalyticsEvent{
			CacheType:    e.kind,
			Operation:    opMiss,
			Username:     s.config.Username,
			ResponseTime: s.clock().Sub(start),
			DataSize:     len(out.payload),
		})
		return &lookupResult{
			Payload:        out.payload,
			Source:         models.SourceAPI,
			RateLimit:      out.rateLimit,
			RemainingFresh: policy.Fresh,
		}, nil
	}
}

// fetchShared performs the entity's fetch-and-upsert, collapsing concurrent
// identical fetches into one upstream call. Upstream failures are accounted
// against the existing row (if any) exactly once per collapsed flight;
// store-side failures are not fetch errors and skip the row accounting.
func (s *Service) fetchShared(ctx context.Context, e entity) (*fetchOutcome, error) {
	v, err, _ := s.flight.Do(e.flightKey, func() (interface{}, error) {
		out, err := e.fetch(ctx)
		if err != nil {
			var upstream *upstreamError
			if errors.As(err, &upstream) {
				e.markError(ctx, err.Error())
			}
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fetchOutcome), nil
}

// refreshInBackground revalidates an entity without blocking the caller.
// The goroutine owns its errors: they are logged and counted on the cache
// row, and the caller's stale response is unaffected.
func (s *Service) refreshInBackground(e entity) {
	go func() {
		ctx := context.Background()
		if _, err := s.fetchShared(ctx, e); err != nil {
			log.Printf("[WARN] background refresh failed: type=%s key=%s err=%v", e.kind, e.flightKey, err)
			return
		}
		s.metrics.BackgroundRefreshes.Add(1)
	}()
}

// Entity constructors, one per cached shape.

func (s *Service) profileEntity(username string) entity {
	return entity{
		kind:      models.CacheProfile,
		flightKey: "profile:" + username,
		lookup: func(ctx context.Context) (*models.Record, error) {
			return s.store.GetProfile(ctx, username)
		},
		fetch: func(ctx context.Context) (*fetchOutcome, error) {
			payload, rl, err := s.fetcher.Profile(ctx, username)
			if err != nil {
				return nil, &upstreamError{err: err}
			}
			if err := s.store.UpsertProfile(ctx, username, s.upsert(models.CacheProfile, payload, rl)); err != nil {
				return nil, err
			}
			return &fetchOutcome{payload: payload, rateLimit: rl}, nil
		},
		markError: func(ctx context.Context, message string) {
			if err := s.store.MarkProfileError(ctx, username, message); err != nil {
				log.Printf("[WARN] record profile fetch error: %v", err)
			}
		},
	}
}

func (s *Service) reposEntity(username string, page, perPage int) entity {
	return entity{
		kind:      models.CacheRepos,
		flightKey: fmt.Sprintf("repos:%s:%d:%d", username, page, perPage),
		lookup: func(ctx context.Context) (*models.Record, error) {
			return s.store.GetRepoPage(ctx, username, page, perPage)
		},
		fetch: func(ctx context.Context) (*fetchOutcome, error) {
			payload, rl, err := s.fetcher.Repos(ctx, username, page, perPage)
			if err != nil {
				return nil, &upstreamError{err: err}
			}
			if err := s.store.UpsertRepoPage(ctx, username, page, perPage, s.upsert(models.CacheRepos, payload, rl)); err != nil {
				return nil, err
			}
			return &fetchOutcome{payload: payload, rateLimit: rl}, nil
		},
		markError: func(ctx context.Context, message string) {
			if err := s.store.MarkRepoPageError(ctx, username, page, perPage, message); err != nil {
				log.Printf("[WARN] record repos fetch error: %v", err)
			}
		},
	}
}

// contributionsPayload is the persisted shape for a contribution year: the
// transformed calendar with the derived streaks folded in.
type contributionsPayload struct {
	*ContributionCalendar
	Streaks
}

func (s *Service) contributionsEntity(username string, year int) entity {
	return entity{
		kind:      models.CacheContributions,
		flightKey: fmt.Sprintf("contributions:%s:%d", username, year),
		lookup: func(ctx context.Context) (*models.Record, error) {
			rec, err := s.store.GetContributionYear(ctx, username, year)
			if rec == nil || err != nil {
				return nil, err
			}
			return &rec.Record, nil
		},
		fetch: func(ctx context.Context) (*fetchOutcome, error) {
			cal, err := s.fetcher.Contributions(ctx, username, year)
			if err != nil {
				return nil, &upstreamError{err: err}
			}

			// Streaks are recomputed on every fetch, not on cache reads.
			streaks := ComputeStreaks(cal.DayCounts(), s.clock())
			payload, err := json.Marshal(contributionsPayload{ContributionCalendar: cal, Streaks: streaks})
			if err != nil {
				return nil, fmt.Errorf("serialize contributions: %w", err)
			}

			up := s.upsert(models.CacheContributions, payload, nil)
			if err := s.store.UpsertContributionYear(ctx, username, year, up, cal.Total, streaks); err != nil {
				return nil, err
			}
			return &fetchOutcome{payload: payload}, nil
		},
		markError: func(ctx context.Context, message string) {
			if err := s.store.MarkContributionYearError(ctx, username, year, message); err != nil {
				log.Printf("[WARN] record contributions fetch error: %v", err)
			}
		},
	}
}

// StatsSummary aggregates profile and repository data into the compact
// shape the portfolio's stats widgets consume.
type StatsSummary struct {
	Username    string         `json:"username"`
	Followers   int            `json:"followers"`
	Following   int            `json:"following"`
	PublicRepos int            `json:"publicRepos"`
	TotalStars  int            `json:"totalStars"`
	TotalForks  int            `json:"totalForks"`
	Languages   map[string]int `json:"languages"`
}

func (s *Service) statsEntity(username string) entity {
	return entity{
		kind:      models.CacheStats,
		flightKey: "stats:" + username,
		lookup: func(ctx context.Context) (*models.Record, error) {
			return s.store.GetStats(ctx, username)
		},
		fetch: func(ctx context.Context) (*fetchOutcome, error) {
			profile, _, err := s.fetcher.Profile(ctx, username)
			if err != nil {
				return nil, &upstreamError{err: err}
			}
			repos, rl, err := s.fetcher.Repos(ctx, username, 1, s.config.StatsRepoSample)
			if err != nil {
				return nil, &upstreamError{err: err}
			}

			// Undecodable upstream payloads are an upstream problem too.
			summary, err := buildStatsSummary(username, profile, repos)
			if err != nil {
				return nil, &upstreamError{err: err}
			}
			payload, err := json.Marshal(summary)
			if err != nil {
				return nil, fmt.Errorf("serialize stats summary: %w", err)
			}

			if err := s.store.UpsertStats(ctx, username, s.upsert(models.CacheStats, payload, rl)); err != nil {
				return nil, err
			}
			return &fetchOutcome{payload: payload, rateLimit: rl}, nil
		},
		markError: func(ctx context.Context, message string) {
			if err := s.store.MarkStatsError(ctx, username, message); err != nil {
				log.Printf("[WARN] record stats fetch error: %v", err)
			}
		},
	}
}

// buildStatsSummary aggregates upstream payloads without depending on the
// full REST schema; only the counted fields are decoded.
func buildStatsSummary(username string, profile, repos json.RawMessage) (*StatsSummary, error) {
	var p struct {
		Followers   int `json:"followers"`
		Following   int `json:"following"`
		PublicRepos int `json:"public_repos"`
	}
	if err := json.Unmarshal(profile, &p); err != nil {
		return nil, fmt.Errorf("decode profile for stats: %w", err)
	}

	var rs []struct {
		Stars    int    `json:"stargazers_count"`
		Forks    int    `json:"forks_count"`
		Language string `json:"language"`
		Fork     bool   `json:"fork"`
	}
	if err := json.Unmarshal(repos, &rs); err != nil {
		return nil, fmt.Errorf("decode repos for stats: %w", err)
	}

	summary := &StatsSummary{
		Username:    username,
		Followers:   p.Followers,
		Following:   p.Following,
		PublicRepos: p.PublicRepos,
		Languages:   make(map[string]int),
	}
	for _, r := range rs {
		summary.TotalStars += r.Stars
		summary.TotalForks += r.Forks
		if r.Language != "" && !r.Fork {
			summary.Languages[r.Language]++
		}
	}
	return summary, nil
}

// upsert assembles the store write for a successful fetch at the current
// clock reading: expires_at = now + fresh window for the type.
func (s *Service) upsert(kind models.CacheType, payload json.RawMessage, rl *models.RateLimit) Upsert {
	now := s.clock()
	return Upsert{
		Payload:   payload,
		DataHash:  utils.PayloadHash(payload),
		FetchedAt: now,
		ExpiresAt: now.Add(models.PolicyFor(kind).Fresh),
		RateLimit: rl,
	}
}

// invalidate wipes every cached entry for the configured username and
// broadcasts the wipe.
func (s *Service) invalidate(ctx context.Context, requestID string) error {
	if err := s.store.DeleteUser(ctx, s.config.Username); err != nil {
		return err
	}
	s.metrics.Invalidations.Add(1)

	if requestID == "" {
		requestID = uuid.New().String()
	}
	s.announce(ctx, &cachepubsub.InvalidationEvent{
		Version:     cachepubsub.EventVersion1,
		Service:     "githubstats",
		Username:    s.config.Username,
		TriggeredAt: s.clock(),
		Meta:        map[string]string{"reason": "admin"},
		RequestID:   requestID,
	})
	return nil
}
