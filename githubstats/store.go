package githubstats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
	"golang.org/x/sync/errgroup"

	"encore.app/pkg/models"
)

// Store persists cache entries and analytics in Postgres.
//
// Design decisions:
// - One table per cached entity shape, keyed by the entity's composite key
// - All mutation is upsert-by-key or delete-by-key; no partial in-place
//   field updates guarded by transactions, so concurrent upserts resolve
//   last-write-wins within the design's staleness tolerance
// - A successful upsert clears prior error state; a fetch failure touches
//   only error_count/last_error, never the payload or expiry
type Store struct {
	db *sqldb.Database
}

// NewStore wraps a database handle.
func NewStore(db *sqldb.Database) *Store {
	return &Store{db: db}
}

// Upsert carries the result of a successful upstream fetch into the store.
type Upsert struct {
	Payload   json.RawMessage
	DataHash  string
	FetchedAt time.Time
	ExpiresAt time.Time
	RateLimit *models.RateLimit
}

const recordColumns = `payload, data_hash, last_fetch, expires_at, fetch_count, error_count, last_error, rate_limit`

// scanRecord reads the shared metadata columns into a Record.
func scanRecord(row interface{ Scan(...interface{}) error }, username string) (*models.Record, error) {
	rec := &models.Record{Username: username}
	var payload, rateLimit []byte
	var lastError sql.NullString

	err := row.Scan(
		&payload,
		&rec.DataHash,
		&rec.LastFetch,
		&rec.ExpiresAt,
		&rec.FetchCount,
		&rec.ErrorCount,
		&lastError,
		&rateLimit,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	if len(rateLimit) > 0 {
		var rl models.RateLimit
		if err := json.Unmarshal(rateLimit, &rl); err == nil {
			rec.RateLimit = &rl
		}
	}
	return rec, nil
}

func marshalRateLimit(rl *models.RateLimit) ([]byte, error) {
	if rl == nil {
		return nil, nil
	}
	return json.Marshal(rl)
}

// GetProfile returns the cached profile for a username, or nil if absent.
func (s *Store) GetProfile(ctx context.Context, username string) (*models.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM profile_cache WHERE username = $1`, username)
	rec, err := scanRecord(row, username)
	if errors.Is(err, sqldb.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile cache: %w", err)
	}
	return rec, nil
}

// UpsertProfile writes a fresh profile snapshot, clearing prior error state.
func (s *Store) UpsertProfile(ctx context.Context, username string, up Upsert) error {
	rl, err := marshalRateLimit(up.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO profile_cache (username, payload, data_hash, last_fetch, expires_at, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET
			payload     = EXCLUDED.payload,
			data_hash   = EXCLUDED.data_hash,
			last_fetch  = EXCLUDED.last_fetch,
			expires_at  = EXCLUDED.expires_at,
			fetch_count = profile_cache.fetch_count + 1,
			error_count = 0,
			last_error  = NULL,
			rate_limit  = EXCLUDED.rate_limit,
			updated_at  = NOW()
	`, username, []byte(up.Payload), up.DataHash, up.FetchedAt, up.ExpiresAt, rl)
	if err != nil {
		return fmt.Errorf("upsert profile cache: %w", err)
	}
	return nil
}

// MarkProfileError records a failed fetch against an existing profile entry.
// No-op when no entry exists for the username.
func (s *Store) MarkProfileError(ctx context.Context, username, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE profile_cache
		SET error_count = error_count + 1, last_error = $2, updated_at = NOW()
		WHERE username = $1
	`, username, message)
	if err != nil {
		return fmt.Errorf("mark profile error: %w", err)
	}
	return nil
}

// GetRepoPage returns one cached page of repositories, or nil if absent.
func (s *Store) GetRepoPage(ctx context.Context, username string, page, perPage int) (*models.Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM repo_cache
		WHERE username = $1 AND page = $2 AND per_page = $3
	`, username, page, perPage)
	rec, err := scanRecord(row, username)
	if errors.Is(err, sqldb.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query repo cache: %w", err)
	}
	return rec, nil
}

// UpsertRepoPage writes a fresh repository page snapshot.
func (s *Store) UpsertRepoPage(ctx context.Context, username string, page, perPage int, up Upsert) error {
	rl, err := marshalRateLimit(up.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO repo_cache (username, page, per_page, payload, data_hash, last_fetch, expires_at, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (username, page, per_page) DO UPDATE SET
			payload     = EXCLUDED.payload,
			data_hash   = EXCLUDED.data_hash,
			last_fetch  = EXCLUDED.last_fetch,
			expires_at  = EXCLUDED.expires_at,
			fetch_count = repo_cache.fetch_count + 1,
			error_count = 0,
			last_error  = NULL,
			rate_limit  = EXCLUDED.rate_limit,
			updated_at  = NOW()
	`, username, page, perPage, []byte(up.Payload), up.DataHash, up.FetchedAt, up.ExpiresAt, rl)
	if err != nil {
		return fmt.Errorf("upsert repo cache: %w", err)
	}
	return nil
}

// MarkRepoPageError records a failed fetch against an existing repo page entry.
func (s *Store) MarkRepoPageError(ctx context.Context, username string, page, perPage int, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE repo_cache
		SET error_count = error_count + 1, last_error = $4, updated_at = NOW()
		WHERE username = $1 AND page = $2 AND per_page = $3
	`, username, page, perPage, message)
	if err != nil {
		return fmt.Errorf("mark repo page error: %w", err)
	}
	return nil
}

// ContributionRecord is a contribution-year cache entry with its
// denormalized totals, kept as first-class columns for fast reads.
type ContributionRecord struct {
	models.Record
	Total         int
	CurrentStreak int
	LongestStreak int
}

// GetContributionYear returns one cached contribution year, or nil if absent.
func (s *Store) GetContributionYear(ctx context.Context, username string, year int) (*ContributionRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+`, total_contributions, current_streak, longest_streak
		FROM contribution_cache
		WHERE username = $1 AND year = $2
	`, username, year)

	rec := &ContributionRecord{Record: models.Record{Username: username}}
	var payload, rateLimit []byte
	var lastError sql.NullString

	err := row.Scan(
		&payload,
		&rec.DataHash,
		&rec.LastFetch,
		&rec.ExpiresAt,
		&rec.FetchCount,
		&rec.ErrorCount,
		&lastError,
		&rateLimit,
		&rec.Total,
		&rec.CurrentStreak,
		&rec.LongestStreak,
	)
	if errors.Is(err, sqldb.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query contribution cache: %w", err)
	}

	rec.Payload = payload
	if lastError.Valid {
		rec.LastError = &lastError.String
	}
	if len(rateLimit) > 0 {
		var rl models.RateLimit
		if err := json.Unmarshal(rateLimit, &rl); err == nil {
			rec.RateLimit = &rl
		}
	}
	return rec, nil
}

// UpsertContributionYear writes a fresh contribution calendar snapshot along
// with its derived totals.
func (s *Store) UpsertContributionYear(ctx context.Context, username string, year int, up Upsert, total int, streaks Streaks) error {
	rl, err := marshalRateLimit(up.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO contribution_cache
			(username, year, payload, data_hash, total_contributions, current_streak, longest_streak, last_fetch, expires_at, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (username, year) DO UPDATE SET
			payload             = EXCLUDED.payload,
			data_hash           = EXCLUDED.data_hash,
			total_contributions = EXCLUDED.total_contributions,
			current_streak      = EXCLUDED.current_streak,
			longest_streak      = EXCLUDED.longest_streak,
			last_fetch          = EXCLUDED.last_fetch,
			expires_at          = EXCLUDED.expires_at,
			fetch_count         = contribution_cache.fetch_count + 1,
			error_count         = 0,
			last_error          = NULL,
			rate_limit          = EXCLUDED.rate_limit,
			updated_at          = NOW()
	`, username, year, []byte(up.Payload), up.DataHash, total, streaks.Current, streaks.Longest, up.FetchedAt, up.ExpiresAt, rl)
	if err != nil {
		return fmt.Errorf("upsert contribution cache: %w", err)
	}
	return nil
}

// MarkContributionYearError records a failed fetch against an existing
// contribution-year entry.
func (s *Store) MarkContributionYearError(ctx context.Context, username string, year int, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE contribution_cache
		SET error_count = error_count + 1, last_error = $3, updated_at = NOW()
		WHERE username = $1 AND year = $2
	`, username, year, message)
	if err != nil {
		return fmt.Errorf("mark contribution error: %w", err)
	}
	return nil
}

// GetStats returns the cached aggregate stats summary, or nil if absent.
func (s *Store) GetStats(ctx context.Context, username string) (*models.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM stats_cache WHERE username = $1`, username)
	rec, err := scanRecord(row, username)
	if errors.Is(err, sqldb.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stats cache: %w", err)
	}
	return rec, nil
}

// UpsertStats writes a fresh aggregate stats snapshot.
func (s *Store) UpsertStats(ctx context.Context, username string, up Upsert) error {
	rl, err := marshalRateLimit(up.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO stats_cache (username, payload, data_hash, last_fetch, expires_at, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET
			payload     = EXCLUDED.payload,
			data_hash   = EXCLUDED.data_hash,
			last_fetch  = EXCLUDED.last_fetch,
			expires_at  = EXCLUDED.expires_at,
			fetch_count = stats_cache.fetch_count + 1,
			error_count = 0,
			last_error  = NULL,
			rate_limit  = EXCLUDED.rate_limit,
			updated_at  = NOW()
	`, username, []byte(up.Payload), up.DataHash, up.FetchedAt, up.ExpiresAt, rl)
	if err != nil {
		return fmt.Errorf("upsert stats cache: %w", err)
	}
	return nil
}

// MarkStatsError records a failed fetch against an existing stats entry.
func (s *Store) MarkStatsError(ctx context.Context, username, message string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE stats_cache
		SET error_count = error_count + 1, last_error = $2, updated_at = NOW()
		WHERE username = $1
	`, username, message)
	if err != nil {
		return fmt.Errorf("mark stats error: %w", err)
	}
	return nil
}

// DeleteUser removes every cached entry for a username across all tables,
// in one batch of parallel deletes. Analytics rows are retained; they are an
// append-only log, not cache state.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	tables := []string{"profile_cache", "repo_cache", "contribution_cache", "stats_cache"}

	g, gctx := errgroup.WithContext(ctx)
	for _, table := range tables {
		table := table
		query := fmt.Sprintf(`DELETE FROM %s WHERE username = $1`, table)
		g.Go(func() error {
			if _, err := s.db.Exec(gctx, query, username); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Usernames lists every username with at least one cached entry of any type.
func (s *Store) Usernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT username FROM profile_cache
		UNION SELECT username FROM repo_cache
		UNION SELECT username FROM contribution_cache
		UNION SELECT username FROM stats_cache
	`)
	if err != nil {
		return nil, fmt.Errorf("list cached usernames: %w", err)
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		usernames = append(usernames, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usernames: %w", err)
	}
	return usernames, nil
}

// InsertAnalytics appends one analytics event. Callers treat failures as
// best-effort; this method only reports them.
func (s *Store) InsertAnalytics(ctx context.Context, e AnalyticsEvent) error {
	var cacheAge *int64
	if e.CacheAge != nil {
		secs := int64(e.CacheAge.Seconds())
		cacheAge = &secs
	}

	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal analytics metadata: %w", err)
		}
	}

	var errorMessage *string
	if e.ErrorMessage != "" {
		errorMessage = &e.ErrorMessage
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO cache_analytics
			(cache_type, operation, username, response_time_ms, cache_age_secs, data_size, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, string(e.CacheType), e.Operation, e.Username, e.ResponseTime.Milliseconds(), cacheAge, e.DataSize, errorMessage, metadata)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}
