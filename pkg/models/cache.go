// Package models provides canonical data models shared by the GitHub stats
// cache services.
//
// Design Philosophy:
// - Freshness and staleness are derived properties, never stored
// - Expiry semantics are explicit: ExpiresAt = LastFetch + fresh window
// - Records carry observability counters (fetch/error) alongside the payload
// - No database or framework dependencies so the package stays reusable
package models

import (
	"encoding/json"
	"time"
)

// CacheType identifies one of the cached GitHub entity shapes. Each type has
// its own freshness policy and its own table in the persistent store.
type CacheType string

const (
	CacheProfile       CacheType = "profile"
	CacheRepos         CacheType = "repos"
	CacheContributions CacheType = "contributions"
	CacheStats         CacheType = "stats"
)

// Response provenance values reported to callers.
const (
	SourceCache      = "cache"       // served fresh from the store
	SourceStaleCache = "stale-cache" // served stale, refresh running in background
	SourceAPI        = "api"         // fetched synchronously from upstream
)

// Policy defines the freshness windows for a cache type.
//
// A record younger than Fresh is served as-is. A record older than Fresh but
// younger than Stale is served immediately while a background refresh runs.
// Past Stale the record is only a placeholder; the caller blocks on upstream.
type Policy struct {
	Fresh time.Duration // serve without revalidation
	Stale time.Duration // ceiling for serve-stale-while-revalidating
}

// PolicyFor returns the freshness policy for the given cache type.
func PolicyFor(t CacheType) Policy {
	switch t {
	case CacheContributions:
		return Policy{Fresh: 24 * time.Hour, Stale: 48 * time.Hour}
	case CacheStats:
		return Policy{Fresh: 30 * time.Minute, Stale: 1 * time.Hour}
	default: // profile, repos
		return Policy{Fresh: 1 * time.Hour, Stale: 2 * time.Hour}
	}
}

// RateLimit is the last-seen upstream rate-limit snapshot. Advisory only;
// nothing throttles on it.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Record is the metadata common to every cached entity, regardless of type.
// The payload is an opaque serialized snapshot of the upstream response.
type Record struct {
	Username   string          `json:"username"`
	Payload    json.RawMessage `json:"payload"`
	DataHash   string          `json:"data_hash"`
	LastFetch  time.Time       `json:"last_fetch"`
	ExpiresAt  time.Time       `json:"expires_at"`
	FetchCount int             `json:"fetch_count"`
	ErrorCount int             `json:"error_count"`
	LastError  *string         `json:"last_error,omitempty"`
	RateLimit  *RateLimit      `json:"rate_limit,omitempty"`
}

// Age returns how long ago the record was last fetched.
// Complexity: O(1)
func (r *Record) Age(now time.Time) time.Duration {
	age := now.Sub(r.LastFetch)
	if age < 0 {
		return 0
	}
	return age
}

// IsFresh reports whether the record is still within its fresh window.
func (r *Record) IsFresh(now time.Time) bool {
	return !now.After(r.ExpiresAt)
}

// RemainingFreshness returns the time left before the record expires, or 0
// if it is already expired. Used to derive CDN Cache-Control max-age.
func (r *Record) RemainingFreshness(now time.Time) time.Duration {
	remaining := r.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Changed reports whether the given fingerprint differs from the stored one.
// The hash is persisted on every fetch but the request path does not branch
// on it; this helper exists for future diffing.
func (r *Record) Changed(hash string) bool {
	return r.DataHash != hash
}

// Decision is the outcome of a cache lookup against a freshness policy.
type Decision int

const (
	// DecideMiss means no usable record exists: absent or past the stale
	// ceiling. The caller must fetch synchronously.
	DecideMiss Decision = iota
	// DecideFresh means the record is within its fresh window.
	DecideFresh
	// DecideStale means the record is expired but within the stale ceiling:
	// serve it and revalidate in the background.
	DecideStale
)

// Decide classifies a record (possibly nil) against a policy at time now.
// This is the single decision point of the stale-while-revalidate engine.
// Complexity: O(1)
func Decide(r *Record, now time.Time, p Policy) Decision {
	if r == nil {
		return DecideMiss
	}
	if r.IsFresh(now) {
		return DecideFresh
	}
	if r.Age(now) < p.Stale {
		return DecideStale
	}
	return DecideMiss
}
