package pubsub

import (
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)
// - Consumers should check Version and handle appropriately

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationEvent announces that every cached entry (profile, repo pages,
// contribution years, stats) for a username was deleted.
// Published to TopicCacheInvalidate.
//
// Design notes:
//   - Invalidation is all-or-nothing per user; the event carries no per-type
//     detail because none exists
//   - Service field enables audit trail and debugging
//   - RequestID enables distributed tracing
type InvalidationEvent struct {
	// Version of the event schema (for backward compatibility)
	Version int `json:"version"`

	// Service that triggered the invalidation (e.g., "githubstats")
	Service string `json:"service"`

	// Username whose cache entries were wiped
	Username string `json:"username"`

	// TriggeredAt is the time the invalidation was requested
	TriggeredAt time.Time `json:"triggered_at"`

	// Meta contains optional metadata (e.g., reason)
	Meta map[string]string `json:"meta,omitempty"`

	// RequestID for distributed tracing and correlation
	RequestID string `json:"request_id"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service field is required")
	}
	if e.Username == "" {
		return errors.New("username is required")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}

// RefreshCompletedEvent reports the outcome of re-warming a username's
// cache entries. Published to TopicRefreshCompleted.
//
// Use cases:
//   - Observability of scheduled refresh runs
//   - Alerting on persistent warm failures
type RefreshCompletedEvent struct {
	// Version of the event schema
	Version int `json:"version"`

	// Service that performed the refresh
	Service string `json:"service"`

	// Username that was re-warmed
	Username string `json:"username"`

	// Reason the refresh ran: "cron" or "invalidation"
	Reason string `json:"reason"`

	// Succeeded and Failed count the entity fetches within the warm
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// DurationMS is the wall-clock duration of the warm in milliseconds
	DurationMS int64 `json:"duration_ms"`

	// TriggeredAt is the time the refresh started
	TriggeredAt time.Time `json:"triggered_at"`

	// RequestID for distributed tracing
	RequestID string `json:"request_id"`
}

// Validate checks if the RefreshCompletedEvent is well-formed.
func (e *RefreshCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service field is required")
	}
	if e.Username == "" {
		return errors.New("username is required")
	}
	if e.Succeeded < 0 || e.Failed < 0 {
		return errors.New("succeeded and failed counts cannot be negative")
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at cannot be zero")
	}
	if e.RequestID == "" {
		return errors.New("request_id is required for tracing")
	}
	return nil
}
