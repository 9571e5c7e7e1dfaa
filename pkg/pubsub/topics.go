// Package pubsub provides topic names and event type definitions for the
// GitHub stats cache's event-driven coordination.
//
// Topic Naming Convention:
//   - github-cache-invalidate: a user's cached entries were wiped
//   - github-cache-refresh-completed: a scheduled re-warm finished
//
// Design Notes:
//   - Topics are defined as constants to avoid typos and enable compile-time checks
//   - Version field in events enables schema evolution without breaking consumers
//   - No direct Encore dependencies so the package stays reusable across services
package pubsub

const (
	// TopicCacheInvalidate is published after all cached entries for a
	// username have been deleted.
	// Event type: InvalidationEvent
	// Publishers: githubstats service (admin invalidation endpoint)
	// Subscribers: refresher service (re-warms the user)
	TopicCacheInvalidate = "github-cache-invalidate"

	// TopicRefreshCompleted is published when the refresher finishes warming
	// a username, successfully or not.
	// Event type: RefreshCompletedEvent
	// Publishers: refresher service
	// Subscribers: none yet (monitoring/dashboard consumers)
	TopicRefreshCompleted = "github-cache-refresh-completed"
)

// AllTopics returns all defined topic names.
// Useful for validation, testing, and administrative tools.
func AllTopics() []string {
	return []string{
		TopicCacheInvalidate,
		TopicRefreshCompleted,
	}
}

// IsValidTopic checks if the given topic name is recognized.
func IsValidTopic(topic string) bool {
	for _, t := range AllTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
