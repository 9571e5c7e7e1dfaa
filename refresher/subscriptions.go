package refresher

import (
	"context"
	"log"

	"encore.dev/pubsub"

	"encore.app/githubstats"
	cachepubsub "encore.app/pkg/pubsub"
)

// Re-warm a user as soon as their cache is wiped, so the first request
// after an invalidation still hits warm data.
var _ = pubsub.NewSubscription(
	githubstats.InvalidationTopic,
	"refresher-rewarm",
	pubsub.SubscriptionConfig[*cachepubsub.InvalidationEvent]{
		Handler: HandleInvalidation,
	},
)

// HandleInvalidation queues a re-warm for the invalidated username.
// Returning an error would trigger redelivery; a full queue is not worth
// redelivering over, so drops are absorbed here.
func HandleInvalidation(ctx context.Context, event *cachepubsub.InvalidationEvent) error {
	if svc == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		log.Printf("[WARN] dropping malformed invalidation event: %v", err)
		return nil
	}
	svc.enqueue(refreshTask{
		Username:  event.Username,
		Reason:    ReasonInvalidation,
		RequestID: event.RequestID,
	})
	return nil
}
