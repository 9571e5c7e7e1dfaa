package refresher

import (
	"context"
	"errors"

	"encore.dev/cron"
)

// Hourly re-warm of every tracked user. The freshness windows are an hour
// or longer, so an hourly cadence keeps entries from ever going stale on
// the request path.
var _ = cron.NewJob("github-cache-refresh", cron.JobConfig{
	Title:    "Refresh GitHub cache entries",
	Every:    1 * cron.Hour,
	Endpoint: ScheduledRefresh,
})

// ScheduledRefresh queues a re-warm for every username with cached data.
//
//encore:api private
func ScheduledRefresh(ctx context.Context) error {
	if svc == nil {
		return errors.New("service not initialized")
	}
	return svc.ScheduledRefresh(ctx)
}

func (s *Service) ScheduledRefresh(ctx context.Context) error {
	usernames, err := s.users(ctx)
	if err != nil {
		return err
	}
	for _, username := range usernames {
		s.enqueue(refreshTask{Username: username, Reason: ReasonCron})
	}
	return nil
}
