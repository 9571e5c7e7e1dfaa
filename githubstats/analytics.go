package githubstats

import (
	"context"
	"log"
	"time"

	"encore.app/pkg/models"
)

// Analytics operations, one per terminal state of a cache lookup.
const (
	opHit      = "hit"
	opStaleHit = "stale-hit"
	opMiss     = "miss"
	opError    = "error"
)

// AnalyticsEvent is one append-only observability record. The cache engine
// writes these and never reads them back.
type AnalyticsEvent struct {
	CacheType    models.CacheType
	Operation    string
	Username     string
	ResponseTime time.Duration
	CacheAge     *time.Duration // set on hit/stale-hit only
	DataSize     int
	ErrorMessage string
	Metadata     map[string]string
}

// AnalyticsWriter is the sink for analytics events.
type AnalyticsWriter interface {
	InsertAnalytics(ctx context.Context, e AnalyticsEvent) error
}

// recordAnalytics writes one event asynchronously. A failed write is logged
// and discarded; it must never surface as a request failure, so the insert
// runs on a detached context after the response is already on its way.
func recordAnalytics(sink AnalyticsWriter, e AnalyticsEvent) {
	go func() {
		if err := sink.InsertAnalytics(context.Background(), e); err != nil {
			log.Printf("[WARN] analytics write failed: type=%s op=%s err=%v", e.CacheType, e.Operation, err)
		}
	}()
}
