package refresher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"encore.app/githubstats"
	cachepubsub "encore.app/pkg/pubsub"
)

// eventSink captures published completion events.
type eventSink struct {
	mu     sync.Mutex
	events []*cachepubsub.RefreshCompletedEvent
}

func (s *eventSink) publish(_ context.Context, ev *cachepubsub.RefreshCompletedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []*cachepubsub.RefreshCompletedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*cachepubsub.RefreshCompletedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// newTestRefresher builds a Service with injected seams and no Encore runtime.
func newTestRefresher(workers, queueSize int, sink *eventSink) *Service {
	s := &Service{
		config: Config{
			Workers:        workers,
			QueueSize:      queueSize,
			MaxUpstreamRPS: 1000,
			WarmTimeout:    time.Second,
		},
		metrics: &Metrics{},
		limiter: rate.NewLimiter(rate.Inf, 1),
		clock:   time.Now,
	}
	s.users = func(context.Context) ([]string, error) { return nil, nil }
	s.warm = func(_ context.Context, username string) (*githubstats.WarmResponse, error) {
		return &githubstats.WarmResponse{Username: username, Succeeded: 4}, nil
	}
	s.publish = sink.publish
	s.pool = newWorkerPool(s, workers, queueSize)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueRunsWarmAndPublishes(t *testing.T) {
	sink := &eventSink{}
	s := newTestRefresher(2, 16, sink)
	defer s.pool.shutdown()

	var warmed atomic.Int64
	s.warm = func(_ context.Context, username string) (*githubstats.WarmResponse, error) {
		warmed.Add(1)
		return &githubstats.WarmResponse{Username: username, Succeeded: 4}, nil
	}

	if !s.enqueue(refreshTask{Username: "octocat", Reason: ReasonCron, RequestID: "req-7"}) {
		t.Fatal("enqueue refused with an empty queue")
	}

	waitFor(t, 2*time.Second, "warm execution", func() bool { return warmed.Load() == 1 })
	waitFor(t, 2*time.Second, "completion event", func() bool { return len(sink.all()) == 1 })

	ev := sink.all()[0]
	if err := ev.Validate(); err != nil {
		t.Errorf("published event invalid: %v", err)
	}
	if ev.Username != "octocat" || ev.Reason != ReasonCron || ev.RequestID != "req-7" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Succeeded != 4 || ev.Failed != 0 {
		t.Errorf("event counts = %d/%d, want 4/0", ev.Succeeded, ev.Failed)
	}
	if got := s.metrics.Succeeded.Load(); got != 1 {
		t.Errorf("succeeded counter = %d, want 1", got)
	}
}

func TestEnqueueAssignsRequestID(t *testing.T) {
	sink := &eventSink{}
	s := newTestRefresher(1, 16, sink)
	defer s.pool.shutdown()

	s.enqueue(refreshTask{Username: "octocat", Reason: ReasonManual})
	waitFor(t, 2*time.Second, "completion event", func() bool { return len(sink.all()) == 1 })

	if sink.all()[0].RequestID == "" {
		t.Error("enqueue did not assign a request ID")
	}
}

func TestEnqueueRejectsEmptyUsername(t *testing.T) {
	s := newTestRefresher(0, 4, &eventSink{})
	if s.enqueue(refreshTask{Reason: ReasonCron}) {
		t.Error("enqueue accepted an empty username")
	}
	if s.pool.queueDepth() != 0 {
		t.Error("empty-username task reached the queue")
	}
}

func TestFullQueueDropsTasks(t *testing.T) {
	// No workers: nothing drains the queue.
	s := newTestRefresher(0, 1, &eventSink{})

	if !s.enqueue(refreshTask{Username: "a", Reason: ReasonCron}) {
		t.Fatal("first task should fit")
	}
	if s.enqueue(refreshTask{Username: "b", Reason: ReasonCron}) {
		t.Error("second task should be dropped")
	}
	if got := s.metrics.Dropped.Load(); got != 1 {
		t.Errorf("dropped counter = %d, want 1", got)
	}
	if got := s.metrics.Queued.Load(); got != 1 {
		t.Errorf("queued counter = %d, want 1", got)
	}
}

func TestWarmErrorIsReportedNotRetried(t *testing.T) {
	sink := &eventSink{}
	s := newTestRefresher(1, 16, sink)
	defer s.pool.shutdown()

	var calls atomic.Int64
	s.warm = func(context.Context, string) (*githubstats.WarmResponse, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	}

	s.enqueue(refreshTask{Username: "octocat", Reason: ReasonCron})
	waitFor(t, 2*time.Second, "completion event", func() bool { return len(sink.all()) == 1 })

	ev := sink.all()[0]
	if ev.Failed != 1 || ev.Succeeded != 0 {
		t.Errorf("event counts = %d/%d, want 0/1", ev.Succeeded, ev.Failed)
	}
	if got := s.metrics.Failed.Load(); got != 1 {
		t.Errorf("failed counter = %d, want 1", got)
	}

	// Give any stray retry a moment to show itself.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("warm calls = %d, want 1 (failures wait for the next scheduled run)", got)
	}
}

func TestPartialWarmFailureCountsAsFailed(t *testing.T) {
	sink := &eventSink{}
	s := newTestRefresher(1, 16, sink)
	defer s.pool.shutdown()

	s.warm = func(_ context.Context, username string) (*githubstats.WarmResponse, error) {
		return &githubstats.WarmResponse{Username: username, Succeeded: 3, Failed: 1}, nil
	}

	s.enqueue(refreshTask{Username: "octocat", Reason: ReasonCron})
	waitFor(t, 2*time.Second, "completion event", func() bool { return len(sink.all()) == 1 })

	ev := sink.all()[0]
	if ev.Succeeded != 3 || ev.Failed != 1 {
		t.Errorf("event counts = %d/%d, want 3/1", ev.Succeeded, ev.Failed)
	}
	if s.metrics.Failed.Load() != 1 || s.metrics.Succeeded.Load() != 0 {
		t.Error("partial failure not counted as failed")
	}
}

func TestScheduledRefreshQueuesEveryTrackedUser(t *testing.T) {
	s := newTestRefresher(0, 16, &eventSink{})
	s.users = func(context.Context) ([]string, error) {
		return []string{"octocat", "torvalds", "gaearon"}, nil
	}

	if err := s.ScheduledRefresh(context.Background()); err != nil {
		t.Fatalf("scheduled refresh: %v", err)
	}
	if got := s.pool.queueDepth(); got != 3 {
		t.Errorf("queue depth = %d, want 3", got)
	}

	seen := map[string]string{}
	for i := 0; i < 3; i++ {
		task := <-s.pool.tasks
		seen[task.Username] = task.Reason
	}
	for _, username := range []string{"octocat", "torvalds", "gaearon"} {
		if seen[username] != ReasonCron {
			t.Errorf("user %s queued with reason %q, want cron", username, seen[username])
		}
	}
}

func TestScheduledRefreshPropagatesListError(t *testing.T) {
	s := newTestRefresher(0, 16, &eventSink{})
	s.users = func(context.Context) ([]string, error) {
		return nil, errors.New("githubstats unavailable")
	}
	if err := s.ScheduledRefresh(context.Background()); err == nil {
		t.Error("expected error from user listing")
	}
}

func TestConcurrentWarmsForSameUserCollapse(t *testing.T) {
	sink := &eventSink{}
	s := newTestRefresher(2, 16, sink)
	defer s.pool.shutdown()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var calls atomic.Int64
	s.warm = func(_ context.Context, username string) (*githubstats.WarmResponse, error) {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return &githubstats.WarmResponse{Username: username, Succeeded: 4}, nil
	}

	s.enqueue(refreshTask{Username: "octocat", Reason: ReasonCron})
	<-started // first warm is in flight

	s.enqueue(refreshTask{Username: "octocat", Reason: ReasonInvalidation})
	waitFor(t, 2*time.Second, "second worker to join the flight", func() bool {
		return s.pool.activeWorkers() == 2
	})
	close(release)

	waitFor(t, 2*time.Second, "workers to drain", func() bool {
		return s.pool.activeWorkers() == 0
	})
	if got := calls.Load(); got != 1 {
		t.Errorf("warm calls = %d, want 1 (concurrent warms for one user collapse)", got)
	}
	if s.metrics.Deduped.Load() == 0 {
		t.Error("dedupe counter did not move")
	}
}

func TestHandleInvalidationQueuesRewarm(t *testing.T) {
	prev := svc
	t.Cleanup(func() { svc = prev })
	svc = newTestRefresher(0, 16, &eventSink{})

	event := &cachepubsub.InvalidationEvent{
		Version:     cachepubsub.EventVersion1,
		Service:     "githubstats",
		Username:    "octocat",
		TriggeredAt: time.Now(),
		RequestID:   "req-42",
	}
	if err := HandleInvalidation(context.Background(), event); err != nil {
		t.Fatalf("handle invalidation: %v", err)
	}

	task := <-svc.pool.tasks
	if task.Username != "octocat" || task.Reason != ReasonInvalidation || task.RequestID != "req-42" {
		t.Errorf("queued task = %+v", task)
	}
}

func TestHandleInvalidationDropsMalformedEvents(t *testing.T) {
	prev := svc
	t.Cleanup(func() { svc = prev })
	svc = newTestRefresher(0, 16, &eventSink{})

	// Missing username: swallowed, never queued, never redelivered.
	event := &cachepubsub.InvalidationEvent{
		Version:     cachepubsub.EventVersion1,
		Service:     "githubstats",
		TriggeredAt: time.Now(),
		RequestID:   "req-43",
	}
	if err := HandleInvalidation(context.Background(), event); err != nil {
		t.Errorf("malformed event should be swallowed, got %v", err)
	}
	if svc.pool.queueDepth() != 0 {
		t.Error("malformed event reached the queue")
	}
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestRefresher(0, 16, &eventSink{})
	s.enqueue(refreshTask{Username: "octocat", Reason: ReasonCron})
	s.metrics.Succeeded.Add(2)

	status, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QueuedTasks != 1 || status.Queued != 1 || status.Succeeded != 2 {
		t.Errorf("status = %+v", status)
	}
}
