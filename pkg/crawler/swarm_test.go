package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/queue"
)

// swarmClock is a movable time source shared by the swarm under test.
type swarmClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *swarmClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *swarmClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCrawlerConfig() config.CrawlerConfig {
	return config.CrawlerConfig{
		MaxConsecutiveFailures: 3,
		BackoffBase:            time.Second,
		BackoffCap:             time.Minute,
		PauseCooldown:          30 * time.Second,
		PollInterval:           15 * time.Second,
	}
}

func newTestSwarm(t *testing.T, opts ...SwarmOption) (*Swarm, *queue.Client, *swarmClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := queue.New(rdb)
	clk := &swarmClock{now: testTime}
	opts = append([]SwarmOption{WithSwarmClock(clk.Now)}, opts...)
	return NewSwarm(newTestCrawler(t), jobs, testCrawlerConfig(), 4, opts...), jobs, clk
}

// backoffSkip is long enough to clear any jittered retry gate below the cap.
const backoffSkip = 2 * time.Minute

func TestSwarmFetchesAndEnqueues(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("We may collect any information."))
	}))
	defer srv.Close()

	s, jobs, _ := newTestSwarm(t)
	require.NoError(t, s.Add(target(srv.URL)))

	s.PollNow(context.Background())

	assert.Equal(t, int64(1), hits.Load())
	depth, err := jobs.Depth(context.Background(), config.QueueIntake)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := jobs.Dequeue(context.Background(), config.QueueIntake)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.PriorityNormal, job.Priority)

	ev, err := queue.Decode[queue.IntakeEvent](job)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, ev.URL)
	assert.Equal(t, []byte("We may collect any information."), ev.RawBytes)
	assert.Equal(t, "owner-1", ev.OwnerID)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Targets)
	assert.Equal(t, int64(1), stats.Fetches)
	assert.Zero(t, stats.Quarantined)
}

func TestSwarmCadenceGatesRefetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	s, _, clk := newTestSwarm(t)
	tg := target(srv.URL)
	tg.CadenceSeconds = 600
	require.NoError(t, s.Add(tg))

	s.PollNow(context.Background())
	s.PollNow(context.Background())
	assert.Equal(t, int64(1), hits.Load(), "cadence not yet elapsed")

	clk.Advance(601 * time.Second)
	s.PollNow(context.Background())
	assert.Equal(t, int64(2), hits.Load())
}

func TestSwarmQuarantineAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var quarantined atomic.Int64
	s, _, clk := newTestSwarm(t, WithQuarantineHook(func(ctx context.Context, tg MonitoringTarget, cause error) {
		quarantined.Add(1)
		assert.Equal(t, srv.URL, tg.URL)
		assert.Error(t, cause)
	}))
	require.NoError(t, s.Add(target(srv.URL)))

	for i := 0; i < 3; i++ {
		s.PollNow(context.Background())
		clk.Advance(backoffSkip)
	}

	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, int64(1), quarantined.Load())
	assert.Equal(t, 1, s.Stats().Quarantined)
	require.Len(t, s.Quarantined(), 1)

	// Quarantined targets are never polled again.
	s.PollNow(context.Background())
	assert.Equal(t, int64(3), hits.Load())
}

func TestSwarmClientErrorQuarantinesImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	var cause error
	s, _, _ := newTestSwarm(t, WithQuarantineHook(func(ctx context.Context, tg MonitoringTarget, err error) {
		cause = err
	}))
	require.NoError(t, s.Add(target(srv.URL)))

	s.PollNow(context.Background())

	assert.Equal(t, 1, s.Stats().Quarantined)
	require.Error(t, cause)
	assert.Equal(t, classQuarantine, classify(cause))
}

func TestSwarmSuccessResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s, _, clk := newTestSwarm(t)
	tg := target(srv.URL)
	tg.CadenceSeconds = 1
	require.NoError(t, s.Add(tg))

	// Two failures, then a success, then two more failures: the reset in
	// between keeps the target under the quarantine threshold of three.
	fail.Store(true)
	s.PollNow(context.Background())
	clk.Advance(backoffSkip)
	s.PollNow(context.Background())
	clk.Advance(backoffSkip)

	fail.Store(false)
	s.PollNow(context.Background())
	clk.Advance(backoffSkip)

	fail.Store(true)
	s.PollNow(context.Background())
	clk.Advance(backoffSkip)
	s.PollNow(context.Background())

	assert.Zero(t, s.Stats().Quarantined)
}

func TestSwarmHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s, _, clk := newTestSwarm(t)
	require.NoError(t, s.Add(target(srv.URL)))

	s.PollNow(context.Background())
	assert.Equal(t, int64(1), hits.Load())

	clk.Advance(60 * time.Second)
	s.PollNow(context.Background())
	assert.Equal(t, int64(1), hits.Load(), "server pace not yet elapsed")

	clk.Advance(61 * time.Second)
	s.PollNow(context.Background())
	assert.Equal(t, int64(2), hits.Load())

	// A pacing response never counts toward quarantine.
	assert.Zero(t, s.Stats().Quarantined)
}

func TestSwarmPausesOnSoftLimit(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	jobs := queue.New(rdb, queue.WithSettings(config.QueueIntake, queue.Settings{
		MaxAttempts: 8,
		Visibility:  time.Minute,
		SoftLimit:   1,
		HardLimit:   100,
	}))
	_, err := jobs.Enqueue(context.Background(), config.QueueIntake, queue.PriorityNormal, "", map[string]string{"k": "v"})
	require.NoError(t, err)

	clk := &swarmClock{now: testTime}
	s := NewSwarm(newTestCrawler(t), jobs, testCrawlerConfig(), 4, WithSwarmClock(clk.Now))
	require.NoError(t, s.Add(target(srv.URL)))

	s.PollNow(context.Background())
	assert.Zero(t, hits.Load(), "soft-limited queue pauses fetching")

	// Drain the queue; the pause still holds until the cooldown passes.
	job, err := jobs.Dequeue(context.Background(), config.QueueIntake)
	require.NoError(t, err)
	_, err = jobs.Ack(context.Background(), config.QueueIntake, job.ID)
	require.NoError(t, err)

	s.PollNow(context.Background())
	assert.Zero(t, hits.Load(), "cooldown still active")

	clk.Advance(31 * time.Second)
	s.PollNow(context.Background())
	assert.Equal(t, int64(1), hits.Load())
}

func TestSwarmAddValidation(t *testing.T) {
	s, _, _ := newTestSwarm(t)

	assert.Error(t, s.Add(MonitoringTarget{URL: "ftp://example.com/x", CadenceSeconds: 60}))
	assert.Error(t, s.Add(MonitoringTarget{URL: "http://example.com/x"}), "cadence required")
	assert.Error(t, s.Add(MonitoringTarget{URL: "not a url", CadenceSeconds: 60}))

	ok := target("https://example.com/terms")
	require.NoError(t, s.Add(ok))
	assert.Error(t, s.Add(ok), "duplicate registration")
}

func TestSwarmRemoveAndReinstate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s, _, _ := newTestSwarm(t)
	require.NoError(t, s.Add(target(srv.URL)))

	s.PollNow(context.Background())
	require.Equal(t, 1, s.Stats().Quarantined)

	assert.True(t, s.Reinstate(srv.URL))
	assert.Zero(t, s.Stats().Quarantined)

	assert.True(t, s.Remove(srv.URL))
	assert.False(t, s.Remove(srv.URL))
	assert.False(t, s.Reinstate(srv.URL))
	assert.Zero(t, s.Stats().Targets)
}

func TestSwarmRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestSwarm(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
