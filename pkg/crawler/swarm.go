package crawler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/queue"
)

// defaultPool is the fetcher pool size when none is configured.
const defaultPool = 32

// targetState is the swarm's per-target bookkeeping. failures counts
// consecutive retryable faults; nextAttempt gates dispatch; quarantined
// targets stay registered but are never polled again until reinstated.
type targetState struct {
	target      MonitoringTarget
	failures    int
	nextAttempt time.Time
	quarantined bool
	inFlight    bool
	backoff     *backoff.ExponentialBackOff
}

// Stats is a point-in-time view of swarm progress.
type Stats struct {
	Targets     int
	Quarantined int
	Fetches     int64
	Failures    int64
	LastPoll    time.Time
}

// QuarantineHook is invoked once when a target crosses into quarantine,
// with the failure that tipped it. Hooks run on the fetcher goroutine and
// must not block.
type QuarantineHook func(ctx context.Context, t MonitoringTarget, cause error)

// Swarm drives the fetch loop over every registered monitoring target: a
// ticker wakes the poll cycle, due targets fan out to a bounded fetcher
// pool, and each outcome feeds the per-target failure bookkeeping. The
// swarm pauses itself while the intake queue sits above its soft limit.
type Swarm struct {
	crawler      *Crawler
	jobs         *queue.Client
	cfg          config.CrawlerConfig
	pool         int
	clock        func() time.Time
	logger       *slog.Logger
	onQuarantine QuarantineHook

	mu          sync.Mutex
	targets     map[string]*targetState
	pausedUntil time.Time
	stats       Stats
}

// SwarmOption adjusts swarm construction.
type SwarmOption func(*Swarm)

// WithSwarmClock substitutes the time source.
func WithSwarmClock(fn func() time.Time) SwarmOption {
	return func(s *Swarm) { s.clock = fn }
}

// WithQuarantineHook wires quarantine notifications, typically into the
// compliance alerting path.
func WithQuarantineHook(fn QuarantineHook) SwarmOption {
	return func(s *Swarm) { s.onQuarantine = fn }
}

// NewSwarm builds the fetch loop. pool bounds concurrent fetches; zero or
// negative selects the default of 32.
func NewSwarm(c *Crawler, jobs *queue.Client, cfg config.CrawlerConfig, pool int, opts ...SwarmOption) *Swarm {
	if pool <= 0 {
		pool = defaultPool
	}
	s := &Swarm{
		crawler: c,
		jobs:    jobs,
		cfg:     cfg,
		pool:    pool,
		clock:   time.Now,
		logger:  slog.Default().With("component", "crawler"),
		targets: make(map[string]*targetState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a target. The first fetch happens on the next poll cycle.
func (s *Swarm) Add(t MonitoringTarget) error {
	const op = "crawler.Swarm.Add"

	u, err := url.Parse(t.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errkind.Errorf(errkind.Internal, op, "target url %q is not a fetchable http(s) url", t.URL)
	}
	if t.CadenceSeconds <= 0 {
		return errkind.Errorf(errkind.Internal, op, "target %s needs a positive cadence", t.URL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[t.URL]; ok {
		return errkind.Errorf(errkind.Conflict, op, "target %s already registered", t.URL)
	}
	s.targets[t.URL] = &targetState{target: t, backoff: newFetchBackoff(s.cfg)}
	return nil
}

// Remove drops a target. In-flight fetches finish but their outcome is
// discarded with the state.
func (s *Swarm) Remove(targetURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.targets[targetURL]
	delete(s.targets, targetURL)
	return ok
}

// Reinstate clears a target's quarantine and failure history so the next
// poll cycle tries it again.
func (s *Swarm) Reinstate(targetURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.targets[targetURL]
	if !ok {
		return false
	}
	st.quarantined = false
	st.failures = 0
	st.nextAttempt = time.Time{}
	st.backoff.Reset()
	return true
}

// Quarantined lists the targets currently held out of rotation.
func (s *Swarm) Quarantined() []MonitoringTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MonitoringTarget
	for _, st := range s.targets {
		if st.quarantined {
			out = append(out, st.target)
		}
	}
	return out
}

// Stats snapshots swarm counters.
func (s *Swarm) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.stats
	snap.Targets = len(s.targets)
	for _, st := range s.targets {
		if st.quarantined {
			snap.Quarantined++
		}
	}
	return snap
}

// Run polls until ctx is canceled. Each cycle re-checks the intake queue's
// soft limit and sits out the cooldown when it is set, so a slow analysis
// tier pauses crawling instead of growing the backlog.
func (s *Swarm) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.pollCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pollCycle(ctx)
		}
	}
}

// PollNow runs one cycle immediately, outside the ticker cadence.
func (s *Swarm) PollNow(ctx context.Context) {
	s.pollCycle(ctx)
}

func (s *Swarm) pollCycle(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	paused := now.Before(s.pausedUntil)
	s.mu.Unlock()
	if paused {
		return
	}

	limited, err := s.jobs.SoftLimited(ctx, config.QueueIntake)
	if err != nil && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "soft limit check failed", "error", err)
	}
	if limited {
		s.pause(ctx, "intake queue soft limit")
		return
	}

	due := s.dueTargets(now)
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, s.pool)
	var wg sync.WaitGroup
	for _, st := range due {
		wg.Add(1)
		go func(st *targetState) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.fetchOne(ctx, st)
		}(st)
	}
	wg.Wait()

	s.mu.Lock()
	s.stats.LastPoll = s.clock()
	s.mu.Unlock()
}

// dueTargets claims every target whose gate has passed. Claimed targets
// are marked in flight so an overlapping cycle cannot dispatch them twice.
func (s *Swarm) dueTargets(now time.Time) []*targetState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*targetState
	for _, st := range s.targets {
		if st.quarantined || st.inFlight || now.Before(st.nextAttempt) {
			continue
		}
		st.inFlight = true
		due = append(due, st)
	}
	return due
}

func (s *Swarm) fetchOne(ctx context.Context, st *targetState) {
	t := st.target

	ev, err := s.crawler.Fetch(ctx, t)
	if err != nil {
		s.recordFailure(ctx, st, err)
		return
	}

	res, err := s.jobs.Enqueue(ctx, config.QueueIntake, queue.PriorityNormal, "", ev)
	if err != nil {
		// Queue trouble is not the target's fault: hold the whole swarm
		// through the cooldown and leave the failure counter alone.
		if errkind.Is(err, errkind.Backpressure) {
			s.pause(ctx, "intake queue hard limit")
		} else {
			s.logger.WarnContext(ctx, "intake enqueue failed", "url", t.URL, "error", err)
		}
		s.release(st, s.clock().Add(s.cfg.PauseCooldown))
		return
	}

	now := s.clock()
	s.mu.Lock()
	st.failures = 0
	st.backoff.Reset()
	st.inFlight = false
	st.nextAttempt = now.Add(time.Duration(t.CadenceSeconds) * time.Second)
	s.stats.Fetches++
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "document fetched",
		"url", t.URL, "request_id", ev.RequestID,
		"bytes", len(ev.RawBytes), "queue_depth", res.Depth)
}

func (s *Swarm) recordFailure(ctx context.Context, st *targetState, err error) {
	if ctx.Err() != nil {
		// Shutdown race, not a target fault.
		s.mu.Lock()
		st.inFlight = false
		s.mu.Unlock()
		return
	}

	t := st.target
	now := s.clock()

	s.mu.Lock()
	s.stats.Failures++
	var quarantined bool
	switch classify(err) {
	case classRateLimit:
		delay := retryAfterOf(err)
		if delay <= 0 {
			delay = st.backoff.NextBackOff()
		}
		st.nextAttempt = now.Add(delay)
	case classQuarantine:
		quarantined = true
	default:
		st.failures++
		if st.failures >= s.cfg.MaxConsecutiveFailures {
			quarantined = true
		} else {
			st.nextAttempt = now.Add(st.backoff.NextBackOff())
		}
	}
	st.quarantined = quarantined
	st.inFlight = false
	failures := st.failures
	next := st.nextAttempt
	s.mu.Unlock()

	if quarantined {
		s.logger.ErrorContext(ctx, "target quarantined",
			"url", t.URL, "consecutive_failures", failures, "error", err)
		if s.onQuarantine != nil {
			s.onQuarantine(ctx, t, err)
		}
		return
	}
	s.logger.WarnContext(ctx, "fetch failed",
		"url", t.URL, "consecutive_failures", failures,
		"retry_at", next.UTC().Format(time.RFC3339), "error", err)
}

func (s *Swarm) release(st *targetState, nextAttempt time.Time) {
	s.mu.Lock()
	st.inFlight = false
	st.nextAttempt = nextAttempt
	s.mu.Unlock()
}

func (s *Swarm) pause(ctx context.Context, reason string) {
	until := s.clock().Add(s.cfg.PauseCooldown)
	s.mu.Lock()
	s.pausedUntil = until
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "crawling paused",
		"reason", reason, "until", until.UTC().Format(time.RFC3339))
}

type fetchClass int

const (
	classRetry fetchClass = iota
	classRateLimit
	classQuarantine
)

// classify maps a fetch failure to its per-target consequence: transport
// errors, 5xx, 408, and oversize bodies retry with backoff and count toward
// quarantine; 429 waits out the server's pace without counting; any other
// 4xx quarantines immediately.
func classify(err error) fetchClass {
	if errkind.Is(err, errkind.RateLimited) {
		return classRateLimit
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout:
			return classRetry
		case se.StatusCode >= 500:
			return classRetry
		case se.StatusCode >= 400:
			return classQuarantine
		}
	}
	return classRetry
}

func retryAfterOf(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// newFetchBackoff builds the per-target retry schedule: exponential from
// the configured base with ±25% jitter, capped at the configured maximum.
// The schedule never gives up on its own; quarantine does that.
func newFetchBackoff(cfg config.CrawlerConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = cfg.BackoffCap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
