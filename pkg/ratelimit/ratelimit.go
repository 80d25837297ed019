// Package ratelimit enforces the outbound fetch budget: a token bucket per
// remote host plus a global in-flight cap shared by every fetcher.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fineprintai/engine/pkg/errkind"
)

// Config shapes the limiter. Rate is tokens per second per host, Burst the
// bucket capacity, GlobalInFlight the cross-host concurrency cap.
type Config struct {
	PerHostRate    float64
	PerHostBurst   int
	GlobalInFlight int64
	IdleEviction   time.Duration
}

// Limiter hands out leases for outbound requests. Host buckets are created
// on first use and evicted after IdleEviction with no leases outstanding.
type Limiter struct {
	cfg    Config
	global *semaphore.Weighted
	clock  func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostBucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

type hostBucket struct {
	limiter *rate.Limiter

	// acquireMu serializes waiters for one host so tokens are granted in
	// arrival order.
	acquireMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	inFlight int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New builds a Limiter and starts its eviction janitor.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.IdleEviction <= 0 {
		cfg.IdleEviction = 10 * time.Minute
	}
	if cfg.PerHostBurst <= 0 {
		cfg.PerHostBurst = 1
	}
	l := &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.GlobalInFlight),
		clock:  time.Now,
		hosts:  make(map[string]*hostBucket),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.janitor()
	return l
}

// Lease is a granted slot for one outbound request. Release returns the
// global slot; host tokens refill on their own.
type Lease struct {
	release func()
	once    sync.Once
}

// Release frees the lease. Safe to call more than once.
func (le *Lease) Release() {
	le.once.Do(le.release)
}

// Acquire blocks until a host token and a global slot are available, or
// the context ends with a Canceled error.
func (l *Limiter) Acquire(ctx context.Context, host string) (*Lease, error) {
	return l.AcquireN(ctx, host, 1)
}

// AcquireN acquires a weighted lease. Weight draws that many host tokens
// and global slots.
func (l *Limiter) AcquireN(ctx context.Context, host string, weight int) (*Lease, error) {
	const op = "ratelimit.Acquire"
	if weight <= 0 {
		weight = 1
	}

	b := l.bucket(host)

	b.acquireMu.Lock()
	err := b.limiter.WaitN(ctx, weight)
	b.acquireMu.Unlock()
	if err != nil {
		return nil, errkind.E(errkind.Canceled, op, err)
	}

	if err := l.global.Acquire(ctx, int64(weight)); err != nil {
		return nil, errkind.E(errkind.Canceled, op, err)
	}

	b.mu.Lock()
	b.inFlight += weight
	b.lastSeen = l.clock()
	b.mu.Unlock()

	return &Lease{release: func() {
		l.global.Release(int64(weight))
		b.mu.Lock()
		b.inFlight -= weight
		b.lastSeen = l.clock()
		b.mu.Unlock()
	}}, nil
}

// bucket returns the bucket for host, creating it on first use.
func (l *Limiter) bucket(host string) *hostBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.hosts[host]
	if !ok {
		b = &hostBucket{
			limiter:  rate.NewLimiter(rate.Limit(l.cfg.PerHostRate), l.cfg.PerHostBurst),
			lastSeen: l.clock(),
		}
		l.hosts[host] = b
	}
	return b
}

// HostCount reports the number of live host buckets.
func (l *Limiter) HostCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

// Close stops the eviction janitor.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) janitor() {
	interval := l.cfg.IdleEviction / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.evictIdle(l.clock())
		}
	}
}

// evictIdle drops host buckets idle past the eviction window with no
// leases outstanding.
func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for host, b := range l.hosts {
		b.mu.Lock()
		idle := b.inFlight == 0 && now.Sub(b.lastSeen) > l.cfg.IdleEviction
		b.mu.Unlock()
		if idle {
			delete(l.hosts, host)
		}
	}
}
