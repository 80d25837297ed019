// Package queue implements the Redis-backed delivery queues that connect
// the crawler, the analysis pipeline, the monitor scheduler, and the
// compliance engine. Each named queue holds three priority lists, an
// in-flight zset scored by lease deadline, and a delayed zset for
// redeliveries; every state transition runs as one Lua script so workers
// on different hosts never observe a half-moved job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/observability"
)

// Priority orders delivery between the three lists of a queue. It is fixed
// at enqueue time.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Settings bound one queue's delivery behavior.
type Settings struct {
	MaxAttempts int
	Visibility  time.Duration
	SoftLimit   int64
	HardLimit   int64
}

// DefaultSettings mirror the analysis queue defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxAttempts: 8,
		Visibility:  2 * time.Minute,
		SoftLimit:   5000,
		HardLimit:   20000,
	}
}

// Job is the envelope stored in the payload hash. Attempt is the delivery
// count and is only set on dequeued jobs.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Priority   Priority        `json:"priority"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	Attempt int `json:"-"`
}

// EnqueueResult reports what happened to a submission.
type EnqueueResult struct {
	JobID    string
	Absorbed bool // an active job with the same dedup key already holds the slot
	Depth    int64
}

// DeadLetter describes a job that exhausted its attempts or failed fatally.
type DeadLetter struct {
	Queue         string
	JobID         string
	LastErrorKind string
	Attempts      int
	Job           *Job
}

// NackOutcome is the result of a negative acknowledgement.
type NackOutcome int

const (
	NackLost         NackOutcome = iota // lease already expired, another worker owns the job
	NackRescheduled                     // job parked in the delayed set
	NackDeadLettered                    // job moved to the dead-letter list
)

// enqueueScript inserts a job unless the queue is full or the dedup index
// already holds an active job for the same key.
// KEYS = {high, normal, low, delayed, inflight, payload, prio, dkeys, dedup}
// ARGV = {job_id, priority, envelope, dedup_key, hard_limit}
// Returns {-1, depth} on backpressure, {0, existing_id} when absorbed,
// {1, depth} when pushed.
var enqueueScript = redis.NewScript(`
local depth = redis.call('LLEN', KEYS[1]) + redis.call('LLEN', KEYS[2]) +
  redis.call('LLEN', KEYS[3]) + redis.call('ZCARD', KEYS[4]) + redis.call('ZCARD', KEYS[5])
local hard = tonumber(ARGV[5])
if hard > 0 and depth >= hard then
  return {-1, depth}
end
if ARGV[4] ~= '' then
  local existing = redis.call('HGET', KEYS[9], ARGV[4])
  if existing then
    return {0, existing}
  end
  redis.call('HSET', KEYS[9], ARGV[4], ARGV[1])
  redis.call('HSET', KEYS[8], ARGV[1], ARGV[4])
end
redis.call('HSET', KEYS[6], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[7], ARGV[1], ARGV[2])
local list = KEYS[2]
if ARGV[2] == 'high' then list = KEYS[1] elseif ARGV[2] == 'low' then list = KEYS[3] end
redis.call('LPUSH', list, ARGV[1])
return {1, depth + 1}
`)

// dequeueScript pops the oldest job from the highest non-empty priority
// list and leases it.
// KEYS = {high, normal, low, inflight, payload, attempts}
// ARGV = {now_ms, lease_ms}
// Returns false when every list is empty, else {id, envelope, attempt}.
var dequeueScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then id = redis.call('RPOP', KEYS[2]) end
if not id then id = redis.call('RPOP', KEYS[3]) end
if not id then return false end
local attempt = redis.call('HINCRBY', KEYS[6], id, 1)
redis.call('ZADD', KEYS[4], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
local body = redis.call('HGET', KEYS[5], id) or ''
return {id, body, attempt}
`)

// ackScript removes a completed job and releases its dedup slot. Returns 0
// when the lease was already lost.
// KEYS = {inflight, payload, attempts, prio, dkeys, dedup, lasterr}
// ARGV = {job_id}
var ackScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then return 0 end
local dkey = redis.call('HGET', KEYS[5], ARGV[1])
if dkey then redis.call('HDEL', KEYS[6], dkey) end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[7], ARGV[1])
return 1
`)

// nackScript reschedules a failed job or moves it to the dead-letter list
// once attempts are exhausted or the failure is fatal. Dead jobs keep their
// payload and attempt hashes for inspection; only the dedup slot is freed.
// KEYS = {inflight, delayed, dead, attempts, dkeys, dedup, lasterr}
// ARGV = {job_id, ready_at_ms, fatal, max_attempts, error_kind}
// Returns 0 lease lost, 1 rescheduled, 2 dead-lettered.
var nackScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then return 0 end
redis.call('HSET', KEYS[7], ARGV[1], ARGV[5])
local attempt = tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0')
if ARGV[3] == '1' or attempt >= tonumber(ARGV[4]) then
  local dkey = redis.call('HGET', KEYS[5], ARGV[1])
  if dkey then redis.call('HDEL', KEYS[6], dkey) end
  redis.call('HDEL', KEYS[5], ARGV[1])
  redis.call('LPUSH', KEYS[3], ARGV[1])
  return 2
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// reapScript requeues jobs whose lease expired (dead-lettering the ones out
// of attempts) and promotes delayed jobs that are due.
// KEYS = {high, normal, low, delayed, inflight, dead, attempts, prio, dkeys, dedup}
// ARGV = {now_ms, max_attempts, batch}
// Returns the ids it dead-lettered.
var reapScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local maxatt = tonumber(ARGV[2])
local batch = tonumber(ARGV[3])
local dead = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[5], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[5], id)
  local attempt = tonumber(redis.call('HGET', KEYS[7], id) or '0')
  if attempt >= maxatt then
    local dkey = redis.call('HGET', KEYS[9], id)
    if dkey then redis.call('HDEL', KEYS[10], dkey) end
    redis.call('HDEL', KEYS[9], id)
    redis.call('LPUSH', KEYS[6], id)
    dead[#dead + 1] = id
  else
    local prio = redis.call('HGET', KEYS[8], id) or 'normal'
    local list = KEYS[2]
    if prio == 'high' then list = KEYS[1] elseif prio == 'low' then list = KEYS[3] end
    redis.call('LPUSH', list, id)
  end
end
local due = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[4], id)
  local prio = redis.call('HGET', KEYS[8], id) or 'normal'
  local list = KEYS[2]
  if prio == 'high' then list = KEYS[1] elseif prio == 'low' then list = KEYS[3] end
  redis.call('LPUSH', list, id)
end
return dead
`)

// requeueScript puts a dead-lettered job back on its priority list with a
// fresh attempt budget. The dedup slot is not restored; operators requeue
// after fixing the cause and duplicates are controlled by the execution
// lock.
// KEYS = {dead, high, normal, low, payload, attempts, prio}
// ARGV = {job_id}
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then return 0 end
if redis.call('HEXISTS', KEYS[5], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[6], ARGV[1], 0)
local prio = redis.call('HGET', KEYS[7], ARGV[1]) or 'normal'
local list = KEYS[3]
if prio == 'high' then list = KEYS[2] elseif prio == 'low' then list = KEYS[4] end
redis.call('LPUSH', list, ARGV[1])
return 1
`)

// keys builds the Redis key set for one named queue.
type keys struct {
	base string
}

func queueKeys(name string) keys {
	return keys{base: cache.Namespace + "q:" + name}
}

func (k keys) ready(p Priority) string { return k.base + ":ready:" + string(p) }
func (k keys) delayed() string         { return k.base + ":delayed" }
func (k keys) inflight() string        { return k.base + ":inflight" }
func (k keys) payload() string         { return k.base + ":payload" }
func (k keys) attempts() string        { return k.base + ":attempts" }
func (k keys) prio() string            { return k.base + ":prio" }
func (k keys) dkeys() string           { return k.base + ":dkeys" }
func (k keys) dedup() string           { return k.base + ":dedup" }
func (k keys) dead() string            { return k.base + ":dead" }
func (k keys) lasterr() string         { return k.base + ":lasterr" }

// Client talks to every named queue over one Redis connection.
type Client struct {
	rdb          redis.UniversalClient
	settings     map[string]Settings
	logger       *slog.Logger
	clock        func() time.Time
	obs          *observability.Provider
	onDeadLetter func(context.Context, DeadLetter)
}

// Option configures a Client.
type Option func(*Client)

// WithSettings overrides the delivery settings for one queue.
func WithSettings(queue string, s Settings) Option {
	return func(c *Client) { c.settings[queue] = s }
}

// WithClock injects the time source used for leases and redelivery.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.clock = fn }
}

// WithDeadLetterHook registers a callback fired once per dead-lettered job.
func WithDeadLetterHook(fn func(context.Context, DeadLetter)) Option {
	return func(c *Client) { c.onDeadLetter = fn }
}

// WithTelemetry records queue operations through the provider.
func WithTelemetry(p *observability.Provider) Option {
	return func(c *Client) { c.obs = p }
}

// New builds a queue client over an existing Redis connection.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:      rdb,
		settings: make(map[string]Settings),
		logger:   slog.Default().With("component", "queue"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settings returns the delivery settings for a named queue.
func (c *Client) Settings(queue string) Settings {
	if s, ok := c.settings[queue]; ok {
		return s
	}
	return DefaultSettings()
}

func (c *Client) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if c.obs == nil {
		return ctx, func(error) {}
	}
	return c.obs.TrackOperation(ctx, name, attrs...)
}

// Enqueue submits a payload. A non-empty dedupKey absorbs the submission
// when an active job already carries the same key; the result then names
// the existing job. A full queue fails with Backpressure.
func (c *Client) Enqueue(ctx context.Context, queue string, pri Priority, dedupKey string, payload any) (*EnqueueResult, error) {
	const op = "queue.Enqueue"
	if pri == "" {
		pri = PriorityNormal
	}
	switch pri {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return nil, errkind.Errorf(errkind.BadRange, op, "unknown priority %q", pri)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	job := Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Priority:   pri,
		DedupKey:   dedupKey,
		Payload:    body,
		EnqueuedAt: c.clock().UTC(),
	}
	envelope, err := json.Marshal(job)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	ctx, finish := c.track(ctx, "queue.enqueue", observability.QueueOperation(queue, string(pri), job.ID)...)
	k := queueKeys(queue)
	res, err := enqueueScript.Run(ctx, c.rdb,
		[]string{k.ready(PriorityHigh), k.ready(PriorityNormal), k.ready(PriorityLow),
			k.delayed(), k.inflight(), k.payload(), k.prio(), k.dkeys(), k.dedup()},
		job.ID, string(pri), envelope, dedupKey, c.Settings(queue).HardLimit).Result()
	if err != nil {
		finish(err)
		return nil, errkind.E(errkind.CacheUnavailable, op, err)
	}
	finish(nil)

	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return nil, errkind.Errorf(errkind.Internal, op, "unexpected enqueue reply %v", res)
	}
	switch asInt64(parts[0]) {
	case -1:
		return nil, errkind.Errorf(errkind.Backpressure, op,
			"queue %s is at hard limit (depth %d)", queue, asInt64(parts[1]))
	case 0:
		return &EnqueueResult{JobID: asString(parts[1]), Absorbed: true}, nil
	default:
		return &EnqueueResult{JobID: job.ID, Depth: asInt64(parts[1])}, nil
	}
}

// Dequeue leases the next job, highest priority first, FIFO within a
// priority. Returns (nil, nil) when the queue is idle.
func (c *Client) Dequeue(ctx context.Context, queue string) (*Job, error) {
	const op = "queue.Dequeue"
	k := queueKeys(queue)
	s := c.Settings(queue)

	res, err := dequeueScript.Run(ctx, c.rdb,
		[]string{k.ready(PriorityHigh), k.ready(PriorityNormal), k.ready(PriorityLow),
			k.inflight(), k.payload(), k.attempts()},
		c.clock().UnixMilli(), s.Visibility.Milliseconds()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errkind.E(errkind.CacheUnavailable, op, err)
	}

	parts, ok := res.([]any)
	if !ok || len(parts) != 3 {
		return nil, errkind.Errorf(errkind.Internal, op, "unexpected dequeue reply %v", res)
	}
	id := asString(parts[0])
	body := asString(parts[1])
	if body == "" {
		// Envelope lost; the lease reaper will dead-letter the orphan once
		// its attempts run out.
		return nil, errkind.Errorf(errkind.Internal, op, "job %s has no payload", id)
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, errkind.Errorf(errkind.Internal, op, "job %s envelope corrupt: %v", id, err)
	}
	job.Attempt = int(asInt64(parts[2]))
	return &job, nil
}

// Ack removes a finished job. ok=false means the lease had already expired
// and the job will run again elsewhere; at-least-once delivery makes that a
// survivable race, not an error.
func (c *Client) Ack(ctx context.Context, queue, jobID string) (bool, error) {
	const op = "queue.Ack"
	k := queueKeys(queue)
	n, err := ackScript.Run(ctx, c.rdb,
		[]string{k.inflight(), k.payload(), k.attempts(), k.prio(), k.dkeys(), k.dedup(), k.lasterr()},
		jobID).Int64()
	if err != nil {
		return false, errkind.E(errkind.CacheUnavailable, op, err)
	}
	return n == 1, nil
}

// Nack reports a failed delivery. Retryable causes park the job in the
// delayed set with exponential backoff; fatal causes and exhausted attempt
// budgets dead-letter it and fire the dead-letter hook.
func (c *Client) Nack(ctx context.Context, queue, jobID string, attempt int, cause error) (NackOutcome, error) {
	const op = "queue.Nack"
	k := queueKeys(queue)
	s := c.Settings(queue)

	fatal := "0"
	if !errkind.Retryable(cause) {
		fatal = "1"
	}
	kind := string(errkind.KindOf(cause))
	readyAt := c.clock().Add(redeliveryDelay(attempt)).UnixMilli()

	n, err := nackScript.Run(ctx, c.rdb,
		[]string{k.inflight(), k.delayed(), k.dead(), k.attempts(), k.dkeys(), k.dedup(), k.lasterr()},
		jobID, readyAt, fatal, s.MaxAttempts, kind).Int64()
	if err != nil {
		return NackLost, errkind.E(errkind.CacheUnavailable, op, err)
	}
	outcome := NackOutcome(n)
	if outcome == NackDeadLettered {
		c.fireDeadLetter(ctx, queue, jobID)
	}
	return outcome, nil
}

// ReapExpired redelivers jobs whose visibility lease lapsed, dead-letters
// the ones out of attempts, and promotes delayed jobs that are due. Safe to
// run from every consumer.
func (c *Client) ReapExpired(ctx context.Context, queue string) ([]DeadLetter, error) {
	const op = "queue.ReapExpired"
	const batch = 128
	k := queueKeys(queue)
	s := c.Settings(queue)

	res, err := reapScript.Run(ctx, c.rdb,
		[]string{k.ready(PriorityHigh), k.ready(PriorityNormal), k.ready(PriorityLow),
			k.delayed(), k.inflight(), k.dead(), k.attempts(), k.prio(), k.dkeys(), k.dedup()},
		c.clock().UnixMilli(), s.MaxAttempts, batch).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errkind.E(errkind.CacheUnavailable, op, err)
	}

	var dead []DeadLetter
	if parts, ok := res.([]any); ok {
		for _, p := range parts {
			dl := c.fireDeadLetter(ctx, queue, asString(p))
			dead = append(dead, dl)
		}
	}
	return dead, nil
}

// DeadLetters lists up to limit dead-lettered jobs, newest first.
func (c *Client) DeadLetters(ctx context.Context, queue string, limit int64) ([]DeadLetter, error) {
	const op = "queue.DeadLetters"
	if limit <= 0 {
		limit = 100
	}
	k := queueKeys(queue)
	ids, err := c.rdb.LRange(ctx, k.dead(), 0, limit-1).Result()
	if err != nil {
		return nil, errkind.E(errkind.CacheUnavailable, op, err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.loadDeadLetter(ctx, queue, id))
	}
	return out, nil
}

// RequeueDead puts a dead-lettered job back on its priority list with a
// fresh attempt budget.
func (c *Client) RequeueDead(ctx context.Context, queue, jobID string) error {
	const op = "queue.RequeueDead"
	k := queueKeys(queue)
	n, err := requeueScript.Run(ctx, c.rdb,
		[]string{k.dead(), k.ready(PriorityHigh), k.ready(PriorityNormal), k.ready(PriorityLow),
			k.payload(), k.attempts(), k.prio()},
		jobID).Int64()
	if err != nil {
		return errkind.E(errkind.CacheUnavailable, op, err)
	}
	if n == 0 {
		return errkind.Errorf(errkind.NotFound, op, "job %s is not dead-lettered on %s", jobID, queue)
	}
	return nil
}

// Depth counts jobs that are ready, delayed, or in flight. Dead letters are
// not part of the backlog.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	const op = "queue.Depth"
	k := queueKeys(queue)

	pipe := c.rdb.Pipeline()
	high := pipe.LLen(ctx, k.ready(PriorityHigh))
	normal := pipe.LLen(ctx, k.ready(PriorityNormal))
	low := pipe.LLen(ctx, k.ready(PriorityLow))
	delayed := pipe.ZCard(ctx, k.delayed())
	inflight := pipe.ZCard(ctx, k.inflight())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errkind.E(errkind.CacheUnavailable, op, err)
	}
	return high.Val() + normal.Val() + low.Val() + delayed.Val() + inflight.Val(), nil
}

// SoftLimited reports whether the backlog crossed the queue's soft limit,
// the signal the crawler uses to pause host polling.
func (c *Client) SoftLimited(ctx context.Context, queue string) (bool, error) {
	depth, err := c.Depth(ctx, queue)
	if err != nil {
		return false, err
	}
	return depth >= c.Settings(queue).SoftLimit, nil
}

func (c *Client) fireDeadLetter(ctx context.Context, queue, jobID string) DeadLetter {
	dl := c.loadDeadLetter(ctx, queue, jobID)
	c.logger.WarnContext(ctx, "job dead-lettered",
		"queue", queue, "job_id", jobID,
		"attempts", dl.Attempts, "last_error_kind", dl.LastErrorKind)
	if c.onDeadLetter != nil {
		c.onDeadLetter(ctx, dl)
	}
	return dl
}

func (c *Client) loadDeadLetter(ctx context.Context, queue, jobID string) DeadLetter {
	k := queueKeys(queue)
	dl := DeadLetter{Queue: queue, JobID: jobID, LastErrorKind: string(errkind.Internal)}
	if kind, err := c.rdb.HGet(ctx, k.lasterr(), jobID).Result(); err == nil && kind != "" {
		dl.LastErrorKind = kind
	}
	if attempts, err := c.rdb.HGet(ctx, k.attempts(), jobID).Int(); err == nil {
		dl.Attempts = attempts
	}
	if body, err := c.rdb.HGet(ctx, k.payload(), jobID).Bytes(); err == nil {
		var job Job
		if json.Unmarshal(body, &job) == nil {
			dl.Job = &job
		}
	}
	return dl
}

func asInt64(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
