package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/observability"
)

// Handler processes one delivered job. A nil return acknowledges the job;
// a retryable error reschedules it with backoff; a fatal error dead-letters
// it. Handlers must be idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, job *Job) error

const (
	idlePoll     = 500 * time.Millisecond
	reapInterval = 5 * time.Second
)

// Consume runs a delivery loop on one queue until ctx is canceled. Each
// consumer doubles as a lease reaper so expired work is redelivered even
// when the worker that held it is gone.
func (c *Client) Consume(ctx context.Context, queue string, h Handler) error {
	log := c.logger.With("queue", queue)
	var lastReap time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(lastReap) >= reapInterval {
			if _, err := c.ReapExpired(ctx, queue); err != nil && ctx.Err() == nil {
				log.WarnContext(ctx, "lease reap failed", "error", err)
			}
			lastReap = time.Now()
		}

		job, err := c.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WarnContext(ctx, "dequeue failed", "error", err)
			sleep(ctx, idlePoll)
			continue
		}
		if job == nil {
			sleep(ctx, idlePoll)
			continue
		}
		c.dispatch(ctx, queue, job, h)
	}
}

func (c *Client) dispatch(ctx context.Context, queue string, job *Job, h Handler) {
	log := c.logger.With("queue", queue, "job_id", job.ID, "attempt", job.Attempt)

	jctx, finish := c.track(ctx, "queue.consume",
		observability.QueueOperation(queue, string(job.Priority), job.ID)...)
	err := h(jctx, job)
	finish(err)

	if err == nil {
		acked, ackErr := c.Ack(ctx, queue, job.ID)
		switch {
		case ackErr != nil:
			log.ErrorContext(ctx, "ack failed", "error", ackErr)
		case !acked:
			log.WarnContext(ctx, "lease expired before ack, job may run again")
		}
		return
	}

	outcome, nackErr := c.Nack(ctx, queue, job.ID, job.Attempt, err)
	if nackErr != nil {
		log.ErrorContext(ctx, "nack failed", "error", nackErr, "cause", err)
		return
	}
	switch outcome {
	case NackRescheduled:
		log.InfoContext(ctx, "job rescheduled",
			"error_kind", errkind.KindOf(err), "error", err)
	case NackDeadLettered:
		log.ErrorContext(ctx, "job dead-lettered",
			"error_kind", errkind.KindOf(err), "error", err)
	case NackLost:
		log.WarnContext(ctx, "lease expired before nack", "error", err)
	}
}

// redeliveryDelay computes the wait before the given attempt runs again:
// exponential from a 2s base with ±25% jitter, capped at 15 minutes.
func redeliveryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = 15 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
