package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/store"
)

const purgeEvery = time.Hour

// Dispatcher relays pending outbox rows to the pub/sub channel in schedule
// order and trims published rows past their retention. Multiple instances
// may run; a row published twice is resolved by consumer dedup on event_id.
type Dispatcher struct {
	store     *store.Store
	rdb       redis.UniversalClient
	cfg       config.EventsConfig
	clock     func() time.Time
	logger    *slog.Logger
	lastPurge time.Time
}

// DispatcherOption adjusts dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock substitutes the time source.
func WithDispatcherClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = fn }
}

// NewDispatcher builds the outbox relay.
func NewDispatcher(st *store.Store, rdb redis.UniversalClient, cfg config.EventsConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		rdb:    rdb,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "events"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run relays on the configured interval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		if n, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.WarnContext(ctx, "outbox dispatch failed", "published", n, "error", err)
		}
		d.maybePurge(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce relays one batch and reports how many rows it published. A
// publish failure stops the batch so schedule order is preserved; the
// remainder is retried next tick.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.store.PendingEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range pending {
		if err := d.publish(ctx, rec); err != nil {
			return published, err
		}
		if err := d.store.MarkEventPublished(ctx, rec.ID); err != nil {
			// A concurrent dispatcher won the row. Consumers dedup the frame.
			if errkind.Is(err, errkind.NotFound) {
				continue
			}
			return published, err
		}
		published++
	}
	if published > 0 {
		d.logger.InfoContext(ctx, "events published", "count", published)
	}
	return published, nil
}

func (d *Dispatcher) publish(ctx context.Context, rec store.OutboxRecord) error {
	frame, err := json.Marshal(Envelope{
		EventID:    rec.ID,
		Topic:      rec.Topic,
		OccurredAt: rec.ScheduledAt,
		Payload:    rec.Payload,
	})
	if err != nil {
		return errkind.E(errkind.Internal, "events.publish", err)
	}
	if err := d.rdb.Publish(ctx, d.cfg.Channel, frame).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", rec.ID, err)
	}
	return nil
}

// maybePurge trims relayed rows once per hour.
func (d *Dispatcher) maybePurge(ctx context.Context) {
	if d.cfg.RetentionDays <= 0 || d.clock().Sub(d.lastPurge) < purgeEvery {
		return
	}
	d.lastPurge = d.clock()
	n, err := d.store.PurgePublishedEvents(ctx, d.cfg.RetentionDays)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.WarnContext(ctx, "outbox purge failed", "error", err)
		}
		return
	}
	if n > 0 {
		d.logger.InfoContext(ctx, "published events purged", "count", n)
	}
}
