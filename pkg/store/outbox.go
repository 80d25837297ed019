package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/fineprintai/engine/pkg/errkind"
)

// EnqueueEvent writes a pending outbox row. It runs inside the transaction
// that produced the state being announced, so an event exists exactly when
// its cause committed.
func (t *Tx) EnqueueEvent(ctx context.Context, topic string, payload []byte) (*OutboxRecord, error) {
	const op = "store.EnqueueEvent"
	rec := OutboxRecord{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		Status:      OutboxPending,
		ScheduledAt: t.s.clock(),
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO event_outbox
		(id, topic, payload, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.Topic, rec.Payload, rec.Status, rec.ScheduledAt)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return &rec, nil
}

// PendingEvents returns up to limit unpublished rows in schedule order.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]OutboxRecord, error) {
	const op = "store.PendingEvents"
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, topic, payload, status, scheduled_at, published_at
		FROM event_outbox WHERE status = $1 ORDER BY scheduled_at LIMIT $2`,
		OutboxPending, limit)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.Status,
			&rec.ScheduledAt, &rec.PublishedAt); err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}

// MarkEventPublished flips one row to DONE after the relay delivered it.
func (s *Store) MarkEventPublished(ctx context.Context, id string) error {
	const op = "store.MarkEventPublished"
	res, err := s.db.ExecContext(ctx, `UPDATE event_outbox
		SET status = $2, published_at = $3 WHERE id = $1 AND status = $4`,
		id, OutboxDone, s.clock(), OutboxPending)
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	if n == 0 {
		return notFound(op, "pending event", id)
	}
	return nil
}

// PurgePublishedEvents trims DONE rows older than the horizon.
func (s *Store) PurgePublishedEvents(ctx context.Context, olderThan int) (int64, error) {
	const op = "store.PurgePublishedEvents"
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_outbox
		WHERE status = $1 AND published_at < NOW() - make_interval(days => $2)`,
		OutboxDone, olderThan)
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	return n, nil
}
