// Package events publishes the engine's outward-facing notifications.
// Producers stage typed payloads in the relational outbox inside the
// transaction that caused them; a dispatcher relays pending rows to a Redis
// pub/sub channel. Delivery is at-least-once, so every published frame
// carries the event id and occurrence time for consumer-side dedup.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

// Topics produced for downstream services.
const (
	TopicAnalysisCompleted = "analysis.completed"
	TopicDocumentChanged   = "document.changed"
	TopicAlertOpened       = "compliance.alert_opened"
	TopicDeadLetter        = "dead_letter"
)

// AnalysisCompleted announces a finished pipeline run.
type AnalysisCompleted struct {
	AnalysisID       string    `json:"analysis_id"`
	DocumentID       string    `json:"document_id"`
	OverallRiskScore int       `json:"overall_risk_score"`
	CompletedAt      time.Time `json:"completed_at"`
}

// DocumentChanged announces a new document version.
type DocumentChanged struct {
	DocumentID string    `json:"document_id"`
	VersionSeq int       `json:"version_seq"`
	ChangeKind string    `json:"change_kind"`
	DetectedAt time.Time `json:"detected_at"`
}

// AlertOpened announces a new compliance alert.
type AlertOpened struct {
	AlertID      string    `json:"alert_id"`
	DocumentID   string    `json:"document_id"`
	Jurisdiction string    `json:"jurisdiction"`
	Severity     string    `json:"severity"`
	OpenedAt     time.Time `json:"opened_at"`
}

// DeadLetter announces a job that exhausted its delivery attempts.
type DeadLetter struct {
	Queue         string `json:"queue"`
	JobID         string `json:"job_id"`
	LastErrorKind string `json:"last_error_kind"`
	Attempts      int    `json:"attempts"`
}

// Envelope is the published frame.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Topic      string          `json:"topic"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Stage writes one event into the outbox within the caller's transaction.
func Stage(ctx context.Context, tx *store.Tx, topic string, payload any) (*store.OutboxRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.E(errkind.Internal, "events.Stage", err)
	}
	return tx.EnqueueEvent(ctx, topic, data)
}

// StageDeadLetter returns a queue hook that records an exhausted job as a
// dead_letter event. The hook runs outside any producer transaction, so it
// opens its own.
func StageDeadLetter(st *store.Store) func(context.Context, queue.DeadLetter) {
	logger := slog.Default().With("component", "events")
	return func(ctx context.Context, d queue.DeadLetter) {
		err := st.WithTx(ctx, func(tx *store.Tx) error {
			_, err := Stage(ctx, tx, TopicDeadLetter, DeadLetter{
				Queue:         d.Queue,
				JobID:         d.JobID,
				LastErrorKind: d.LastErrorKind,
				Attempts:      d.Attempts,
			})
			return err
		})
		if err != nil {
			logger.WarnContext(ctx, "dead letter event not staged",
				"queue", d.Queue, "job_id", d.JobID, "error", err)
		}
	}
}

// ComposeDeadLetterHooks fans one queue dead-letter callback out to several.
func ComposeDeadLetterHooks(hooks ...func(context.Context, queue.DeadLetter)) func(context.Context, queue.DeadLetter) {
	return func(ctx context.Context, d queue.DeadLetter) {
		for _, h := range hooks {
			h(ctx, d)
		}
	}
}
