package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/fineprintai/engine/pkg/errkind"
)

const monitorJobColumns = `id, document_id, state, attempt, last_error_kind,
	scheduled_at, dispatched_at, completed_at`

// ScheduleMonitorJob creates a scheduled job for a document. The partial
// unique index keeps at most one scheduled-or-running job per document;
// hitting it maps to Conflict so schedulers racing on the same document
// converge on a single job.
func (s *Store) ScheduleMonitorJob(ctx context.Context, documentID string) (*MonitorJob, error) {
	const op = "store.ScheduleMonitorJob"
	job := MonitorJob{
		ID:          uuid.New().String(),
		DocumentID:  documentID,
		State:       MonitorScheduled,
		ScheduledAt: s.clock(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO monitor_jobs
		(id, document_id, state, attempt, scheduled_at)
		VALUES ($1, $2, $3, 0, $4)`,
		job.ID, job.DocumentID, job.State, job.ScheduledAt)
	if isUniqueViolation(err, "monitor_jobs_one_active_per_document") {
		return nil, errkind.Errorf(errkind.Conflict, op,
			"document %s already has an active monitor job", documentID)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return &job, nil
}

// MarkMonitorJobRunning claims a scheduled job for execution.
func (s *Store) MarkMonitorJobRunning(ctx context.Context, id string, attempt int) error {
	const op = "store.MarkMonitorJobRunning"
	res, err := s.db.ExecContext(ctx, `UPDATE monitor_jobs
		SET state = $3, attempt = $4, dispatched_at = $5
		WHERE id = $1 AND state = $2`,
		id, MonitorScheduled, MonitorRunning, attempt, s.clock())
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return monitorTransitionOutcome(ctx, s.db, op, id, res)
}

// CompleteMonitorJob finishes a running job. A nil errorKind marks the job
// done; otherwise the job is failed with the kind recorded for triage.
func (s *Store) CompleteMonitorJob(ctx context.Context, id string, errorKind *string) error {
	const op = "store.CompleteMonitorJob"
	state := MonitorDone
	if errorKind != nil {
		state = MonitorFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE monitor_jobs
		SET state = $3, last_error_kind = $4, completed_at = $5
		WHERE id = $1 AND state = $2`,
		id, MonitorRunning, state, errorKind, s.clock())
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return monitorTransitionOutcome(ctx, s.db, op, id, res)
}

// CancelMonitorJob cancels a job that has not started running. Used when a
// document's monitoring is switched off with a job still queued.
func (s *Store) CancelMonitorJob(ctx context.Context, id string) error {
	const op = "store.CancelMonitorJob"
	res, err := s.db.ExecContext(ctx, `UPDATE monitor_jobs
		SET state = $3, completed_at = $4
		WHERE id = $1 AND state = $2`,
		id, MonitorScheduled, MonitorCanceled, s.clock())
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return monitorTransitionOutcome(ctx, s.db, op, id, res)
}

// ActiveMonitorJob returns the scheduled or running job for a document, if any.
func (s *Store) ActiveMonitorJob(ctx context.Context, documentID string) (*MonitorJob, error) {
	const op = "store.ActiveMonitorJob"
	row := s.db.QueryRowContext(ctx, `SELECT `+monitorJobColumns+` FROM monitor_jobs
		WHERE document_id = $1 AND state IN ($2, $3)`,
		documentID, MonitorScheduled, MonitorRunning)
	job, err := scanMonitorJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "monitor job for document", documentID)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return job, nil
}

func monitorTransitionOutcome(ctx context.Context, db dbtx, op, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	if n > 0 {
		return nil
	}
	var state MonitorState
	err = db.QueryRowContext(ctx, `SELECT state FROM monitor_jobs WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, "monitor job", id)
	}
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return errkind.Errorf(errkind.Conflict, op, "monitor job %s is %s", id, state)
}

func scanMonitorJob(row rowScanner) (*MonitorJob, error) {
	var j MonitorJob
	err := row.Scan(&j.ID, &j.DocumentID, &j.State, &j.Attempt, &j.LastErrorKind,
		&j.ScheduledAt, &j.DispatchedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
