package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fineprintai/engine/pkg/errkind"
)

const alertColumns = `id, document_id, rule_id, jurisdiction, pattern_id, severity, status,
	evidence, evidence_hash, detected_at, acknowledged_at, resolved_at`

// OpenAlert opens a compliance alert unless an equal one — same document,
// rule, pattern, and severity — is already open within the dedup window.
// Returns whether a new row was created.
func (s *Store) OpenAlert(ctx context.Context, alert ComplianceAlert, window time.Duration) (bool, error) {
	return openAlert(ctx, s.db, s.clock, alert, window)
}

// OpenAlert is the transactional variant, used when the alert must land
// atomically with its outbox event and processing marker.
func (t *Tx) OpenAlert(ctx context.Context, alert ComplianceAlert, window time.Duration) (bool, error) {
	return openAlert(ctx, t.tx, t.s.clock, alert, window)
}

func openAlert(ctx context.Context, db dbtx, clock func() time.Time, alert ComplianceAlert, window time.Duration) (bool, error) {
	const op = "store.OpenAlert"
	now := clock()

	var existing string
	err := db.QueryRowContext(ctx, `SELECT id FROM compliance_alerts
		WHERE document_id = $1 AND rule_id = $2 AND pattern_id IS NOT DISTINCT FROM $3
		  AND severity = $4 AND status = $5 AND detected_at > $6
		LIMIT 1`,
		alert.DocumentID, alert.RuleID, alert.PatternID, alert.Severity,
		AlertOpen, now.Add(-window)).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, errkind.E(errkind.Internal, op, err)
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.DetectedAt.IsZero() {
		alert.DetectedAt = now
	}
	if len(alert.Evidence) == 0 {
		alert.Evidence = []byte("{}")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO compliance_alerts
		(id, document_id, rule_id, jurisdiction, pattern_id, severity, status,
		 evidence, evidence_hash, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		alert.ID, alert.DocumentID, alert.RuleID, alert.Jurisdiction, alert.PatternID,
		alert.Severity, AlertOpen, alert.Evidence, alert.EvidenceHash, alert.DetectedAt)
	if err != nil {
		return false, errkind.E(errkind.Internal, op, err)
	}
	return true, nil
}

// ListOpenAlerts returns a document's open alerts, newest first.
func (s *Store) ListOpenAlerts(ctx context.Context, documentID string) ([]ComplianceAlert, error) {
	const op = "store.ListOpenAlerts"
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM compliance_alerts
		WHERE document_id = $1 AND status = $2 ORDER BY detected_at DESC`,
		documentID, AlertOpen)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ComplianceAlert
	for rows.Next() {
		var a ComplianceAlert
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.RuleID, &a.Jurisdiction, &a.PatternID,
			&a.Severity, &a.Status, &a.Evidence, &a.EvidenceHash,
			&a.DetectedAt, &a.AcknowledgedAt, &a.ResolvedAt); err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}

// AcknowledgeAlert moves an open alert to acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string) error {
	const op = "store.AcknowledgeAlert"
	res, err := s.db.ExecContext(ctx, `UPDATE compliance_alerts
		SET status = $3, acknowledged_at = $4
		WHERE id = $1 AND status = $2`,
		id, AlertOpen, AlertAcknowledged, s.clock())
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return alertTransitionOutcome(ctx, s.db, op, id, res)
}

// ResolveAlert closes an open or acknowledged alert.
func (s *Store) ResolveAlert(ctx context.Context, id string) error {
	const op = "store.ResolveAlert"
	res, err := s.db.ExecContext(ctx, `UPDATE compliance_alerts
		SET status = $4, resolved_at = $5
		WHERE id = $1 AND status IN ($2, $3)`,
		id, AlertOpen, AlertAcknowledged, AlertResolved, s.clock())
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return alertTransitionOutcome(ctx, s.db, op, id, res)
}

// alertTransitionOutcome distinguishes a missing alert from one whose status
// already moved past the transition's precondition.
func alertTransitionOutcome(ctx context.Context, db dbtx, op, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	if n > 0 {
		return nil
	}
	var status AlertStatus
	err = db.QueryRowContext(ctx, `SELECT status FROM compliance_alerts WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, "alert", id)
	}
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	return errkind.Errorf(errkind.Conflict, op, "alert %s is %s", id, status)
}
