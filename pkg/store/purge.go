package store

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/fineprintai/engine/pkg/errkind"
)

// PurgeReport itemizes a hard purge so callers can finish the erasure in the
// cache and vector stores, which the relational transaction cannot reach.
type PurgeReport struct {
	OwnerID         string
	DocumentIDs     []string
	Fingerprints    []string
	AnalysisIDs     []string
	VersionsDeleted int64
	FindingsDeleted int64
	AlertsDeleted   int64
	JobsDeleted     int64
	AuditAnonymized int64
	PurgedAt        time.Time
}

// HardPurgeOwner is the GDPR deletion contract for one owner: every document
// row and its cascade (versions, analyses, findings, alerts, monitor jobs)
// is deleted, and that owner's audit records are anonymized in place. The
// report carries the identifiers the caller needs to erase cache entries and
// vector points afterward.
func (s *Store) HardPurgeOwner(ctx context.Context, ownerID string) (*PurgeReport, error) {
	const op = "store.HardPurgeOwner"
	report := &PurgeReport{OwnerID: ownerID, PurgedAt: s.clock()}

	err := s.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx,
			`SELECT id, content_fingerprint FROM documents WHERE owner_id = $1`, ownerID)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		for rows.Next() {
			var id, fp string
			if err := rows.Scan(&id, &fp); err != nil {
				_ = rows.Close()
				return errkind.E(errkind.Internal, op, err)
			}
			report.DocumentIDs = append(report.DocumentIDs, id)
			report.Fingerprints = append(report.Fingerprints, fp)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return errkind.E(errkind.Internal, op, err)
		}
		_ = rows.Close()

		if len(report.DocumentIDs) == 0 {
			return nil
		}
		ids := pq.Array(report.DocumentIDs)

		rows, err = tx.tx.QueryContext(ctx,
			`SELECT id FROM analyses WHERE document_id = ANY($1)`, ids)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return errkind.E(errkind.Internal, op, err)
			}
			report.AnalysisIDs = append(report.AnalysisIDs, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return errkind.E(errkind.Internal, op, err)
		}
		_ = rows.Close()

		report.VersionsDeleted, err = countRows(ctx, tx.tx,
			`SELECT COUNT(*) FROM document_versions WHERE document_id = ANY($1)`, ids)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		report.FindingsDeleted, err = countRows(ctx, tx.tx,
			`SELECT COUNT(*) FROM findings WHERE analysis_id IN
			 (SELECT id FROM analyses WHERE document_id = ANY($1))`, ids)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		report.AlertsDeleted, err = countRows(ctx, tx.tx,
			`SELECT COUNT(*) FROM compliance_alerts WHERE document_id = ANY($1)`, ids)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		report.JobsDeleted, err = countRows(ctx, tx.tx,
			`SELECT COUNT(*) FROM monitor_jobs WHERE document_id = ANY($1)`, ids)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}

		if len(report.AnalysisIDs) > 0 {
			_, err = tx.tx.ExecContext(ctx,
				`DELETE FROM compliance_markers WHERE analysis_id = ANY($1)`,
				pq.Array(report.AnalysisIDs))
			if err != nil {
				return errkind.E(errkind.Internal, op, err)
			}
		}

		// The document delete cascades to versions, analyses, findings,
		// alerts, and monitor jobs through the foreign keys.
		if _, err = tx.tx.ExecContext(ctx,
			`DELETE FROM documents WHERE owner_id = $1`, ownerID); err != nil {
			return errkind.E(errkind.Internal, op, err)
		}

		res, err := tx.tx.ExecContext(ctx, `UPDATE audit_records
			SET actor = NULL, before_state = NULL, after_state = NULL, anonymized = TRUE
			WHERE actor = $1`, ownerID)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		report.AuditAnonymized, err = res.RowsAffected()
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func countRows(ctx context.Context, db dbtx, query string, args ...any) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
