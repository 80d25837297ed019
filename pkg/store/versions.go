package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fineprintai/engine/pkg/errkind"
)

const versionColumns = `id, document_id, version_seq, fingerprint, content_length,
	captured_at, detected_change_kind, change_summary, significant_changes, risk_delta`

// AppendVersionParams carries the write fields for one content snapshot.
type AppendVersionParams struct {
	DocumentID         string
	Fingerprint        string
	ContentLength      int64
	ChangeKind         ChangeKind
	ChangeSummary      string
	SignificantChanges []string
	RiskDelta          int
}

// AppendVersion writes the next immutable snapshot of a document. The
// version sequence is assigned atomically and stays contiguous from 1.
// Appending a fingerprint identical to the latest version fails with
// FingerprintUnchanged unless the snapshot is the initial one.
func (s *Store) AppendVersion(ctx context.Context, p AppendVersionParams) (*DocumentVersion, error) {
	var v *DocumentVersion
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.AppendVersion(ctx, p)
		return err
	})
	return v, err
}

// AppendVersion is the transactional variant, used when the snapshot write
// shares a transaction with analysis creation.
func (t *Tx) AppendVersion(ctx context.Context, p AppendVersionParams) (*DocumentVersion, error) {
	const op = "store.AppendVersion"

	latest, err := latestVersion(ctx, t.tx, p.DocumentID)
	switch {
	case err == nil:
		if latest.Fingerprint == p.Fingerprint && p.ChangeKind != ChangeInitial {
			return nil, errkind.Errorf(errkind.FingerprintUnchanged, op,
				"document %s latest version %d already holds this fingerprint", p.DocumentID, latest.VersionSeq)
		}
	case errkind.Is(err, errkind.NotFound):
		latest = nil
	default:
		return nil, err
	}

	seq := 1
	if latest != nil {
		seq = latest.VersionSeq + 1
	}
	if p.SignificantChanges == nil {
		p.SignificantChanges = []string{}
	}
	v := &DocumentVersion{
		ID:                 uuid.New().String(),
		DocumentID:         p.DocumentID,
		VersionSeq:         seq,
		Fingerprint:        p.Fingerprint,
		ContentLength:      p.ContentLength,
		CapturedAt:         t.s.clock().UTC(),
		DetectedChangeKind: p.ChangeKind,
		ChangeSummary:      p.ChangeSummary,
		SignificantChanges: p.SignificantChanges,
		RiskDelta:          p.RiskDelta,
	}

	_, err = t.tx.ExecContext(ctx, `INSERT INTO document_versions
		(id, document_id, version_seq, fingerprint, content_length, captured_at,
		 detected_change_kind, change_summary, significant_changes, risk_delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.DocumentID, v.VersionSeq, v.Fingerprint, v.ContentLength, v.CapturedAt,
		v.DetectedChangeKind, v.ChangeSummary, pq.Array(v.SignificantChanges), v.RiskDelta)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, errkind.E(errkind.Conflict, op, err)
		}
		return nil, errkind.E(errkind.Internal, op, err)
	}

	// The document row mirrors the latest snapshot for fingerprint lookups.
	_, err = t.tx.ExecContext(ctx, `UPDATE documents
		SET content_fingerprint = $2, content_length = $3,
		    row_version = row_version + 1, updated_at = $4
		WHERE id = $1`, v.DocumentID, v.Fingerprint, v.ContentLength, v.CapturedAt)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return v, nil
}

// LatestVersion returns the most recent snapshot of a document.
func (s *Store) LatestVersion(ctx context.Context, documentID string) (*DocumentVersion, error) {
	return latestVersion(ctx, s.db, documentID)
}

func latestVersion(ctx context.Context, db dbtx, documentID string) (*DocumentVersion, error) {
	const op = "store.LatestVersion"
	row := db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions
		WHERE document_id = $1 ORDER BY version_seq DESC LIMIT 1`, documentID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "version for document", documentID)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return v, nil
}

// GetVersion loads one snapshot by id.
func (s *Store) GetVersion(ctx context.Context, id string) (*DocumentVersion, error) {
	const op = "store.GetVersion"
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id = $1`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "version", id)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return v, nil
}

// SetVersionRiskDelta records the true risk delta once the analysis of a
// snapshot completes. risk_delta is the only mutable version field.
func (t *Tx) SetVersionRiskDelta(ctx context.Context, versionID string, delta int) error {
	const op = "store.SetVersionRiskDelta"
	res, err := t.tx.ExecContext(ctx,
		`UPDATE document_versions SET risk_delta = $2 WHERE id = $1`, versionID, delta)
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(op, "version", versionID)
	}
	return nil
}

func scanVersion(r rowScanner) (*DocumentVersion, error) {
	var v DocumentVersion
	err := r.Scan(&v.ID, &v.DocumentID, &v.VersionSeq, &v.Fingerprint, &v.ContentLength,
		&v.CapturedAt, &v.DetectedChangeKind, &v.ChangeSummary,
		pq.Array(&v.SignificantChanges), &v.RiskDelta)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
