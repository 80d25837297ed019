package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fineprintai/engine/pkg/errkind"
)

const documentColumns = `id, owner_id, team_id, title, source_url, document_type,
	content_fingerprint, content_length, language, monitoring_enabled,
	monitor_interval_seconds, last_monitored_at, next_monitor_at, row_version,
	created_at, updated_at, deleted_at`

// UpsertDocumentParams carries the write fields for document intake.
type UpsertDocumentParams struct {
	OwnerID       string
	TeamID        *string
	Title         string
	DocumentType  DocumentType
	Fingerprint   string
	ContentLength int64
	Language      string
	SourceURL     *string
}

// UpsertDocument returns the live document for (owner, fingerprint) when one
// exists, otherwise inserts a new row. Re-uploading identical content always
// yields the same document; the stored title is never mutated on the
// existing path.
func (s *Store) UpsertDocument(ctx context.Context, p UpsertDocumentParams) (*Document, bool, error) {
	return upsertDocument(ctx, s.db, s.clock, p)
}

// UpsertDocument is the transactional variant.
func (t *Tx) UpsertDocument(ctx context.Context, p UpsertDocumentParams) (*Document, bool, error) {
	return upsertDocument(ctx, t.tx, t.s.clock, p)
}

func upsertDocument(ctx context.Context, db dbtx, clock func() time.Time, p UpsertDocumentParams) (*Document, bool, error) {
	const op = "store.UpsertDocument"

	existing, err := documentByFingerprint(ctx, db, p.OwnerID, p.Fingerprint)
	if err == nil {
		return existing, false, nil
	}
	if !errkind.Is(err, errkind.NotFound) {
		return nil, false, err
	}

	if p.Language == "" {
		p.Language = "en"
	}
	now := clock().UTC()
	doc := &Document{
		ID:                 uuid.New().String(),
		OwnerID:            p.OwnerID,
		TeamID:             p.TeamID,
		Title:              p.Title,
		SourceURL:          p.SourceURL,
		DocumentType:       p.DocumentType,
		ContentFingerprint: p.Fingerprint,
		ContentLength:      p.ContentLength,
		Language:           p.Language,
		RowVersion:         1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err = db.ExecContext(ctx, `INSERT INTO documents
		(id, owner_id, team_id, title, source_url, document_type, content_fingerprint,
		 content_length, language, row_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		doc.ID, doc.OwnerID, doc.TeamID, doc.Title, doc.SourceURL, doc.DocumentType,
		doc.ContentFingerprint, doc.ContentLength, doc.Language, doc.RowVersion,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		// A concurrent intake of the same content won the insert race; the
		// partial unique index makes that the canonical row.
		if isUniqueViolation(err, "documents_owner_fingerprint_live") {
			existing, selErr := documentByFingerprint(ctx, db, p.OwnerID, p.Fingerprint)
			if selErr != nil {
				return nil, false, selErr
			}
			return existing, false, nil
		}
		return nil, false, errkind.E(errkind.Internal, op, err)
	}
	return doc, true, nil
}

// GetDocument loads a document by id, tombstoned rows included.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	return getDocument(ctx, s.db, id)
}

// GetDocument is the transactional variant.
func (t *Tx) GetDocument(ctx context.Context, id string) (*Document, error) {
	return getDocument(ctx, t.tx, id)
}

func getDocument(ctx context.Context, db dbtx, id string) (*Document, error) {
	const op = "store.GetDocument"
	row := db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "document", id)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return doc, nil
}

// GetDocumentByFingerprint loads the live document for (owner, fingerprint).
func (s *Store) GetDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (*Document, error) {
	return documentByFingerprint(ctx, s.db, ownerID, fingerprint)
}

func documentByFingerprint(ctx context.Context, db dbtx, ownerID, fingerprint string) (*Document, error) {
	const op = "store.GetDocumentByFingerprint"
	row := db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE owner_id = $1 AND content_fingerprint = $2 AND deleted_at IS NULL`,
		ownerID, fingerprint)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "document", fingerprint)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return doc, nil
}

// ListDocumentsByOwner returns all live documents for an owner.
func (s *Store) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	const op = "store.ListDocumentsByOwner"
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}

// ListDueMonitoring returns documents whose monitoring schedule is due at or
// before now, oldest first.
func (s *Store) ListDueMonitoring(ctx context.Context, now time.Time, limit int) ([]Document, error) {
	const op = "store.ListDueMonitoring"
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE monitoring_enabled AND deleted_at IS NULL
		  AND (next_monitor_at IS NULL OR next_monitor_at <= $1)
		ORDER BY next_monitor_at NULLS FIRST LIMIT $2`, now, limit)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}

// SetMonitoring enables or disables monitoring for a document. Enabling
// requires a positive interval and schedules the first fetch immediately.
func (s *Store) SetMonitoring(ctx context.Context, id string, enabled bool, intervalSeconds int) error {
	const op = "store.SetMonitoring"
	if enabled && intervalSeconds <= 0 {
		return errkind.Errorf(errkind.BadRange, op, "monitor interval must be positive, got %d", intervalSeconds)
	}
	now := s.clock().UTC()
	return s.guardedDocumentUpdate(ctx, op, id, func(doc *Document) (string, []any) {
		if enabled {
			return `monitoring_enabled = TRUE, monitor_interval_seconds = $3, next_monitor_at = $4`,
				[]any{intervalSeconds, now}
		}
		return `monitoring_enabled = FALSE, monitor_interval_seconds = NULL, next_monitor_at = NULL`, nil
	})
}

// TouchLastMonitored records a completed monitoring pass that found no
// content change.
func (s *Store) TouchLastMonitored(ctx context.Context, id string, at time.Time) error {
	const op = "store.TouchLastMonitored"
	return s.guardedDocumentUpdate(ctx, op, id, func(doc *Document) (string, []any) {
		return `last_monitored_at = $3`, []any{at.UTC()}
	})
}

// AdvanceMonitorSchedule moves next_monitor_at forward by the document's
// interval after a monitor job is dispatched.
func (s *Store) AdvanceMonitorSchedule(ctx context.Context, id string, at time.Time) error {
	const op = "store.AdvanceMonitorSchedule"
	return s.guardedDocumentUpdate(ctx, op, id, func(doc *Document) (string, []any) {
		interval := time.Hour
		if doc.MonitorIntervalSeconds != nil && *doc.MonitorIntervalSeconds > 0 {
			interval = time.Duration(*doc.MonitorIntervalSeconds) * time.Second
		}
		return `last_monitored_at = $3, next_monitor_at = $4`,
			[]any{at.UTC(), at.UTC().Add(interval)}
	})
}

// SoftDeleteDocument tombstones a document. Versions, analyses, and findings
// stay readable; the caller invalidates caches.
func (s *Store) SoftDeleteDocument(ctx context.Context, id string) error {
	const op = "store.SoftDeleteDocument"
	return s.guardedDocumentUpdate(ctx, op, id, func(doc *Document) (string, []any) {
		return `deleted_at = $3, monitoring_enabled = FALSE, next_monitor_at = NULL`,
			[]any{s.clock().UTC()}
	})
}

// guardedDocumentUpdate applies an optimistic-concurrency update: the SET
// clause built by fn runs only while row_version is unchanged since the
// read. A lost race is retried once before OptimisticConflict.
func (s *Store) guardedDocumentUpdate(ctx context.Context, op, id string, fn func(doc *Document) (string, []any)) error {
	for attempt := 0; attempt < 2; attempt++ {
		doc, err := getDocument(ctx, s.db, id)
		if err != nil {
			return err
		}
		setClause, extra := fn(doc)
		args := append([]any{id, doc.RowVersion}, extra...)
		res, err := s.db.ExecContext(ctx, `UPDATE documents SET `+setClause+
			`, row_version = row_version + 1, updated_at = NOW()
			WHERE id = $1 AND row_version = $2`, args...)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		if n == 1 {
			return nil
		}
	}
	return errkind.Errorf(errkind.OptimisticConflict, op, "document %s changed concurrently", id)
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var d Document
	var interval sql.NullInt64
	err := r.Scan(&d.ID, &d.OwnerID, &d.TeamID, &d.Title, &d.SourceURL, &d.DocumentType,
		&d.ContentFingerprint, &d.ContentLength, &d.Language, &d.MonitoringEnabled,
		&interval, &d.LastMonitoredAt, &d.NextMonitorAt, &d.RowVersion,
		&d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if err != nil {
		return nil, err
	}
	if interval.Valid {
		v := int(interval.Int64)
		d.MonitorIntervalSeconds = &v
	}
	return &d, nil
}
