package store

import (
	"context"
	"database/sql"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fineprintai/engine/pkg/errkind"
)

const findingColumns = `id, analysis_id, category, title, description, severity, confidence,
	pattern_id, excerpt, position_start, position_end, recommendation, impact`

// maxExcerptChars mirrors the pipeline-wide excerpt bound.
const maxExcerptChars = 500

// InsertFindings writes all findings of one analysis atomically. Positions
// are validated against the content length of the analyzed version; excerpts
// past the bound are rejected rather than silently truncated.
func (s *Store) InsertFindings(ctx context.Context, analysisID string, findings []Finding) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertFindings(ctx, analysisID, findings)
	})
}

// InsertFindings is the transactional variant.
func (t *Tx) InsertFindings(ctx context.Context, analysisID string, findings []Finding) error {
	const op = "store.InsertFindings"
	if len(findings) == 0 {
		return nil
	}

	var contentLength int64
	err := t.tx.QueryRowContext(ctx, `SELECT v.content_length
		FROM analyses a JOIN document_versions v ON v.id = a.document_version_id
		WHERE a.id = $1`, analysisID).Scan(&contentLength)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, "analysis", analysisID)
	}
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}

	for i := range findings {
		f := &findings[i]
		if f.PositionStart < 0 || f.PositionStart >= f.PositionEnd || int64(f.PositionEnd) > contentLength {
			return errkind.Errorf(errkind.BadRange, op,
				"finding %d position [%d,%d) outside version content of %d bytes",
				i, f.PositionStart, f.PositionEnd, contentLength)
		}
		if utf8.RuneCountInString(f.Excerpt) > maxExcerptChars {
			return errkind.Errorf(errkind.BadRange, op,
				"finding %d excerpt exceeds %d characters", i, maxExcerptChars)
		}
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.AnalysisID = analysisID

		_, err := t.tx.ExecContext(ctx, `INSERT INTO findings
			(id, analysis_id, category, title, description, severity, confidence,
			 pattern_id, excerpt, position_start, position_end, recommendation, impact)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			f.ID, f.AnalysisID, f.Category, f.Title, f.Description, f.Severity, f.Confidence,
			f.PatternID, f.Excerpt, f.PositionStart, f.PositionEnd, f.Recommendation, f.Impact)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
	}
	return nil
}

// ListFindings returns the findings of an analysis ordered by position.
func (s *Store) ListFindings(ctx context.Context, analysisID string) ([]Finding, error) {
	const op = "store.ListFindings"
	rows, err := s.db.QueryContext(ctx, `SELECT `+findingColumns+` FROM findings
		WHERE analysis_id = $1 ORDER BY position_start, position_end`, analysisID)
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.ID, &f.AnalysisID, &f.Category, &f.Title, &f.Description,
			&f.Severity, &f.Confidence, &f.PatternID, &f.Excerpt,
			&f.PositionStart, &f.PositionEnd, &f.Recommendation, &f.Impact); err != nil {
			return nil, errkind.E(errkind.Internal, op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return out, nil
}
