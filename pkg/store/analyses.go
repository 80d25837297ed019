package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fineprintai/engine/pkg/errkind"
)

const analysisColumns = `id, document_id, document_version_id, owner_id, status, attempt,
	overall_risk_score, model_id, model_version, processing_ms, executive_summary,
	key_findings, recommendations, error_kind, created_at, started_at, completed_at, expires_at`

// CreateAnalysis opens a pending analysis for one document version. The
// partial unique index allows at most one non-terminal analysis per version;
// a second create fails with AnalysisInProgress.
func (s *Store) CreateAnalysis(ctx context.Context, documentID, versionID, ownerID string) (*Analysis, error) {
	var a *Analysis
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		a, err = tx.CreateAnalysis(ctx, documentID, versionID, ownerID)
		return err
	})
	return a, err
}

// CreateAnalysis is the transactional variant.
func (t *Tx) CreateAnalysis(ctx context.Context, documentID, versionID, ownerID string) (*Analysis, error) {
	const op = "store.CreateAnalysis"
	a := &Analysis{
		ID:                uuid.New().String(),
		DocumentID:        documentID,
		DocumentVersionID: versionID,
		OwnerID:           ownerID,
		Status:            AnalysisPending,
		KeyFindings:       []string{},
		Recommendations:   []string{},
		CreatedAt:         t.s.clock().UTC(),
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO analyses
		(id, document_id, document_version_id, owner_id, status, attempt,
		 key_findings, recommendations, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)`,
		a.ID, a.DocumentID, a.DocumentVersionID, a.OwnerID, a.Status,
		pq.Array(a.KeyFindings), pq.Array(a.Recommendations), a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "analyses_one_active_per_version") {
			return nil, errkind.Errorf(errkind.AnalysisInProgress, op,
				"version %s already has a non-terminal analysis", versionID)
		}
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return a, nil
}

// GetAnalysis loads one analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	return getAnalysis(ctx, s.db, id)
}

// GetAnalysis is the transactional variant.
func (t *Tx) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	return getAnalysis(ctx, t.tx, id)
}

func getAnalysis(ctx context.Context, db dbtx, id string) (*Analysis, error) {
	const op = "store.GetAnalysis"
	row := db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "analysis", id)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return a, nil
}

// LatestCompletedAnalysis returns a document's most recently completed run.
func (s *Store) LatestCompletedAnalysis(ctx context.Context, documentID string) (*Analysis, error) {
	const op = "store.LatestCompletedAnalysis"
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses
		WHERE document_id = $1 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`, documentID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "completed analysis for document", documentID)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return a, nil
}

// ActiveAnalysisForVersion returns the version's non-terminal analysis, the
// one the partial unique index admits. Intake uses it to re-dispatch an
// analysis whose queue job was lost.
func (s *Store) ActiveAnalysisForVersion(ctx context.Context, versionID string) (*Analysis, error) {
	const op = "store.ActiveAnalysisForVersion"
	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses
		WHERE document_version_id = $1 AND status IN ('pending', 'processing')
		LIMIT 1`, versionID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op, "active analysis for version", versionID)
	}
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	return a, nil
}

// PreviousCompletedScore returns the risk score of the completed analysis of
// the version immediately before beforeSeq, used to compute the true risk
// delta on completion. ok=false when no earlier scored version exists.
func (t *Tx) PreviousCompletedScore(ctx context.Context, documentID string, beforeSeq int) (int, bool, error) {
	const op = "store.PreviousCompletedScore"
	row := t.tx.QueryRowContext(ctx, `SELECT a.overall_risk_score
		FROM analyses a
		JOIN document_versions v ON v.id = a.document_version_id
		WHERE a.document_id = $1 AND a.status IN ('completed', 'expired')
		  AND v.version_seq < $2 AND a.overall_risk_score IS NOT NULL
		ORDER BY v.version_seq DESC, a.completed_at DESC LIMIT 1`, documentID, beforeSeq)
	var score int
	err := row.Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errkind.E(errkind.Internal, op, err)
	}
	return score, true, nil
}

// AnalysisPatch carries the mutable fields applied alongside a status
// transition. Nil fields are left untouched.
type AnalysisPatch struct {
	OverallRiskScore *int
	ModelID          *string
	ModelVersion     *string
	ProcessingMS     *int64
	ExecutiveSummary *string
	KeyFindings      []string
	Recommendations  []string
	ErrorKind        *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
	IncrementAttempt bool
}

// TransitionAnalysis moves an analysis from one state to another, applying
// the patch in the same statement. Illegal transitions fail immediately; a
// row no longer in the from state fails with Conflict, which callers treat
// as a lost lease.
func (s *Store) TransitionAnalysis(ctx context.Context, id string, from, to AnalysisStatus, patch AnalysisPatch) error {
	return transitionAnalysis(ctx, s.db, id, from, to, patch)
}

// TransitionAnalysis is the transactional variant.
func (t *Tx) TransitionAnalysis(ctx context.Context, id string, from, to AnalysisStatus, patch AnalysisPatch) error {
	return transitionAnalysis(ctx, t.tx, id, from, to, patch)
}

func transitionAnalysis(ctx context.Context, db dbtx, id string, from, to AnalysisStatus, patch AnalysisPatch) error {
	const op = "store.TransitionAnalysis"
	if !CanTransition(from, to) {
		return errkind.Errorf(errkind.Conflict, op, "illegal transition %s -> %s", from, to)
	}

	set := "status = $3"
	args := []any{id, from, to}
	add := func(clause string, v any) {
		args = append(args, v)
		set += ", " + clause + " = $" + strconv.Itoa(len(args))
	}
	if patch.OverallRiskScore != nil {
		add("overall_risk_score", *patch.OverallRiskScore)
	}
	if patch.ModelID != nil {
		add("model_id", *patch.ModelID)
	}
	if patch.ModelVersion != nil {
		add("model_version", *patch.ModelVersion)
	}
	if patch.ProcessingMS != nil {
		add("processing_ms", *patch.ProcessingMS)
	}
	if patch.ExecutiveSummary != nil {
		add("executive_summary", *patch.ExecutiveSummary)
	}
	if patch.KeyFindings != nil {
		add("key_findings", pq.Array(patch.KeyFindings))
	}
	if patch.Recommendations != nil {
		add("recommendations", pq.Array(patch.Recommendations))
	}
	if patch.ErrorKind != nil {
		add("error_kind", *patch.ErrorKind)
	}
	if patch.StartedAt != nil {
		add("started_at", patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		add("completed_at", patch.CompletedAt.UTC())
	}
	if patch.ExpiresAt != nil {
		add("expires_at", patch.ExpiresAt.UTC())
	}
	if patch.IncrementAttempt {
		set += ", attempt = attempt + 1"
	}

	res, err := db.ExecContext(ctx,
		`UPDATE analyses SET `+set+` WHERE id = $1 AND status = $2`, args...)
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errkind.E(errkind.Internal, op, err)
	}
	if n == 0 {
		return errkind.Errorf(errkind.Conflict, op,
			"analysis %s is not in state %s", id, from)
	}
	return nil
}

// ExpireAnalyses sweeps completed analyses whose retention window has
// passed. A row expiring exactly at now is expired.
func (s *Store) ExpireAnalyses(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.ExpireAnalyses"
	res, err := s.db.ExecContext(ctx, `UPDATE analyses SET status = 'expired'
		WHERE status = 'completed' AND expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errkind.E(errkind.Internal, op, err)
	}
	return n, nil
}

func scanAnalysis(r rowScanner) (*Analysis, error) {
	var a Analysis
	err := r.Scan(&a.ID, &a.DocumentID, &a.DocumentVersionID, &a.OwnerID, &a.Status, &a.Attempt,
		&a.OverallRiskScore, &a.ModelID, &a.ModelVersion, &a.ProcessingMS, &a.ExecutiveSummary,
		pq.Array(&a.KeyFindings), pq.Array(&a.Recommendations), &a.ErrorKind,
		&a.CreatedAt, &a.StartedAt, &a.CompletedAt, &a.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

