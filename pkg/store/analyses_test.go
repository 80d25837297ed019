package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/errkind"
)

func TestCreateAnalysisSecondActiveFails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "analyses_one_active_per_version"})
	mock.ExpectRollback()

	_, err := s.CreateAnalysis(context.Background(), "d1", "v1", "owner-1")
	assert.True(t, errkind.Is(err, errkind.AnalysisInProgress))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAnalysisStartsPending(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WithArgs(sqlmock.AnyArg(), "d1", "v1", "owner-1", "pending",
			sqlmock.AnyArg(), sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	a, err := s.CreateAnalysis(context.Background(), "d1", "v1", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, AnalysisPending, a.Status)
	assert.Zero(t, a.Attempt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionAnalysisIllegalEdge(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.TransitionAnalysis(context.Background(), "a1",
		AnalysisCompleted, AnalysisProcessing, AnalysisPatch{})
	assert.True(t, errkind.Is(err, errkind.Conflict))
	assert.NoError(t, mock.ExpectationsWereMet(), "illegal transitions never reach the database")
}

func TestTransitionAnalysisAppliesPatch(t *testing.T) {
	s, mock := newMockStore(t)

	started := testNow
	mock.ExpectExec(regexp.QuoteMeta("UPDATE analyses SET status = $3, started_at = $4, attempt = attempt + 1 WHERE id = $1 AND status = $2")).
		WithArgs("a1", "pending", "processing", started).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TransitionAnalysis(context.Background(), "a1",
		AnalysisPending, AnalysisProcessing,
		AnalysisPatch{StartedAt: &started, IncrementAttempt: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionAnalysisLostRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE analyses SET status = $3")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.TransitionAnalysis(context.Background(), "a1",
		AnalysisProcessing, AnalysisCompleted, AnalysisPatch{})
	assert.True(t, errkind.Is(err, errkind.Conflict),
		"a row that left the from state reads as a lost lease")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireAnalysesSweep(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE analyses SET status = 'expired'")).
		WithArgs(testNow).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.ExpireAnalyses(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFindingsValidatesPositions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT v.content_length")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"content_length"}).AddRow(100))
	mock.ExpectRollback()

	err := s.InsertFindings(context.Background(), "a1", []Finding{{
		Category: "liability", Title: "cap", Severity: SeverityHigh,
		PositionStart: 50, PositionEnd: 150,
	}})
	assert.True(t, errkind.Is(err, errkind.BadRange))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertFindingsWritesAll(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT v.content_length")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"content_length"}).AddRow(10000))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO findings")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO findings")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	findings := []Finding{
		{Category: "data_collection", Title: "broad collection", Severity: SeverityMedium,
			Confidence: 0.9, Excerpt: "we collect everything", PositionStart: 10, PositionEnd: 32},
		{Category: "user_rights", Title: "class action waiver", Severity: SeverityCritical,
			Confidence: 0.95, Excerpt: "you waive", PositionStart: 100, PositionEnd: 109},
	}
	require.NoError(t, s.InsertFindings(context.Background(), "a1", findings))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviousCompletedScore(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT a.overall_risk_score")).
		WithArgs("d1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"overall_risk_score"}).AddRow(42))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(tx *Tx) error {
		score, ok, err := tx.PreviousCompletedScore(ctx, "d1", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 42, score)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
