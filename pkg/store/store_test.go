package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/errkind"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, WithClock(func() time.Time { return testNow })), mock
}

func TestEnqueueEventInsideTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs(sqlmock.AnyArg(), "document.changed", []byte(`{"document_id":"d1"}`), OutboxPending, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(tx *Tx) error {
		rec, err := tx.EnqueueEvent(ctx, "document.changed", []byte(`{"document_id":"d1"}`))
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, OutboxPending, rec.Status)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEventPublishedMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE event_outbox")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkEventPublished(context.Background(), "gone")
	assert.True(t, errkind.Is(err, errkind.NotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkComplianceProcessedOnce(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO compliance_markers")).
		WithArgs("a1", "gdpr-data-collection", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO compliance_markers")).
		WithArgs("a1", "gdpr-data-collection", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.MarkComplianceProcessed(ctx, "a1", "gdpr-data-collection")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.MarkComplianceProcessed(ctx, "a1", "gdpr-data-collection")
	require.NoError(t, err)
	assert.False(t, second, "reprocessing the same analysis must not claim the marker again")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHardPurgeOwner(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, content_fingerprint FROM documents WHERE owner_id = $1")).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "content_fingerprint"}).
			AddRow("d1", "fp1").
			AddRow("d2", "fp2"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM analyses WHERE document_id = ANY($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1").AddRow("a2").AddRow("a3"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM document_versions")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM findings")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM compliance_alerts")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM monitor_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM compliance_markers")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE owner_id = $1")).
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE audit_records")).
		WithArgs("owner-1").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	report, err := s.HardPurgeOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, report.DocumentIDs)
	assert.Equal(t, []string{"fp1", "fp2"}, report.Fingerprints)
	assert.Equal(t, []string{"a1", "a2", "a3"}, report.AnalysisIDs)
	assert.Equal(t, int64(5), report.VersionsDeleted)
	assert.Equal(t, int64(12), report.FindingsDeleted)
	assert.Equal(t, int64(7), report.AuditAnonymized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHardPurgeOwnerNothingToDo(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, content_fingerprint FROM documents")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "content_fingerprint"}))
	mock.ExpectCommit()

	report, err := s.HardPurgeOwner(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, report.DocumentIDs)
	assert.Zero(t, report.AuditAnonymized)
	assert.NoError(t, mock.ExpectationsWereMet())
}
