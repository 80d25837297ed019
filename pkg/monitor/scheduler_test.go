package monitor

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var documentTestColumns = []string{
	"id", "owner_id", "team_id", "title", "source_url", "document_type",
	"content_fingerprint", "content_length", "language", "monitoring_enabled",
	"monitor_interval_seconds", "last_monitored_at", "next_monitor_at", "row_version",
	"created_at", "updated_at", "deleted_at",
}

// monitoredRow builds a monitoring-enabled document row. A nil sourceURL
// models a row whose source was never recorded.
func monitoredRow(id string, sourceURL *string) *sqlmock.Rows {
	due := testNow.Add(-time.Minute)
	interval := 3600
	return sqlmock.NewRows(documentTestColumns).AddRow(
		id, "owner-1", nil, "Acme TOS", sourceURL, "tos",
		"fp-abc", int64(2048), "en", true,
		&interval, nil, &due, int64(1),
		testNow, testNow, nil,
	)
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(db, store.WithClock(func() time.Time { return testNow })), mock
}

func newTestQueue(t *testing.T) (*queue.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, queue.WithClock(func() time.Time { return testNow })), mr
}

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *queue.Client) {
	t.Helper()
	st, mock := newMockStore(t)
	jobs, _ := newTestQueue(t)
	cfg := config.MonitorConfig{ScanInterval: 30 * time.Second, BatchSize: 100}
	s := NewScheduler(st, jobs, cfg, WithSchedulerClock(func() time.Time { return testNow }))
	return s, mock, jobs
}

func expectDueList(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY next_monitor_at NULLS FIRST LIMIT $2")).
		WithArgs(testNow, 100).
		WillReturnRows(rows)
}

func expectScheduleAdvance(mock sqlmock.Sqlmock, docID string, row *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs(docID).
		WillReturnRows(row)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestScanOnceDispatchesDueDocument(t *testing.T) {
	s, mock, jobs := newTestScheduler(t)
	url := "https://acme.example/terms"

	expectDueList(mock, monitoredRow("d1", &url))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitor_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectScheduleAdvance(mock, "d1", monitoredRow("d1", &url))

	dispatched := s.ScanOnce(context.Background())
	assert.Equal(t, 1, dispatched)
	assert.NoError(t, mock.ExpectationsWereMet())

	depth, err := jobs.Depth(context.Background(), config.QueueMonitor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	job, err := jobs.Dequeue(context.Background(), config.QueueMonitor)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "d1", job.DedupKey, "dedup key pins one task per document")

	task, err := queue.Decode[queue.MonitorTask](job)
	require.NoError(t, err)
	assert.Equal(t, "d1", task.DocumentID)
	assert.Equal(t, url, task.URL)
	assert.NotEmpty(t, task.MonitorJobID)
}

func TestScanOnceSkipsDocumentWithActiveJob(t *testing.T) {
	s, mock, jobs := newTestScheduler(t)
	url := "https://acme.example/terms"

	expectDueList(mock, monitoredRow("d1", &url))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitor_jobs")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "monitor_jobs_one_active_per_document"})

	dispatched := s.ScanOnce(context.Background())
	assert.Equal(t, 0, dispatched)
	assert.NoError(t, mock.ExpectationsWereMet(), "no advance while the previous job is still active")

	depth, err := jobs.Depth(context.Background(), config.QueueMonitor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestScanOnceAdvancesPastMissingSourceURL(t *testing.T) {
	s, mock, jobs := newTestScheduler(t)

	expectDueList(mock, monitoredRow("d1", nil))
	expectScheduleAdvance(mock, "d1", monitoredRow("d1", nil))

	dispatched := s.ScanOnce(context.Background())
	assert.Equal(t, 0, dispatched)
	assert.NoError(t, mock.ExpectationsWereMet())

	depth, err := jobs.Depth(context.Background(), config.QueueMonitor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestScanOnceCancelsJobWhenEnqueueFails(t *testing.T) {
	st, mock := newMockStore(t)
	jobs, mr := newTestQueue(t)
	cfg := config.MonitorConfig{ScanInterval: 30 * time.Second, BatchSize: 100}
	s := NewScheduler(st, jobs, cfg, WithSchedulerClock(func() time.Time { return testNow }))
	url := "https://acme.example/terms"

	expectDueList(mock, monitoredRow("d1", &url))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitor_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE monitor_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mr.Close()

	dispatched := s.ScanOnce(context.Background())
	assert.Equal(t, 0, dispatched)
	assert.NoError(t, mock.ExpectationsWereMet(), "orphaned job is canceled, schedule not advanced")
}

func TestScanOnceSurvivesListFailure(t *testing.T) {
	s, mock, _ := newTestScheduler(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY next_monitor_at NULLS FIRST LIMIT $2")).
		WillReturnError(errors.New("connection reset"))

	assert.Equal(t, 0, s.ScanOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanOnceDispatchesBatch(t *testing.T) {
	s, mock, jobs := newTestScheduler(t)
	urlA := "https://acme.example/terms"
	urlB := "https://acme.example/privacy"

	rows := monitoredRow("d1", &urlA)
	due := testNow.Add(-time.Minute)
	interval := 7200
	rows.AddRow("d2", "owner-2", nil, "Acme Privacy", &urlB, "privacy_policy",
		"fp-def", int64(4096), "en", true, &interval, nil, &due, int64(2),
		testNow, testNow, nil)

	expectDueList(mock, rows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitor_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectScheduleAdvance(mock, "d1", monitoredRow("d1", &urlA))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO monitor_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectScheduleAdvance(mock, "d2", monitoredRow("d2", &urlB))

	assert.Equal(t, 2, s.ScanOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	depth, err := jobs.Depth(context.Background(), config.QueueMonitor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
