package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/changedetect"
	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/events"
	"github.com/fineprintai/engine/pkg/fingerprint"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

type intakeFixture struct {
	in   *Intake
	mock sqlmock.Sqlmock
	jobs *queue.Client
	c    *cache.Client
	mr   *miniredis.Miniredis
}

func newTestIntake(t *testing.T) *intakeFixture {
	t.Helper()
	st, mock := newMockStore(t)
	c, jobs, mr := newTestRedis(t)
	in := NewIntake(st, c, jobs, config.Defaults(), WithIntakeClock(func() time.Time { return testNow }))
	return &intakeFixture{in: in, mock: mock, jobs: jobs, c: c, mr: mr}
}

func intakeEvent(docID, body string) queue.IntakeEvent {
	return queue.IntakeEvent{
		URL:          "https://acme.example/terms",
		FetchedAt:    testNow,
		RawBytes:     []byte(body),
		ContentType:  "text/plain",
		RequestID:    "req-1",
		DocumentType: "tos",
		OwnerID:      "owner-1",
		DocumentID:   docID,
	}
}

func deliveredIntake(t *testing.T, ev queue.IntakeEvent) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Queue: config.QueueIntake, Payload: payload, Attempt: 1}
}

func documentRow(fp string) *sqlmock.Rows {
	return sqlmock.NewRows(documentTestColumns).AddRow(
		"d1", "owner-1", nil, "Acme Terms of Service", nil, "tos",
		fp, int64(100), "en", true, 3600, nil, nil, int64(1), testNow, testNow, nil)
}

// expectAudit wires the advisory lock, chain-head read, and insert for one
// hash-chained record. An empty head simulates a fresh chain.
func expectAudit(mock sqlmock.Sqlmock, head, action string, resourceID, after any, correlationID string, seq int64) {
	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	prev := head
	hashRows := sqlmock.NewRows([]string{"record_hash"})
	if head == "" {
		prev = "genesis"
	} else {
		hashRows.AddRow(head)
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT record_hash FROM audit_records")).
		WillReturnRows(hashRows)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_records")).
		WithArgs(sqlmock.AnyArg(), "owner-1", action, "document", resourceID,
			nil, after, correlationID, prev, sqlmock.AnyArg(), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(seq))
}

func TestHandleFirstCaptureOpensAnalysis(t *testing.T) {
	f := newTestIntake(t)
	body := "Acme Terms of Service\n\nWe collect any data you provide."
	job := deliveredIntake(t, intakeEvent("", body))

	normalized, err := fingerprint.Normalize([]byte(body), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)
	after := []byte(fmt.Sprintf(`{"change_kind":"initial","fingerprint":%q,"version_seq":1}`, fp))

	f.mock.ExpectQuery(regexp.QuoteMeta("WHERE owner_id = $1 AND content_fingerprint = $2 AND deleted_at IS NULL")).
		WithArgs("owner-1", fp).
		WillReturnRows(sqlmock.NewRows(documentTestColumns))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WithArgs(sqlmock.AnyArg(), "owner-1", nil, "Acme Terms of Service", "https://acme.example/terms",
			"tos", fp, int64(len(normalized)), "en", 1, testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(versionTestColumns))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_versions")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 1, fp, int64(len(normalized)),
			testNow, "initial", "initial capture", "{}", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("SET content_fingerprint = $2")).
		WithArgs(sqlmock.AnyArg(), fp, int64(len(normalized)), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "owner-1",
			"pending", "{}", "{}", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAudit(f.mock, "", "document.created", sqlmock.AnyArg(), after, "req-1", 1)
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs(sqlmock.AnyArg(), "document.changed", sqlmock.AnyArg(), "PENDING", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.in.Handle(context.Background(), job))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	dispatched, err := f.jobs.Dequeue(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	require.NotNil(t, dispatched, "the initial capture opens an analysis job")
	aj, err := queue.Decode[queue.AnalysisJob](dispatched)
	require.NoError(t, err)
	assert.NotEmpty(t, aj.AnalysisID)
	assert.Equal(t, fp, aj.Fingerprint)
	assert.Equal(t, normalized, aj.NormalizedText, "text rides the payload, not the database")

	content, hit, err := cache.Get[string](context.Background(), f.c, cache.ContentKey(fp))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, normalized, content)
	meta, hit, err := cache.Get[docMeta](context.Background(), f.c, cache.DocMetaKey(fp))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "owner-1", meta.OwnerID)
}

func TestHandleModifiedContentAppendsVersion(t *testing.T) {
	f := newTestIntake(t)

	oldBody := "Acme Terms of Service\n\n" +
		"We respect your privacy and collect only account data.\n\n" +
		"You may cancel at any time.\n\n" +
		"Questions go to support@acme.example."
	newBody := "Acme Terms of Service\n\n" +
		"We collect any data you provide and may share it with partners.\n\n" +
		"You may cancel at any time.\n\n" +
		"Questions go to support@acme.example."

	oldNormalized, err := fingerprint.Normalize([]byte(oldBody), 0)
	require.NoError(t, err)
	oldFp := fingerprint.FingerprintText(oldNormalized)
	normalized, err := fingerprint.Normalize([]byte(newBody), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)

	require.NoError(t, cache.Set(context.Background(), f.c, cache.ContentKey(oldFp), oldNormalized, time.Hour))
	require.NoError(t, f.mr.Set(cache.DocMetaKey(oldFp), "stale"))

	after := []byte(fmt.Sprintf(`{"change_kind":"modified","fingerprint":%q,"version_seq":2}`, fp))
	wantChanged, err := json.Marshal(events.DocumentChanged{
		DocumentID: "d1", VersionSeq: 2, ChangeKind: "modified", DetectedAt: testNow,
	})
	require.NoError(t, err)

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow(oldFp))

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs("d1").
		WillReturnRows(versionRow(1, oldFp, len(oldNormalized)))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_versions")).
		WithArgs(sqlmock.AnyArg(), "d1", 2, fp, int64(len(normalized)),
			testNow, "modified", "0 added, 0 removed, 1 modified", sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("SET content_fingerprint = $2")).
		WithArgs("d1", fp, int64(len(normalized)), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WithArgs(sqlmock.AnyArg(), "d1", sqlmock.AnyArg(), "owner-1",
			"pending", "{}", "{}", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAudit(f.mock, "sha256:prev", "document.changed", "d1", after, "req-1", 2)
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs(sqlmock.AnyArg(), "document.changed", wantChanged, "PENDING", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("d1", newBody))))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	dispatched, err := f.jobs.Dequeue(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	aj, err := queue.Decode[queue.AnalysisJob](dispatched)
	require.NoError(t, err)
	assert.Equal(t, normalized, aj.NormalizedText)

	assert.False(t, f.mr.Exists(cache.DocMetaKey(oldFp)), "the superseded fingerprint is evicted")
	assert.False(t, f.mr.Exists(cache.ContentKey(oldFp)))
	content, hit, err := cache.Get[string](context.Background(), f.c, cache.ContentKey(fp))
	require.NoError(t, err)
	require.True(t, hit, "the new version's text is warm for the next diff")
	assert.Equal(t, normalized, content)
}

func TestHandleNoChangeFastPath(t *testing.T) {
	f := newTestIntake(t)
	body := "Acme Terms of Service\n\nWe collect any data you provide."
	normalized, err := fingerprint.Normalize([]byte(body), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)

	meta := docMeta{DocumentID: "d1", OwnerID: "owner-1", VersionID: "v1"}
	require.NoError(t, cache.Set(context.Background(), f.c, cache.DocMetaKey(fp), meta, time.Hour))

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow(fp))
	f.mock.ExpectExec(regexp.QuoteMeta("last_monitored_at = $3")).
		WithArgs("d1", 1, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectBegin()
	expectAudit(f.mock, "sha256:prev", "intake.no_change", "d1", nil, "req-1", 9)
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(regexp.QuoteMeta("WHERE document_version_id = $1 AND status IN ('pending', 'processing')")).
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows(analysisTestColumns))

	require.NoError(t, f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("", body))))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	depth, err := f.jobs.Depth(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "known content with a settled analysis dispatches nothing")

	content, hit, err := cache.Get[string](context.Background(), f.c, cache.ContentKey(fp))
	require.NoError(t, err)
	require.True(t, hit, "the fast path re-warms the content cache")
	assert.Equal(t, normalized, content)
}

func TestHandleNoChangeRedispatchesLostAnalysis(t *testing.T) {
	f := newTestIntake(t)
	body := "Acme Terms of Service\n\nWe collect any data you provide."
	normalized, err := fingerprint.Normalize([]byte(body), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)

	meta := docMeta{DocumentID: "d1", OwnerID: "owner-1", VersionID: "v1"}
	require.NoError(t, cache.Set(context.Background(), f.c, cache.DocMetaKey(fp), meta, time.Hour))

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow(fp))
	f.mock.ExpectExec(regexp.QuoteMeta("last_monitored_at = $3")).
		WithArgs("d1", 1, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectBegin()
	expectAudit(f.mock, "sha256:prev", "intake.no_change", "d1", nil, "req-1", 9)
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(regexp.QuoteMeta("WHERE document_version_id = $1 AND status IN ('pending', 'processing')")).
		WithArgs("v1").
		WillReturnRows(analysisRow("pending", 0))

	require.NoError(t, f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("d1", body))))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	dispatched, err := f.jobs.Dequeue(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	require.NotNil(t, dispatched, "an open analysis without a live job is re-dispatched")
	aj, err := queue.Decode[queue.AnalysisJob](dispatched)
	require.NoError(t, err)
	assert.Equal(t, "a1", aj.AnalysisID)
	assert.Equal(t, "v1", aj.VersionID)
	assert.Equal(t, normalized, aj.NormalizedText)
}

func TestHandleSameFingerprintSettlesAsNoChange(t *testing.T) {
	f := newTestIntake(t)
	body := "Acme Terms of Service\n\nWe collect any data you provide."
	normalized, err := fingerprint.Normalize([]byte(body), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)

	// Cold caches: the store is the one that knows this content is current.
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow(fp))
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs("d1").
		WillReturnRows(versionRow(1, fp, len(normalized)))
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow(fp))
	f.mock.ExpectExec(regexp.QuoteMeta("last_monitored_at = $3")).
		WithArgs("d1", 1, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectBegin()
	expectAudit(f.mock, "sha256:prev", "intake.no_change", "d1", nil, "req-1", 9)
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(regexp.QuoteMeta("WHERE document_version_id = $1 AND status IN ('pending', 'processing')")).
		WithArgs("v1").
		WillReturnRows(sqlmock.NewRows(analysisTestColumns))

	require.NoError(t, f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("d1", body))))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	depth, err := f.jobs.Depth(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestHandleBackfillsMissingInitialVersion(t *testing.T) {
	f := newTestIntake(t)
	body := "Acme Terms of Service\n\nWe collect any data you provide."
	normalized, err := fingerprint.Normalize([]byte(body), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)
	after := []byte(fmt.Sprintf(`{"change_kind":"initial","fingerprint":%q,"version_seq":1}`, fp))
	wantChanged, err := json.Marshal(events.DocumentChanged{
		DocumentID: "d1", VersionSeq: 1, ChangeKind: "initial", DetectedAt: testNow,
	})
	require.NoError(t, err)

	// The document row landed but its first version never did.
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow(fp))
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(versionTestColumns))

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(versionTestColumns))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO document_versions")).
		WithArgs(sqlmock.AnyArg(), "d1", 1, fp, int64(len(normalized)),
			testNow, "initial", "initial capture", "{}", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("SET content_fingerprint = $2")).
		WithArgs("d1", fp, int64(len(normalized)), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO analyses")).
		WithArgs(sqlmock.AnyArg(), "d1", sqlmock.AnyArg(), "owner-1",
			"pending", "{}", "{}", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAudit(f.mock, "sha256:prev", "document.created", "d1", after, "req-1", 3)
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_outbox")).
		WithArgs(sqlmock.AnyArg(), "document.changed", wantChanged, "PENDING", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("d1", body))))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	dispatched, err := f.jobs.Dequeue(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	assert.NotNil(t, dispatched)
}

func TestHandleVersionRaceSettlesAsNoChange(t *testing.T) {
	f := newTestIntake(t)
	body := "Acme Terms of Service\n\nWe collect any data you provide."
	normalized, err := fingerprint.Normalize([]byte(body), 0)
	require.NoError(t, err)
	fp := fingerprint.FingerprintText(normalized)

	// The stored fingerprint is stale: another intake of this same content
	// appended the version between our read and our write.
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow("fp-stale"))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs("d1").
		WillReturnRows(versionRow(2, fp, len(normalized)))
	f.mock.ExpectRollback()
	f.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY version_seq DESC LIMIT 1")).
		WithArgs("d1").
		WillReturnRows(versionRow(2, fp, len(normalized)))
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(documentRow("fp-stale"))
	f.mock.ExpectExec(regexp.QuoteMeta("last_monitored_at = $3")).
		WithArgs("d1", 1, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectBegin()
	expectAudit(f.mock, "sha256:prev", "intake.no_change", "d1", nil, "req-1", 9)
	f.mock.ExpectCommit()
	f.mock.ExpectQuery(regexp.QuoteMeta("WHERE document_version_id = $1 AND status IN ('pending', 'processing')")).
		WithArgs("v1").
		WillReturnRows(analysisRow("pending", 0))

	require.NoError(t, f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("d1", body))))
	assert.NoError(t, f.mock.ExpectationsWereMet())

	dispatched, err := f.jobs.Dequeue(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	require.NotNil(t, dispatched, "the winner's analysis is dispatched, not a duplicate version")
	aj, err := queue.Decode[queue.AnalysisJob](dispatched)
	require.NoError(t, err)
	assert.Equal(t, "a1", aj.AnalysisID)
}

func TestHandleUnknownDocumentDropsDelivery(t *testing.T) {
	f := newTestIntake(t)

	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(documentTestColumns))

	err := f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("ghost", "Some terms.")))
	require.NoError(t, err, "a fetch for a purged document is dropped, not retried")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleDeletedDocumentDropsDelivery(t *testing.T) {
	f := newTestIntake(t)

	deleted := sqlmock.NewRows(documentTestColumns).AddRow(
		"d1", "owner-1", nil, "Acme Terms of Service", nil, "tos",
		"fp-old", int64(100), "en", false, nil, nil, nil, int64(2), testNow, testNow, testNow)
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = $1")).
		WithArgs("d1").
		WillReturnRows(deleted)

	err := f.in.Handle(context.Background(), deliveredIntake(t, intakeEvent("d1", "Some terms.")))
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())

	depth, err := f.jobs.Depth(context.Background(), config.QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestHandleOversizeBodyIsFatal(t *testing.T) {
	st, mock := newMockStore(t)
	c, jobs, _ := newTestRedis(t)
	cfg := config.Defaults()
	cfg.Normalize.MaxBytes = 64
	in := NewIntake(st, c, jobs, cfg, WithIntakeClock(func() time.Time { return testNow }))

	body := strings.Repeat("legal boilerplate ", 20)
	err := in.Handle(context.Background(), deliveredIntake(t, intakeEvent("", body)))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InputTooLarge))
	assert.False(t, errkind.Retryable(err), "an oversize body never shrinks on retry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntakeMalformedPayloadIsFatal(t *testing.T) {
	f := newTestIntake(t)

	job := &queue.Job{ID: "job-1", Queue: config.QueueIntake, Payload: []byte(`{not json`), Attempt: 1}
	err := f.in.Handle(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Internal))
	assert.False(t, errkind.Retryable(err))
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("Terms ", 40)
	cases := []struct {
		name       string
		normalized string
		url        string
		want       string
	}{
		{"first paragraph", "Acme Terms of Service\nMore text.", "https://acme.example/t", "Acme Terms of Service"},
		{"clipped", long, "", fingerprint.Truncate(strings.TrimSpace(long), 120)},
		{"host fallback", "", "https://acme.example/terms", "acme.example"},
		{"placeholder", "", "not a url", "Untitled document"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveTitle(tc.normalized, tc.url))
		})
	}
}

func TestDocumentTypeFallsBackToOther(t *testing.T) {
	assert.Equal(t, store.DocTypeTOS, documentType("tos"))
	assert.Equal(t, store.DocTypePrivacyPolicy, documentType("privacy_policy"))
	assert.Equal(t, store.DocTypeOther, documentType("press_release"))
	assert.Equal(t, store.DocTypeOther, documentType(""))
}

func TestChangeSummaryWording(t *testing.T) {
	assert.Equal(t, "initial capture", changeSummary(changedetect.Decision{Kind: changedetect.KindInitial}))
	assert.Equal(t, "content changed", changeSummary(changedetect.Decision{Kind: changedetect.KindModified}))
	assert.Equal(t, "1 added, 0 removed, 2 modified", changeSummary(changedetect.Decision{
		Kind:    changedetect.KindModified,
		Summary: changedetect.Summary{Added: 1, Modified: 2},
	}))
}
