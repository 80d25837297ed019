package vector

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/errkind"
)

func newMockPG(t *testing.T) (*PG, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPG(db), mock
}

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot] = 1
	return v
}

func TestSearchTopKZeroSkipsIndex(t *testing.T) {
	pg, mock := newMockPG(t)

	matches, err := pg.Search(context.Background(), CollectionPatterns,
		unitVec(PatternDim, 0), Filter{}, 0, 0.8)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.NoError(t, mock.ExpectationsWereMet(), "top_k=0 must not touch the database")
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	pg, _ := newMockPG(t)

	_, err := pg.Search(context.Background(), CollectionDocuments,
		unitVec(PatternDim, 0), Filter{}, 5, 0)
	assert.True(t, errkind.Is(err, errkind.BadRange))
}

func TestSearchAppliesThresholdAndFilter(t *testing.T) {
	pg, mock := newMockPG(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM vec_patterns WHERE TRUE AND payload @> $2 AND embedding <=> $1 <= $3")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payload", "score"}).
			AddRow("p1", []byte(`{"category":"arbitration","severity":"high"}`), 0.93))

	matches, err := pg.Search(context.Background(), CollectionPatterns,
		unitVec(PatternDim, 3), Filter{Equals: map[string]any{"active": true}}, 10, 0.8)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].ID)
	assert.InDelta(t, 0.93, matches[0].Score, 1e-9)
	assert.Equal(t, "arbitration", matches[0].Payload["category"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReplacesOnConflict(t *testing.T) {
	pg, mock := newMockPG(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vec_clauses")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.Upsert(context.Background(), CollectionClauses, []Point{{
		ID:      "f1",
		Vector:  unitVec(PatternDim, 1),
		Payload: map[string]any{"document_id": "d1", "analysis_id": "a1"},
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	pg, mock := newMockPG(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := pg.Upsert(context.Background(), CollectionDocuments, []Point{{
		ID: "d1", Vector: unitVec(PatternDim, 0),
	}})
	assert.True(t, errkind.Is(err, errkind.BadRange))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByFilterRefusesEmptyFilter(t *testing.T) {
	pg, mock := newMockPG(t)

	err := pg.DeleteByFilter(context.Background(), CollectionDocuments, Filter{})
	assert.True(t, errkind.Is(err, errkind.BadRange))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByFilterMatchesOwner(t *testing.T) {
	pg, mock := newMockPG(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM vec_documents WHERE TRUE AND payload @> $1")).
		WithArgs([]byte(`{"owner_id":"owner-1"}`)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := pg.DeleteByFilter(context.Background(), CollectionDocuments,
		Filter{Equals: map[string]any{"owner_id": "owner-1"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownCollection(t *testing.T) {
	pg, _ := newMockPG(t)

	_, err := pg.Search(context.Background(), "embeddings", unitVec(8, 0), Filter{}, 5, 0)
	assert.True(t, errkind.Is(err, errkind.BadRange))
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, zero, "the zero vector stays zero")
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := HashEmbedder{Dim: PatternDim}
	ctx := context.Background()

	a1, err := e.Embed(ctx, "binding arbitration")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "binding arbitration")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "data sharing with third parties")
	require.NoError(t, err)

	assert.Equal(t, a1, a2, "identical text must embed identically")
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, PatternDim)

	var norm float64
	for _, x := range a1 {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4, "hash embeddings are unit length")
}

func TestHTTPEmbedderMapsUpstreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   errkind.Kind
	}{
		{"throttled", http.StatusTooManyRequests, `{}`, errkind.RateLimited},
		{"upstream down", http.StatusBadGateway, `{}`, errkind.LLMUpstream5xx},
		{"garbage body", http.StatusOK, `{"data": []}`, errkind.LLMMalformed},
		{"wrong width", http.StatusOK, `{"data":[{"embedding":[0.1,0.2]}]}`, errkind.LLMMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e := NewHTTPEmbedder(srv.URL, "", "test-model", PatternDim)
			_, err := e.Embed(context.Background(), "some clause")
			assert.Equal(t, tt.kind, errkind.KindOf(err))
		})
	}
}

func TestHTTPEmbedderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "secret", "test-model", 3)
	vec, err := e.Embed(context.Background(), "some clause")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}
