package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/fineprintai/engine/pkg/errkind"
)

// PG stores vectors in PostgreSQL tables with HNSW cosine indexes, one table
// per collection. It shares the relational pool.
type PG struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPG builds the pgvector-backed store over an existing pool.
func NewPG(db *sql.DB) *PG {
	return &PG{
		db:     db,
		logger: slog.Default().With("component", "vector"),
	}
}

// Upsert writes points into a collection, replacing vector and payload on id
// collision. Vectors are L2-normalized before storage so cosine distance
// stays consistent regardless of the embedder's scaling.
func (p *PG) Upsert(ctx context.Context, collection string, points []Point) error {
	const op = "vector.Upsert"
	spec, err := collectionFor(op, collection)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.E(errkind.VectorUnavailable, op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, pt := range points {
		if len(pt.Vector) != spec.dim {
			return errkind.Errorf(errkind.BadRange, op,
				"point %s has %d dimensions, collection %s requires %d",
				pt.ID, len(pt.Vector), collection, spec.dim)
		}
		payload, err := json.Marshal(pt.Payload)
		if err != nil {
			return errkind.E(errkind.Internal, op, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO `+spec.table+` (id, embedding, payload)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload`,
			pt.ID, pgvector.NewVector(Normalize(pt.Vector)), payload)
		if err != nil {
			return errkind.E(errkind.VectorUnavailable, op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.E(errkind.VectorUnavailable, op, err)
	}
	return nil
}

// Search returns up to topK matches at or above scoreThreshold, closest
// first. topK of zero is answered locally without touching the index.
func (p *PG) Search(ctx context.Context, collection string, vec []float32, f Filter, topK int, scoreThreshold float64) ([]Match, error) {
	const op = "vector.Search"
	spec, err := collectionFor(op, collection)
	if err != nil {
		return nil, err
	}
	if topK == 0 {
		return nil, nil
	}
	if topK < 0 {
		return nil, errkind.Errorf(errkind.BadRange, op, "top_k must be non-negative, got %d", topK)
	}
	if len(vec) != spec.dim {
		return nil, errkind.Errorf(errkind.BadRange, op,
			"query vector has %d dimensions, collection %s requires %d",
			len(vec), collection, spec.dim)
	}

	args := []any{pgvector.NewVector(Normalize(vec))}
	where, args, err := filterClause(op, f, args)
	if err != nil {
		return nil, err
	}
	// Cosine similarity = 1 - distance; the threshold becomes a distance cap
	// so the index can prune.
	if scoreThreshold > 0 {
		args = append(args, 1-scoreThreshold)
		where += " AND embedding <=> $1 <= $" + strconv.Itoa(len(args))
	}
	args = append(args, topK)

	rows, err := p.db.QueryContext(ctx, `SELECT id, payload, 1 - (embedding <=> $1) AS score
		FROM `+spec.table+` WHERE `+where+`
		ORDER BY embedding <=> $1 LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, errkind.E(errkind.VectorUnavailable, op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Match
	for rows.Next() {
		var (
			m   Match
			raw []byte
		)
		if err := rows.Scan(&m.ID, &raw, &m.Score); err != nil {
			return nil, errkind.E(errkind.VectorUnavailable, op, err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Payload); err != nil {
				return nil, errkind.E(errkind.Internal, op, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.E(errkind.VectorUnavailable, op, err)
	}
	return out, nil
}

// DeleteByFilter removes every point matching the filter. An empty filter is
// rejected; dropping a whole collection is never done through this path.
func (p *PG) DeleteByFilter(ctx context.Context, collection string, f Filter) error {
	const op = "vector.DeleteByFilter"
	spec, err := collectionFor(op, collection)
	if err != nil {
		return err
	}
	if f.Empty() {
		return errkind.Errorf(errkind.BadRange, op, "refusing to delete with an empty filter")
	}

	where, args, err := filterClause(op, f, nil)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+spec.table+` WHERE `+where, args...)
	if err != nil {
		return errkind.E(errkind.VectorUnavailable, op, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		p.logger.DebugContext(ctx, "deleted vector points",
			"collection", collection, "count", n)
	}
	return nil
}

var payloadKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// filterClause renders a Filter as ANDed SQL over the JSONB payload, keys in
// sorted order. Equality uses containment so numbers and booleans compare by
// value; membership compares the text projection.
func filterClause(op string, f Filter, args []any) (string, []any, error) {
	where := "TRUE"
	for _, key := range sortedKeys(f.Equals) {
		frag, err := json.Marshal(map[string]any{key: f.Equals[key]})
		if err != nil {
			return "", nil, errkind.E(errkind.Internal, op, err)
		}
		args = append(args, frag)
		where += " AND payload @> $" + strconv.Itoa(len(args))
	}
	for _, key := range sortedKeys(f.AnyOf) {
		if !payloadKeyPattern.MatchString(key) {
			return "", nil, errkind.Errorf(errkind.BadRange, op, "invalid payload key %q", key)
		}
		vs := f.AnyOf[key]
		if len(vs) == 0 {
			return "", nil, errkind.Errorf(errkind.BadRange, op, "empty membership set for %q", key)
		}
		args = append(args, pq.Array(vs))
		where += fmt.Sprintf(" AND payload->>'%s' = ANY($%d)", key, len(args))
	}
	return where, args, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
