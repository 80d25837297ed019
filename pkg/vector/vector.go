// Package vector adapts the semantic index: three fixed cosine collections
// (documents, patterns, clauses) behind a typed Store interface, backed by
// pgvector. Embeddings come from an Embedder, either the HTTP service or the
// deterministic hash embedder for development.
package vector

import (
	"context"
	"math"

	"github.com/fineprintai/engine/pkg/errkind"
)

// Collection names. Dimensions and tables are fixed per collection.
const (
	CollectionDocuments = "documents"
	CollectionPatterns  = "patterns"
	CollectionClauses   = "clauses"
)

// DocumentDim is the embedding width of whole-document vectors;
// PatternDim covers pattern and clause vectors.
const (
	DocumentDim = 1536
	PatternDim  = 768
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is one search hit. Score is cosine similarity in [0,1] for
// normalized vectors; higher is closer.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter restricts matches by payload. Equals entries are ANDed exact
// values; AnyOf entries are ANDed set-membership constraints.
type Filter struct {
	Equals map[string]any
	AnyOf  map[string][]string
}

// Empty reports whether the filter constrains nothing.
func (f Filter) Empty() bool { return len(f.Equals) == 0 && len(f.AnyOf) == 0 }

// Store is the vector index seen by the pipeline.
type Store interface {
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vec []float32, f Filter, topK int, scoreThreshold float64) ([]Match, error)
	DeleteByFilter(ctx context.Context, collection string, f Filter) error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type collectionSpec struct {
	table string
	dim   int
}

var collections = map[string]collectionSpec{
	CollectionDocuments: {table: "vec_documents", dim: DocumentDim},
	CollectionPatterns:  {table: "vec_patterns", dim: PatternDim},
	CollectionClauses:   {table: "vec_clauses", dim: PatternDim},
}

func collectionFor(op, name string) (collectionSpec, error) {
	spec, ok := collections[name]
	if !ok {
		return collectionSpec{}, errkind.Errorf(errkind.BadRange, op, "unknown collection %q", name)
	}
	return spec, nil
}

// Normalize rescales v to unit L2 length in place and returns it. The zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
