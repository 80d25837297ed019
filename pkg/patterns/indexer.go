package patterns

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/fineprintai/engine/pkg/store"
	"github.com/fineprintai/engine/pkg/vector"
)

// patternPointNS namespaces rule-name UUIDs so a rule keeps one vector point
// across version bumps.
var patternPointNS = uuid.MustParse("bd9f3c6e-9c47-4c5d-8a6f-2f4f6f1f9437")

// EmbeddingPointID derives the vector point id for a rule name. The id is
// stable across rule versions, so re-indexing a bumped rule overwrites its
// point instead of stranding the old one.
func EmbeddingPointID(name string) string {
	return uuid.NewSHA1(patternPointNS, []byte(name)).String()
}

// Indexer projects the persisted rule set into the patterns vector
// collection for semantic clause matching.
type Indexer struct {
	vectors vector.Store
	embed   vector.Embedder
	logger  *slog.Logger
}

// NewIndexer builds an indexer over the patterns collection. The embedder
// must produce PatternDim-wide vectors, the same space clause windows are
// embedded into at analysis time.
func NewIndexer(vectors vector.Store, embed vector.Embedder) *Indexer {
	return &Indexer{
		vectors: vectors,
		embed:   embed,
		logger:  slog.Default().With("component", "patterns"),
	}
}

// Index upserts one point per rule. Inactive rules are indexed too, flagged
// in the payload; searches filter on active, so deactivating a rule drops it
// from matching without a delete.
func (ix *Indexer) Index(ctx context.Context, rules []store.PatternRule) error {
	if len(rules) == 0 {
		return nil
	}
	points := make([]vector.Point, 0, len(rules))
	for _, r := range rules {
		vec, err := ix.embed.Embed(ctx, embeddingText(r))
		if err != nil {
			return err
		}
		id := EmbeddingPointID(r.Name)
		if r.EmbeddingID != nil && *r.EmbeddingID != "" {
			id = *r.EmbeddingID
		}
		points = append(points, vector.Point{
			ID:     id,
			Vector: vec,
			Payload: map[string]any{
				"rule_id":  r.ID,
				"name":     r.Name,
				"category": r.Category,
				"severity": string(r.Severity),
				"active":   r.Active,
			},
		})
	}
	if err := ix.vectors.Upsert(ctx, vector.CollectionPatterns, points); err != nil {
		return err
	}
	ix.logger.InfoContext(ctx, "pattern rules indexed", "rules", len(points))
	return nil
}

// embeddingText is what a rule means, not what it matches: description and
// legal basis carry the semantics, keywords anchor the vocabulary.
func embeddingText(r store.PatternRule) string {
	parts := make([]string, 0, 3)
	if r.Description != "" {
		parts = append(parts, r.Description)
	}
	if r.LegalBasis != "" {
		parts = append(parts, r.LegalBasis)
	}
	if len(r.Keywords) > 0 {
		parts = append(parts, strings.Join(r.Keywords, ", "))
	}
	if len(parts) == 0 {
		return r.Name
	}
	return strings.Join(parts, "\n")
}
