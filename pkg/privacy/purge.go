// Package privacy owns the data-rights surface: hard purges that erase an
// owner across the relational store, the cache, and the vector index, and
// the audit retention sweep.
package privacy

import (
	"context"
	"log/slog"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/store"
	"github.com/fineprintai/engine/pkg/vector"
)

// PurgeService is the erasure contract callers depend on.
type PurgeService interface {
	PurgeOwner(ctx context.Context, ownerID string) (*store.PurgeReport, error)
}

// Purger implements the GDPR deletion contract. The relational purge runs
// first and reports what existed; vector points and cache entries are erased
// from that report.
type Purger struct {
	store   *store.Store
	cache   *cache.Client
	vectors vector.Store
	logger  *slog.Logger
}

var _ PurgeService = (*Purger)(nil)

// NewPurger builds the erasure orchestrator.
func NewPurger(st *store.Store, c *cache.Client, vec vector.Store) *Purger {
	return &Purger{
		store:   st,
		cache:   c,
		vectors: vec,
		logger:  slog.Default().With("component", "privacy"),
	}
}

// PurgeOwner erases one owner everywhere. Documents and their cascade
// (versions, analyses, findings, alerts, monitor jobs) leave the store and
// the owner's audit records are anonymized in one transaction; then the
// owner's vector points go, clauses before the document points; then every
// cache key derived from the purged rows is dropped. Vector and cache
// erasure filter by owner, so retrying a partially failed purge still finds
// its targets even though the relational rows are already gone.
func (p *Purger) PurgeOwner(ctx context.Context, ownerID string) (*store.PurgeReport, error) {
	report, err := p.store.HardPurgeOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	for _, collection := range []string{vector.CollectionClauses, vector.CollectionDocuments} {
		err := p.vectors.DeleteByFilter(ctx, collection,
			vector.Filter{Equals: map[string]any{"owner_id": ownerID}})
		if err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, 2*len(report.Fingerprints)+len(report.AnalysisIDs)+1)
	for _, fp := range report.Fingerprints {
		keys = append(keys, cache.DocMetaKey(fp), cache.ContentKey(fp))
	}
	for _, id := range report.AnalysisIDs {
		keys = append(keys, cache.AnalysisKey(id))
	}
	keys = append(keys, cache.DashboardKey(ownerID))
	if err := p.cache.Invalidate(ctx, keys...); err != nil {
		return nil, err
	}
	if err := p.cache.InvalidatePrefix(ctx, cache.OwnerPrefix(ownerID)); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "owner purged",
		"owner_id", ownerID,
		"documents", len(report.DocumentIDs),
		"versions", report.VersionsDeleted,
		"findings", report.FindingsDeleted,
		"alerts", report.AlertsDeleted,
		"monitor_jobs", report.JobsDeleted,
		"audit_anonymized", report.AuditAnonymized)
	return report, nil
}
