package store

import (
	"context"
	"time"

	"github.com/fineprintai/engine/pkg/errkind"
)

// MarkComplianceProcessed records that a rule ran against an analysis.
// Returns true exactly once per (analysis, rule) pair; reprocessing the same
// analysis sees false and must not double-count.
func (s *Store) MarkComplianceProcessed(ctx context.Context, analysisID, ruleID string) (bool, error) {
	return markComplianceProcessed(ctx, s.db, s.clock, analysisID, ruleID)
}

// MarkComplianceProcessed is the transactional variant so the marker commits
// atomically with the alerts it guards.
func (t *Tx) MarkComplianceProcessed(ctx context.Context, analysisID, ruleID string) (bool, error) {
	return markComplianceProcessed(ctx, t.tx, t.s.clock, analysisID, ruleID)
}

func markComplianceProcessed(ctx context.Context, db dbtx, clock func() time.Time, analysisID, ruleID string) (bool, error) {
	const op = "store.MarkComplianceProcessed"
	res, err := db.ExecContext(ctx, `INSERT INTO compliance_markers
		(analysis_id, rule_id, processed_at) VALUES ($1, $2, $3)
		ON CONFLICT (analysis_id, rule_id) DO NOTHING`,
		analysisID, ruleID, clock())
	if err != nil {
		return false, errkind.E(errkind.Internal, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errkind.E(errkind.Internal, op, err)
	}
	return n > 0, nil
}
