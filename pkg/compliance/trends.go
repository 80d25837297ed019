package compliance

import (
	"context"
	"log/slog"
	"time"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/store"
)

// Trend counter metrics. Each lives in a (window, document_type,
// jurisdiction) bucket keyed by the window's start, so consecutive windows
// are separate keys and expiry retires them without bookkeeping.
const (
	trendTotalAnalyses = "total_analyses"
	trendRiskSum       = "risk_sum"
	trendViolations    = "violations"
	trendFindings      = "findings"
)

// trendWindow is one rolling window length with its bucket label.
type trendWindow struct {
	name string
	span time.Duration
}

var severities = []store.Severity{
	store.SeverityLow, store.SeverityMedium, store.SeverityHigh, store.SeverityCritical,
}

// trendScope is the synthetic marker id gating the per-analysis counters
// for one jurisdiction. Rules share their jurisdiction's counters, so no
// single rule's marker can be the gate.
func trendScope(jurisdiction string) string {
	return "trend:" + jurisdiction
}

// trendBucket names one counter within a window.
func trendBucket(window, documentType, jurisdiction, metric string) string {
	return window + ":" + documentType + ":" + jurisdiction + ":" + metric
}

func findingsMetric(severity store.Severity) string {
	return trendFindings + ":" + string(severity)
}

// recordAnalysisTrends moves the per-analysis counters — total analyses,
// findings by severity, risk score sum — once per (analysis, jurisdiction).
// The marker commits before the counters move, so a crash in between
// undercounts once rather than ever double-counting.
func (e *Engine) recordAnalysisTrends(ctx context.Context, log *slog.Logger, a *store.Analysis,
	doc *store.Document, jurisdiction string, in ruleInput) error {

	first, err := e.store.MarkComplianceProcessed(ctx, a.ID, trendScope(jurisdiction))
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	docType := string(doc.DocumentType)
	now := e.clock().UTC()
	for _, w := range e.windows {
		key := cache.TrendKey(trendBucket(w.name, docType, jurisdiction, trendTotalAnalyses), now.Truncate(w.span))
		if _, err := e.cache.Incr(ctx, key, 2*w.span); err != nil {
			log.WarnContext(ctx, "trend counter update failed", "key", key, "error", err)
		}
	}
	for _, severity := range severities {
		e.addTrend(ctx, log, docType, jurisdiction, findingsMetric(severity), in.bySeverity[string(severity)])
	}
	e.addTrend(ctx, log, docType, jurisdiction, trendRiskSum, int64(in.score))
	return nil
}

// addTrend adds delta to one metric across every window. Counter TTLs run
// two windows so the previous bucket stays readable while the current one
// fills. Cache trouble degrades to a warning; trends are advisory.
func (e *Engine) addTrend(ctx context.Context, log *slog.Logger,
	documentType, jurisdiction, metric string, delta int64) {
	if delta == 0 {
		return
	}
	now := e.clock().UTC()
	for _, w := range e.windows {
		key := cache.TrendKey(trendBucket(w.name, documentType, jurisdiction, metric), now.Truncate(w.span))
		if _, err := e.cache.IncrBy(ctx, key, delta, 2*w.span); err != nil {
			log.WarnContext(ctx, "trend counter update failed", "key", key, "error", err)
		}
	}
}

// TrendSnapshot is one window's counters for a (document_type, jurisdiction)
// pair.
type TrendSnapshot struct {
	Window             string
	WindowStart        time.Time
	TotalAnalyses      int64
	Violations         int64
	RiskSum            int64
	FindingsBySeverity map[store.Severity]int64
	AvgRiskScore       float64
}

// Trends reads the current-window counters for one document type and
// jurisdiction. Buckets never written, or already expired, read as zero;
// severities with no findings are absent from the map.
func (e *Engine) Trends(ctx context.Context, documentType, jurisdiction string) ([]TrendSnapshot, error) {
	now := e.clock().UTC()
	out := make([]TrendSnapshot, 0, len(e.windows))
	for _, w := range e.windows {
		start := now.Truncate(w.span)
		snap := TrendSnapshot{
			Window:             w.name,
			WindowStart:        start,
			FindingsBySeverity: make(map[store.Severity]int64),
		}
		var err error
		if snap.TotalAnalyses, err = e.trendValue(ctx, w, documentType, jurisdiction, trendTotalAnalyses, start); err != nil {
			return nil, err
		}
		if snap.Violations, err = e.trendValue(ctx, w, documentType, jurisdiction, trendViolations, start); err != nil {
			return nil, err
		}
		if snap.RiskSum, err = e.trendValue(ctx, w, documentType, jurisdiction, trendRiskSum, start); err != nil {
			return nil, err
		}
		for _, severity := range severities {
			n, err := e.trendValue(ctx, w, documentType, jurisdiction, findingsMetric(severity), start)
			if err != nil {
				return nil, err
			}
			if n != 0 {
				snap.FindingsBySeverity[severity] = n
			}
		}
		if snap.TotalAnalyses > 0 {
			snap.AvgRiskScore = float64(snap.RiskSum) / float64(snap.TotalAnalyses)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (e *Engine) trendValue(ctx context.Context, w trendWindow,
	documentType, jurisdiction, metric string, start time.Time) (int64, error) {
	return e.cache.GetCounter(ctx, cache.TrendKey(trendBucket(w.name, documentType, jurisdiction, metric), start))
}
