package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/sync/errgroup"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/events"
	"github.com/fineprintai/engine/pkg/patterns"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

// defaultComplianceWorkers sizes the worker pool when the caller passes none.
const defaultComplianceWorkers = 4

// Engine consumes the compliance queue and evaluates every active
// jurisdiction rule against one completed analysis per job. Violating
// findings open deduplicated alerts, aggregates feed the rolling trend
// counters, and once-only markers keep redelivered jobs from repeating
// either.
type Engine struct {
	store   *store.Store
	cache   *cache.Client
	jobs    *queue.Client
	rules   *RuleSet
	library *patterns.Provider
	logger  *slog.Logger

	windows []trendWindow

	clock func() time.Time
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock substitutes the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.clock = fn }
}

// NewEngine builds the compliance worker. The pattern provider resolves
// forbidden pattern names against the live library; the rule set comes from
// LoadRuleSet at boot.
func NewEngine(st *store.Store, c *cache.Client, jobs *queue.Client, rules *RuleSet,
	library *patterns.Provider, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		cache:   c,
		jobs:    jobs,
		rules:   rules,
		library: library,
		logger:  slog.Default().With("component", "compliance"),
		windows: []trendWindow{
			{"1d", cfg.Compliance.Window1D},
			{"7d", cfg.Compliance.Window7D},
			{"30d", cfg.Compliance.Window30D},
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consumes the compliance queue with n workers until ctx is canceled.
func (e *Engine) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = defaultComplianceWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return e.jobs.Consume(ctx, config.QueueCompliance, e.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one delivered compliance job.
func (e *Engine) Handle(ctx context.Context, job *queue.Job) error {
	cj, err := queue.Decode[queue.ComplianceJob](job)
	if err != nil {
		return err
	}
	return e.Process(ctx, cj.AnalysisID)
}

// Process evaluates every active jurisdiction rule against one analysis.
// Deliveries for rows that are not evaluable — gone, failed, or not yet
// completed — are dropped rather than retried: the orchestrator enqueues the
// handoff only after its completion transaction commits, so those states
// never heal on redelivery.
func (e *Engine) Process(ctx context.Context, analysisID string) error {
	log := e.logger.With("analysis_id", analysisID)

	a, err := e.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			log.WarnContext(ctx, "analysis row gone, dropping delivery")
			return nil
		}
		return err
	}
	switch a.Status {
	case store.AnalysisCompleted, store.AnalysisExpired:
		// Expired means completed long ago; the verdict is still evaluable.
	case store.AnalysisFailed:
		log.InfoContext(ctx, "analysis failed, nothing to evaluate")
		return nil
	default:
		log.WarnContext(ctx, "analysis not completed, dropping delivery", "status", a.Status)
		return nil
	}

	rules := e.rules.Active()
	if len(rules) == 0 {
		return nil
	}

	doc, err := e.store.GetDocument(ctx, a.DocumentID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			log.WarnContext(ctx, "document gone, dropping delivery", "document_id", a.DocumentID)
			return nil
		}
		return err
	}
	findings, err := e.store.ListFindings(ctx, a.ID)
	if err != nil {
		return err
	}
	byName, err := e.patternIDsByName(ctx)
	if err != nil {
		return err
	}

	in := newRuleInput(a, doc, findings)

	var jurisdictions []string
	seen := make(map[string]bool)
	for _, rule := range rules {
		out := e.evaluateRule(ctx, rule, in, byName)
		if err := e.applyRule(ctx, log, a, doc, rule, out); err != nil {
			return err
		}
		if !seen[rule.Jurisdiction] {
			seen[rule.Jurisdiction] = true
			jurisdictions = append(jurisdictions, rule.Jurisdiction)
		}
	}

	for _, jurisdiction := range jurisdictions {
		if err := e.recordAnalysisTrends(ctx, log, a, doc, jurisdiction, in); err != nil {
			return err
		}
	}
	return nil
}

// ruleInput is the evaluation context shared by every rule for one analysis.
type ruleInput struct {
	score        int
	total        int
	bySeverity   map[string]int64
	documentType string
	categories   map[string]bool
	findings     []store.Finding
}

func newRuleInput(a *store.Analysis, doc *store.Document, findings []store.Finding) ruleInput {
	in := ruleInput{
		bySeverity:   make(map[string]int64),
		documentType: string(doc.DocumentType),
		categories:   make(map[string]bool),
		findings:     findings,
		total:        len(findings),
	}
	if a.OverallRiskScore != nil {
		in.score = *a.OverallRiskScore
	}
	for _, f := range findings {
		in.bySeverity[string(f.Severity)]++
		in.categories[f.Category] = true
	}
	return in
}

// ruleOutcome is what one rule concluded about one analysis.
type ruleOutcome struct {
	missing    []string
	violations []store.Finding
	matched    bool
}

// evaluateRule computes missing coverage and violations, then runs the
// rule's expression when it has one. An expression that fails to evaluate
// counts as non-matching.
func (e *Engine) evaluateRule(ctx context.Context, rule Rule, in ruleInput, byName map[string]string) ruleOutcome {
	var out ruleOutcome

	for _, category := range rule.RequiredCoverage {
		if !in.categories[category] {
			out.missing = append(out.missing, category)
		}
	}
	sort.Strings(out.missing)

	forbidden := make(map[string]bool, len(rule.ForbiddenPatterns))
	for _, name := range rule.ForbiddenPatterns {
		id, ok := byName[name]
		if !ok {
			e.logger.WarnContext(ctx, "forbidden pattern not in the active library",
				"rule_id", rule.ID, "pattern", name)
			continue
		}
		forbidden[id] = true
	}

	for _, f := range in.findings {
		if (f.PatternID != nil && forbidden[*f.PatternID]) || f.Severity.Rank() >= rule.SeverityFloor.Rank() {
			out.violations = append(out.violations, f)
		}
	}

	if rule.prg != nil {
		val, _, err := rule.prg.Eval(map[string]any{
			"risk_score":           int64(in.score),
			"findings_total":       int64(in.total),
			"findings_by_severity": in.bySeverity,
			"document_type":        in.documentType,
			"missing_coverage":     append([]string{}, out.missing...),
		})
		if err != nil {
			e.logger.WarnContext(ctx, "rule expression evaluation failed",
				"rule_id", rule.ID, "error", err)
		} else if matched, ok := val.Value().(bool); ok {
			out.matched = matched
		} else {
			e.logger.WarnContext(ctx, "rule expression is not boolean",
				"rule_id", rule.ID)
		}
	}
	return out
}

// applyRule lands one rule's verdict: inside a single transaction it claims
// the (analysis, rule) marker, opens the alerts the verdict calls for, and
// stages their events. The violations trend counter moves only after the
// claiming commit, so a redelivery can undercount after a crash but never
// double-count.
func (e *Engine) applyRule(ctx context.Context, log *slog.Logger, a *store.Analysis,
	doc *store.Document, rule Rule, out ruleOutcome) error {

	alerts, err := e.buildAlerts(a, rule, out)
	if err != nil {
		return err
	}

	var first bool
	var opened []store.ComplianceAlert
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		first, err = tx.MarkComplianceProcessed(ctx, a.ID, rule.ID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		for _, alert := range alerts {
			created, err := tx.OpenAlert(ctx, alert, rule.Window)
			if err != nil {
				return err
			}
			if !created {
				continue
			}
			_, err = events.Stage(ctx, tx, events.TopicAlertOpened, events.AlertOpened{
				AlertID:      alert.ID,
				DocumentID:   alert.DocumentID,
				Jurisdiction: alert.Jurisdiction,
				Severity:     string(alert.Severity),
				OpenedAt:     alert.DetectedAt,
			})
			if err != nil {
				return err
			}
			opened = append(opened, alert)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !first {
		log.InfoContext(ctx, "rule already processed for this analysis", "rule_id", rule.ID)
		return nil
	}

	for _, alert := range opened {
		log.InfoContext(ctx, "compliance alert opened",
			"alert_id", alert.ID, "rule_id", rule.ID,
			"jurisdiction", alert.Jurisdiction, "severity", alert.Severity)
	}
	e.addTrend(ctx, log, string(doc.DocumentType), rule.Jurisdiction,
		trendViolations, int64(len(out.violations)))
	return nil
}

// buildAlerts groups violating findings into one alert per distinct
// (pattern, severity) pair, in finding position order. A rule whose
// expression matched without any violating finding raises a single
// rule-level alert at the severity floor.
func (e *Engine) buildAlerts(a *store.Analysis, rule Rule, out ruleOutcome) ([]store.ComplianceAlert, error) {
	type group struct {
		pattern    *string
		severity   store.Severity
		findingIDs []string
	}
	var order []string
	groups := make(map[string]*group)
	for _, f := range out.violations {
		key := string(f.Severity)
		if f.PatternID != nil {
			key = *f.PatternID + "\x00" + key
		}
		g, ok := groups[key]
		if !ok {
			g = &group{pattern: f.PatternID, severity: f.Severity}
			groups[key] = g
			order = append(order, key)
		}
		g.findingIDs = append(g.findingIDs, f.ID)
	}
	if len(order) == 0 && out.matched {
		groups[""] = &group{severity: rule.SeverityFloor}
		order = append(order, "")
	}

	now := e.clock().UTC()
	alerts := make([]store.ComplianceAlert, 0, len(order))
	for _, key := range order {
		g := groups[key]
		evidence, hash, err := alertEvidence(a.ID, rule, g.pattern, g.severity, g.findingIDs, out)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, store.ComplianceAlert{
			ID:           uuid.New().String(),
			DocumentID:   a.DocumentID,
			RuleID:       rule.ID,
			Jurisdiction: rule.Jurisdiction,
			PatternID:    g.pattern,
			Severity:     g.severity,
			Evidence:     evidence,
			EvidenceHash: hash,
			DetectedAt:   now,
		})
	}
	return alerts, nil
}

// alertEvidence renders the alert's supporting facts as RFC 8785 canonical
// JSON and hashes them, so identical verdicts produce identical evidence.
func alertEvidence(analysisID string, rule Rule, pattern *string, severity store.Severity,
	findingIDs []string, out ruleOutcome) ([]byte, string, error) {
	const op = "compliance.alertEvidence"

	stable := map[string]any{
		"analysis_id":        analysisID,
		"rule_id":            rule.ID,
		"jurisdiction":       rule.Jurisdiction,
		"pattern_id":         nil,
		"severity":           string(severity),
		"finding_ids":        orEmpty(findingIDs),
		"missing_coverage":   orEmpty(out.missing),
		"expression_matched": out.matched,
	}
	if pattern != nil {
		stable["pattern_id"] = *pattern
	}
	raw, err := json.Marshal(stable)
	if err != nil {
		return nil, "", errkind.E(errkind.Internal, op, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", errkind.E(errkind.Internal, op, err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, "sha256:" + hex.EncodeToString(sum[:]), nil
}

// patternIDsByName maps active pattern rule names to their stored ids, so
// rule files can forbid patterns by name.
func (e *Engine) patternIDsByName(ctx context.Context) (map[string]string, error) {
	rules, err := e.library.Active(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(rules))
	for _, r := range rules {
		byName[r.Name] = r.ID
	}
	return byName, nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
