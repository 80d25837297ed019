// Package analysis is the document pipeline: intake turns fetched content
// into versions and pending analyses, the orchestrator runs each analysis
// through pattern matching, semantic clause search, and one LLM pass, and
// the sweeper expires completed runs past retention.
//
// Document text never touches Postgres. It rides the job payload, is
// re-fingerprinted before any work happens, and survives only as bounded
// excerpts on findings and as vectors.
package analysis

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/events"
	"github.com/fineprintai/engine/pkg/fingerprint"
	"github.com/fineprintai/engine/pkg/llm"
	"github.com/fineprintai/engine/pkg/observability"
	"github.com/fineprintai/engine/pkg/patterns"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
	"github.com/fineprintai/engine/pkg/vector"
)

const (
	// defaultAnalyzers sizes the worker pool when the caller passes none.
	defaultAnalyzers = 8
	// docEmbedChars bounds how much text feeds the document-level embedding.
	docEmbedChars = 8000
	// maxRiskScore caps the severity-weighted fallback score.
	maxRiskScore = 100
)

// Orchestrator consumes the analysis queue and runs the pipeline for one
// document version per job: verify content identity, match rules, search
// clause windows semantically, summarize once with the LLM, then persist
// the verdict in a single transaction and hand off to compliance.
type Orchestrator struct {
	store      *store.Store
	cache      *cache.Client
	jobs       *queue.Client
	rules      *patterns.Provider
	vectors    vector.Store
	summarizer *llm.Summarizer
	telemetry  *observability.Provider
	logger     *slog.Logger

	clauseEmb vector.Embedder
	docEmb    vector.Embedder

	model         string
	lockTTL       time.Duration
	maxBytes      int
	retention     time.Duration
	windowChars   int
	windowOverlap int
	topK          int
	threshold     float64

	clock func() time.Time
}

// Option adjusts orchestrator construction.
type Option func(*Orchestrator)

// WithClock substitutes the time source.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = fn }
}

// WithEmbedders replaces both embedding spaces. The clause embedder must
// match the patterns collection width, the document embedder the documents
// collection width.
func WithEmbedders(clause, document vector.Embedder) Option {
	return func(o *Orchestrator) {
		o.clauseEmb = clause
		o.docEmb = document
	}
}

// WithTelemetry attaches span and metric emission to every pipeline run.
func WithTelemetry(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.telemetry = p }
}

// NewOrchestrator builds the pipeline worker. Hash embedders are the
// default so the pipeline is self-contained; production wiring swaps in the
// HTTP embedders via WithEmbedders.
func NewOrchestrator(st *store.Store, c *cache.Client, jobs *queue.Client, rules *patterns.Provider,
	vectors vector.Store, summarizer *llm.Summarizer, cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         st,
		cache:         c,
		jobs:          jobs,
		rules:         rules,
		vectors:       vectors,
		summarizer:    summarizer,
		logger:        slog.Default().With("component", "analysis"),
		clauseEmb:     vector.HashEmbedder{Dim: vector.PatternDim},
		docEmb:        vector.HashEmbedder{Dim: vector.DocumentDim},
		model:         cfg.LLM.Model,
		lockTTL:       cfg.Cache.DedupLockTTL,
		maxBytes:      cfg.Normalize.MaxBytes,
		retention:     time.Duration(cfg.Analysis.RetentionDays) * 24 * time.Hour,
		windowChars:   cfg.Vector.WindowChars,
		windowOverlap: cfg.Vector.WindowOverlap,
		topK:          cfg.Vector.PatternTopK,
		threshold:     cfg.Vector.PatternScoreThreshold,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if o.telemetry == nil {
		return ctx, func(error) {}
	}
	return o.telemetry.TrackOperation(ctx, name, attrs...)
}

// Run consumes the analysis queue with n workers until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = defaultAnalyzers
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return o.jobs.Consume(ctx, config.QueueAnalysis, o.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one delivered analysis job. The per-fingerprint lock
// keeps concurrent workers off the same content; the state machine on the
// analyses row stays the authority, so a lost lock degrades to transition
// conflicts rather than duplicate work.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) error {
	const op = "analysis.Handle"

	aj, err := queue.Decode[queue.AnalysisJob](job)
	if err != nil {
		return err
	}
	log := o.logger.With("analysis_id", aj.AnalysisID, "document_id", aj.DocumentID, "attempt", job.Attempt)

	lock, ok, err := o.cache.AcquireLock(ctx, cache.DedupLockKey(aj.Fingerprint), o.lockTTL)
	switch {
	case err != nil:
		log.WarnContext(ctx, "execution lock unavailable, relying on the state machine", "error", err)
	case !ok:
		return errkind.Errorf(errkind.Conflict, op,
			"fingerprint %s is being analyzed elsewhere", aj.Fingerprint)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.WarnContext(ctx, "execution lock release failed", "error", rerr)
		}
	}()

	a, err := o.store.GetAnalysis(ctx, aj.AnalysisID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			log.WarnContext(ctx, "analysis row gone, dropping delivery")
			return nil
		}
		return err
	}

	switch a.Status {
	case store.AnalysisCompleted:
		// Redelivered after a crash between commit and ack. The handoff is
		// idempotent, so repeat it instead of re-running the pipeline.
		log.InfoContext(ctx, "analysis already completed, repeating handoff")
		return o.completedHandoff(ctx, log, a, aj.Fingerprint)
	case store.AnalysisFailed, store.AnalysisExpired:
		log.InfoContext(ctx, "analysis already settled, dropping delivery", "status", a.Status)
		return nil
	case store.AnalysisProcessing:
		// An earlier delivery died mid-run; its lease expired and its
		// attempt is spent.
		if err := o.store.TransitionAnalysis(ctx, a.ID, store.AnalysisProcessing, store.AnalysisPending,
			store.AnalysisPatch{IncrementAttempt: true}); err != nil {
			return err
		}
	}

	started := o.clock().UTC()
	if err := o.store.TransitionAnalysis(ctx, a.ID, store.AnalysisPending, store.AnalysisProcessing,
		store.AnalysisPatch{StartedAt: &started}); err != nil {
		return err
	}

	rctx, finish := o.track(ctx, "analysis.pipeline", observability.PipelineStage(a.ID, a.DocumentID, "run")...)
	err = o.run(rctx, log, a, aj, started)
	finish(err)
	if err != nil {
		return o.settle(ctx, log, a.ID, err)
	}
	return nil
}

// run executes the pipeline for a claimed analysis. Vector writes happen
// before the completion transaction, so a crash in between leaves points a
// retry overwrites, never a completed analysis without its vectors.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, a *store.Analysis, aj queue.AnalysisJob, started time.Time) error {
	const op = "analysis.run"

	version, err := o.store.GetVersion(ctx, aj.VersionID)
	if err != nil {
		return err
	}

	normalized, err := fingerprint.Normalize([]byte(aj.NormalizedText), o.maxBytes)
	if err != nil {
		return err
	}
	if fp := fingerprint.FingerprintText(normalized); fp != version.Fingerprint {
		return errkind.Errorf(errkind.FingerprintDrift, op,
			"content hashes to %s but version %d recorded %s", fp, version.VersionSeq, version.Fingerprint)
	}

	matcher, err := o.rules.CompiledActive(ctx)
	if err != nil {
		return err
	}
	ruleMatches := matcher.Match(normalized)
	observability.AddSpanEvent(ctx, "patterns.matched",
		observability.PipelineStage(a.ID, a.DocumentID, "patterns")...)

	semanticMatches, err := o.semanticCandidates(ctx, normalized, matcher.Rules())
	if err != nil {
		return err
	}

	matches := mergeCandidates(ruleMatches, semanticMatches)
	findings, err := buildFindings(a.ID, normalized, matches, matcher.Rules())
	if err != nil {
		return err
	}

	excerpts := make([]string, len(findings))
	for i, f := range findings {
		excerpts[i] = f.Excerpt
	}
	observability.AddSpanEvent(ctx, "llm.summarize", observability.LLMCall(o.model)...)
	summary, err := o.summarizer.Summarize(ctx, normalized, excerpts)
	if err != nil {
		return err
	}
	score := riskScore(summary, findings)

	if err := o.indexVectors(ctx, a, version, normalized, findings); err != nil {
		return err
	}

	completedAt := o.clock().UTC()
	processingMS := completedAt.Sub(started).Milliseconds()
	expiresAt := completedAt.Add(o.retention)
	model := o.model
	patch := store.AnalysisPatch{
		OverallRiskScore: &score,
		ModelID:          &model,
		ProcessingMS:     &processingMS,
		ExecutiveSummary: &summary.ExecutiveSummary,
		KeyFindings:      orEmpty(summary.KeyFindings),
		Recommendations:  orEmpty(summary.Recommendations),
		CompletedAt:      &completedAt,
		ExpiresAt:        &expiresAt,
	}

	err = o.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.TransitionAnalysis(ctx, a.ID, store.AnalysisProcessing, store.AnalysisCompleted, patch); err != nil {
			return err
		}
		if err := tx.InsertFindings(ctx, a.ID, findings); err != nil {
			return err
		}
		prev, found, err := tx.PreviousCompletedScore(ctx, a.DocumentID, version.VersionSeq)
		if err != nil {
			return err
		}
		if found {
			if err := tx.SetVersionRiskDelta(ctx, version.ID, score-prev); err != nil {
				return err
			}
		}
		_, err = events.Stage(ctx, tx, events.TopicAnalysisCompleted, events.AnalysisCompleted{
			AnalysisID:       a.ID,
			DocumentID:       a.DocumentID,
			OverallRiskScore: score,
			CompletedAt:      completedAt,
		})
		return err
	})
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "analysis completed",
		"risk_score", score, "findings", len(findings), "processing_ms", processingMS)
	return o.completedHandoff(ctx, log, a, version.Fingerprint)
}

// semanticCandidates embeds each clause window and searches the patterns
// collection for rules the keyword pass cannot reach. Hits map back to
// rules by name; a hit naming an unknown rule is skipped rather than cited.
func (o *Orchestrator) semanticCandidates(ctx context.Context, normalized string, rules []store.PatternRule) ([]patterns.Match, error) {
	if o.topK <= 0 {
		return nil, nil
	}
	byName := make(map[string]store.PatternRule, len(rules))
	for _, r := range rules {
		byName[r.Name] = r
	}

	var out []patterns.Match
	for _, w := range fingerprint.Windows(normalized, o.windowChars, o.windowOverlap) {
		vec, err := o.clauseEmb.Embed(ctx, w.Text)
		if err != nil {
			return nil, err
		}
		hits, err := o.vectors.Search(ctx, vector.CollectionPatterns, vec,
			vector.Filter{Equals: map[string]any{"active": true}}, o.topK, o.threshold)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			name, _ := h.Payload["name"].(string)
			r, ok := byName[name]
			if !ok {
				continue
			}
			out = append(out, patterns.Match{
				RuleID:     r.ID,
				RuleName:   r.Name,
				Category:   r.Category,
				Severity:   r.Severity,
				Confidence: h.Score,
				Start:      w.Start,
				End:        w.End,
			})
		}
	}
	return out, nil
}

// mergeCandidates folds semantic hits into the rule matches under the
// shared overlap policy. A survivor takes the highest confidence among the
// candidates it overlaps, capped at 1.
func mergeCandidates(ruleMatches, semanticMatches []patterns.Match) []patterns.Match {
	all := make([]patterns.Match, 0, len(ruleMatches)+len(semanticMatches))
	all = append(all, ruleMatches...)
	all = append(all, semanticMatches...)
	kept := patterns.Dedup(all)
	for i := range kept {
		for _, c := range all {
			if c.Start < kept[i].End && kept[i].Start < c.End && c.Confidence > kept[i].Confidence {
				kept[i].Confidence = c.Confidence
			}
		}
		if kept[i].Confidence > 1 {
			kept[i].Confidence = 1
		}
	}
	return kept
}

// buildFindings shapes matches into findings with pre-assigned ids, so the
// clause vectors written before the completion transaction share ids with
// the rows written inside it.
func buildFindings(analysisID, normalized string, matches []patterns.Match, rules []store.PatternRule) ([]store.Finding, error) {
	byID := make(map[string]store.PatternRule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	findings := make([]store.Finding, 0, len(matches))
	for _, m := range matches {
		excerpt, err := fingerprint.Excerpt(normalized, m.Start, m.End)
		if err != nil {
			return nil, err
		}
		description := m.Title()
		if r, ok := byID[m.RuleID]; ok && r.Description != "" {
			description = r.Description
		}
		advice := patterns.AdviceFor(m.Category)
		ruleID := m.RuleID
		findings = append(findings, store.Finding{
			ID:             uuid.New().String(),
			AnalysisID:     analysisID,
			Category:       m.Category,
			Title:          m.Title(),
			Description:    description,
			Severity:       m.Severity,
			Confidence:     m.Confidence,
			PatternID:      &ruleID,
			Excerpt:        excerpt,
			PositionStart:  m.Start,
			PositionEnd:    m.End,
			Recommendation: advice.Recommendation,
			Impact:         advice.Impact,
		})
	}
	return findings, nil
}

// riskScore prefers the model's overall score; a missing or out-of-range
// value falls back to the severity-weighted sum, capped at 100.
func riskScore(summary *llm.Summary, findings []store.Finding) int {
	if v, ok := summary.RiskScore(); ok {
		return int(math.Round(v))
	}
	total := 0
	for _, f := range findings {
		total += f.Severity.RiskWeight()
	}
	if total > maxRiskScore {
		total = maxRiskScore
	}
	return total
}

// indexVectors writes the clause points for this run and refreshes the
// document-level embedding. A retried run assigns fresh finding ids, so
// points from a failed attempt are cleared first.
func (o *Orchestrator) indexVectors(ctx context.Context, a *store.Analysis, version *store.DocumentVersion, normalized string, findings []store.Finding) error {
	if err := o.vectors.DeleteByFilter(ctx, vector.CollectionClauses,
		vector.Filter{Equals: map[string]any{"analysis_id": a.ID}}); err != nil {
		return err
	}

	points := make([]vector.Point, 0, len(findings))
	for _, f := range findings {
		vec, err := o.clauseEmb.Embed(ctx, f.Excerpt)
		if err != nil {
			return err
		}
		points = append(points, vector.Point{
			ID:     f.ID,
			Vector: vec,
			Payload: map[string]any{
				"analysis_id": a.ID,
				"document_id": a.DocumentID,
				"owner_id":    a.OwnerID,
				"category":    f.Category,
				"severity":    string(f.Severity),
			},
		})
	}
	if len(points) > 0 {
		if err := o.vectors.Upsert(ctx, vector.CollectionClauses, points); err != nil {
			return err
		}
	}

	docVec, err := o.docEmb.Embed(ctx, fingerprint.Truncate(normalized, docEmbedChars))
	if err != nil {
		return err
	}
	return o.vectors.Upsert(ctx, vector.CollectionDocuments, []vector.Point{{
		ID:     a.DocumentID,
		Vector: docVec,
		Payload: map[string]any{
			"owner_id":    a.OwnerID,
			"fingerprint": version.Fingerprint,
		},
	}})
}

// completedHandoff runs the post-commit side effects of a completed
// analysis: the compliance enqueue and the cache invalidations. The dedup
// key absorbs repeated enqueues, and invalidation only drops keys, so a
// redelivered job repeats both safely.
func (o *Orchestrator) completedHandoff(ctx context.Context, log *slog.Logger, a *store.Analysis, fp string) error {
	_, err := o.jobs.Enqueue(ctx, config.QueueCompliance, queue.PriorityNormal, a.ID, queue.ComplianceJob{
		AnalysisID: a.ID,
		DocumentID: a.DocumentID,
		VersionID:  a.DocumentVersionID,
	})
	if err != nil {
		return err
	}
	if err := o.cache.Invalidate(ctx,
		cache.AnalysisKey(a.ID), cache.DocMetaKey(fp), cache.DashboardKey(a.OwnerID)); err != nil {
		log.WarnContext(ctx, "cache invalidation failed", "error", err)
	}
	return nil
}

// settle records a failed run on the analysis row and returns the cause to
// the queue. Shutdown is not a verdict: the row stays processing and the
// lease reaper redelivers the job.
func (o *Orchestrator) settle(ctx context.Context, log *slog.Logger, id string, runErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	kind := string(errkind.KindOf(runErr))

	if errkind.Retryable(runErr) {
		err := o.store.TransitionAnalysis(ctx, id, store.AnalysisProcessing, store.AnalysisPending,
			store.AnalysisPatch{ErrorKind: &kind, IncrementAttempt: true})
		if err != nil && !errkind.Is(err, errkind.Conflict) {
			log.ErrorContext(ctx, "analysis could not return to pending", "error", err, "cause", runErr)
		}
		log.WarnContext(ctx, "analysis attempt failed", "error_kind", kind, "error", runErr)
		return runErr
	}

	completedAt := o.clock().UTC()
	err := o.store.TransitionAnalysis(ctx, id, store.AnalysisProcessing, store.AnalysisFailed,
		store.AnalysisPatch{ErrorKind: &kind, CompletedAt: &completedAt})
	if err != nil && !errkind.Is(err, errkind.Conflict) {
		log.ErrorContext(ctx, "analysis could not be failed", "error", err, "cause", runErr)
	}
	log.ErrorContext(ctx, "analysis failed", "error_kind", kind, "error", runErr)
	return runErr
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// SettleDeadLetter returns a dead-letter hook that fails the analysis row
// behind an exhausted job. Without it the row would sit non-terminal with
// no delivery left to claim it.
func SettleDeadLetter(st *store.Store) func(context.Context, queue.DeadLetter) {
	logger := slog.Default().With("component", "analysis")
	return func(ctx context.Context, d queue.DeadLetter) {
		if d.Queue != config.QueueAnalysis || d.Job == nil {
			return
		}
		aj, err := queue.Decode[queue.AnalysisJob](d.Job)
		if err != nil {
			logger.WarnContext(ctx, "dead-lettered analysis job does not decode", "job_id", d.JobID, "error", err)
			return
		}
		log := logger.With("analysis_id", aj.AnalysisID, "document_id", aj.DocumentID)

		a, err := st.GetAnalysis(ctx, aj.AnalysisID)
		if err != nil {
			if !errkind.Is(err, errkind.NotFound) {
				log.WarnContext(ctx, "dead-lettered analysis left unsettled", "error", err)
			}
			return
		}
		if a.Status.Terminal() {
			return
		}

		kind := d.LastErrorKind
		if kind == "" {
			kind = string(errkind.Internal)
		}
		// The state machine has no pending→failed edge; route through
		// processing so the row records why it will never run.
		if a.Status == store.AnalysisPending {
			if err := st.TransitionAnalysis(ctx, a.ID, store.AnalysisPending, store.AnalysisProcessing,
				store.AnalysisPatch{}); err != nil {
				if !errkind.Is(err, errkind.Conflict) {
					log.WarnContext(ctx, "dead-lettered analysis left unsettled", "error", err)
				}
				return
			}
		}
		now := time.Now().UTC()
		err = st.TransitionAnalysis(ctx, a.ID, store.AnalysisProcessing, store.AnalysisFailed,
			store.AnalysisPatch{ErrorKind: &kind, CompletedAt: &now})
		switch {
		case err == nil:
			log.WarnContext(ctx, "analysis failed via dead letter", "error_kind", kind, "attempts", d.Attempts)
		case errkind.Is(err, errkind.Conflict):
			// Claimed by a live worker between the read and the transition.
		default:
			log.WarnContext(ctx, "dead-lettered analysis left unsettled", "error", err)
		}
	}
}
