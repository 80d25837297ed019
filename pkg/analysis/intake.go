package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/changedetect"
	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/events"
	"github.com/fineprintai/engine/pkg/fingerprint"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

const (
	// defaultIntakers sizes the intake pool when the caller passes none.
	defaultIntakers = 16
	// titleMaxChars bounds a title derived from document text.
	titleMaxChars = 120
)

// Intake consumes fetched document bodies: it normalizes and fingerprints
// the content, resolves the owning document, appends a version when the
// content changed, opens the pending analysis, and dispatches the analysis
// job. A re-fetch of known content settles with a monitoring touch and an
// audit line.
type Intake struct {
	store  *store.Store
	cache  *cache.Client
	jobs   *queue.Client
	logger *slog.Logger

	maxBytes   int
	contentTTL time.Duration
	docMetaTTL time.Duration

	clock func() time.Time
}

// IntakeOption adjusts intake construction.
type IntakeOption func(*Intake)

// WithIntakeClock substitutes the time source.
func WithIntakeClock(fn func() time.Time) IntakeOption {
	return func(in *Intake) { in.clock = fn }
}

// NewIntake builds the intake worker.
func NewIntake(st *store.Store, c *cache.Client, jobs *queue.Client, cfg *config.Config, opts ...IntakeOption) *Intake {
	in := &Intake{
		store:      st,
		cache:      c,
		jobs:       jobs,
		logger:     slog.Default().With("component", "intake"),
		maxBytes:   cfg.Normalize.MaxBytes,
		contentTTL: cfg.Cache.ContentTTL,
		docMetaTTL: cfg.Cache.DocMetaTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// docMeta is the cached per-fingerprint fast path: enough to confirm a
// re-fetch is a document's current version without touching the store.
type docMeta struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
	VersionID  string `json:"version_id"`
}

// Run consumes the intake queue with n workers until ctx is canceled.
func (in *Intake) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = defaultIntakers
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return in.jobs.Consume(ctx, config.QueueIntake, in.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one fetched body. Raw bytes exist only inside this call:
// what leaves is the normalized text on the analysis job and in the content
// cache, keyed by fingerprint.
func (in *Intake) Handle(ctx context.Context, job *queue.Job) error {
	ev, err := queue.Decode[queue.IntakeEvent](job)
	if err != nil {
		return err
	}
	log := in.logger.With("request_id", ev.RequestID, "owner_id", ev.OwnerID, "url", ev.URL)

	normalized, err := fingerprint.Normalize(ev.RawBytes, in.maxBytes)
	if err != nil {
		log.WarnContext(ctx, "intake body rejected", "error", err)
		return err
	}
	fp := fingerprint.FingerprintText(normalized)
	log = log.With("fingerprint", fp)

	// Fast path: a fingerprint already versioned as some document's current
	// content. Owner and document must agree or the fetch takes the slow
	// path, where attribution is authoritative.
	meta, hit, err := cache.Get[docMeta](ctx, in.cache, cache.DocMetaKey(fp))
	if err != nil {
		log.WarnContext(ctx, "doc_meta cache read failed", "error", err)
	}
	if hit && meta.OwnerID == ev.OwnerID && (ev.DocumentID == "" || ev.DocumentID == meta.DocumentID) {
		return in.noChange(ctx, log, ev, meta.DocumentID, meta.VersionID, fp, normalized)
	}

	doc, created, err := in.resolveDocument(ctx, log, ev, fp, normalized)
	if err != nil || doc == nil {
		return err
	}

	decision := changedetect.Decision{Changed: true, Kind: changedetect.KindInitial}
	if !created {
		if doc.ContentFingerprint == fp {
			latest, err := in.store.LatestVersion(ctx, doc.ID)
			if err == nil {
				return in.noChange(ctx, log, ev, doc.ID, latest.ID, fp, normalized)
			}
			if !errkind.Is(err, errkind.NotFound) {
				return err
			}
			// The document row landed but its first version never did;
			// append it now as the initial capture.
		} else {
			decision = in.classifyChange(ctx, log, doc, fp, normalized)
		}
	}

	version, analysis, err := in.captureVersion(ctx, ev, doc, fp, normalized, decision)
	if err != nil {
		if errkind.Is(err, errkind.FingerprintUnchanged) {
			// Raced another intake of the same content; settle as no change.
			latest, lerr := in.store.LatestVersion(ctx, doc.ID)
			if lerr != nil {
				return lerr
			}
			return in.noChange(ctx, log, ev, doc.ID, latest.ID, fp, normalized)
		}
		return err
	}

	aj := queue.AnalysisJob{
		AnalysisID:     analysis.ID,
		DocumentID:     doc.ID,
		VersionID:      version.ID,
		Fingerprint:    fp,
		NormalizedText: normalized,
	}
	if _, err := in.jobs.Enqueue(ctx, config.QueueAnalysis, queue.PriorityNormal, aj.DedupKey(), aj); err != nil {
		// Redelivery re-lands on the no-change path, which re-dispatches
		// the analysis this version already owns.
		return err
	}

	in.refreshCaches(ctx, log, doc.ID, doc.OwnerID, version.ID, fp, normalized)
	if old := doc.ContentFingerprint; old != "" && old != fp {
		if err := in.cache.Invalidate(ctx, cache.DocMetaKey(old), cache.ContentKey(old)); err != nil {
			log.WarnContext(ctx, "stale fingerprint invalidation failed", "error", err)
		}
	}

	log.InfoContext(ctx, "document version captured",
		"document_id", doc.ID, "version_seq", version.VersionSeq,
		"change_kind", version.DetectedChangeKind, "analysis_id", analysis.ID)
	return nil
}

// resolveDocument finds or creates the document a fetch belongs to. A nil
// document with nil error means the delivery should be dropped.
func (in *Intake) resolveDocument(ctx context.Context, log *slog.Logger, ev queue.IntakeEvent, fp, normalized string) (*store.Document, bool, error) {
	if ev.DocumentID != "" {
		doc, err := in.store.GetDocument(ctx, ev.DocumentID)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				log.WarnContext(ctx, "intake for unknown document, dropping", "document_id", ev.DocumentID)
				return nil, false, nil
			}
			return nil, false, err
		}
		if doc.DeletedAt != nil {
			log.InfoContext(ctx, "intake for deleted document, dropping", "document_id", doc.ID)
			return nil, false, nil
		}
		return doc, false, nil
	}

	doc, created, err := in.store.UpsertDocument(ctx, store.UpsertDocumentParams{
		OwnerID:       ev.OwnerID,
		Title:         deriveTitle(normalized, ev.URL),
		DocumentType:  documentType(ev.DocumentType),
		Fingerprint:   fp,
		ContentLength: int64(len(normalized)),
		SourceURL:     optional(ev.URL),
	})
	if err != nil {
		return nil, false, err
	}
	return doc, created, nil
}

// classifyChange diffs the new content against the previous version's text.
// That text lives only in the content cache; when it has aged out the
// change is still a change, just not classifiable paragraph by paragraph.
func (in *Intake) classifyChange(ctx context.Context, log *slog.Logger, doc *store.Document, fp, normalized string) changedetect.Decision {
	prevText, hit, err := cache.Get[string](ctx, in.cache, cache.ContentKey(doc.ContentFingerprint))
	if err != nil {
		log.WarnContext(ctx, "previous content unavailable", "error", err)
	}
	if !hit || prevText == "" {
		return changedetect.Decision{Changed: true, Kind: changedetect.KindModified}
	}
	return changedetect.Evaluate(changedetect.Latest{
		Fingerprint: doc.ContentFingerprint,
		Normalized:  prevText,
	}, fp, normalized)
}

// captureVersion appends the version, opens its analysis, and writes the
// audit line and change event, all in one transaction.
func (in *Intake) captureVersion(ctx context.Context, ev queue.IntakeEvent, doc *store.Document, fp, normalized string, decision changedetect.Decision) (*store.DocumentVersion, *store.Analysis, error) {
	var (
		version  *store.DocumentVersion
		analysis *store.Analysis
	)
	err := in.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		version, err = tx.AppendVersion(ctx, store.AppendVersionParams{
			DocumentID:         doc.ID,
			Fingerprint:        fp,
			ContentLength:      int64(len(normalized)),
			ChangeKind:         store.ChangeKind(decision.Kind),
			ChangeSummary:      changeSummary(decision),
			SignificantChanges: decision.SignificantChanges,
		})
		if err != nil {
			return err
		}
		analysis, err = tx.CreateAnalysis(ctx, doc.ID, version.ID, doc.OwnerID)
		if err != nil {
			return err
		}

		action := "document.changed"
		if decision.Kind == changedetect.KindInitial {
			action = "document.created"
		}
		after, err := json.Marshal(map[string]any{
			"fingerprint": fp,
			"version_seq": version.VersionSeq,
			"change_kind": version.DetectedChangeKind,
		})
		if err != nil {
			return errkind.E(errkind.Internal, "analysis.captureVersion", err)
		}
		if _, err := tx.AppendAudit(ctx, store.AppendAuditParams{
			Actor:         optional(ev.OwnerID),
			Action:        action,
			ResourceType:  "document",
			ResourceID:    doc.ID,
			AfterState:    after,
			CorrelationID: ev.RequestID,
		}); err != nil {
			return err
		}

		_, err = events.Stage(ctx, tx, events.TopicDocumentChanged, events.DocumentChanged{
			DocumentID: doc.ID,
			VersionSeq: version.VersionSeq,
			ChangeKind: string(version.DetectedChangeKind),
			DetectedAt: version.CapturedAt,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return version, analysis, nil
}

// noChange settles a fetch whose content is already the document's current
// version: touch the monitoring timestamp, audit the pass, and re-dispatch
// the version's analysis if its queue job was lost.
func (in *Intake) noChange(ctx context.Context, log *slog.Logger, ev queue.IntakeEvent, docID, versionID, fp, normalized string) error {
	at := ev.FetchedAt
	if at.IsZero() {
		at = in.clock().UTC()
	}
	if err := in.store.TouchLastMonitored(ctx, docID, at); err != nil {
		if errkind.Is(err, errkind.NotFound) {
			log.InfoContext(ctx, "document gone, dropping no-change fetch", "document_id", docID)
			return nil
		}
		return err
	}
	if _, err := in.store.AppendAudit(ctx, store.AppendAuditParams{
		Actor:         optional(ev.OwnerID),
		Action:        "intake.no_change",
		ResourceType:  "document",
		ResourceID:    docID,
		CorrelationID: ev.RequestID,
	}); err != nil {
		return err
	}
	if err := in.redispatchLost(ctx, log, docID, versionID, fp, normalized); err != nil {
		return err
	}
	in.refreshCaches(ctx, log, docID, ev.OwnerID, versionID, fp, normalized)
	log.InfoContext(ctx, "no content change", "document_id", docID)
	return nil
}

// redispatchLost re-enqueues the analysis job for a version whose analysis
// is still open. The dedup key absorbs the enqueue when the job is alive,
// so this only matters after a lost enqueue or a dropped queue.
func (in *Intake) redispatchLost(ctx context.Context, log *slog.Logger, docID, versionID, fp, normalized string) error {
	active, err := in.store.ActiveAnalysisForVersion(ctx, versionID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return nil
		}
		return err
	}
	aj := queue.AnalysisJob{
		AnalysisID:     active.ID,
		DocumentID:     docID,
		VersionID:      versionID,
		Fingerprint:    fp,
		NormalizedText: normalized,
	}
	res, err := in.jobs.Enqueue(ctx, config.QueueAnalysis, queue.PriorityNormal, aj.DedupKey(), aj)
	if err != nil {
		return err
	}
	if !res.Absorbed {
		log.InfoContext(ctx, "re-dispatched analysis without a live job", "analysis_id", active.ID)
	}
	return nil
}

// refreshCaches keeps the fingerprint-keyed entries warm. Both writes are
// advisory; failures degrade the next fetch to the slow path.
func (in *Intake) refreshCaches(ctx context.Context, log *slog.Logger, docID, ownerID, versionID, fp, normalized string) {
	if err := cache.Set(ctx, in.cache, cache.ContentKey(fp), normalized, in.contentTTL); err != nil {
		log.WarnContext(ctx, "content cache write failed", "error", err)
	}
	meta := docMeta{DocumentID: docID, OwnerID: ownerID, VersionID: versionID}
	if err := cache.Set(ctx, in.cache, cache.DocMetaKey(fp), meta, in.docMetaTTL); err != nil {
		log.WarnContext(ctx, "doc_meta cache write failed", "error", err)
	}
}

func changeSummary(d changedetect.Decision) string {
	if d.Kind == changedetect.KindInitial {
		return "initial capture"
	}
	if d.Summary.Total() == 0 {
		return "content changed"
	}
	return d.Summary.String()
}

// deriveTitle names an ad-hoc document: the first paragraph of the text,
// else the source host, else a placeholder.
func deriveTitle(normalized, rawURL string) string {
	first := normalized
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	if first = strings.TrimSpace(first); first != "" {
		return fingerprint.Truncate(first, titleMaxChars)
	}
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "Untitled document"
}

func documentType(s string) store.DocumentType {
	switch t := store.DocumentType(s); t {
	case store.DocTypeTOS, store.DocTypePrivacyPolicy, store.DocTypeEULA,
		store.DocTypeCookiePolicy, store.DocTypeDPA, store.DocTypeServiceAgreement:
		return t
	default:
		return store.DocTypeOther
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
