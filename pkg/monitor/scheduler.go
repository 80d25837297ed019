// Package monitor keeps monitored documents fresh: a scheduler scans for
// documents whose re-fetch is due and turns each into a MonitorJob on the
// monitor queue, and a worker pool executes those jobs by fetching the
// source and handing the body to intake. At most one job per document is
// scheduled or running at a time.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

// Scheduler scans for due documents and dispatches monitor jobs.
type Scheduler struct {
	store  *store.Store
	jobs   *queue.Client
	cfg    config.MonitorConfig
	clock  func() time.Time
	logger *slog.Logger
}

// SchedulerOption adjusts scheduler construction.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock substitutes the time source.
func WithSchedulerClock(fn func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = fn }
}

// NewScheduler builds the due-document scanner.
func NewScheduler(st *store.Store, jobs *queue.Client, cfg config.MonitorConfig, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:  st,
		jobs:   jobs,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "monitor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans on the configured interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce schedules every due document once and reports how many jobs it
// dispatched. Failures are logged per document; one bad row never stalls
// the batch.
func (s *Scheduler) ScanOnce(ctx context.Context) int {
	now := s.clock()
	docs, err := s.store.ListDueMonitoring(ctx, now, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "due-document scan failed", "error", err)
		}
		return 0
	}

	dispatched := 0
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		if s.scheduleOne(ctx, doc, now) {
			dispatched++
		}
	}
	if dispatched > 0 {
		s.logger.InfoContext(ctx, "monitor jobs dispatched", "count", dispatched)
	}
	return dispatched
}

func (s *Scheduler) scheduleOne(ctx context.Context, doc store.Document, now time.Time) bool {
	log := s.logger.With("document_id", doc.ID)

	if doc.SourceURL == nil || *doc.SourceURL == "" {
		// Monitoring without a source is a data fault; push the schedule
		// forward so the scan does not spin on the row.
		log.WarnContext(ctx, "monitored document has no source url")
		if err := s.store.AdvanceMonitorSchedule(ctx, doc.ID, now); err != nil {
			log.WarnContext(ctx, "schedule advance failed", "error", err)
		}
		return false
	}

	job, err := s.store.ScheduleMonitorJob(ctx, doc.ID)
	if err != nil {
		// Conflict means the previous pass is still scheduled or running.
		if !errkind.Is(err, errkind.Conflict) {
			log.WarnContext(ctx, "monitor job create failed", "error", err)
		}
		return false
	}

	task := queue.MonitorTask{MonitorJobID: job.ID, DocumentID: doc.ID, URL: *doc.SourceURL}
	if _, err := s.jobs.Enqueue(ctx, config.QueueMonitor, queue.PriorityNormal, doc.ID, task); err != nil {
		log.WarnContext(ctx, "monitor enqueue failed", "error", err)
		if cerr := s.store.CancelMonitorJob(ctx, job.ID); cerr != nil {
			log.WarnContext(ctx, "orphaned monitor job cancel failed",
				"monitor_job_id", job.ID, "error", cerr)
		}
		return false
	}

	if err := s.store.AdvanceMonitorSchedule(ctx, doc.ID, now); err != nil {
		log.WarnContext(ctx, "schedule advance failed", "error", err)
	}
	return true
}
