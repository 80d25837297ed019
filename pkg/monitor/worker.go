package monitor

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/crawler"
	"github.com/fineprintai/engine/pkg/errkind"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/store"
)

const defaultWorkers = 2

// Worker executes monitor jobs: it claims the job row, re-fetches the
// document source, and hands the body to the intake queue. Fetch failures
// finish the job as failed and are not redelivered; the document's cadence
// is the retry schedule.
type Worker struct {
	store   *store.Store
	crawler *crawler.Crawler
	jobs    *queue.Client
	logger  *slog.Logger
}

// NewWorker wires a monitor worker pool.
func NewWorker(st *store.Store, c *crawler.Crawler, jobs *queue.Client) *Worker {
	return &Worker{
		store:   st,
		crawler: c,
		jobs:    jobs,
		logger:  slog.Default().With("component", "monitor"),
	}
}

// Run consumes the monitor queue with n workers until ctx is canceled.
func (w *Worker) Run(ctx context.Context, n int) error {
	if n <= 0 {
		n = defaultWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return w.jobs.Consume(ctx, config.QueueMonitor, w.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one monitor task delivery.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	task, err := queue.Decode[queue.MonitorTask](job)
	if err != nil {
		return err
	}
	log := w.logger.With("monitor_job_id", task.MonitorJobID, "document_id", task.DocumentID)

	if err := w.store.MarkMonitorJobRunning(ctx, task.MonitorJobID, job.Attempt); err != nil {
		owned, err := w.reclaim(ctx, task, err)
		if err != nil {
			return err
		}
		if !owned {
			log.InfoContext(ctx, "monitor job already settled, dropping delivery")
			return nil
		}
		log.InfoContext(ctx, "resuming monitor job after lost lease")
	}

	doc, err := w.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			// An owner purge removed the document with this job in flight.
			log.WarnContext(ctx, "monitored document gone", "error", err)
			kind := string(errkind.NotFound)
			return w.finish(ctx, log, task.MonitorJobID, &kind)
		}
		return err
	}
	if doc.DeletedAt != nil || !doc.MonitoringEnabled {
		log.InfoContext(ctx, "monitoring stopped since scheduling, skipping fetch")
		return w.finish(ctx, log, task.MonitorJobID, nil)
	}

	ev, err := w.crawler.Fetch(ctx, crawler.MonitoringTarget{
		URL:          task.URL,
		DocumentType: string(doc.DocumentType),
		OwnerID:      doc.OwnerID,
		DocumentID:   doc.ID,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a source fault; leave the job for redelivery.
			return ctx.Err()
		}
		kind := string(errkind.KindOf(err))
		log.WarnContext(ctx, "monitor fetch failed", "error_kind", kind, "error", err)
		return w.finish(ctx, log, task.MonitorJobID, &kind)
	}

	if _, err := w.jobs.Enqueue(ctx, config.QueueIntake, queue.PriorityNormal, "", ev); err != nil {
		return err
	}
	log.InfoContext(ctx, "monitor fetch handed to intake",
		"request_id", ev.RequestID, "bytes", len(ev.RawBytes))
	return w.finish(ctx, log, task.MonitorJobID, nil)
}

// reclaim decides whether a redelivered task still owns its job. A claim
// conflict is normal after a lost lease: the first delivery marked the job
// running and died before acking.
func (w *Worker) reclaim(ctx context.Context, task queue.MonitorTask, claimErr error) (bool, error) {
	if !errkind.Is(claimErr, errkind.Conflict) && !errkind.Is(claimErr, errkind.NotFound) {
		return false, claimErr
	}
	active, err := w.store.ActiveMonitorJob(ctx, task.DocumentID)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return false, nil
		}
		return false, err
	}
	return active.ID == task.MonitorJobID && active.State == store.MonitorRunning, nil
}

// finish settles the job row. Losing the terminal transition to a concurrent
// delivery or a purge is at-least-once fallout, not an error worth a retry.
func (w *Worker) finish(ctx context.Context, log *slog.Logger, jobID string, errorKind *string) error {
	err := w.store.CompleteMonitorJob(ctx, jobID, errorKind)
	if err == nil {
		return nil
	}
	if errkind.Is(err, errkind.Conflict) || errkind.Is(err, errkind.NotFound) {
		log.InfoContext(ctx, "monitor job settled elsewhere", "error", err)
		return nil
	}
	return err
}

// SettleDeadLetter returns a dead-letter hook that closes the job row behind
// an exhausted monitor task so the document can be scheduled again. Without
// it a poisoned task would pin its document's active-job slot forever.
func SettleDeadLetter(st *store.Store) func(context.Context, queue.DeadLetter) {
	logger := slog.Default().With("component", "monitor")
	return func(ctx context.Context, d queue.DeadLetter) {
		if d.Queue != config.QueueMonitor || d.Job == nil {
			return
		}
		task, err := queue.Decode[queue.MonitorTask](d.Job)
		if err != nil {
			logger.WarnContext(ctx, "dead-lettered monitor task does not decode",
				"job_id", d.JobID, "error", err)
			return
		}
		log := logger.With("monitor_job_id", task.MonitorJobID, "document_id", task.DocumentID)

		kind := d.LastErrorKind
		if kind == "" {
			kind = string(errkind.Internal)
		}
		err = st.CompleteMonitorJob(ctx, task.MonitorJobID, &kind)
		if err == nil {
			log.WarnContext(ctx, "monitor job failed via dead letter", "error_kind", kind)
			return
		}
		if errkind.Is(err, errkind.Conflict) {
			// Never claimed; the scheduled row is the one holding the slot.
			cerr := st.CancelMonitorJob(ctx, task.MonitorJobID)
			switch {
			case cerr == nil:
				log.WarnContext(ctx, "monitor job canceled via dead letter", "error_kind", kind)
			case errkind.Is(cerr, errkind.Conflict), errkind.Is(cerr, errkind.NotFound):
				// Already terminal.
			default:
				log.WarnContext(ctx, "dead-lettered monitor job left unsettled", "error", cerr)
			}
			return
		}
		if !errkind.Is(err, errkind.NotFound) {
			log.WarnContext(ctx, "dead-lettered monitor job left unsettled", "error", err)
		}
	}
}
