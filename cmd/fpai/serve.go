package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fineprintai/engine/pkg/analysis"
	"github.com/fineprintai/engine/pkg/cache"
	"github.com/fineprintai/engine/pkg/compliance"
	"github.com/fineprintai/engine/pkg/config"
	"github.com/fineprintai/engine/pkg/crawler"
	"github.com/fineprintai/engine/pkg/events"
	"github.com/fineprintai/engine/pkg/llm"
	"github.com/fineprintai/engine/pkg/monitor"
	"github.com/fineprintai/engine/pkg/observability"
	"github.com/fineprintai/engine/pkg/patterns"
	"github.com/fineprintai/engine/pkg/privacy"
	"github.com/fineprintai/engine/pkg/queue"
	"github.com/fineprintai/engine/pkg/ratelimit"
	"github.com/fineprintai/engine/pkg/store"
	"github.com/fineprintai/engine/pkg/vector"
)

// runServe is the composition root: every process-wide handle (DB pool,
// Redis client, vector store, HTTP clients) is built here and passed down
// explicitly; workers share nothing else.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("FPAI_CONFIG"), "path to config YAML")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	setupLogger(cfg.Logging, stderr)
	logger := slog.Default().With("component", "serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fpai-engine",
		ServiceVersion: Version,
		Environment:    os.Getenv("FPAI_ENV"),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.Postgres)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "postgres: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.MigrateUp(); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrations: %v\n", err)
		return 1
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	c := cache.New(rdb)

	queueOpts := []queue.Option{
		queue.WithTelemetry(obs),
		queue.WithDeadLetterHook(events.StageDeadLetter(st)),
	}
	for _, name := range []string{
		config.QueueIntake, config.QueueAnalysis, config.QueueMonitor, config.QueueCompliance,
	} {
		q := cfg.Queue(name)
		queueOpts = append(queueOpts, queue.WithSettings(name, queue.Settings{
			MaxAttempts: q.MaxAttempts,
			Visibility:  time.Duration(q.VisibilitySeconds) * time.Second,
			SoftLimit:   q.SoftLimit,
			HardLimit:   q.HardLimit,
		}))
	}
	jobs := queue.New(rdb, queueOpts...)

	vectors := vector.NewPG(st.DB())
	var clauseEmb, docEmb vector.Embedder
	if cfg.Vector.EmbedderEndpoint != "" {
		clauseEmb = vector.NewHTTPEmbedder(cfg.Vector.EmbedderEndpoint,
			cfg.Vector.EmbedderAPIKey, cfg.Vector.EmbedderClauseModel, vector.PatternDim)
		docEmb = vector.NewHTTPEmbedder(cfg.Vector.EmbedderEndpoint,
			cfg.Vector.EmbedderAPIKey, cfg.Vector.EmbedderDocModel, vector.DocumentDim)
	} else {
		clauseEmb = vector.HashEmbedder{Dim: vector.PatternDim}
		docEmb = vector.HashEmbedder{Dim: vector.DocumentDim}
		logger.Warn("no embedder endpoint configured, using deterministic hash embeddings")
	}

	provider := patterns.NewProvider(st, c, cfg.Cache.PatternLibTTL)
	indexer := patterns.NewIndexer(vectors, clauseEmb)
	library := patterns.NewLibrary(cfg.Patterns.LibraryDir)
	syncLibrary := func(ctx context.Context) error {
		saved, err := library.Sync(ctx, st)
		if err != nil {
			return err
		}
		if err := indexer.Index(ctx, saved); err != nil {
			return err
		}
		if err := provider.Invalidate(ctx); err != nil {
			logger.WarnContext(ctx, "pattern cache invalidation failed", "error", err)
		}
		logger.InfoContext(ctx, "pattern library synced", "rules", len(saved))
		return nil
	}
	if err := library.Load(); err != nil {
		_, _ = fmt.Fprintf(stderr, "pattern library: %v\n", err)
		return 1
	}
	if err := syncLibrary(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "pattern sync: %v\n", err)
		return 1
	}
	library.OnReload(func([]store.PatternRule) {
		if err := syncLibrary(ctx); err != nil {
			logger.WarnContext(ctx, "pattern reload sync failed", "error", err)
		}
	})

	ruleSet, warnings, err := compliance.LoadRuleSet(cfg.Compliance.RulesDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jurisdiction rules: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		logger.Warn("jurisdiction rule disabled", "error", w)
	}

	limiter := ratelimit.New(ratelimit.Config{
		PerHostRate:    cfg.RateLimit.PerHostRate,
		PerHostBurst:   cfg.RateLimit.PerHostBurst,
		GlobalInFlight: cfg.RateLimit.GlobalInFlight,
		IdleEviction:   cfg.RateLimit.IdleEviction,
	})
	defer limiter.Close()
	fetcher := crawler.New(cfg.HTTP, limiter)

	swarm := crawler.NewSwarm(fetcher, jobs, cfg.Crawler, cfg.WorkerPools.Crawler,
		crawler.WithQuarantineHook(quarantineAlert(st)))
	if cfg.Crawler.TargetsFile != "" {
		targets, err := crawler.LoadTargets(cfg.Crawler.TargetsFile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "crawl targets: %v\n", err)
			return 1
		}
		for _, t := range targets {
			if err := swarm.Add(t); err != nil {
				_, _ = fmt.Fprintf(stderr, "crawl target %s: %v\n", t.URL, err)
				return 1
			}
		}
		logger.Info("static crawl targets registered", "count", len(targets))
	}

	summarizer := llm.NewSummarizer(
		llm.NewHTTPClient(cfg.LLM.Endpoint, cfg.LLM.APIKey,
			time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond),
		cfg.LLM.Model, cfg.LLM.MaxTokens)

	intake := analysis.NewIntake(st, c, jobs, cfg)
	orchestrator := analysis.NewOrchestrator(st, c, jobs, provider, vectors, summarizer, cfg,
		analysis.WithEmbedders(clauseEmb, docEmb),
		analysis.WithTelemetry(obs))
	analysisSweeper := analysis.NewSweeper(st, cfg.Analysis)
	engine := compliance.NewEngine(st, c, jobs, ruleSet, provider, cfg)
	scheduler := monitor.NewScheduler(st, jobs, cfg.Monitor)
	monitorWorker := monitor.NewWorker(st, fetcher, jobs)
	dispatcher := events.NewDispatcher(st, rdb, cfg.Events)
	retention := privacy.NewRetentionSweeper(st, cfg.Audit)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return swarm.Run(runCtx) })
	g.Go(func() error { return intake.Run(runCtx, cfg.WorkerPools.Intake) })
	g.Go(func() error { return orchestrator.Run(runCtx, cfg.WorkerPools.Analyzer) })
	g.Go(func() error { return engine.Run(runCtx, cfg.WorkerPools.Compliance) })
	g.Go(func() error { return scheduler.Run(runCtx) })
	g.Go(func() error { return monitorWorker.Run(runCtx, cfg.WorkerPools.Monitor) })
	g.Go(func() error { return dispatcher.Run(runCtx) })
	g.Go(func() error { return analysisSweeper.Run(runCtx) })
	g.Go(func() error { return retention.Run(runCtx) })
	if cfg.Patterns.HotReload {
		g.Go(func() error { return library.Watch(runCtx) })
	}

	logger.Info("engine running",
		"version", Version,
		"crawler", cfg.WorkerPools.Crawler,
		"intake", cfg.WorkerPools.Intake,
		"analyzers", cfg.WorkerPools.Analyzer,
		"compliance", cfg.WorkerPools.Compliance)
	_, _ = fmt.Fprintf(stdout, "fpai engine %s running\n", Version)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining",
		"grace_seconds", cfg.GracefulShutdownSeconds)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pools exited with error", "error", err)
			return 1
		}
	case <-time.After(time.Duration(cfg.GracefulShutdownSeconds) * time.Second):
		logger.Warn("drain window elapsed, abandoning in-flight work",
			"note", "lease timeouts will redeliver unfinished jobs")
	}
	logger.Info("engine stopped")
	return 0
}

// quarantineAlert opens a compliance alert when a monitored document's
// source crosses into quarantine. Targets without a document row are
// config-level entries; those only log.
func quarantineAlert(st *store.Store) crawler.QuarantineHook {
	logger := slog.Default().With("component", "serve")
	return func(ctx context.Context, t crawler.MonitoringTarget, cause error) {
		if t.DocumentID == "" {
			logger.WarnContext(ctx, "crawl target quarantined",
				"url", t.URL, "error", cause)
			return
		}
		evidence, _ := json.Marshal(map[string]string{
			"url":   t.URL,
			"cause": cause.Error(),
		})
		created, err := st.OpenAlert(ctx, store.ComplianceAlert{
			DocumentID:   t.DocumentID,
			RuleID:       "monitoring.source_quarantined",
			Jurisdiction: "internal",
			Severity:     store.SeverityHigh,
			Evidence:     evidence,
		}, 24*time.Hour)
		if err != nil {
			logger.WarnContext(ctx, "quarantine alert not opened",
				"document_id", t.DocumentID, "error", err)
			return
		}
		if created {
			logger.WarnContext(ctx, "monitored source quarantined",
				"document_id", t.DocumentID, "url", t.URL, "error", cause)
		}
	}
}

func setupLogger(cfg config.LoggingConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
