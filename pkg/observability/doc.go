// Package observability provides OpenTelemetry tracing and metrics for the
// engine's pipeline, queue, and crawler components.
//
// # Setup
//
// Initialize the provider once in the composition root:
//
//	provider, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "fpai-engine",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      cfg.Telemetry.Enabled,
//	})
//	defer provider.Shutdown(ctx)
//
// A disabled provider stays safe to call; spans and metrics become no-ops,
// so workers never branch on telemetry being configured.
//
// # Tracking operations
//
// Wrap a unit of work to get a span plus RED metrics in one call:
//
//	ctx, finish := provider.TrackOperation(ctx, "analysis.pipeline",
//		observability.PipelineStage(analysisID, documentID, "llm_summary")...)
//	err := step(ctx)
//	finish(err)
//
// Create spans manually where finer structure helps:
//
//	ctx, span := provider.StartSpan(ctx, "crawler.fetch")
//	defer span.End()
package observability
