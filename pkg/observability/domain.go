// Package observability provides engine-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine semantic convention attributes. Owner and actor identifiers are
// deliberately absent: spans outlive the data-erasure path.
var (
	// Document pipeline attributes
	AttrDocumentID = attribute.Key("fpai.document.id")
	AttrAnalysisID = attribute.Key("fpai.analysis.id")
	AttrStage      = attribute.Key("fpai.pipeline.stage")
	AttrErrorKind  = attribute.Key("fpai.error.kind")

	// Queue attributes
	AttrQueueName = attribute.Key("fpai.queue.name")
	AttrQueuePrio = attribute.Key("fpai.queue.priority")
	AttrJobID     = attribute.Key("fpai.queue.job_id")

	// Crawler attributes
	AttrCrawlHost   = attribute.Key("fpai.crawl.host")
	AttrCrawlStatus = attribute.Key("fpai.crawl.status_code")

	// Pattern and compliance attributes
	AttrPatternCategory = attribute.Key("fpai.pattern.category")
	AttrSeverity        = attribute.Key("fpai.finding.severity")
	AttrRuleID          = attribute.Key("fpai.compliance.rule_id")

	// LLM attributes
	AttrLLMModel = attribute.Key("fpai.llm.model")
)

// PipelineStage creates attributes for one analysis pipeline step.
func PipelineStage(analysisID, documentID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAnalysisID.String(analysisID),
		AttrDocumentID.String(documentID),
		AttrStage.String(stage),
	}
}

// QueueOperation creates attributes for enqueue/dequeue/ack paths.
func QueueOperation(queue, priority, jobID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrQueueName.String(queue),
		AttrQueuePrio.String(priority),
		AttrJobID.String(jobID),
	}
}

// CrawlOperation creates attributes for a fetch against one host.
func CrawlOperation(host string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCrawlHost.String(host),
		AttrCrawlStatus.Int(statusCode),
	}
}

// ComplianceCheck creates attributes for a rule evaluation.
func ComplianceCheck(ruleID, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRuleID.String(ruleID),
		AttrSeverity.String(severity),
	}
}

// LLMCall creates attributes for a completion request.
func LLMCall(model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLLMModel.String(model),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
