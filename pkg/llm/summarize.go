package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fineprintai/engine/pkg/errkind"
)

// Summary is the structured result of one summarization call.
type Summary struct {
	ExecutiveSummary string   `json:"executive_summary"`
	KeyFindings      []string `json:"key_findings"`
	Recommendations  []string `json:"recommendations"`
	OverallRiskScore *float64 `json:"overall_risk_score"`
}

// RiskScore returns the model's risk score when it is present and inside
// [0,100]. Anything else defers to the severity-weighted fallback.
func (s *Summary) RiskScore() (float64, bool) {
	if s.OverallRiskScore == nil {
		return 0, false
	}
	v := *s.OverallRiskScore
	if v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

const (
	// maxDocumentRunes bounds the normalized text included in the prompt.
	maxDocumentRunes = 24000
	// maxPromptExcerpts bounds how many finding excerpts ride along.
	maxPromptExcerpts = 20
)

// Summarizer runs the single summarization call of an analysis.
type Summarizer struct {
	client    Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewSummarizer builds a summarizer bound to one model.
func NewSummarizer(client Client, model string, maxTokens int) *Summarizer {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Summarizer{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		logger:    slog.Default().With("component", "llm"),
	}
}

// Summarize submits the normalized document plus the selected finding
// excerpts and parses the structured reply.
func (s *Summarizer) Summarize(ctx context.Context, normalized string, excerpts []string) (*Summary, error) {
	const op = "llm.Summarize"

	resp, err := s.client.Complete(ctx, Request{
		Prompt:    buildPrompt(normalized, excerpts),
		MaxTokens: s.maxTokens,
		ModelID:   s.model,
	})
	if err != nil {
		return nil, err
	}

	raw, ok := extractJSON(resp.Text)
	if !ok {
		return nil, errkind.Errorf(errkind.LLMMalformed, op, "completion carries no JSON object")
	}
	var sum Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil, errkind.Errorf(errkind.LLMMalformed, op, "summary does not decode: %v", err)
	}
	if strings.TrimSpace(sum.ExecutiveSummary) == "" {
		return nil, errkind.Errorf(errkind.LLMMalformed, op, "summary is missing executive_summary")
	}
	if _, valid := sum.RiskScore(); !valid && sum.OverallRiskScore != nil {
		s.logger.WarnContext(ctx, "model risk score out of range, deferring to severity fallback",
			"score", *sum.OverallRiskScore)
	}
	return &sum, nil
}

// buildPrompt assembles the instruction header, the finding excerpts, and
// the (bounded) document body.
func buildPrompt(normalized string, excerpts []string) string {
	var b strings.Builder
	b.WriteString("You are a legal document analyst. Review the document and the flagged clauses below.\n")
	b.WriteString("Respond with a single JSON object and nothing else:\n")
	b.WriteString(`{"executive_summary": string, "key_findings": [string], "recommendations": [string], "overall_risk_score": number between 0 and 100}`)
	b.WriteString("\n\n")

	if len(excerpts) > 0 {
		if len(excerpts) > maxPromptExcerpts {
			excerpts = excerpts[:maxPromptExcerpts]
		}
		b.WriteString("Flagged clauses:\n")
		for i, e := range excerpts {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(e))
		}
		b.WriteString("\n")
	}

	b.WriteString("Document:\n")
	b.WriteString(truncateRunes(normalized, maxDocumentRunes))
	return b.String()
}

// truncateRunes bounds s to n runes without splitting a code point.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "\n[document truncated]"
		}
		count++
	}
	return s
}

// extractJSON pulls the outermost JSON object out of a completion that may
// wrap it in prose or markdown fences.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
