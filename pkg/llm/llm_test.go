package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/errkind"
)

type clientFunc func(ctx context.Context, req Request) (*Response, error)

func (f clientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func completionBody(text, stopReason string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]string{{"text": text, "finish_reason": stopReason}},
	})
	return string(b)
}

func TestCompleteSendsWireShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fpai-long-ctx", body.Model)
		assert.Equal(t, "summarize this", body.Prompt)
		assert.Equal(t, 512, body.MaxTokens)

		fmt.Fprint(w, completionBody("all clear", "stop"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk-test", time.Second)
	resp, err := c.Complete(context.Background(), Request{
		Prompt:    "summarize this",
		MaxTokens: 512,
		ModelID:   "fpai-long-ctx",
	})
	require.NoError(t, err)
	assert.Equal(t, "all clear", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)
}

func TestCompleteOmitsAuthWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, completionBody("ok", "stop"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
}

func TestCompleteStatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		kind      errkind.Kind
		retryable bool
	}{
		{"throttled", http.StatusTooManyRequests, errkind.RateLimited, true},
		{"upstream 500", http.StatusInternalServerError, errkind.LLMUpstream5xx, true},
		{"upstream 503", http.StatusServiceUnavailable, errkind.LLMUpstream5xx, true},
		{"unexpected 404", http.StatusNotFound, errkind.LLMMalformed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", time.Second)
			_, err := c.Complete(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tc.kind, errkind.KindOf(err))
			assert.Equal(t, tc.retryable, errkind.Retryable(err))
		})
	}
}

func TestCompleteRefusalStopReasons(t *testing.T) {
	for _, reason := range []string{"content_filter", "refusal"} {
		t.Run(reason, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, completionBody("I cannot help with that.", reason))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", time.Second)
			_, err := c.Complete(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, errkind.LLMRefused, errkind.KindOf(err))
			assert.False(t, errkind.Retryable(err))
		})
	}
}

func TestCompleteMalformedReplies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "<html>gateway error</html>"},
		{"empty choices", `{"choices":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", time.Second)
			_, err := c.Complete(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, errkind.LLMMalformed, errkind.KindOf(err))
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(srv.URL, "", 50*time.Millisecond)
	_, err := c.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errkind.LLMTimeout, errkind.KindOf(err))
	assert.True(t, errkind.Retryable(err))
}

func TestCompleteCallerCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read starts and the
		// request context is canceled when the client disconnects.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Complete(ctx, Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errkind.Canceled, errkind.KindOf(err))
}

func TestCompleteUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	c := NewHTTPClient(endpoint, "", time.Second)
	_, err := c.Complete(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, errkind.LLMUpstream5xx, errkind.KindOf(err))
	assert.True(t, errkind.Retryable(err))
}

func TestSummarizeParsesFencedReply(t *testing.T) {
	reply := "Here is the review you asked for:\n```json\n" +
		`{"executive_summary":"Aggressive data sharing terms.",` +
		`"key_findings":["sells data to partners","binding arbitration"],` +
		`"recommendations":["opt out of arbitration"],` +
		`"overall_risk_score":72.5}` +
		"\n```\nLet me know if you need more."

	var got Request
	s := NewSummarizer(clientFunc(func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Text: reply, StopReason: "stop"}, nil
	}), "fpai-long-ctx", 1024)

	sum, err := s.Summarize(context.Background(), "Document body.", []string{"sells data", "arbitration clause"})
	require.NoError(t, err)
	assert.Equal(t, "Aggressive data sharing terms.", sum.ExecutiveSummary)
	assert.Len(t, sum.KeyFindings, 2)
	assert.Equal(t, []string{"opt out of arbitration"}, sum.Recommendations)

	score, valid := sum.RiskScore()
	assert.True(t, valid)
	assert.InDelta(t, 72.5, score, 1e-9)

	assert.Equal(t, "fpai-long-ctx", got.ModelID)
	assert.Equal(t, 1024, got.MaxTokens)
	assert.Contains(t, got.Prompt, "Document body.")
	assert.Contains(t, got.Prompt, "1. sells data")
	assert.Contains(t, got.Prompt, "2. arbitration clause")
}

func TestSummarizeMissingRiskScore(t *testing.T) {
	s := NewSummarizer(clientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: `{"executive_summary":"Fine.","key_findings":[],"recommendations":[]}`}, nil
	}), "m", 0)

	sum, err := s.Summarize(context.Background(), "doc", nil)
	require.NoError(t, err)
	_, valid := sum.RiskScore()
	assert.False(t, valid)
}

func TestSummarizeOutOfRangeScoreIsInvalid(t *testing.T) {
	s := NewSummarizer(clientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: `{"executive_summary":"Fine.","overall_risk_score":150}`}, nil
	}), "m", 0)

	sum, err := s.Summarize(context.Background(), "doc", nil)
	require.NoError(t, err)
	_, valid := sum.RiskScore()
	assert.False(t, valid)
}

func TestSummarizeRejectsProseReply(t *testing.T) {
	s := NewSummarizer(clientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: "The document looks risky overall."}, nil
	}), "m", 0)

	_, err := s.Summarize(context.Background(), "doc", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.LLMMalformed, errkind.KindOf(err))
}

func TestSummarizeRejectsEmptyExecutiveSummary(t *testing.T) {
	s := NewSummarizer(clientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Text: `{"executive_summary":"  ","key_findings":["x"]}`}, nil
	}), "m", 0)

	_, err := s.Summarize(context.Background(), "doc", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.LLMMalformed, errkind.KindOf(err))
}

func TestSummarizePropagatesClientErrors(t *testing.T) {
	want := errkind.Errorf(errkind.LLMTimeout, "llm.Complete", "model endpoint timed out")
	s := NewSummarizer(clientFunc(func(ctx context.Context, req Request) (*Response, error) {
		return nil, want
	}), "m", 0)

	_, err := s.Summarize(context.Background(), "doc", nil)
	require.Error(t, err)
	assert.Equal(t, errkind.LLMTimeout, errkind.KindOf(err))
}

func TestBuildPromptBounds(t *testing.T) {
	doc := strings.Repeat("clause text ", maxDocumentRunes)
	excerpts := make([]string, maxPromptExcerpts+5)
	for i := range excerpts {
		excerpts[i] = fmt.Sprintf("excerpt %d", i)
	}

	prompt := buildPrompt(doc, excerpts)
	assert.Contains(t, prompt, "[document truncated]")
	assert.Contains(t, prompt, fmt.Sprintf("%d. excerpt %d", maxPromptExcerpts, maxPromptExcerpts-1))
	assert.NotContains(t, prompt, fmt.Sprintf("%d. excerpt", maxPromptExcerpts+1))
}

func TestTruncateRunesIsRuneSafe(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := truncateRunes(s, 5)
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, "[document truncated]")
	assert.Equal(t, strings.Repeat("é", 5), strings.SplitN(out, "\n", 2)[0])

	assert.Equal(t, "short", truncateRunes("short", 100))
	assert.Equal(t, "", truncateRunes("anything", 0))
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"noise {\"a\":{\"b\":2}} trailing", `{"a":{"b":2}}`, true},
		{"no object here", "", false},
		{"} inverted {", "", false},
	}
	for _, tc := range cases {
		got, ok := extractJSON(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
