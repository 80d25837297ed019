// Package llm talks to the external summarization model. The engine treats
// the model as a black box with a synchronous completion interface; this
// package owns the transport, the 90s budget, and the mapping of upstream
// failures onto the shared error taxonomy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fineprintai/engine/pkg/errkind"
)

// Request is one completion call.
type Request struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	ModelID   string `json:"model_id"`
}

// Response is the model's completion.
type Response struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

// Client is the synchronous completion interface the pipeline consumes.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient speaks an OpenAI-style completions endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient builds a client against endpoint with a hard per-call
// timeout.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete submits one completion request. Timeouts and 5xx map to the
// retryable kinds; content-policy refusals and unparseable replies are
// fatal for the analysis that made the call.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	const op = "llm.Complete"

	body, err := json.Marshal(completionRequest{
		Model:     req.ModelID,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(op, ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errkind.Errorf(errkind.RateLimited, op, "model endpoint throttled the request")
	case resp.StatusCode >= 500:
		return nil, errkind.Errorf(errkind.LLMUpstream5xx, op, "model endpoint returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errkind.Errorf(errkind.LLMMalformed, op, "model endpoint returned %d", resp.StatusCode)
	}

	var cr completionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&cr); err != nil {
		return nil, errkind.Errorf(errkind.LLMMalformed, op, "completion body does not decode: %v", err)
	}
	if len(cr.Choices) == 0 {
		return nil, errkind.New(errkind.LLMMalformed, op)
	}

	choice := cr.Choices[0]
	if refused(choice.FinishReason) {
		return nil, errkind.Errorf(errkind.LLMRefused, op,
			"model declined the document (stop reason %q)", choice.FinishReason)
	}
	return &Response{Text: choice.Text, StopReason: choice.FinishReason}, nil
}

// refused reports whether the stop reason is a content-policy refusal.
func refused(stopReason string) bool {
	switch stopReason {
	case "content_filter", "refusal":
		return true
	}
	return false
}

// classifyTransport separates caller cancellation from the upstream being
// slow or gone.
func classifyTransport(op string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errkind.E(errkind.Canceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.E(errkind.LLMTimeout, op, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return errkind.E(errkind.LLMTimeout, op, err)
	}
	// Connection refused, DNS failure: the upstream is unreachable, which
	// retries the same way a 5xx does.
	return errkind.E(errkind.LLMUpstream5xx, op, fmt.Errorf("model endpoint unreachable: %w", err))
}
