package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fineprintai/engine/pkg/errkind"
)

// HTTPEmbedder calls an embedding service with the common
// {"input": ..., "model": ...} request shape.
type HTTPEmbedder struct {
	endpoint string
	apiKey   string
	model    string
	dim      int
	client   *http.Client
}

// NewHTTPEmbedder builds the production embedder. dim is the expected vector
// width; responses of any other width are rejected.
func NewHTTPEmbedder(endpoint, apiKey, model string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		dim:      dim,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed requests one embedding. Transient upstream failures map to retryable
// kinds so the queue redelivers the job.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "vector.HTTPEmbedder.Embed"

	body, err := json.Marshal(map[string]any{"input": text, "model": e.model})
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.E(errkind.Internal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, errkind.E(errkind.Canceled, op, err)
		}
		return nil, errkind.E(errkind.LLMTimeout, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errkind.Errorf(errkind.RateLimited, op, "embedding service throttled")
	case resp.StatusCode >= 500:
		return nil, errkind.Errorf(errkind.LLMUpstream5xx, op,
			"embedding service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errkind.Errorf(errkind.LLMMalformed, op,
			"embedding service returned %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errkind.E(errkind.LLMMalformed, op, err)
	}
	if len(result.Data) == 0 {
		return nil, errkind.Errorf(errkind.LLMMalformed, op, "no embedding in response")
	}
	vec := result.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, errkind.Errorf(errkind.LLMMalformed, op,
			"embedding has %d dimensions, expected %d", len(vec), e.dim)
	}
	return vec, nil
}

// HashEmbedder produces stable pseudo-embeddings seeded from the sha256 of
// the input. Identical text always embeds identically, which is all the
// development and test paths need.
type HashEmbedder struct {
	Dim int
}

// Embed never fails and ignores the context; it exists to satisfy Embedder.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = PatternDim
	}
	vec := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for i := 0; i < dim; i++ {
		if i%8 == 0 && i > 0 {
			block = sha256.Sum256(append(block[:], byte(i)))
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1).
		vec[i] = float32(int64(bits)-1<<31) / float32(1<<31)
	}
	return Normalize(vec), nil
}

// String identifies the embedder in logs.
func (h HashEmbedder) String() string { return fmt.Sprintf("hash-embedder(dim=%d)", h.Dim) }
