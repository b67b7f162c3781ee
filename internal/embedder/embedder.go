// Package embedder defines the Embedder interface (batch text->vector), a
// deterministic test double, and an HTTP client for OpenAI-compatible
// embedding endpoints with batching and bounded request fan-out.
package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
)

// MaxBatchSize is the largest batch callers may submit in one call.
const MaxBatchSize = 64

// Embedder maps text to a fixed-dimension vector, deterministically for a
// given (model, text) pair.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// NewDeterministic returns a test double that hashes each text into a
// dim-dimensional unit vector, with no network calls — used by ingest and
// retrieve tests without a live embedding provider.
func NewDeterministic(dim int) Embedder {
	return deterministic{dim: dim}
}

type deterministic struct{ dim int }

func (d deterministic) Dimensions() int { return d.dim }

func (d deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) > MaxBatchSize {
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("batch of %d exceeds max %d", len(texts), MaxBatchSize), nil)
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = hashVector(t, d.dim)
	}
	return vectors, nil
}

func hashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)
	var norm float64
	for i := 0; i < dim; i++ {
		b := sum[i%len(sum)]
		v := float64(b)/127.5 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// HTTPClient is a provider-agnostic, OpenAI-shaped embeddings endpoint
// client: batched requests, bounded fan-out via errgroup, and provider
// rate-error reporting.
type HTTPClient struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dim       int
	HTTP      *http.Client
	MaxFanout int // concurrent embed requests, default 4
}

// NewHTTPClient builds an HTTPClient with sane defaults for unset fields.
func NewHTTPClient(baseURL, apiKey, model string, dim int) *HTTPClient {
	return &HTTPClient{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Model:     model,
		Dim:       dim,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		MaxFanout: 4,
	}
}

func (c *HTTPClient) Dimensions() int { return c.Dim }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch splits texts into sub-batches of MaxBatchSize and fans them out
// up to MaxFanout concurrent requests, cancelling all on first error.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type job struct {
		start int
		texts []string
	}
	var jobs []job
	for i := 0; i < len(texts); i += MaxBatchSize {
		end := i + MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		jobs = append(jobs, job{start: i, texts: texts[i:end]})
	}

	results := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.MaxFanout)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			vectors, err := c.embedOne(ctx, j.texts)
			if err != nil {
				return err
			}
			for k, v := range vectors {
				results[j.start+k] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *HTTPClient) embedOne(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.Model, Input: texts})
	if err != nil {
		return nil, apperr.New(apperr.Internal, "failed encoding embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.New(apperr.Internal, "failed building embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.Cancelled, "embedding request cancelled", err)
		}
		return nil, apperr.New(apperr.RemoteFailed, "embedding provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.New(apperr.RemoteFailed, "embedding provider rate limited the request", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.RemoteFailed, fmt.Sprintf("embedding provider returned status %d", resp.StatusCode), nil)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperr.New(apperr.RemoteFailed, "failed decoding embedding response", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
