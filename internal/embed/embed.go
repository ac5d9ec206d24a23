// Package embed turns text chunks into fixed-dimension vectors through an
// OpenAI-compatible embeddings endpoint.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/memvault/internal/config"
	"github.com/stellarlinkco/memvault/pkg/logger"
)

// Client is the embedding provider client. Embed and EmbedBatch are strict:
// they return an error on provider failure. EmbedOrZero is the ingestion-side
// wrapper that degrades to zero vectors instead of failing.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
	maxRetries int
	httpClient *http.Client
	log        zerolog.Logger
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

func NewClient(cfg config.EmbeddingConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		log:        logger.Component("embed"),
	}
}

// Dimension reports the configured vector dimension.
func (c *Client) Dimension() int {
	return c.dimension
}

// Embed embeds a single text. Used on the retrieval path, where a provider
// failure must surface to the caller rather than degrade into a zero query.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	vectors, err := c.request(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in order, splitting them into provider batches.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	if c.batchSize <= 0 || len(normalized) <= c.batchSize {
		vectors, err := c.request(ctx, normalized, len(normalized))
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		return vectors, nil
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += c.batchSize {
		end := start + c.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		batch, err := c.request(ctx, normalized[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// EmbedOrZero embeds texts for ingestion. Blank inputs map to zero vectors
// without a provider call; provider failure after retries maps every input to
// a zero vector and logs the degradation. Ingestion never hard-fails here.
func (c *Client) EmbedOrZero(ctx context.Context, texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))

	nonBlank := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			vectors[i] = make([]float32, c.dimension)
			continue
		}
		nonBlank = append(nonBlank, text)
		positions = append(positions, i)
	}

	if len(nonBlank) == 0 {
		return vectors
	}

	embedded, err := c.EmbedBatch(ctx, nonBlank)
	if err != nil {
		c.log.Warn().Err(err).Int("texts", len(nonBlank)).
			Msg("embedding degraded to zero vectors")
		for _, pos := range positions {
			vectors[pos] = make([]float32, c.dimension)
		}
		return vectors
	}

	for i, pos := range positions {
		vectors[pos] = embedded[i]
	}
	return vectors
}

func (c *Client) request(ctx context.Context, input any, expectedCount int) ([][]float32, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("missing embedding base url")
	}

	attempts := c.maxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= attempts; attempt++ {
		vectors, retryable, err := c.requestOnce(ctx, input, expectedCount)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable || attempt == attempts {
			break
		}
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("embedding retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) requestOnce(ctx context.Context, input any, expectedCount int) (vectors [][]float32, retryable bool, err error) {
	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: input})
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}

	vectors, err = c.validate(decoded.Data, expectedCount)
	if err != nil {
		return nil, false, fmt.Errorf("validate response: %w", err)
	}
	return vectors, false, nil
}

func (c *Client) validate(data []embeddingData, expectedCount int) ([][]float32, error) {
	if len(data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	seen := make([]bool, expectedCount)

	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if seen[item.Index] {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		if c.dimension > 0 && len(item.Embedding) != c.dimension {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), c.dimension)
		}

		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
		seen[item.Index] = true
	}

	for idx, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing embedding index %d", idx)
		}
	}
	return vectors, nil
}
