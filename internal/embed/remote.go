package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// RemoteConfig configures the provider embedding client.
type RemoteConfig struct {
	// BaseURL is the provider root, e.g. "https://api.example.com".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Model is the embedding model identifier.
	Model string
	// Dimensions is the expected vector dimension. Zero means detect
	// from the first response.
	Dimensions int
	// BatchSize bounds texts per request (default 32, max 256).
	BatchSize int
	// Timeout applies per request.
	Timeout time.Duration
	// Retry overrides the default retry policy when non-nil.
	Retry *apperr.RetryConfig
}

// RemoteEmbedder calls the provider's /v1/embeddings endpoint.
type RemoteEmbedder struct {
	client *http.Client
	config RemoteConfig
	retry  apperr.RetryConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	dims   int
}

var _ Embedder = (*RemoteEmbedder)(nil)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewRemoteEmbedder creates a provider-backed embedder.
func NewRemoteEmbedder(cfg RemoteConfig, logger *slog.Logger) *RemoteEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	retry := apperr.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	return &RemoteEmbedder{
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        8,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		}},
		config: cfg,
		retry:  retry,
		logger: logger,
		dims:   cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.Dimensions()), nil
	}

	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, apperr.Provider("provider returned no embedding", false, nil)
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in provider-sized sub-batches. Blank texts map
// to zero vectors without a provider call. A failure anywhere fails the
// whole batch so callers never index a partially embedded corpus.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, apperr.Internal("embedder is closed", nil)
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexed struct {
		idx  int
		text string
	}
	var pending []indexed
	results := make([][]float32, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.Dimensions())
		} else {
			pending = append(pending, indexed{i, text})
		}
	}

	for start := 0; start < len(pending); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Cancelled("embedding cancelled")
		}

		end := min(start+e.config.BatchSize, len(pending))
		batch := pending[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		vecs, err := apperr.RetryWithResult(ctx, e.retry, func(attempt int) ([][]float32, error) {
			if attempt > 1 {
				e.logger.Debug("embed_retry",
					slog.Int("attempt", attempt),
					slog.Int("batch_size", len(batchTexts)))
			}
			return e.doEmbed(ctx, batchTexts)
		})
		if err != nil {
			return nil, err
		}

		for i, v := range vecs {
			results[batch[i].idx] = v
		}
	}

	return results, nil
}

// doEmbed performs one provider request.
func (e *RemoteEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, apperr.Internal("marshal embed request", err)
	}

	url := strings.TrimRight(e.config.BaseURL, "/") + "/v1/embeddings"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Cancelled("embedding cancelled")
		}
		// Network errors and timeouts are transient.
		return nil, apperr.Provider("embedding request failed", true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, apperr.Provider(
			fmt.Sprintf("embedding failed with status %d: %s", resp.StatusCode, string(respBody)),
			retryable, nil)
	}

	var apiResult embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
		return nil, apperr.Provider("decode embedding response", false, err)
	}
	if len(apiResult.Data) != len(texts) {
		return nil, apperr.Provider(
			fmt.Sprintf("provider returned %d embeddings for %d inputs", len(apiResult.Data), len(texts)),
			false, nil)
	}

	embeddings := make([][]float32, len(apiResult.Data))
	for _, item := range apiResult.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, apperr.Provider("embedding index out of range", false, nil)
		}
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		embeddings[item.Index] = normalizeVector(vec)
	}

	e.recordDimensions(embeddings)
	return embeddings, nil
}

func (e *RemoteEmbedder) recordDimensions(embeddings [][]float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims == 0 && len(embeddings) > 0 {
		e.dims = len(embeddings[0])
	}
}

// Dimensions returns the embedding dimension, zero until detected.
func (e *RemoteEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *RemoteEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the provider with a trivial embedding call.
func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := e.doEmbed(probeCtx, []string{"ping"})
	return err == nil
}

// Close releases idle connections.
func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if t, ok := e.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
