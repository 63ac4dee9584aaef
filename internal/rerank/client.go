// Package rerank reorders retrieval candidates with the provider's
// rerank model. The provider is treated as strictly optional: failures
// trip a circuit breaker and fall back to the fused retrieval order, so
// a rerank outage degrades ranking quality but never availability.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	apperr "github.com/edupilot/edupilot/internal/errors"
	"github.com/edupilot/edupilot/internal/telemetry"
)

const (
	// DefaultTimeout bounds a single rerank attempt.
	DefaultTimeout = 8 * time.Second

	// DefaultMaxAttempts is the attempt budget per rerank call.
	DefaultMaxAttempts = 3
)

// Candidate is one retrieval hit handed to the reranker.
type Candidate struct {
	ChunkID string
	Text    string
	// Score is the fused retrieval score. It is preserved through
	// reranking so downstream confidence checks see retrieval scores,
	// not provider relevance.
	Score float64
}

// Ranked is a candidate in its post-rerank position.
type Ranked struct {
	Candidate
	// RerankScore is the provider relevance, meaningful only when Scored.
	RerankScore float64
	Scored      bool
}

// Outcome reports the rerank result plus how it was obtained.
type Outcome struct {
	Results []Ranked
	// Reranked is false when the fallback order was used.
	Reranked bool
	// FallbackReason explains a non-reranked outcome: "circuit_open",
	// "provider_failed" or "empty_input".
	FallbackReason string
	Attempts       int
}

// Config configures the rerank client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
}

// Client calls the provider's /v1/rerank endpoint behind a circuit
// breaker.
type Client struct {
	http    *http.Client
	config  Config
	breaker *apperr.CircuitBreaker
	retry   apperr.RetryConfig
	metrics *telemetry.Registry
	logger  *slog.Logger
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewBreaker creates the rerank circuit breaker with state transitions
// recorded into the metrics registry.
func NewBreaker(threshold int, reset time.Duration, metrics *telemetry.Registry) *apperr.CircuitBreaker {
	opts := []apperr.CircuitBreakerOption{
		apperr.WithMaxFailures(threshold),
		apperr.WithResetTimeout(reset),
	}
	if metrics != nil {
		opts = append(opts, apperr.WithTransitionHook(func(from, to apperr.State) {
			switch {
			case to == apperr.StateOpen:
				metrics.Inc("rerank_circuit::opened")
			case from == apperr.StateHalfOpen && to == apperr.StateClosed:
				metrics.Inc("rerank_circuit::recovered")
			}
		}))
	}
	return apperr.NewCircuitBreaker("rerank", opts...)
}

// New creates a rerank client. breaker may be shared across callers so
// failures from every query path count toward the same trip threshold.
func New(cfg Config, breaker *apperr.CircuitBreaker, metrics *telemetry.Registry, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = NewBreaker(5, 30*time.Second, metrics)
	}

	return &Client{
		http:    &http.Client{},
		config:  cfg,
		breaker: breaker,
		retry: apperr.RetryConfig{
			MaxAttempts:    cfg.MaxAttempts,
			BaseDelay:      200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			JitterFraction: 0.2,
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Rerank reorders candidates by provider relevance. Any failure path
// returns the identity order with Reranked=false; the error return is
// reserved for context cancellation.
func (c *Client) Rerank(ctx context.Context, query, language string, candidates []Candidate) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{Reranked: false, FallbackReason: "empty_input"}, nil
	}

	c.count("rerank_model::" + c.config.Model)
	if language != "" {
		c.count("rerank_language::" + language)
	}

	attempts := 0
	outcome, err := apperr.ExecuteWithFallback(c.breaker,
		func() (Outcome, error) {
			results, n, err := c.rerankWithRetry(ctx, query, candidates)
			attempts = n
			if err != nil {
				return Outcome{}, err
			}
			if !anyScored(results) {
				// A 200 with no scores is a healthy provider declining to
				// rank: identity order, no breaker failure.
				return c.fallback(candidates, "empty_response", n, nil), nil
			}
			return Outcome{Results: results, Reranked: true, Attempts: n}, nil
		},
		func() (Outcome, error) {
			// The circuit is open (or a half-open probe just failed).
			c.count("rerank_circuit::open_skip")
			return c.fallback(candidates, "circuit_open", attempts, nil), nil
		})
	if err != nil {
		if apperr.IsKind(err, apperr.KindCancelled) {
			return Outcome{}, err
		}
		// Closed-state exhaustion: degrade to identity order.
		return c.fallback(candidates, "provider_failed", attempts, err), nil
	}
	return outcome, nil
}

func (c *Client) fallback(candidates []Candidate, reason string, attempts int, cause error) Outcome {
	c.count("rerank_fallback::" + reason)
	attrs := []any{
		slog.String("reason", reason),
		slog.Int("candidates", len(candidates)),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	c.logger.Warn("rerank_fallback", attrs...)
	return identityOutcome(candidates, reason, attempts)
}

func (c *Client) rerankWithRetry(ctx context.Context, query string, candidates []Candidate) ([]Ranked, int, error) {
	attempts := 0
	results, err := apperr.RetryWithResult(ctx, c.retry, func(attempt int) ([]Ranked, error) {
		attempts = attempt
		if attempt > 1 {
			c.count("rerank_retry::attempt")
		}
		return c.doRerank(ctx, query, candidates)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, attempts, apperr.Cancelled("rerank cancelled")
		}
		c.count("rerank_retry::exhausted")
		return nil, attempts, err
	}
	if attempts > 1 {
		c.count("rerank_retry::success_after_retry")
	}
	return results, attempts, nil
}

func anyScored(results []Ranked) bool {
	for _, r := range results {
		if r.Scored {
			return true
		}
	}
	return false
}

func (c *Client) doRerank(ctx context.Context, query string, candidates []Candidate) ([]Ranked, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	docs := make([]string, len(candidates))
	for i, cand := range candidates {
		docs[i] = cand.Text
	}

	body, err := json.Marshal(rerankRequest{
		Model:     c.config.Model,
		Query:     query,
		Documents: docs,
		TopN:      len(docs),
	})
	if err != nil {
		return nil, apperr.Internal("marshal rerank request", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/rerank"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Provider("rerank request failed", true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, apperr.Provider(
			fmt.Sprintf("rerank failed with status %d: %s", resp.StatusCode, string(respBody)),
			retryable, nil)
	}

	var apiResult rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
		return nil, apperr.Provider("decode rerank response", false, err)
	}

	return orderByRelevance(candidates, apiResult)
}

// orderByRelevance applies provider scores. Scored candidates sort by
// relevance descending with original position breaking ties; candidates
// the provider did not score keep their retrieval order after the scored
// ones. The result is deterministic for any scored subset.
func orderByRelevance(candidates []Candidate, resp rerankResponse) ([]Ranked, error) {
	type scored struct {
		pos   int
		score float64
	}
	byIndex := make(map[int]float64, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, apperr.Provider(fmt.Sprintf("rerank index %d out of range", r.Index), false, nil)
		}
		byIndex[r.Index] = r.RelevanceScore
	}

	var head []scored
	var tail []int
	for i := range candidates {
		if s, ok := byIndex[i]; ok {
			head = append(head, scored{pos: i, score: s})
		} else {
			tail = append(tail, i)
		}
	}

	sort.Slice(head, func(i, j int) bool {
		if head[i].score != head[j].score {
			return head[i].score > head[j].score
		}
		return head[i].pos < head[j].pos
	})

	out := make([]Ranked, 0, len(candidates))
	for _, s := range head {
		out = append(out, Ranked{Candidate: candidates[s.pos], RerankScore: s.score, Scored: true})
	}
	for _, pos := range tail {
		out = append(out, Ranked{Candidate: candidates[pos]})
	}
	return out, nil
}

func identityOutcome(candidates []Candidate, reason string, attempts int) Outcome {
	out := Outcome{FallbackReason: reason, Attempts: attempts}
	out.Results = make([]Ranked, len(candidates))
	for i, c := range candidates {
		out.Results[i] = Ranked{Candidate: c}
	}
	return out
}

func (c *Client) count(name string) {
	if c.metrics != nil {
		c.metrics.Inc(name)
	}
}

// BreakerState exposes the current circuit state for status reporting.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
