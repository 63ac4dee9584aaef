// Package provider is the HTTP client for the model provider's
// OpenAI-style API: chat completions (streamed and not), vision OCR and
// audio transcription. Embedding and rerank have their own packages; the
// error classification (429/5xx/network retryable, 4xx not) is shared by
// all of them.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	apperr "github.com/edupilot/edupilot/internal/errors"
)

// Config configures the provider client.
type Config struct {
	BaseURL       string
	APIKey        string
	ChatModel     string
	VisionModel   string
	SpeechModel   string
	ChatTimeout   time.Duration
	StreamTimeout time.Duration
	Retry         *apperr.RetryConfig
}

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to the provider.
type Client struct {
	http   *http.Client
	config Config
	retry  apperr.RetryConfig
	logger *slog.Logger
}

// New creates a provider client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 60 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 180 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	retry := apperr.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	return &Client{
		http: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        8,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		}},
		config: cfg,
		retry:  retry,
		logger: logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat runs a non-streaming completion with retry on transient failures.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	return apperr.RetryWithResult(ctx, c.retry, func(attempt int) (string, error) {
		if attempt > 1 {
			c.logger.Debug("chat_retry", slog.Int("attempt", attempt))
		}
		return c.doChat(ctx, c.config.ChatModel, messages)
	})
}

func (c *Client) doChat(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.ChatTimeout)
	defer cancel()

	resp, err := c.post(reqCtx, "/v1/chat/completions", chatRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Cancelled("chat cancelled")
		}
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, "chat"); err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperr.Provider("decode chat response", false, err)
	}
	if len(result.Choices) == 0 {
		return "", apperr.Provider("chat returned no choices", false, nil)
	}
	return result.Choices[0].Message.Content, nil
}

// ChatStream runs a streaming completion, invoking onDelta for every
// content fragment. It returns the full accumulated text. Connection
// failures before the first delta are retried; once tokens flow, an
// interruption surfaces to the caller with whatever arrived so far.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, onDelta func(delta string) error) (string, error) {
	var full strings.Builder
	started := false

	stream := func(attempt int) (struct{}, error) {
		if started {
			// Mid-stream failure already handed deltas out; do not
			// restart and replay.
			return struct{}{}, apperr.Provider("stream interrupted", false, nil)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.config.StreamTimeout)
		defer cancel()

		resp, err := c.post(reqCtx, "/v1/chat/completions", chatRequest{
			Model:    c.config.ChatModel,
			Messages: messages,
			Stream:   true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, apperr.Cancelled("stream cancelled")
			}
			return struct{}{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := checkStatus(resp, "chat stream"); err != nil {
			return struct{}{}, err
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				if payload == "[DONE]" {
					return struct{}{}, nil
				}
				continue
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				started = true
				full.WriteString(choice.Delta.Content)
				if err := onDelta(choice.Delta.Content); err != nil {
					return struct{}{}, err
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return struct{}{}, apperr.Cancelled("stream cancelled")
			}
			return struct{}{}, apperr.Provider("stream read failed", !started, err)
		}
		return struct{}{}, nil
	}

	if err := apperr.Retry(ctx, c.retry, func(attempt int) error {
		_, err := stream(attempt)
		return err
	}); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

// OCR extracts text from an image via the vision model.
func (c *Client) OCR(ctx context.Context, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", apperr.Validation("image is empty")
	}

	model := c.config.VisionModel
	if model == "" {
		model = c.config.ChatModel
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	// Vision content parts do not fit ChatMessage's plain string
	// content, so the request is built as raw JSON here.
	body := map[string]any{
		"model": model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": "Extract all readable text from this image. Return only the text, preserving line breaks."},
				{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			},
		}},
	}

	return apperr.RetryWithResult(ctx, c.retry, func(attempt int) (string, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.ChatTimeout)
		defer cancel()

		resp, err := c.post(reqCtx, "/v1/chat/completions", body)
		if err != nil {
			if ctx.Err() != nil {
				return "", apperr.Cancelled("ocr cancelled")
			}
			return "", err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := checkStatus(resp, "ocr"); err != nil {
			return "", err
		}

		var result chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", apperr.Provider("decode ocr response", false, err)
		}
		if len(result.Choices) == 0 {
			return "", apperr.Provider("ocr returned no choices", false, nil)
		}
		return result.Choices[0].Message.Content, nil
	})
}

// Transcribe converts audio to text via the speech model.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", apperr.Validation("audio is empty")
	}

	return apperr.RetryWithResult(ctx, c.retry, func(attempt int) (string, error) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		if err := writer.WriteField("model", c.config.SpeechModel); err != nil {
			return "", apperr.Internal("build transcription request", err)
		}
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return "", apperr.Internal("build transcription request", err)
		}
		if _, err := part.Write(audio); err != nil {
			return "", apperr.Internal("build transcription request", err)
		}
		if err := writer.Close(); err != nil {
			return "", apperr.Internal("build transcription request", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.config.ChatTimeout)
		defer cancel()

		url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/audio/transcriptions"
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &buf)
		if err != nil {
			return "", apperr.Internal("build transcription request", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", apperr.Cancelled("transcription cancelled")
			}
			return "", apperr.Provider("transcription request failed", true, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if err := checkStatus(resp, "transcription"); err != nil {
			return "", err
		}

		var result struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", apperr.Provider("decode transcription response", false, err)
		}
		return result.Text, nil
	})
}

// Available probes the provider's model listing.
func (c *Client) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Internal("marshal provider request", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("build provider request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Provider("provider request failed", true, err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return apperr.Provider(
		fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, string(respBody)),
		retryable, nil)
}
