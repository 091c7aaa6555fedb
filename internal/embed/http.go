package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// HTTPConfig configures the HTTP embedding backend.
type HTTPConfig struct {
	// Endpoint is the base URL of the embedding service.
	Endpoint string

	// Model is the model identifier sent with every request. It is part
	// of the cache key, so changing it invalidates cached vectors.
	Model string

	// Dimensions is the expected embedding dimension. Zero means detect
	// from the first response.
	Dimensions int

	// BatchSize is the maximum texts per request.
	BatchSize int

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// Retry controls backoff for transient failures.
	Retry RetryConfig

	// PoolSize bounds idle HTTP connections.
	PoolSize int
}

// HTTPEmbedder generates embeddings through an Ollama-compatible HTTP API
// (POST {endpoint}/api/embed with a model name and string or string-array
// input).
type HTTPEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    HTTPConfig

	mu     sync.RWMutex
	closed bool
	dims   int
}

// Verify interface implementation at compile time
var _ Embedder = (*HTTPEmbedder)(nil)

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// NewHTTPEmbedder creates an HTTP embedder. No network call happens here;
// dimension detection is deferred to the first request when Dimensions
// is unset.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "embedding endpoint not configured", nil)
	}
	if cfg.Model == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "embedding model not configured", nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	// Short idle timeout: indexing runs are short-lived, connections
	// should drop quickly after shutdown.
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	// No http.Client.Timeout: per-request context timeouts are applied in
	// doEmbed so retry attempts get a fresh budget.
	return &HTTPEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input
// order. Empty or whitespace-only texts map to zero vectors without a
// backend call.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("embedder is closed")
	}
	e.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.Dimensions())
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}

	for start := 0; start < len(nonEmpty); start += e.config.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := min(start+e.config.BatchSize, len(nonEmpty))
		batch := nonEmpty[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		var embeddings [][]float32
		err := withRetry(ctx, e.config.Retry, func() error {
			var embErr error
			embeddings, embErr = e.doEmbed(ctx, batchTexts)
			return embErr
		})
		if err != nil {
			return nil, err
		}

		for i, emb := range embeddings {
			results[batch[i].idx] = emb
		}
	}

	return results, nil
}

// doEmbed performs one embedding request. Network and server-side
// failures classify as transient; malformed or mismatched replies as
// permanent bad replies.
func (e *HTTPEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	// Array input for batches, single string otherwise; some backends
	// reject single-element arrays.
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(embedRequest{Model: e.config.Model, Input: input})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeEmbedBadReply, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeEmbedTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeEmbedTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
		if transientStatus(resp.StatusCode) {
			return nil, apperrors.New(apperrors.ErrCodeEmbedTransient, msg, nil)
		}
		return nil, apperrors.New(apperrors.ErrCodeEmbedBadReply, msg, nil).
			WithDetail("status", strconv.Itoa(resp.StatusCode))
	}

	var apiResult embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResult); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeEmbedBadReply, "failed to decode response", err)
	}

	if len(apiResult.Embeddings) != len(texts) {
		slog.Warn("embedding count mismatch",
			slog.Int("requested", len(texts)),
			slog.Int("returned", len(apiResult.Embeddings)))
		return nil, apperrors.New(apperrors.ErrCodeEmbedBadReply,
			fmt.Sprintf("requested %d embeddings, got %d", len(texts), len(apiResult.Embeddings)), nil)
	}

	embeddings := make([][]float32, len(apiResult.Embeddings))
	for i, emb := range apiResult.Embeddings {
		if len(emb) == 0 {
			return nil, apperrors.New(apperrors.ErrCodeEmbedBadReply, "empty embedding returned", nil)
		}
		if err := e.checkDimensions(len(emb)); err != nil {
			return nil, err
		}
		embedding := make([]float32, len(emb))
		for j, v := range emb {
			embedding[j] = float32(v)
		}
		embeddings[i] = normalizeVector(embedding)
	}

	return embeddings, nil
}

// checkDimensions records the dimension from the first reply and rejects
// later replies that disagree.
func (e *HTTPEmbedder) checkDimensions(got int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dims == 0 {
		e.dims = got
		return nil
	}
	if got != e.dims {
		return apperrors.New(apperrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("backend returned %d dimensions, expected %d", got, e.dims), nil)
	}
	return nil
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dims == 0 {
		return DefaultDimensions
	}
	return e.dims
}

// ModelName returns the model identifier.
func (e *HTTPEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the backend with a single-token request.
func (e *HTTPEmbedder) Available(ctx context.Context) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	e.mu.RUnlock()

	_, err := e.doEmbed(ctx, []string{"ping"})
	return err == nil
}

// Close releases resources.
func (e *HTTPEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}
