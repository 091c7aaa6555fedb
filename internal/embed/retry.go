package embed

import (
	"context"
	"strconv"
	"time"

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// RetryConfig configures retry behavior for embedding requests.
type RetryConfig struct {
	MaxRetries   int           // Maximum number of retry attempts (not including initial attempt)
	InitialDelay time.Duration // Delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// withRetry executes fn with exponential backoff, retrying only errors
// classified as transient. A non-retryable error returns immediately;
// exhausting the retry budget wraps the last error as ERR_302.
// If the context is cancelled, it returns the context error immediately.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !apperrors.IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		// Wait before retrying (with context cancellation support)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return apperrors.New(apperrors.ErrCodeEmbedExhausted, "retry budget exhausted", lastErr).
		WithDetail("attempts", strconv.Itoa(cfg.MaxRetries+1))
}
