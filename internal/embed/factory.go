package embed

import (
	"fmt"

	"github.com/codeatlas/codeatlas/internal/config"
	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// FromConfig builds the embedder selected by configuration.
func FromConfig(cfg config.EmbeddingsConfig) (Embedder, error) {
	switch cfg.Provider {
	case "static":
		return NewStaticEmbedder(cfg.Dimensions), nil

	case "", "http":
		retry := DefaultRetryConfig()
		if cfg.MaxRetries > 0 {
			retry.MaxRetries = cfg.MaxRetries
		}
		return NewHTTPEmbedder(HTTPConfig{
			Endpoint:   cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
			Retry:      retry,
		})

	default:
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embeddings provider %q", cfg.Provider), nil)
	}
}
