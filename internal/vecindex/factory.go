package vecindex

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/codeatlas/codeatlas/internal/config"
	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// IndexFileName is the embedded index file inside the data directory.
const IndexFileName = "vectors.hnsw"

// FromConfig builds the index backend selected by configuration.
// dims may be zero for the embedded backend (adopted on first upsert)
// but is required for qdrant.
func FromConfig(ctx context.Context, cfg config.IndexConfig, dims int, dataDir string) (Index, error) {
	switch cfg.Backend {
	case "", "hnsw":
		return NewHNSWIndex(HNSWOptions{
			Path:       filepath.Join(dataDir, IndexFileName),
			Dimensions: dims,
			M:          cfg.M,
			EfSearch:   cfg.EfSearch,
		})

	case "qdrant":
		return NewQdrantIndex(ctx, QdrantOptions{
			Addr:       cfg.Addr,
			Collection: cfg.Collection,
			Dimensions: dims,
		})

	default:
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown index backend %q", cfg.Backend), nil)
	}
}
