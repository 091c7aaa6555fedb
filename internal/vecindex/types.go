// Package vecindex stores chunk embeddings and answers nearest-neighbor
// queries. Two backends exist: an embedded HNSW graph persisted next to
// the project data, and a remote Qdrant collection over gRPC. Both key
// entries by the chunk's reproducible external ID, so re-upserting after
// a crash or retry converges instead of duplicating.
package vecindex

import (
	"context"
	"sort"
)

// Payload keys stored with every entry.
const (
	PayloadPath       = "path"
	PayloadLanguage   = "language"
	PayloadKind       = "kind"
	PayloadSymbolPath = "symbol_path"
	PayloadStartLine  = "start_line"
	PayloadEndLine    = "end_line"
	PayloadHash       = "content_hash"
)

// Entry is one vector with its identifying payload.
type Entry struct {
	// ID is the chunk's external ID, reproducible from chunk identity.
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Index is the vector index contract shared by both backends.
type Index interface {
	// Upsert inserts or replaces entries by ID.
	Upsert(ctx context.Context, entries []Entry) error

	// Delete removes entries by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search returns up to k nearest entries, best first. Equal scores
	// order by ID so results are stable across runs.
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// Get returns the stored payloads for the given IDs, preserving
	// input order. Unknown IDs are skipped. Scores are zero.
	Get(ctx context.Context, ids []string) ([]Hit, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int, error)

	// Reset drops every entry. Used when a pipeline or model generation
	// change invalidates all stored vectors.
	Reset(ctx context.Context) error

	// Flush persists pending writes (no-op for remote backends).
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// sortHits orders hits by descending score, breaking ties by ascending
// ID for run-to-run stability.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
