package vecindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// HNSWOptions configures the embedded index.
type HNSWOptions struct {
	// Path is the index file; metadata lands at Path + ".meta".
	// Empty keeps the index in memory only.
	Path string

	// Dimensions is the vector dimension. Zero adopts the first
	// upserted vector's dimension.
	Dimensions int

	// M is the max connections per graph layer.
	M int

	// EfSearch is the query-time search width.
	EfSearch int
}

// HNSWIndex is the embedded vector index built on a pure Go HNSW graph.
type HNSWIndex struct {
	mu   sync.RWMutex
	opts HNSWOptions

	// configuredDims preserves the explicitly configured dimension across
	// Reset; an adopted dimension is forgotten with the data.
	configuredDims int

	graph *hnsw.Graph[uint64]

	// External IDs map to internal graph keys. Deletion is lazy: the
	// node stays in the graph but loses its mapping, because removing
	// nodes can break the graph's entry point.
	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]map[string]string
	nextKey  uint64

	closed bool
}

// Verify interface implementation at compile time
var _ Index = (*HNSWIndex)(nil)

// hnswMetadata is the gob-persisted sidecar next to the graph file.
type hnswMetadata struct {
	IDMap      map[string]uint64
	Payloads   map[string]map[string]string
	NextKey    uint64
	Dimensions int
}

// NewHNSWIndex creates the embedded index, loading a previously saved
// graph when one exists at the configured path.
func NewHNSWIndex(opts HNSWOptions) (*HNSWIndex, error) {
	if opts.M <= 0 {
		opts.M = 16
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = 64
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = opts.M
	graph.EfSearch = opts.EfSearch
	graph.Ml = 0.25

	idx := &HNSWIndex{
		opts:           opts,
		configuredDims: opts.Dimensions,
		graph:          graph,
		idMap:          make(map[string]uint64),
		keyMap:         make(map[uint64]string),
		payloads:       make(map[string]map[string]string),
	}

	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err == nil {
			if err := idx.load(opts.Path); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeIndexWrite,
					fmt.Sprintf("load index from %s", opts.Path), err)
			}
		}
	}
	return idx, nil
}

// Upsert inserts or replaces entries by external ID.
func (x *HNSWIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}

	for _, e := range entries {
		if x.opts.Dimensions == 0 {
			x.opts.Dimensions = len(e.Vector)
		}
		if len(e.Vector) != x.opts.Dimensions {
			return apperrors.New(apperrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector has %d dimensions, index expects %d", len(e.Vector), x.opts.Dimensions), nil).
				WithDetail("id", e.ID)
		}

		// Replacing an existing ID orphans its old node.
		if oldKey, exists := x.idMap[e.ID]; exists {
			delete(x.keyMap, oldKey)
		}

		key := x.nextKey
		x.nextKey++

		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		normalizeInPlace(vec)

		x.graph.Add(hnsw.MakeNode(key, vec))
		x.idMap[e.ID] = key
		x.keyMap[key] = e.ID
		x.payloads[e.ID] = e.Payload
	}
	return nil
}

// Delete removes entries by ID. The graph nodes stay behind as orphans
// and are filtered out of search results.
func (x *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}

	for _, id := range ids {
		if key, exists := x.idMap[id]; exists {
			delete(x.keyMap, key)
			delete(x.idMap, id)
			delete(x.payloads, id)
		}
	}
	return nil
}

// Search returns up to k nearest live entries.
func (x *HNSWIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if x.graph.Len() == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if x.opts.Dimensions != 0 && len(vector) != x.opts.Dimensions {
		return nil, apperrors.New(apperrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query has %d dimensions, index expects %d", len(vector), x.opts.Dimensions), nil)
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	// Over-fetch to compensate for lazily deleted orphans still in the
	// graph.
	fetch := k + (x.graph.Len() - len(x.idMap))
	if fetch > x.graph.Len() {
		fetch = x.graph.Len()
	}

	nodes := x.graph.Search(query, fetch)

	hits := make([]Hit, 0, k)
	for _, node := range nodes {
		id, live := x.keyMap[node.Key]
		if !live {
			continue // orphaned by delete or replace
		}
		distance := x.graph.Distance(query, node.Value)
		hits = append(hits, Hit{
			ID:      id,
			Score:   1.0 - distance/2.0, // cosine distance 0..2 -> similarity 1..0
			Payload: x.payloads[id],
		})
		if len(hits) == k {
			break
		}
	}

	sortHits(hits)
	return hits, nil
}

// Get returns payloads for known IDs in input order.
func (x *HNSWIndex) Get(ctx context.Context, ids []string) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, fmt.Errorf("index is closed")
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		if _, live := x.idMap[id]; !live {
			continue
		}
		hits = append(hits, Hit{ID: id, Payload: x.payloads[id]})
	}
	return hits, nil
}

// Reset discards the whole graph and starts empty. The dimension is
// re-adopted from the next upsert unless it was configured explicitly.
func (x *HNSWIndex) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = x.graph.M
	graph.EfSearch = x.graph.EfSearch
	graph.Ml = x.graph.Ml

	x.graph = graph
	x.idMap = make(map[string]uint64)
	x.keyMap = make(map[uint64]string)
	x.payloads = make(map[string]map[string]string)
	x.nextKey = 0
	x.opts.Dimensions = x.configuredDims
	return nil
}

// Count returns the number of live entries.
func (x *HNSWIndex) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return 0, fmt.Errorf("index is closed")
	}
	return len(x.idMap), nil
}

// Flush persists the graph and its metadata atomically (temp file +
// rename). A crash mid-flush leaves the previous files intact.
func (x *HNSWIndex) Flush(ctx context.Context) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return fmt.Errorf("index is closed")
	}
	if x.opts.Path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(x.opts.Path), 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}

	tmpPath := x.opts.Path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}
	if err := x.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}
	if err := os.Rename(tmpPath, x.opts.Path); err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}

	return x.saveMetadata(x.opts.Path + ".meta")
}

func (x *HNSWIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}

	meta := hnswMetadata{
		IDMap:      x.idMap,
		Payloads:   x.payloads,
		NextKey:    x.nextKey,
		Dimensions: x.opts.Dimensions,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return apperrors.Wrap(apperrors.ErrCodeIndexWrite, err)
	}
	return nil
}

// load restores the graph and metadata written by Flush.
func (x *HNSWIndex) load(path string) error {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata: %w", err)
	}
	defer func() { _ = metaFile.Close() }()

	var meta hnswMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	x.idMap = meta.IDMap
	x.payloads = meta.Payloads
	x.nextKey = meta.NextKey
	x.opts.Dimensions = meta.Dimensions
	x.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		x.keyMap[key] = id
	}
	if x.payloads == nil {
		x.payloads = make(map[string]map[string]string)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open graph: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Import requires an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

// Close releases resources without flushing; call Flush first to persist.
func (x *HNSWIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true
	x.graph = nil
	return nil
}

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
