package vecindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

func newTestIndex(t *testing.T) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(HNSWOptions{Dimensions: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func entry(id string, vec ...float32) Entry {
	return Entry{ID: id, Vector: vec, Payload: map[string]string{PayloadPath: id + ".go"}}
}

func TestHNSWIndex_UpsertAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		entry("aaa", 1, 0, 0),
		entry("bbb", 0, 1, 0),
		entry("ccc", 0, 0, 1),
	}))

	hits, err := idx.Search(ctx, []float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "aaa", hits[0].ID)
	assert.Equal(t, "aaa.go", hits[0].Payload[PayloadPath])
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestHNSWIndex_UpsertReplacesByID(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{entry("moved", 1, 0, 0)}))
	// Same ID, new vector: the entry moves instead of duplicating.
	require.NoError(t, idx.Upsert(ctx, []Entry{entry("moved", 0, 0, 1)}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := idx.Search(ctx, []float32{0, 0, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "moved", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestHNSWIndex_DeletedEntriesNeverSurface(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		entry("keep", 1, 0, 0),
		entry("drop", 0.9, 0.1, 0),
	}))
	require.NoError(t, idx.Delete(ctx, []string{"drop", "never-existed"}))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "keep", hits[0].ID)
}

func TestHNSWIndex_DimensionMismatchRejected(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Entry{entry("bad", 1, 0)})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDimensionMismatch, apperrors.CodeOf(err))

	_, err = idx.Search(ctx, []float32{1, 0, 0, 0}, 1)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDimensionMismatch, apperrors.CodeOf(err))
}

func TestHNSWIndex_EmptyIndexSearch(t *testing.T) {
	idx := newTestIndex(t)

	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHNSWIndex_EqualScoresOrderByID(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	// Identical vectors score identically; IDs break the tie.
	require.NoError(t, idx.Upsert(ctx, []Entry{
		entry("zzz", 1, 0, 0),
		entry("aaa", 1, 0, 0),
		entry("mmm", 1, 0, 0),
	}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "aaa", hits[0].ID)
	assert.Equal(t, "mmm", hits[1].ID)
	assert.Equal(t, "zzz", hits[2].ID)
}

func TestHNSWIndex_FlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.hnsw")
	ctx := context.Background()

	idx, err := NewHNSWIndex(HNSWOptions{Path: path, Dimensions: 3})
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, []Entry{
		entry("persisted", 0, 1, 0),
		entry("gone", 1, 0, 0),
	}))
	require.NoError(t, idx.Delete(ctx, []string{"gone"}))
	require.NoError(t, idx.Flush(ctx))
	require.NoError(t, idx.Close())

	reloaded, err := NewHNSWIndex(HNSWOptions{Path: path})
	require.NoError(t, err)
	defer func() { _ = reloaded.Close() }()

	n, err := reloaded.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := reloaded.Search(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persisted", hits[0].ID)
	assert.Equal(t, "persisted.go", hits[0].Payload[PayloadPath])
}

func TestHNSWIndex_GetReturnsPayloadsInInputOrder(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		entry("aaa", 1, 0, 0),
		entry("bbb", 0, 1, 0),
	}))

	hits, err := idx.Get(ctx, []string{"bbb", "missing", "aaa"})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "bbb", hits[0].ID)
	assert.Equal(t, "bbb.go", hits[0].Payload[PayloadPath])
	assert.Equal(t, "aaa", hits[1].ID)
	assert.Zero(t, hits[0].Score)
}

func TestHNSWIndex_GetSkipsDeleted(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{entry("gone", 1, 0, 0)}))
	require.NoError(t, idx.Delete(ctx, []string{"gone"}))

	hits, err := idx.Get(ctx, []string{"gone"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHNSWIndex_ResetDropsEverything(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{
		entry("aaa", 1, 0, 0),
		entry("bbb", 0, 1, 0),
	}))
	require.NoError(t, idx.Reset(ctx))

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// The index is usable again after the reset.
	require.NoError(t, idx.Upsert(ctx, []Entry{entry("ccc", 0, 0, 1)}))
	n, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHNSWIndex_ResetRestoresConfiguredDimensions(t *testing.T) {
	// Dimension 0 adopts from the first upsert; reset must forget the
	// adopted value so a different model can follow.
	idx, err := NewHNSWIndex(HNSWOptions{})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Entry{entry("old", 1, 0, 0)}))
	require.NoError(t, idx.Reset(ctx))

	require.NoError(t, idx.Upsert(ctx, []Entry{{ID: "new", Vector: []float32{1, 0, 0, 0}}}))
}

func TestPointID_DeterministicUUIDForm(t *testing.T) {
	// Chunk external IDs are 32 hex chars, which is a valid undashed UUID.
	id, err := pointID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "01234567-89ab-cdef-0123-456789abcdef", id)

	again, err := pointID("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = pointID("not-hex")
	assert.Error(t, err)
}
