package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Options{Model: "test-model"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "hash-a", []float32{0.1, 0.2, 0.3}))

	vec, ok, err := c.Get(ctx, "hash-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestCache_MissReturnsNotFound(t *testing.T) {
	c := openTestCache(t)

	_, ok, err := c.Get(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_GetSurvivesHotEviction(t *testing.T) {
	// Given a hot layer of size 2
	c, err := Open(Options{Model: "test-model", HotSize: 2})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	// When storing three entries (evicting the first from memory)
	require.NoError(t, c.Put(ctx, "h1", []float32{1}))
	require.NoError(t, c.Put(ctx, "h2", []float32{2}))
	require.NoError(t, c.Put(ctx, "h3", []float32{3}))

	// Then the evicted entry is still served from the durable layer
	vec, ok, err := c.Get(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1}, vec)
}

func TestCache_LookupPartitionsHitsAndMisses(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "cached", []float32{1, 2}))

	hits, misses, err := c.Lookup(ctx, []string{"cached", "missing-a", "missing-b", "cached"})
	require.NoError(t, err)

	assert.Len(t, hits, 1)
	assert.Contains(t, hits, "cached")
	// Duplicates collapse; miss order is preserved.
	assert.Equal(t, []string{"missing-a", "missing-b"}, misses)
}

func TestCache_GetOrCompute_ComputesOncePerKey(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(ctx context.Context) ([]float32, error) {
		computes.Add(1)
		time.Sleep(10 * time.Millisecond) // widen the concurrency window
		return []float32{0.5, 0.5}, nil
	}

	// When 8 goroutines request the same key concurrently
	var wg sync.WaitGroup
	results := make([][]float32, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vec, err := c.GetOrCompute(ctx, "shared-hash", compute)
			require.NoError(t, err)
			results[i] = vec
		}(i)
	}
	wg.Wait()

	// Then the backend computed exactly once and everyone got the vector
	assert.Equal(t, int32(1), computes.Load())
	for _, vec := range results {
		assert.Equal(t, []float32{0.5, 0.5}, vec)
	}

	// Subsequent calls hit the cache without computing.
	_, err := c.GetOrCompute(ctx, "shared-hash", compute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), computes.Load())
}

func TestCache_GetOrCompute_FailureNotCached(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	calls := 0
	failing := func(ctx context.Context) ([]float32, error) {
		calls++
		return nil, assert.AnError
	}

	_, err := c.GetOrCompute(ctx, "flaky", failing)
	require.Error(t, err)

	// The failed compute left no entry; the next call tries again.
	vec, err := c.GetOrCompute(ctx, "flaky", func(ctx context.Context) ([]float32, error) {
		calls++
		return []float32{1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, 2, calls)
}

func TestCache_PutBatch(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutBatch(ctx, map[string][]float32{
		"b1": {1, 0},
		"b2": {0, 1},
	}))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCache_SweepRemovesStaleEntries(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "stale", []float32{1}))
	require.NoError(t, c.Put(ctx, "fresh", []float32{2}))

	// Age the stale entry well past any retention window.
	_, err := c.db.Exec(`UPDATE embeddings SET last_seen = ? WHERE content_hash = 'stale'`,
		time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	removed, err := c.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, ok, err := c.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_SweepDisabledByZeroRetention(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "kept", []float32{1}))

	removed, err := c.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCache_TouchProtectsFromSweep(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "touched", []float32{1}))
	_, err := c.db.Exec(`UPDATE embeddings SET last_seen = ? WHERE content_hash = 'touched'`,
		time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	require.NoError(t, c.Touch(ctx, []string{"touched"}))

	removed, err := c.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCache_DistinctModelsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"

	a, err := Open(Options{Path: path, Model: "model-a"})
	require.NoError(t, err)
	require.NoError(t, a.Put(context.Background(), "same-hash", []float32{1}))
	require.NoError(t, a.Close())

	b, err := Open(Options{Path: path, Model: "model-b"})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	// Same content hash under another model is a miss.
	_, ok, err := b.Get(context.Background(), "same-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"

	c, err := Open(Options{Path: path, Model: "test-model"})
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "durable", []float32{0.25, 0.75}))
	require.NoError(t, c.Close())

	reopened, err := Open(Options{Path: path, Model: "test-model"})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	vec, ok, err := reopened.Get(context.Background(), "durable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, 0.75}, vec)
}

func TestVectorCodec_RoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeVector(encodeVector(in), len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2, 3}, 4)
	assert.Error(t, err)
}
