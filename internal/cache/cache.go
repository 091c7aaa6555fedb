// Package cache is the content-addressed embedding cache. Entries are
// keyed by (content hash, model identifier), so identical chunk text is
// embedded once per model no matter how many files or projects carry it,
// and switching models never serves stale vectors.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// DefaultHotSize is the default number of vectors kept in memory.
// At 768 dimensions * 4 bytes * 4096 entries ~= 12MB.
const DefaultHotSize = 4096

// Cache stores embeddings durably in SQLite with an in-memory LRU in
// front. Concurrent requests for the same key collapse into a single
// backend computation.
type Cache struct {
	db    *sql.DB
	model string
	hot   *lru.Cache[string, []float32]
	group singleflight.Group
}

// Options configures the cache.
type Options struct {
	// Path is the SQLite file; empty means in-memory (tests).
	Path string

	// Model is the embedding model identifier all entries are keyed under.
	Model string

	// HotSize bounds the in-memory LRU layer.
	HotSize int
}

// Open opens (creating if needed) the embedding cache.
func Open(opts Options) (*Cache, error) {
	if opts.Model == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid, "cache model identifier required", nil)
	}
	if opts.HotSize <= 0 {
		opts.HotSize = DefaultHotSize
	}

	dsn := ":memory:"
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
		}
		dsn = opts.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		content_hash TEXT NOT NULL,
		model        TEXT NOT NULL,
		dims         INTEGER NOT NULL,
		vector       BLOB NOT NULL,
		created_at   INTEGER NOT NULL,
		last_seen    INTEGER NOT NULL,
		PRIMARY KEY (content_hash, model)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_last_seen ON embeddings(model, last_seen);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}

	hot, _ := lru.New[string, []float32](opts.HotSize)
	return &Cache{db: db, model: opts.Model, hot: hot}, nil
}

// Model returns the model identifier entries are keyed under.
func (c *Cache) Model() string { return c.model }

// Get returns the cached vector for a content hash, or ok=false on miss.
// A durable hit is promoted to the hot layer and its last-seen stamp is
// refreshed.
func (c *Cache) Get(ctx context.Context, contentHash string) ([]float32, bool, error) {
	if vec, ok := c.hot.Get(contentHash); ok {
		return vec, true, nil
	}

	var blob []byte
	var dims int
	err := c.db.QueryRowContext(ctx,
		`SELECT dims, vector FROM embeddings WHERE content_hash = ? AND model = ?`,
		contentHash, c.model).Scan(&dims, &blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}

	vec, err := decodeVector(blob, dims)
	if err != nil {
		// A corrupt row behaves as a miss; the entry gets recomputed and
		// overwritten.
		slog.Warn("dropping corrupt cache entry",
			slog.String("content_hash", contentHash),
			slog.String("error", err.Error()))
		_, _ = c.db.ExecContext(ctx,
			`DELETE FROM embeddings WHERE content_hash = ? AND model = ?`, contentHash, c.model)
		return nil, false, nil
	}

	c.hot.Add(contentHash, vec)
	_, _ = c.db.ExecContext(ctx,
		`UPDATE embeddings SET last_seen = ? WHERE content_hash = ? AND model = ?`,
		time.Now().Unix(), contentHash, c.model)
	return vec, true, nil
}

// Lookup partitions content hashes into cached vectors and misses,
// preserving miss order for batch computation.
func (c *Cache) Lookup(ctx context.Context, contentHashes []string) (map[string][]float32, []string, error) {
	hits := make(map[string][]float32, len(contentHashes))
	var misses []string

	seen := make(map[string]bool, len(contentHashes))
	for _, h := range contentHashes {
		if seen[h] {
			continue
		}
		seen[h] = true

		vec, ok, err := c.Get(ctx, h)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			hits[h] = vec
		} else {
			misses = append(misses, h)
		}
	}
	return hits, misses, nil
}

// Put stores a computed vector. Last write wins on conflict, which is
// safe because vectors for the same (hash, model) key are identical.
func (c *Cache) Put(ctx context.Context, contentHash string, vector []float32) error {
	now := time.Now().Unix()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, model, dims, vector, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			dims = excluded.dims, vector = excluded.vector, last_seen = excluded.last_seen`,
		contentHash, c.model, len(vector), encodeVector(vector), now, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}

	c.hot.Add(contentHash, vector)
	return nil
}

// PutBatch stores computed vectors in one transaction.
func (c *Cache) PutBatch(ctx context.Context, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (content_hash, model, dims, vector, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash, model) DO UPDATE SET
			dims = excluded.dims, vector = excluded.vector, last_seen = excluded.last_seen`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	for hash, vec := range vectors {
		if _, err := stmt.ExecContext(ctx, hash, c.model, len(vec), encodeVector(vec), now, now); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}

	for hash, vec := range vectors {
		c.hot.Add(hash, vec)
	}
	return nil
}

// GetOrCompute returns the cached vector for a content hash, computing
// and storing it on miss. Concurrent callers for the same hash share one
// computation; at most one compute runs per key at a time.
func (c *Cache) GetOrCompute(ctx context.Context, contentHash string, compute func(ctx context.Context) ([]float32, error)) ([]float32, error) {
	if vec, ok := c.hot.Get(contentHash); ok {
		return vec, nil
	}

	v, err, _ := c.group.Do(contentHash, func() (any, error) {
		vec, ok, err := c.Get(ctx, contentHash)
		if err != nil {
			return nil, err
		}
		if ok {
			return vec, nil
		}

		vec, err = compute(ctx)
		if err != nil {
			// Failed computes are not cached; the next caller retries.
			return nil, err
		}
		if err := c.Put(ctx, contentHash, vec); err != nil {
			// The vector is still usable even if persisting it failed.
			slog.Warn("embedding computed but not cached",
				slog.String("content_hash", contentHash),
				slog.String("error", err.Error()))
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Touch refreshes the last-seen stamp for content hashes that are still
// referenced, protecting them from the next sweep.
func (c *Cache) Touch(ctx context.Context, contentHashes []string) error {
	if len(contentHashes) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE embeddings SET last_seen = ? WHERE content_hash = ? AND model = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().Unix()
	for _, hash := range contentHashes {
		if _, err := stmt.ExecContext(ctx, now, hash, c.model); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}
	return nil
}

// Sweep deletes entries not seen within the retention window. Zero
// retention disables sweeping. Returns the number of entries removed.
func (c *Cache) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-retention).Unix()
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE model = ? AND last_seen < ?`, c.model, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		// The hot layer may hold swept entries; dropping it is cheaper
		// than cross-checking each key.
		c.hot.Purge()
		slog.Info("cache swept",
			slog.Int64("removed", removed),
			slog.String("model", c.model))
	}
	return removed, nil
}

// Count returns the number of durable entries for this model.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE model = ?`, c.model).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeCacheWrite, err)
	}
	return n, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	return nil
}
