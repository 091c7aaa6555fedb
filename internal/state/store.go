// Package state persists the sync state: which files are indexed, which
// chunks each file produced, and the pipeline metadata needed to decide
// when a full reindex is required. Incremental sync diffs the current
// file tree against this snapshot, so losing it means losing the ability
// to tell what is already indexed.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
)

// PipelineVersion identifies the chunking and extraction semantics.
// Bump it when chunk boundaries or external IDs would change for
// unchanged input; a mismatch forces a full reindex.
const PipelineVersion = 1

// Meta keys.
const (
	metaPipelineVersion = "pipeline_version"
	metaModel           = "model"
	metaLastSync        = "last_sync"
)

// FileRecord is the indexed snapshot of one file.
type FileRecord struct {
	Path        string
	ContentHash string
	Size        int64
	ModTime     time.Time
}

// ChunkRecord ties an index entry to its cache key.
type ChunkRecord struct {
	ExternalID  string
	ContentHash string
}

// Store is the durable sync state, backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the state store, creating the schema if needed. A corrupt
// database is fatal: without the snapshot the dirty set cannot be
// determined, and silently reindexing would hide the problem.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
		if err := validateIntegrity(path); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStateCorrupt,
				fmt.Sprintf("state store corrupt at %s", path), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return s, nil
}

// validateIntegrity runs a quick integrity check before opening for real.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		path         TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		size         INTEGER NOT NULL,
		mtime        INTEGER NOT NULL,
		indexed_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		external_id  TEXT PRIMARY KEY,
		path         TEXT NOT NULL REFERENCES files(path) ON DELETE CASCADE,
		content_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CheckGeneration compares the stored pipeline version and model against
// the current ones. On mismatch the whole snapshot is cleared, forcing a
// full reindex, and the new generation is recorded.
func (s *Store) CheckGeneration(ctx context.Context, model string) (reset bool, err error) {
	storedVersion, _ := s.getMeta(ctx, metaPipelineVersion)
	storedModel, _ := s.getMeta(ctx, metaModel)

	current := fmt.Sprintf("%d", PipelineVersion)
	if storedVersion == current && storedModel == model {
		return false, nil
	}

	firstRun := storedVersion == "" && storedModel == ""
	if !firstRun {
		slog.Info("pipeline generation changed, forcing full reindex",
			slog.String("stored_version", storedVersion),
			slog.String("stored_model", storedModel),
			slog.String("model", model))
		if _, err := s.db.ExecContext(ctx, `DELETE FROM files`); err != nil {
			return false, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
	}

	if err := s.setMeta(ctx, metaPipelineVersion, current); err != nil {
		return false, err
	}
	if err := s.setMeta(ctx, metaModel, model); err != nil {
		return false, err
	}
	return !firstRun, nil
}

// Snapshot returns all indexed file records keyed by path.
func (s *Store) Snapshot(ctx context.Context) (map[string]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, content_hash, size, mtime FROM files`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := make(map[string]FileRecord)
	for rows.Next() {
		var rec FileRecord
		var mtime int64
		if err := rows.Scan(&rec.Path, &rec.ContentHash, &rec.Size, &mtime); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
		rec.ModTime = time.Unix(0, mtime)
		snapshot[rec.Path] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return snapshot, nil
}

// ChunksForFile returns the chunk records previously committed for a file.
// The orchestrator deletes these index entries before inserting the
// file's new chunks.
func (s *Store) ChunksForFile(ctx context.Context, path string) ([]ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, content_hash FROM chunks WHERE path = ? ORDER BY external_id`, path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		if err := rows.Scan(&c.ExternalID, &c.ContentHash); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CommitFile atomically replaces a file's record and chunk list. Called
// only after the file's vectors are durably in the index, so a crash
// between index write and state commit re-processes the file, which the
// idempotent external IDs make harmless.
func (s *Store) CommitFile(ctx context.Context, file FileRecord, chunks []ChunkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, file.Path); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files (path, content_hash, size, mtime, indexed_at) VALUES (?, ?, ?, ?, ?)`,
		file.Path, file.ContentHash, file.Size, file.ModTime.UnixNano(), time.Now().Unix()); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (external_id, path, content_hash) VALUES (?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET path = excluded.path, content_hash = excluded.content_hash`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ExternalID, file.Path, c.ContentHash); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return nil
}

// DeleteFile removes a file's record and returns the chunk records that
// must be deleted from the index.
func (s *Store) DeleteFile(ctx context.Context, path string) ([]ChunkRecord, error) {
	chunks, err := s.ChunksForFile(ctx, path)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return chunks, nil
}

// LiveContentHashes returns the distinct content hashes of all committed
// chunks, used to refresh cache retention stamps after a sync.
func (s *Store) LiveContentHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT content_hash FROM chunks`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// MarkSynced records the completion time of a successful sync pass.
func (s *Store) MarkSynced(ctx context.Context) error {
	return s.setMeta(ctx, metaLastSync, fmt.Sprintf("%d", time.Now().Unix()))
}

// LastSync returns the completion time of the last successful sync, or
// the zero time when none has completed.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	v, err := s.getMeta(ctx, metaLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	var unix int64
	if _, err := fmt.Sscanf(v, "%d", &unix); err != nil {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0), nil
}

// FileCount returns the number of indexed files.
func (s *Store) FileCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return n, nil
}

// ChunkCount returns the number of committed chunks.
func (s *Store) ChunkCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return n, nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return value, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
