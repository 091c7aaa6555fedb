// Package syncer runs the indexing pipeline: scan the project tree,
// diff it against the committed state, process dirty files through
// chunking, embedding, and the vector index, and commit the results.
//
// A pass moves through the phases Idle, Scanning, Diffing, Processing,
// Committing and back to Idle. File processing runs on a bounded worker
// pool; index writes, graph deltas, and state commits happen serially
// on the collector so ordering invariants hold without fine-grained
// locking. One file's failure never aborts the pass.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/codeatlas/codeatlas/internal/cache"
	"github.com/codeatlas/codeatlas/internal/chunk"
	"github.com/codeatlas/codeatlas/internal/config"
	"github.com/codeatlas/codeatlas/internal/embed"
	apperrors "github.com/codeatlas/codeatlas/internal/errors"
	"github.com/codeatlas/codeatlas/internal/fstree"
	"github.com/codeatlas/codeatlas/internal/state"
	"github.com/codeatlas/codeatlas/internal/symgraph"
	"github.com/codeatlas/codeatlas/internal/vecindex"
)

// Phase is the orchestrator's current stage.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseScanning   Phase = "scanning"
	PhaseDiffing    Phase = "diffing"
	PhaseProcessing Phase = "processing"
	PhaseCommitting Phase = "committing"
)

// LockFileName is the cross-process single-writer lock inside the data
// directory.
const LockFileName = "sync.lock"

// Deps are the orchestrator's injected dependencies.
type Deps struct {
	Config  *config.Config
	RootDir string
	DataDir string

	Scanner  *fstree.Scanner
	Chunker  *chunk.Chunker
	Cache    *cache.Cache
	Embedder embed.Embedder
	Index    vecindex.Index
	State    *state.Store
	Graph    *symgraph.Graph
}

// FileFailure records one file the pass could not process.
type FileFailure struct {
	Path string
	Err  error
}

// Report summarizes one sync pass.
type Report struct {
	Scanned   int
	Added     int
	Modified  int
	Removed   int
	Unchanged int
	Chunks    int
	Reindexed bool // generation change forced a full rebuild
	Failures  []FileFailure
	Duration  time.Duration
}

// Syncer coordinates incremental indexing passes.
type Syncer struct {
	cfg      *config.Config
	rootDir  string
	scanner  *fstree.Scanner
	chunker  *chunk.Chunker
	cache    *cache.Cache
	embedder embed.Embedder
	index    vecindex.Index
	state    *state.Store
	graph    *symgraph.Graph

	lock    *flock.Flock
	flights *inflight
	phase   atomic.Value // Phase
}

// New creates a Syncer. All dependencies are required.
func New(deps Deps) (*Syncer, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("config is required")
	case deps.Scanner == nil:
		return nil, fmt.Errorf("scanner is required")
	case deps.Chunker == nil:
		return nil, fmt.Errorf("chunker is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedder is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("index is required")
	case deps.State == nil:
		return nil, fmt.Errorf("state store is required")
	case deps.Graph == nil:
		return nil, fmt.Errorf("symbol graph is required")
	}

	dataDir := deps.DataDir
	if dataDir == "" {
		dataDir = config.DataDir(deps.RootDir)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}

	s := &Syncer{
		cfg:      deps.Config,
		rootDir:  deps.RootDir,
		scanner:  deps.Scanner,
		chunker:  deps.Chunker,
		cache:    deps.Cache,
		embedder: deps.Embedder,
		index:    deps.Index,
		state:    deps.State,
		graph:    deps.Graph,
		lock:     flock.New(filepath.Join(dataDir, LockFileName)),
		flights:  newInflight(),
	}
	s.phase.Store(PhaseIdle)
	return s, nil
}

// Phase returns the current phase.
func (s *Syncer) Phase() Phase {
	return s.phase.Load().(Phase)
}

func (s *Syncer) setPhase(p Phase) {
	s.phase.Store(p)
	slog.Debug("sync phase", slog.String("phase", string(p)))
}

// outcome is the worker pool's per-file result, consumed serially by
// the collector.
type outcome struct {
	path      string
	err       error
	unchanged bool

	file    state.FileRecord
	chunks  []state.ChunkRecord
	entries []vecindex.Entry
	delta   symgraph.FileDelta
}

// Sync runs one full pass. Concurrent passes are rejected with
// ERR_502; the caller can retry after the running pass finishes.
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}
	if !acquired {
		return nil, apperrors.New(apperrors.ErrCodeSyncLocked,
			"another sync is already running", nil)
	}
	defer func() { _ = s.lock.Unlock() }()
	defer s.setPhase(PhaseIdle)

	start := time.Now()
	report := &Report{}

	// A pipeline or model generation change invalidates everything in
	// the index; the cache survives because it is keyed by model.
	reset, err := s.state.CheckGeneration(ctx, s.embedder.ModelName())
	if err != nil {
		return nil, err
	}
	if reset {
		if err := s.index.Reset(ctx); err != nil {
			return nil, err
		}
		report.Reindexed = true
	}

	// Scanning
	s.setPhase(PhaseScanning)
	files, err := s.scanTree(ctx)
	if err != nil {
		return nil, err
	}
	report.Scanned = len(files)

	// Diffing
	s.setPhase(PhaseDiffing)
	snapshot, err := s.state.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	dirty, removed := diff(files, snapshot)

	slog.Info("sync diff",
		slog.Int("scanned", len(files)),
		slog.Int("dirty", len(dirty)),
		slog.Int("removed", len(removed)))

	// Processing
	s.setPhase(PhaseProcessing)
	if err := s.processDirty(ctx, dirty, snapshot, report); err != nil {
		return nil, err
	}
	for _, path := range removed {
		if err := s.removeFile(ctx, path); err != nil {
			report.Failures = append(report.Failures, FileFailure{Path: path, Err: err})
			continue
		}
		report.Removed++
	}

	// Committing
	s.setPhase(PhaseCommitting)
	if err := s.commit(ctx); err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	slog.Info("sync complete",
		slog.Int("added", report.Added),
		slog.Int("modified", report.Modified),
		slog.Int("removed", report.Removed),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("chunks", report.Chunks),
		slog.Int("failed", len(report.Failures)),
		slog.Bool("reindexed", report.Reindexed),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// scanTree drains the scanner into a slice; diffing needs the full set
// to detect removals.
func (s *Syncer) scanTree(ctx context.Context) ([]fstree.FileInfo, error) {
	results, err := s.scanner.Scan(ctx, fstree.Options{
		RootDir:     s.rootDir,
		Include:     s.cfg.Paths.Include,
		Exclude:     s.cfg.Paths.Exclude,
		MaxFileSize: s.cfg.Sync.MaxFileSize,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, err)
	}

	var files []fstree.FileInfo
	for r := range results {
		if r.Error != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeStateUnavailable, r.Error)
		}
		files = append(files, r.File)
	}
	return files, nil
}

// diff splits the scanned tree into dirty candidates (new, or size or
// mtime changed) and removed paths. Content hashes decide final dirtiness
// inside the worker; mtime and size only gate the cheap path.
func diff(files []fstree.FileInfo, snapshot map[string]state.FileRecord) (dirty []fstree.FileInfo, removed []string) {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Path] = true
		rec, ok := snapshot[f.Path]
		if !ok || rec.Size != f.Size || rec.ModTime.UnixNano() != f.ModTime {
			dirty = append(dirty, f)
		}
	}
	for path := range snapshot {
		if !seen[path] {
			removed = append(removed, path)
		}
	}
	return dirty, removed
}

// processDirty fans dirty files out to the worker pool and applies
// outcomes serially.
func (s *Syncer) processDirty(ctx context.Context, dirty []fstree.FileInfo, snapshot map[string]state.FileRecord, report *Report) error {
	if len(dirty) == 0 {
		return nil
	}

	workers := s.cfg.Sync.Workers
	if workers < 1 {
		workers = 1
	}

	outcomes := make(chan outcome, workers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		inner, ictx := errgroup.WithContext(gctx)
		inner.SetLimit(workers)
		for _, f := range dirty {
			file := f
			inner.Go(func() error {
				out := s.processFile(ictx, file, snapshot[file.Path])
				select {
				case outcomes <- out:
					return nil
				case <-ictx.Done():
					return ictx.Err()
				}
			})
		}
		err := inner.Wait()
		close(outcomes)
		return err
	})

	var applyErr error
	for out := range outcomes {
		if applyErr != nil {
			continue // drain
		}
		if out.err != nil {
			slog.Warn("file processing failed",
				slog.String("path", out.path),
				slog.String("error", out.err.Error()))
			report.Failures = append(report.Failures, FileFailure{Path: out.path, Err: out.err})
			continue
		}
		if err := s.applyOutcome(ctx, out, report); err != nil {
			if apperrors.IsFatal(err) || ctx.Err() != nil {
				applyErr = err
				continue
			}
			// Index trouble stays scoped to the file. Its state row was
			// not committed, so the next pass retries it.
			slog.Warn("file commit failed",
				slog.String("path", out.path),
				slog.String("error", err.Error()))
			report.Failures = append(report.Failures, FileFailure{Path: out.path, Err: err})
		}
	}

	if err := g.Wait(); err != nil && applyErr == nil {
		applyErr = err
	}
	return applyErr
}

// processFile runs the read-chunk-embed part of the pipeline. It never
// touches the index, graph, or state; those belong to the collector.
func (s *Syncer) processFile(ctx context.Context, f fstree.FileInfo, prev state.FileRecord) outcome {
	content, err := os.ReadFile(f.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between scan and process; the next pass removes it.
			return outcome{path: f.Path, unchanged: true, file: fileRecord(f, prev.ContentHash)}
		}
		return outcome{path: f.Path, err: apperrors.Wrap(apperrors.ErrCodeFileNotFound, err)}
	}

	fileHash := chunk.HashContent(string(content))
	if prev.ContentHash == fileHash {
		// mtime churn without a content change (checkout, touch).
		return outcome{path: f.Path, unchanged: true, file: fileRecord(f, fileHash)}
	}

	fc, err := s.chunker.ChunkFile(ctx, f.Path, content, f.Language)
	if err != nil {
		return outcome{path: f.Path, err: err}
	}
	if fc.Degraded {
		slog.Warn("parse degraded, indexing by token windows",
			slog.String("path", f.Path),
			slog.String("code", apperrors.ErrCodeParseDegraded))
	}

	vectors, err := s.embedChunks(ctx, fc.Chunks)
	if err != nil {
		return outcome{path: f.Path, err: err}
	}

	entries := make([]vecindex.Entry, 0, len(fc.Chunks))
	records := make([]state.ChunkRecord, 0, len(fc.Chunks))
	for i := range fc.Chunks {
		c := &fc.Chunks[i]
		id := c.ExternalID()
		entries = append(entries, vecindex.Entry{
			ID:     id,
			Vector: vectors[c.ContentHash],
			Payload: map[string]string{
				vecindex.PayloadPath:       c.FilePath,
				vecindex.PayloadLanguage:   c.Language,
				vecindex.PayloadKind:       string(c.Kind),
				vecindex.PayloadSymbolPath: c.SymbolPath,
				vecindex.PayloadStartLine:  strconv.Itoa(c.StartLine),
				vecindex.PayloadEndLine:    strconv.Itoa(c.EndLine),
				vecindex.PayloadHash:       c.ContentHash,
			},
		})
		records = append(records, state.ChunkRecord{ExternalID: id, ContentHash: c.ContentHash})
	}

	return outcome{
		path:    f.Path,
		file:    fileRecord(f, fileHash),
		chunks:  records,
		entries: entries,
		delta: symgraph.FileDelta{
			FilePath: f.Path,
			Defs:     fc.Symbols.Defs,
			Refs:     fc.Symbols.Refs,
		},
	}
}

// embedChunks resolves one vector per distinct content hash, consulting
// the cache before the backend. Misses are claimed through a pass-wide
// in-flight set, so a hash's computation runs on exactly one worker
// even when byte-identical files land on different workers; the others
// wait and read the cached result.
func (s *Syncer) embedChunks(ctx context.Context, chunks []chunk.Chunk) (map[string][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(chunks))
	textByHash := make(map[string]string, len(chunks))
	for i := range chunks {
		h := chunks[i].ContentHash
		if _, dup := textByHash[h]; !dup {
			hashes = append(hashes, h)
			textByHash[h] = chunks[i].Content
		}
	}

	vectors, misses, err := s.cache.Lookup(ctx, hashes)
	if err != nil {
		return nil, err
	}
	if len(misses) == 0 {
		return vectors, nil
	}

	owned, theirs := s.flights.claim(misses)

	// Re-check owned hashes: another worker may have finished and
	// released between the lookup and the claim.
	cached, need, err := s.cache.Lookup(ctx, owned)
	if err != nil {
		s.flights.release(owned)
		return nil, err
	}
	for h, vec := range cached {
		vectors[h] = vec
	}

	// Release before waiting on other workers' hashes so two workers
	// each holding what the other waits for cannot deadlock.
	embedErr := s.embedBatches(ctx, need, textByHash, vectors)
	s.flights.release(owned)
	if embedErr != nil {
		return nil, embedErr
	}

	var leftovers []string
	for h, done := range theirs {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		vec, ok, err := s.cache.Get(ctx, h)
		if err != nil {
			return nil, err
		}
		if ok {
			vectors[h] = vec
		} else {
			// The owning worker failed or could not persist the result.
			leftovers = append(leftovers, h)
		}
	}
	if err := s.embedBatches(ctx, leftovers, textByHash, vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// embedBatches embeds the texts for the given hashes in configured batch
// sizes, filling vectors and writing results through to the cache.
func (s *Syncer) embedBatches(ctx context.Context, hashes []string, textByHash map[string]string, vectors map[string][]float32) error {
	if len(hashes) == 0 {
		return nil
	}

	batchSize := s.cfg.Embeddings.BatchSize
	if batchSize <= 0 {
		batchSize = embed.DefaultBatchSize
	}

	computed := make(map[string][]float32, len(hashes))
	for start := 0; start < len(hashes); start += batchSize {
		end := start + batchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := hashes[start:end]

		texts := make([]string, len(batch))
		for i, h := range batch {
			texts[i] = textByHash[h]
		}

		embedded, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, h := range batch {
			vectors[h] = embedded[i]
			computed[h] = embedded[i]
		}
	}

	// A failed cache write costs a recompute later, not correctness.
	if err := s.cache.PutBatch(ctx, computed); err != nil {
		slog.Warn("cache write failed", slog.String("error", err.Error()))
	}
	return nil
}

// Index writes get a short bounded retry before the file is declared
// failed.
const (
	indexWriteAttempts = 3
	indexWriteBackoff  = 100 * time.Millisecond
)

// retryIndexWrite runs op, retrying retryable failures with doubling
// backoff up to indexWriteAttempts total attempts.
func (s *Syncer) retryIndexWrite(ctx context.Context, op func() error) error {
	delay := indexWriteBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || attempt == indexWriteAttempts || !apperrors.IsRetryable(err) {
			return err
		}
		slog.Warn("index write failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
}

// applyOutcome commits one file's results: stale index entries deleted
// before the new ones land, then the graph delta, then the state row.
// State commits last so a crash replays the file instead of losing it.
func (s *Syncer) applyOutcome(ctx context.Context, out outcome, report *Report) error {
	if out.unchanged {
		chunks, err := s.state.ChunksForFile(ctx, out.path)
		if err != nil {
			return err
		}
		if err := s.state.CommitFile(ctx, out.file, chunks); err != nil {
			return err
		}
		report.Unchanged++
		return nil
	}

	prev, err := s.state.ChunksForFile(ctx, out.path)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(out.chunks))
	for _, c := range out.chunks {
		live[c.ExternalID] = true
	}
	var stale []string
	for _, c := range prev {
		if !live[c.ExternalID] {
			stale = append(stale, c.ExternalID)
		}
	}

	if len(stale) > 0 {
		if err := s.retryIndexWrite(ctx, func() error { return s.index.Delete(ctx, stale) }); err != nil {
			return err
		}
	}
	if err := s.retryIndexWrite(ctx, func() error { return s.index.Upsert(ctx, out.entries) }); err != nil {
		return err
	}

	s.graph.Apply(out.delta)

	if err := s.state.CommitFile(ctx, out.file, out.chunks); err != nil {
		return err
	}

	if len(prev) == 0 {
		report.Added++
	} else {
		report.Modified++
	}
	report.Chunks += len(out.chunks)
	return nil
}

// removeFile drops a deleted file from index, graph, and state. The
// state row goes last so a failed index delete leaves the removal
// pending for the next pass instead of orphaning searchable entries.
func (s *Syncer) removeFile(ctx context.Context, path string) error {
	chunks, err := s.state.ChunksForFile(ctx, path)
	if err != nil {
		return err
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ExternalID
	}
	if len(ids) > 0 {
		if err := s.retryIndexWrite(ctx, func() error { return s.index.Delete(ctx, ids) }); err != nil {
			return err
		}
	}

	s.graph.PruneFile(path)

	_, err = s.state.DeleteFile(ctx, path)
	return err
}

// commit finishes the pass: flush the index, refresh cache retention
// stamps for every live chunk, sweep stale entries, and record the sync.
func (s *Syncer) commit(ctx context.Context) error {
	if err := s.index.Flush(ctx); err != nil {
		return err
	}

	hashes, err := s.state.LiveContentHashes(ctx)
	if err != nil {
		return err
	}
	if err := s.cache.Touch(ctx, hashes); err != nil {
		slog.Warn("cache touch failed", slog.String("error", err.Error()))
	}
	if retention := s.cfg.Embeddings.CacheRetention; retention > 0 {
		purged, err := s.cache.Sweep(ctx, retention)
		if err != nil {
			slog.Warn("cache sweep failed", slog.String("error", err.Error()))
		} else if purged > 0 {
			slog.Info("cache sweep", slog.Int64("purged", purged))
		}
	}

	return s.state.MarkSynced(ctx)
}

func fileRecord(f fstree.FileInfo, contentHash string) state.FileRecord {
	return state.FileRecord{
		Path:        f.Path,
		ContentHash: contentHash,
		Size:        f.Size,
		ModTime:     time.Unix(0, f.ModTime),
	}
}
