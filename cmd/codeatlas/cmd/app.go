package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codeatlas/codeatlas/internal/cache"
	"github.com/codeatlas/codeatlas/internal/chunk"
	"github.com/codeatlas/codeatlas/internal/config"
	"github.com/codeatlas/codeatlas/internal/embed"
	"github.com/codeatlas/codeatlas/internal/fstree"
	"github.com/codeatlas/codeatlas/internal/logging"
	"github.com/codeatlas/codeatlas/internal/retrieval"
	"github.com/codeatlas/codeatlas/internal/state"
	"github.com/codeatlas/codeatlas/internal/symgraph"
	"github.com/codeatlas/codeatlas/internal/syncer"
	"github.com/codeatlas/codeatlas/internal/vecindex"
)

// Data files inside the project data directory.
const (
	stateFileName = "state.db"
	cacheFileName = "cache.db"
)

// app wires the full component stack for one project root. Commands
// open it, run, and Close it; nothing is shared between invocations.
type app struct {
	cfg     *config.Config
	root    string
	dataDir string

	state    *state.Store
	cache    *cache.Cache
	embedder embed.Embedder
	index    vecindex.Index
	chunker  *chunk.Chunker
	graph    *symgraph.Graph
	scanner  *fstree.Scanner

	logCleanup func()
}

// openApp loads configuration for rootDir and assembles every component.
// On error everything opened so far is closed.
func openApp(ctx context.Context, rootDir string) (*app, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	dataDir := config.DataDir(root)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig(dataDir)
	logCfg.Level = cfg.Logging.Level
	if cfg.Logging.File != "" {
		logCfg.FilePath = cfg.Logging.File
	}
	logCfg.WriteToStderr = false // CLI output stays clean; logs go to file
	logCleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, root: root, dataDir: dataDir, logCleanup: logCleanup}

	a.embedder, err = embed.FromConfig(cfg.Embeddings)
	if err != nil {
		a.Close()
		return nil, err
	}

	dims := cfg.Embeddings.Dimensions
	if dims <= 0 {
		dims = a.embedder.Dimensions()
	}

	a.state, err = state.Open(filepath.Join(dataDir, stateFileName))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.cache, err = cache.Open(cache.Options{
		Path:  filepath.Join(dataDir, cacheFileName),
		Model: a.embedder.ModelName(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.index, err = vecindex.FromConfig(ctx, cfg.Index, dims, dataDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.chunker = chunk.NewChunker(chunk.DefaultRegistry(), chunk.Options{
		MaxTokens: cfg.Sync.MaxChunkTokens,
		MinTokens: cfg.Sync.MinChunkTokens,
	})
	a.graph = symgraph.New()
	a.scanner = fstree.NewScanner(chunk.DefaultRegistry())

	return a, nil
}

// newSyncer builds the indexing orchestrator on top of the app's components.
func (a *app) newSyncer() (*syncer.Syncer, error) {
	return syncer.New(syncer.Deps{
		Config:   a.cfg,
		RootDir:  a.root,
		DataDir:  a.dataDir,
		Scanner:  a.scanner,
		Chunker:  a.chunker,
		Cache:    a.cache,
		Embedder: a.embedder,
		Index:    a.index,
		State:    a.state,
		Graph:    a.graph,
	})
}

// newRetrieval builds the query service. The symbol graph is rebuilt by
// sync passes; in a fresh process it is empty until one runs, so graph
// expansion only contributes inside long-lived commands like watch.
func (a *app) newRetrieval() *retrieval.Service {
	return retrieval.New(a.cache, a.embedder, a.index, a.graph, a.cfg.Retrieval)
}

// Close releases components in reverse dependency order.
func (a *app) Close() {
	if a.chunker != nil {
		a.chunker.Close()
	}
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.state != nil {
		_ = a.state.Close()
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.logCleanup != nil {
		a.logCleanup()
	}
}
