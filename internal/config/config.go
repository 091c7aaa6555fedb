// Package config loads the project configuration from .codeatlas.yaml
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	caerrors "github.com/codeatlas/codeatlas/internal/errors"
)

// ConfigFileName is the per-project configuration file.
const ConfigFileName = ".codeatlas.yaml"

// DataDirName is the per-project data directory holding state, cache, and logs.
const DataDirName = ".codeatlas"

// Config is the complete configuration for the indexing and retrieval core.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Index      IndexConfig      `yaml:"index"`
	Sync       SyncConfig       `yaml:"sync"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PathsConfig configures which paths to include and exclude.
type PathsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// EmbeddingsConfig configures the embedding backend.
type EmbeddingsConfig struct {
	// Provider selects the backend: "http" (remote inference endpoint)
	// or "static" (deterministic offline embeddings).
	Provider string `yaml:"provider"`

	// Endpoint is the HTTP inference endpoint (provider "http").
	Endpoint string `yaml:"endpoint"`

	// Model is the embedding model identifier.
	Model string `yaml:"model"`

	// Dimensions is the embedding dimension (0 = auto-detect).
	Dimensions int `yaml:"dimensions"`

	// BatchSize is the maximum texts per backend call.
	BatchSize int `yaml:"batch_size"`

	// Timeout is the per-request timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries bounds the exponential backoff retry loop.
	MaxRetries int `yaml:"max_retries"`

	// CacheRetention drops cache entries unseen for this window (0 = keep forever).
	CacheRetention time.Duration `yaml:"cache_retention"`
}

// IndexConfig configures the vector index backend.
type IndexConfig struct {
	// Backend selects the index: "hnsw" (embedded) or "qdrant" (remote gRPC).
	Backend string `yaml:"backend"`

	// Collection is the remote collection name (backend "qdrant").
	Collection string `yaml:"collection"`

	// Addr is the remote index address (backend "qdrant").
	Addr string `yaml:"addr"`

	// M is the HNSW max connections per layer (backend "hnsw").
	M int `yaml:"m"`

	// EfSearch is the HNSW query-time search width (backend "hnsw").
	EfSearch int `yaml:"ef_search"`
}

// SyncConfig configures the indexing orchestrator.
type SyncConfig struct {
	// Workers is the size of the file-processing worker pool.
	Workers int `yaml:"workers"`

	// MaxFileSize is the largest file to index, in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`

	// MaxChunkTokens is the chunk token budget upper bound.
	MaxChunkTokens int `yaml:"max_chunk_tokens"`

	// MinChunkTokens merges adjacent small units up to this budget.
	MinChunkTokens int `yaml:"min_chunk_tokens"`

	// WatchDebounce batches watcher events before triggering a sync.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// RetrievalConfig configures query-time behavior.
type RetrievalConfig struct {
	// MaxResults caps top-k.
	MaxResults int `yaml:"max_results"`

	// ExpandGraph enables one-hop symbol graph expansion.
	ExpandGraph bool `yaml:"expand_graph"`

	// MaxExpanded caps chunks added by graph expansion.
	MaxExpanded int `yaml:"max_expanded"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// UnmarshalYAML decodes durations from strings like "60s". yaml.v3 has
// no native time.Duration support. Fields already set (defaults) survive
// when the key is absent.
func (e *EmbeddingsConfig) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		Provider       string `yaml:"provider"`
		Endpoint       string `yaml:"endpoint"`
		Model          string `yaml:"model"`
		Dimensions     int    `yaml:"dimensions"`
		BatchSize      int    `yaml:"batch_size"`
		Timeout        string `yaml:"timeout"`
		MaxRetries     int    `yaml:"max_retries"`
		CacheRetention string `yaml:"cache_retention"`
	}{
		Provider:       e.Provider,
		Endpoint:       e.Endpoint,
		Model:          e.Model,
		Dimensions:     e.Dimensions,
		BatchSize:      e.BatchSize,
		Timeout:        e.Timeout.String(),
		MaxRetries:     e.MaxRetries,
		CacheRetention: e.CacheRetention.String(),
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	timeout, err := parseDuration(aux.Timeout)
	if err != nil {
		return fmt.Errorf("embeddings.timeout: %w", err)
	}
	retention, err := parseDuration(aux.CacheRetention)
	if err != nil {
		return fmt.Errorf("embeddings.cache_retention: %w", err)
	}

	e.Provider = aux.Provider
	e.Endpoint = aux.Endpoint
	e.Model = aux.Model
	e.Dimensions = aux.Dimensions
	e.BatchSize = aux.BatchSize
	e.Timeout = timeout
	e.MaxRetries = aux.MaxRetries
	e.CacheRetention = retention
	return nil
}

// UnmarshalYAML decodes watch_debounce from a duration string.
func (s *SyncConfig) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		Workers        int    `yaml:"workers"`
		MaxFileSize    int64  `yaml:"max_file_size"`
		MaxChunkTokens int    `yaml:"max_chunk_tokens"`
		MinChunkTokens int    `yaml:"min_chunk_tokens"`
		WatchDebounce  string `yaml:"watch_debounce"`
	}{
		Workers:        s.Workers,
		MaxFileSize:    s.MaxFileSize,
		MaxChunkTokens: s.MaxChunkTokens,
		MinChunkTokens: s.MinChunkTokens,
		WatchDebounce:  s.WatchDebounce.String(),
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	debounce, err := parseDuration(aux.WatchDebounce)
	if err != nil {
		return fmt.Errorf("sync.watch_debounce: %w", err)
	}

	s.Workers = aux.Workers
	s.MaxFileSize = aux.MaxFileSize
	s.MaxChunkTokens = aux.MaxChunkTokens
	s.MinChunkTokens = aux.MinChunkTokens
	s.WatchDebounce = debounce
	return nil
}

func parseDuration(v string) (time.Duration, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			Include: []string{"**/*"},
			Exclude: []string{".git/**", "node_modules/**", "vendor/**", DataDirName + "/**"},
		},
		Embeddings: EmbeddingsConfig{
			Provider:       "http",
			Endpoint:       "http://localhost:11434",
			Model:          "nomic-embed-text",
			BatchSize:      32,
			Timeout:        60 * time.Second,
			MaxRetries:     3,
			CacheRetention: 0,
		},
		Index: IndexConfig{
			Backend:    "hnsw",
			Collection: "codeatlas",
			Addr:       "localhost:6334",
			M:          16,
			EfSearch:   64,
		},
		Sync: SyncConfig{
			Workers:        runtime.NumCPU(),
			MaxFileSize:    2 * 1024 * 1024,
			MaxChunkTokens: 512,
			MinChunkTokens: 48,
			WatchDebounce:  500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			MaxResults:  10,
			ExpandGraph: true,
			MaxExpanded: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration for the project rooted at rootDir.
// A missing config file is not an error; defaults apply.
func Load(rootDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(rootDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, caerrors.Wrap(caerrors.ErrCodeConfigNotFound, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, caerrors.New(caerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("parse %s: %v", path, err), err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Sync.Workers < 1 {
		return caerrors.New(caerrors.ErrCodeConfigInvalid, "sync.workers must be >= 1", nil)
	}
	if c.Sync.MinChunkTokens >= c.Sync.MaxChunkTokens {
		return caerrors.New(caerrors.ErrCodeConfigInvalid,
			"sync.min_chunk_tokens must be below sync.max_chunk_tokens", nil)
	}
	switch c.Index.Backend {
	case "hnsw", "qdrant":
	default:
		return caerrors.New(caerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown index backend %q", c.Index.Backend), nil)
	}
	switch c.Embeddings.Provider {
	case "http", "static":
	default:
		return caerrors.New(caerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embeddings provider %q", c.Embeddings.Provider), nil)
	}
	return nil
}

// DataDir returns the data directory for a project root.
func DataDir(rootDir string) string {
	return filepath.Join(rootDir, DataDirName)
}

// applyEnvOverrides applies CODEATLAS_* environment variables.
// Env vars win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODEATLAS_EMBED_ENDPOINT"); v != "" {
		cfg.Embeddings.Endpoint = v
	}
	if v := os.Getenv("CODEATLAS_EMBED_MODEL"); v != "" {
		cfg.Embeddings.Model = v
	}
	if v := os.Getenv("CODEATLAS_EMBED_PROVIDER"); v != "" {
		cfg.Embeddings.Provider = v
	}
	if v := os.Getenv("CODEATLAS_INDEX_BACKEND"); v != "" {
		cfg.Index.Backend = v
	}
	if v := os.Getenv("CODEATLAS_INDEX_ADDR"); v != "" {
		cfg.Index.Addr = v
	}
	if v := os.Getenv("CODEATLAS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.Workers = n
		}
	}
	if v := os.Getenv("CODEATLAS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
