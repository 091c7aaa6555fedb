package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Embeddings.Provider)
	assert.Equal(t, "hnsw", cfg.Index.Backend)
	assert.GreaterOrEqual(t, cfg.Sync.Workers, 1)
}

func TestLoad_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	content := `
version: 1
embeddings:
  provider: static
  model: test-model
index:
  backend: qdrant
  addr: "remote:6334"
sync:
  workers: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, "test-model", cfg.Embeddings.Model)
	assert.Equal(t, "qdrant", cfg.Index.Backend)
	assert.Equal(t, "remote:6334", cfg.Index.Addr)
	assert.Equal(t, 2, cfg.Sync.Workers)
}

func TestLoad_ParsesDurationStrings(t *testing.T) {
	dir := t.TempDir()
	content := `
embeddings:
  timeout: 30s
  cache_retention: 720h
sync:
  watch_debounce: 250ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Embeddings.Timeout)
	assert.Equal(t, 720*time.Hour, cfg.Embeddings.CacheRetention)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.WatchDebounce)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	content := "sync:\n  watch_debounce: soon\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{not yaml"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "embeddings:\n  model: from-file\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	t.Setenv("CODEATLAS_EMBED_MODEL", "from-env")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Embeddings.Model)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"min above max tokens", func(c *Config) { c.Sync.MinChunkTokens = 1000 }},
		{"unknown backend", func(c *Config) { c.Index.Backend = "pinecone" }},
		{"unknown provider", func(c *Config) { c.Embeddings.Provider = "magic" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDataDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/repo", DataDirName), DataDir("/repo"))
}
