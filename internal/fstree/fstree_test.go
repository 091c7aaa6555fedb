package fstree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func collect(t *testing.T, opts Options) map[string]FileInfo {
	t.Helper()
	s := NewScanner(nil)
	results, err := s.Scan(context.Background(), opts)
	require.NoError(t, err)

	files := make(map[string]FileInfo)
	for r := range results {
		require.NoError(t, r.Error)
		files[r.File.Path] = r.File
	}
	return files
}

func TestScan_DiscoversFilesWithLanguage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", []byte("package main\n"))
	writeFile(t, root, "lib/util.py", []byte("def f():\n    pass\n"))
	writeFile(t, root, "README.md", []byte("# readme\n"))

	files := collect(t, Options{RootDir: root})

	require.Len(t, files, 3)
	assert.Equal(t, "go", files["main.go"].Language)
	assert.Equal(t, "python", files["lib/util.py"].Language)
	assert.Empty(t, files["README.md"].Language, "unsupported extension still indexed, no grammar")
}

func TestScan_RespectsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", []byte("*.log\ntmp/\n"))
	writeFile(t, root, "app.log", []byte("log line\n"))
	writeFile(t, root, "tmp/scratch.txt", []byte("scratch\n"))
	writeFile(t, root, "main.go", []byte("package main\n"))

	files := collect(t, Options{RootDir: root})

	assert.Contains(t, files, "main.go")
	assert.Contains(t, files, ".gitignore")
	assert.NotContains(t, files, "app.log")
	assert.NotContains(t, files, "tmp/scratch.txt")
}

func TestScan_ConfigExcludeAndInclude(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.go", []byte("package a\n"))
	writeFile(t, root, "src/a_test.go", []byte("package a\n"))
	writeFile(t, root, "gen/b.go", []byte("package b\n"))

	files := collect(t, Options{
		RootDir: root,
		Include: []string{"**/*.go"},
		Exclude: []string{"gen/**"},
	})

	assert.Contains(t, files, "src/a.go")
	assert.Contains(t, files, "src/a_test.go")
	assert.NotContains(t, files, "gen/b.go")
}

func TestScan_SkipsBinaryAndOversize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "blob.bin", []byte{0x7f, 0x45, 0x4c, 0x46, 0x00, 0x01})
	writeFile(t, root, "big.txt", make([]byte, 128))
	writeFile(t, root, "ok.txt", []byte("fits\n"))

	files := collect(t, Options{RootDir: root, MaxFileSize: 64})

	assert.NotContains(t, files, "blob.bin", "null byte marks binary")
	assert.NotContains(t, files, "big.txt")
	assert.Contains(t, files, "ok.txt")
}

func TestScan_SkipsSensitiveFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".env", []byte("TOKEN=x\n"))
	writeFile(t, root, "server.pem", []byte("-----BEGIN\n"))
	writeFile(t, root, "config.yaml", []byte("a: 1\n"))

	files := collect(t, Options{RootDir: root})

	assert.NotContains(t, files, ".env")
	assert.NotContains(t, files, "server.pem")
	assert.Contains(t, files, "config.yaml")
}

func TestScan_CancelStopsStream(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 50; i++ {
		writeFile(t, root, filepath.Join("d", string(rune('a'+i%26))+".txt"), []byte("x\n"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScanner(nil)
	results, err := s.Scan(ctx, Options{RootDir: root})
	require.NoError(t, err)

	// Channel must close; a cancelled walk never hangs the consumer.
	count := 0
	for range results {
		count++
	}
	assert.LessOrEqual(t, count, 50)
}

func TestScan_RootMustBeDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "file.txt", []byte("x\n"))

	s := NewScanner(nil)
	_, err := s.Scan(context.Background(), Options{RootDir: filepath.Join(root, "file.txt")})
	assert.Error(t, err)
}

func TestMatchesInclude(t *testing.T) {
	assert.True(t, matchesInclude("a/b/c.go", []string{"**/*"}))
	assert.True(t, matchesInclude("a/b/c.go", []string{"**/*.go"}))
	assert.False(t, matchesInclude("a/b/c.py", []string{"**/*.go"}))
	assert.True(t, matchesInclude("main.go", []string{"*.go"}))
	assert.True(t, matchesInclude("src/main.go", []string{"src/*.go"}))
}
