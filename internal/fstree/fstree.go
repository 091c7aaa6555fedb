// Package fstree discovers indexable files under a project root. It
// streams results so the orchestrator can start diffing before the walk
// finishes, and applies the full exclusion stack: ignore rules,
// sensitive files, size limits, and binary detection.
package fstree

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeatlas/codeatlas/internal/chunk"
	"github.com/codeatlas/codeatlas/internal/ignore"
)

// DefaultMaxFileSize caps indexed files at 2MB unless configured otherwise.
const DefaultMaxFileSize = 2 * 1024 * 1024

// binarySniffLen is how many leading bytes are checked for null bytes.
const binarySniffLen = 512

// FileInfo describes one discovered file. Paths are slash-separated and
// relative to the project root; they are the canonical file identity
// throughout the pipeline.
type FileInfo struct {
	Path     string
	AbsPath  string
	Size     int64
	ModTime  int64 // unix nanoseconds
	Language string
}

// Result is one streamed scan item. Error is set for walk failures that
// abort the scan; per-file skips are silent.
type Result struct {
	File  FileInfo
	Error error
}

// Options configures a scan.
type Options struct {
	RootDir     string
	Include     []string
	Exclude     []string
	MaxFileSize int64
}

// Scanner walks the project tree applying exclusion rules.
type Scanner struct {
	registry *chunk.Registry
}

// NewScanner creates a scanner using the grammar registry for language
// detection. A nil registry uses the default.
func NewScanner(registry *chunk.Registry) *Scanner {
	if registry == nil {
		registry = chunk.DefaultRegistry()
	}
	return &Scanner{registry: registry}
}

// Scan streams discovered files over the returned channel. The channel
// closes when the walk completes or ctx is cancelled.
func (s *Scanner) Scan(ctx context.Context, opts Options) (<-chan Result, error) {
	rootDir := opts.RootDir
	if rootDir == "" {
		rootDir = "."
	}
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	matcher, err := ignore.ForProject(absRoot, opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("build ignore rules: %w", err)
	}

	maxFileSize := opts.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	results := make(chan Result, 64)
	go func() {
		defer close(results)
		s.walk(ctx, absRoot, matcher, opts.Include, maxFileSize, results)
	}()
	return results, nil
}

func (s *Scanner) walk(ctx context.Context, absRoot string, matcher *ignore.Matcher, include []string, maxFileSize int64, results chan<- Result) {
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil // unreadable entry, skip
		}

		relPath, relErr := filepath.Rel(absRoot, path)
		if relErr != nil || relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if matcher.Match(relPath, true) {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are never followed; a link outside the root would
		// break the relative path identity.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if matcher.Match(relPath, false) {
			return nil
		}
		if isSensitive(relPath) {
			return nil
		}
		if len(include) > 0 && !matchesInclude(relPath, include) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.Size() > maxFileSize {
			return nil
		}
		if isBinary(path) {
			return nil
		}

		file := FileInfo{
			Path:     relPath,
			AbsPath:  path,
			Size:     info.Size(),
			ModTime:  info.ModTime().UnixNano(),
			Language: s.registry.LanguageForExtension(filepath.Ext(relPath)),
		}

		select {
		case results <- Result{File: file}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		select {
		case results <- Result{Error: err}:
		case <-ctx.Done():
		}
	}
}

// matchesInclude reports whether the path matches any include pattern.
// "**/*" and "**" act as match-all.
func matchesInclude(relPath string, patterns []string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range patterns {
		if pattern == "**/*" || pattern == "**" || pattern == "*" {
			return true
		}
		if strings.HasPrefix(pattern, "**/") {
			if ok, err := filepath.Match(strings.TrimPrefix(pattern, "**/"), base); err == nil && ok {
				return true
			}
			continue
		}
		if ok, err := filepath.Match(pattern, relPath); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// isBinary sniffs the file's leading bytes for null bytes.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, binarySniffLen)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false
	}
	return bytes.Contains(buf[:n], []byte{0})
}

// sensitivePatterns name files that are never indexed regardless of
// ignore rules: credentials leak through embeddings like anywhere else.
var sensitivePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*credentials*",
	"*secrets*",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_dsa",
	"id_ecdsa",
	"id_ed25519",
}

func isSensitive(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range sensitivePatterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}
