// Package chunk converts source files into ordered, non-overlapping
// semantic chunks using tree-sitter grammars, with a token-window
// fallback for files without a usable grammar.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Token budget defaults. A token is approximated as 4 characters,
// which is close enough for budget enforcement on code.
const (
	DefaultMaxTokens = 512
	DefaultMinTokens = 48
	CharsPerToken    = 4
)

// Kind is the syntactic kind of a chunk.
type Kind string

const (
	KindFunction Kind = "function"
	KindMethod   Kind = "method"
	KindClass    Kind = "class"
	KindType     Kind = "type"
	KindConst    Kind = "const"
	KindVar      Kind = "var"
	KindBlock    Kind = "block"  // module-level code without a named symbol
	KindWindow   Kind = "window" // token-window fallback chunk
)

// Chunk is a syntactically bounded slice of a file, the unit of
// embedding and retrieval. Chunks are immutable once produced and
// deterministic for a given (file text, language) pair.
type Chunk struct {
	// FilePath is relative to the project root.
	FilePath string

	// Language is the detected language name ("go", "python", ...).
	Language string

	// Kind is the syntactic kind of the dominant unit in the chunk.
	Kind Kind

	// Byte and line ranges in the original file. Lines are 1-indexed,
	// EndLine inclusive.
	StartByte uint32
	EndByte   uint32
	StartLine int
	EndLine   int

	// Content is the chunk text as sliced from the file.
	Content string

	// ContentHash is the SHA-256 of the normalized content. Two chunks
	// with equal hashes are the same content regardless of origin.
	ContentHash string

	// SymbolPath is the dot-joined path of the enclosing symbol
	// ("Server.handleConn"); empty for anonymous blocks.
	SymbolPath string
}

// ExternalID returns the reproducible identifier used in the vector
// index, derived from file path, range, and content hash. Re-chunking
// an unchanged file reproduces the same IDs, making upserts idempotent.
func (c *Chunk) ExternalID() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d-%d:%s", c.FilePath, c.StartLine, c.EndLine, c.ContentHash)))
	return hex.EncodeToString(h[:])[:32]
}

// SymbolDef is a symbol defined by a chunk, used by the symbol graph.
type SymbolDef struct {
	SymbolPath string
	Kind       Kind
	ChunkID    string // ExternalID of the defining chunk
}

// SymbolRef is a reference to a symbol name from within a chunk
// (a call, type usage, or import). The name is unresolved here; the
// graph builder matches it against known definitions and keeps
// unmatched names as dangling edges.
type SymbolRef struct {
	Name    string
	ChunkID string // ExternalID of the referencing chunk
}

// FileSymbols is the per-file symbol extraction result.
type FileSymbols struct {
	FilePath string
	Defs     []SymbolDef
	Refs     []SymbolRef
}

// HashContent returns the SHA-256 hex digest of normalized text.
// Normalization folds CRLF to LF and strips trailing newlines so the
// same logical content hashes identically across platforms.
func HashContent(text string) string {
	norm := strings.ReplaceAll(text, "\r\n", "\n")
	norm = strings.TrimRight(norm, "\n")
	h := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(h[:])
}

// estimateTokens estimates the token count of content.
func estimateTokens(content string) int {
	return len(content) / CharsPerToken
}
