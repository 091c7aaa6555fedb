package chunk

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testChunker(t *testing.T, opts Options) *Chunker {
	t.Helper()
	c := NewChunker(DefaultRegistry(), opts)
	t.Cleanup(c.Close)
	return c
}

const goSource = `package server

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

func Farewell(name string) string {
	return fmt.Sprintf("bye %s", name)
}
`

func TestChunkFile_CoversWholeFile(t *testing.T) {
	c := testChunker(t, Options{})

	result, err := c.ChunkFile(context.Background(), "server.go", []byte(goSource), "go")
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	assert.False(t, result.Degraded)

	// Chunks partition the file: first starts at 0, each begins where
	// the previous ended, last ends at len(source).
	assert.Equal(t, uint32(0), result.Chunks[0].StartByte)
	for i := 1; i < len(result.Chunks); i++ {
		assert.Equal(t, result.Chunks[i-1].EndByte, result.Chunks[i].StartByte)
	}
	last := result.Chunks[len(result.Chunks)-1]
	assert.Equal(t, uint32(len(goSource)), last.EndByte)
}

func TestChunkFile_Deterministic(t *testing.T) {
	c := testChunker(t, Options{})

	first, err := c.ChunkFile(context.Background(), "server.go", []byte(goSource), "go")
	require.NoError(t, err)
	second, err := c.ChunkFile(context.Background(), "server.go", []byte(goSource), "go")
	require.NoError(t, err)

	require.Equal(t, len(first.Chunks), len(second.Chunks))
	for i := range first.Chunks {
		assert.Equal(t, first.Chunks[i], second.Chunks[i])
		assert.Equal(t, first.Chunks[i].ExternalID(), second.Chunks[i].ExternalID())
	}
}

func TestChunkFile_ConcurrentCallsStayIsolated(t *testing.T) {
	// One Chunker serves a whole worker pool; calls on different
	// goroutines, alternating grammars, must not corrupt each other.
	c := testChunker(t, Options{MinTokens: 1})
	ctx := context.Background()
	pySource := "def f(x):\n    return x + 1\n\ndef g(x):\n    return x - 1\n"

	wantGo, err := c.ChunkFile(ctx, "server.go", []byte(goSource), "go")
	require.NoError(t, err)
	wantPy, err := c.ChunkFile(ctx, "a.py", []byte(pySource), "python")
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 25; i++ {
				gotGo, err := c.ChunkFile(gctx, "server.go", []byte(goSource), "go")
				if err != nil {
					return err
				}
				if !assert.ObjectsAreEqual(wantGo.Chunks, gotGo.Chunks) {
					return fmt.Errorf("worker %d iteration %d: go chunks diverged", w, i)
				}
				gotPy, err := c.ChunkFile(gctx, "a.py", []byte(pySource), "python")
				if err != nil {
					return err
				}
				if !assert.ObjectsAreEqual(wantPy.Chunks, gotPy.Chunks) {
					return fmt.Errorf("worker %d iteration %d: python chunks diverged", w, i)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestChunkFile_ExtractsSymbolDefs(t *testing.T) {
	c := testChunker(t, Options{MinTokens: 1})

	result, err := c.ChunkFile(context.Background(), "server.go", []byte(goSource), "go")
	require.NoError(t, err)

	var names []string
	for _, def := range result.Symbols.Defs {
		names = append(names, def.SymbolPath)
		assert.NotEmpty(t, def.ChunkID)
	}
	assert.Contains(t, names, "Greet")
	assert.Contains(t, names, "Farewell")
}

func TestChunkFile_ExtractsCallRefs(t *testing.T) {
	c := testChunker(t, Options{})

	result, err := c.ChunkFile(context.Background(), "server.go", []byte(goSource), "go")
	require.NoError(t, err)

	// fmt.Sprintf calls reference the trailing identifier, attributed to
	// the chunk containing the call.
	var names []string
	for _, ref := range result.Symbols.Refs {
		names = append(names, ref.Name)
		assert.NotEmpty(t, ref.ChunkID)
	}
	assert.Contains(t, names, "Sprintf")
}

func TestChunkFile_PythonFunction(t *testing.T) {
	c := testChunker(t, Options{MinTokens: 1})
	src := "def f(x):\n    return x + 1\n"

	result, err := c.ChunkFile(context.Background(), "a.py", []byte(src), "python")
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)

	var found bool
	for _, def := range result.Symbols.Defs {
		if def.SymbolPath == "f" && def.Kind == KindFunction {
			found = true
		}
	}
	assert.True(t, found, "expected def for function f, got %+v", result.Symbols.Defs)
}

func TestChunkFile_MethodGetsParentSymbolPath(t *testing.T) {
	c := testChunker(t, Options{MaxTokens: 32, MinTokens: 1})

	// Class is over the 32-token budget, so it splits at method boundaries.
	var b strings.Builder
	b.WriteString("class Greeter:\n")
	for i := 0; i < 6; i++ {
		b.WriteString("    def method")
		b.WriteByte(byte('a' + i))
		b.WriteString("(self):\n        return \"a reasonably long string literal to inflate the token estimate\"\n\n")
	}

	result, err := c.ChunkFile(context.Background(), "g.py", []byte(b.String()), "python")
	require.NoError(t, err)

	var methodPaths []string
	for _, def := range result.Symbols.Defs {
		if def.Kind == KindFunction {
			methodPaths = append(methodPaths, def.SymbolPath)
		}
	}
	assert.Contains(t, methodPaths, "Greeter.methoda")
}

func TestChunkFile_OversizeSplitsAtSyntacticBoundary(t *testing.T) {
	c := testChunker(t, Options{MaxTokens: 64, MinTokens: 1})

	var b strings.Builder
	b.WriteString("class Big:\n")
	for i := 0; i < 8; i++ {
		b.WriteString("    def m")
		b.WriteByte(byte('0' + i))
		b.WriteString("(self):\n        value = \"0123456789012345678901234567890123456789\"\n        return value\n\n")
	}
	src := b.String()

	result, err := c.ChunkFile(context.Background(), "big.py", []byte(src), "python")
	require.NoError(t, err)

	// The class must not survive as one oversized chunk.
	assert.Greater(t, len(result.Chunks), 1)
	for _, ch := range result.Chunks {
		assert.LessOrEqual(t, estimateTokens(ch.Content), c.options.MaxTokens*2,
			"chunk should be near budget: %q", ch.Content[:min(40, len(ch.Content))])
	}
}

func TestChunkFile_MergesSmallAdjacentUnits(t *testing.T) {
	small := testChunker(t, Options{MaxTokens: 512, MinTokens: 64})

	// Two tiny functions well below the 64-token floor merge into one chunk.
	src := "def a():\n    pass\n\ndef b():\n    pass\n"
	result, err := small.ChunkFile(context.Background(), "t.py", []byte(src), "python")
	require.NoError(t, err)
	assert.Len(t, result.Chunks, 1)
}

func TestChunkFile_UnknownLanguageFallsBackToWindows(t *testing.T) {
	c := testChunker(t, Options{MinTokens: 1})
	src := "some plain text\nwith a few lines\nof content\n"

	result, err := c.ChunkFile(context.Background(), "notes.txt", []byte(src), "")
	require.NoError(t, err)
	require.NotEmpty(t, result.Chunks)
	assert.False(t, result.Degraded)
	assert.Equal(t, KindWindow, result.Chunks[0].Kind)

	// Windows still cover the file without overlap.
	assert.Equal(t, uint32(0), result.Chunks[0].StartByte)
	assert.Equal(t, uint32(len(src)), result.Chunks[len(result.Chunks)-1].EndByte)
}

func TestChunkFile_EmptyFile(t *testing.T) {
	c := testChunker(t, Options{})

	result, err := c.ChunkFile(context.Background(), "empty.go", nil, "go")
	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
}

func TestHashContent_NormalizesLineEndings(t *testing.T) {
	assert.Equal(t, HashContent("a\nb\n"), HashContent("a\r\nb\r\n"))
	assert.Equal(t, HashContent("a\nb"), HashContent("a\nb\n"))
	assert.NotEqual(t, HashContent("a"), HashContent("b"))
}

func TestExternalID_StableAndDistinctPerFile(t *testing.T) {
	a := Chunk{FilePath: "a.txt", StartLine: 1, EndLine: 3, ContentHash: HashContent("same")}
	b := Chunk{FilePath: "b.txt", StartLine: 1, EndLine: 3, ContentHash: HashContent("same")}

	// Same content in different files yields distinct index IDs but the
	// same content hash (one cache entry, two index entries).
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.ExternalID(), b.ExternalID())
	assert.Equal(t, a.ExternalID(), a.ExternalID())
}

func TestLineOf(t *testing.T) {
	offsets := lineOffsets([]byte("ab\ncd\nef"))
	assert.Equal(t, 0, lineOf(offsets, 0))
	assert.Equal(t, 0, lineOf(offsets, 2))
	assert.Equal(t, 1, lineOf(offsets, 3))
	assert.Equal(t, 2, lineOf(offsets, 7))
}
