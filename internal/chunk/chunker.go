package chunk

import (
	"context"
	"log/slog"
	"sort"
)

// Options configures chunk token budgets.
type Options struct {
	// MaxTokens is the upper budget; syntactic units above it are split
	// at the next-smaller syntactic boundary.
	MaxTokens int

	// MinTokens is the lower budget; adjacent smaller units merge, in
	// source order, while they share a parent scope.
	MinTokens int
}

// FileChunks is the result of chunking one file.
type FileChunks struct {
	Chunks  []Chunk
	Symbols FileSymbols

	// Degraded is set when a registered grammar failed to parse and the
	// file fell back to token-window chunking.
	Degraded bool
}

// Chunker segments files into chunks using the grammar registry.
type Chunker struct {
	parser   *Parser
	registry *Registry
	options  Options
}

// NewChunker creates a chunker with the given options, falling back to
// defaults for zero values.
func NewChunker(registry *Registry, opts Options) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MinTokens <= 0 {
		opts.MinTokens = DefaultMinTokens
	}
	return &Chunker{
		parser:   NewParser(registry),
		registry: registry,
		options:  opts,
	}
}

// Close releases parser resources.
func (c *Chunker) Close() {
	c.parser.Close()
}

// ChunkFile splits file content into an ordered, non-overlapping chunk
// sequence covering the whole file. Identical (content, language) input
// always yields an identical sequence.
func (c *Chunker) ChunkFile(ctx context.Context, path string, content []byte, language string) (*FileChunks, error) {
	if len(content) == 0 {
		return &FileChunks{Symbols: FileSymbols{FilePath: path}}, nil
	}

	if !c.registry.Supported(language) {
		return c.chunkByWindows(path, content, language, false), nil
	}

	tree, err := c.parser.Parse(ctx, content, language)
	if err != nil {
		// Parse failure degrades to token windows rather than failing the file.
		slog.Debug("parse degraded to window chunking",
			slog.String("path", path),
			slog.String("language", language),
			slog.String("error", err.Error()))
		return c.chunkByWindows(path, content, language, true), nil
	}

	cfg, _ := c.registry.Config(language)
	units := c.segmentSiblings(tree.Root.Children, tree.Source, cfg, "")
	if len(units) == 0 {
		return c.chunkByWindows(path, content, language, false), nil
	}

	units = c.mergeSmallUnits(units, tree.Source)
	chunks := materialize(units, path, content, language)

	result := &FileChunks{
		Chunks:  chunks,
		Symbols: extractSymbols(path, tree, cfg, units, chunks),
	}
	return result, nil
}

// unit is a chunk candidate before gap attachment and merging.
type unit struct {
	startByte  uint32
	endByte    uint32
	kind       Kind
	symbolPath string
	parentPath string
	defs       []SymbolDef // definitions owned by this unit (ChunkID filled later)
}

// segmentSiblings turns a sibling node list into an ordered unit sequence.
// Boundary nodes become their own units (recursively split when over
// budget); runs of non-boundary siblings collapse into block units.
func (c *Chunker) segmentSiblings(siblings []*Node, source []byte, cfg *LanguageConfig, parentPath string) []unit {
	var units []unit
	var blockStart, blockEnd uint32
	blockOpen := false

	flushBlock := func() {
		if blockOpen {
			units = append(units, unit{
				startByte:  blockStart,
				endByte:    blockEnd,
				kind:       KindBlock,
				parentPath: parentPath,
			})
			blockOpen = false
		}
	}

	for _, n := range siblings {
		kind := cfg.kindOf(n.Type)
		if kind == "" {
			if !blockOpen {
				blockStart = n.StartByte
				blockOpen = true
			}
			blockEnd = n.EndByte
			continue
		}

		flushBlock()
		units = append(units, c.segmentBoundary(n, source, cfg, parentPath, kind)...)
	}
	flushBlock()

	return units
}

// segmentBoundary produces the unit(s) for one boundary node. Nodes over
// the token budget split at the next-smaller syntactic boundary; leaf
// nodes with no inner boundaries split by line windows.
func (c *Chunker) segmentBoundary(n *Node, source []byte, cfg *LanguageConfig, parentPath string, kind Kind) []unit {
	name := extractName(n, source)
	symbolPath := joinPath(parentPath, name)

	var defs []SymbolDef
	if name != "" {
		defs = []SymbolDef{{SymbolPath: symbolPath, Kind: kind}}
	}

	if estimateTokens(n.Content(source)) <= c.options.MaxTokens {
		return []unit{{
			startByte:  n.StartByte,
			endByte:    n.EndByte,
			kind:       kind,
			symbolPath: symbolPath,
			parentPath: parentPath,
			defs:       defs,
		}}
	}

	// Over budget: descend. Children that are themselves boundaries (a
	// class's methods, a declaration block's specs) become nested units;
	// the surrounding text (signature, docstring, field list) stays with
	// this node's own units.
	inner := c.segmentInner(n, source, cfg, symbolPath)
	if len(inner) == 0 {
		windows := c.splitByWindows(n.StartByte, n.EndByte, source, kind, symbolPath, parentPath)
		if len(windows) > 0 {
			windows[0].defs = defs
		}
		return windows
	}

	// Cover the node's full range: text before, between, and after the
	// inner units is attached as units carrying this node's symbol path.
	var units []unit
	cursor := n.StartByte
	first := true
	for _, iu := range inner {
		if iu.startByte > cursor {
			u := unit{
				startByte:  cursor,
				endByte:    iu.startByte,
				kind:       kind,
				symbolPath: symbolPath,
				parentPath: parentPath,
			}
			if first {
				u.defs = defs
				first = false
			}
			units = append(units, u)
		}
		if first {
			iu.defs = append(defs, iu.defs...)
			first = false
		}
		units = append(units, iu)
		cursor = iu.endByte
	}
	if cursor < n.EndByte {
		units = append(units, unit{
			startByte:  cursor,
			endByte:    n.EndByte,
			kind:       kind,
			symbolPath: symbolPath,
			parentPath: parentPath,
		})
	}
	return units
}

// segmentInner finds boundary units anywhere under n (skipping wrapper
// nodes like bodies and blocks) at the shallowest depth that has any.
func (c *Chunker) segmentInner(n *Node, source []byte, cfg *LanguageConfig, symbolPath string) []unit {
	var inner []unit
	for _, child := range n.Children {
		child.Walk(func(d *Node) bool {
			kind := cfg.kindOf(d.Type)
			if kind == "" {
				return true // descend through wrappers
			}
			inner = append(inner, c.segmentBoundary(d, source, cfg, symbolPath, kind)...)
			return false
		})
	}
	sort.SliceStable(inner, func(i, j int) bool { return inner[i].startByte < inner[j].startByte })
	return inner
}

// splitByWindows splits a byte range into fixed line windows sized by the
// token budget. Windows do not overlap so the sequence stays a partition.
func (c *Chunker) splitByWindows(start, end uint32, source []byte, kind Kind, symbolPath, parentPath string) []unit {
	text := source[start:end]
	budget := c.options.MaxTokens * CharsPerToken

	var units []unit
	lineStart := 0
	segStart := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '\n' {
			continue
		}
		lineStart = i + 1
		if lineStart-segStart >= budget {
			units = append(units, unit{
				startByte:  start + uint32(segStart),
				endByte:    start + uint32(lineStart),
				kind:       kind,
				symbolPath: symbolPath,
				parentPath: parentPath,
			})
			segStart = lineStart
		}
	}
	if segStart < len(text) {
		units = append(units, unit{
			startByte:  start + uint32(segStart),
			endByte:    end,
			kind:       kind,
			symbolPath: symbolPath,
			parentPath: parentPath,
		})
	}
	return units
}

// mergeSmallUnits merges adjacent units below the minimum budget, in
// source order, while they share a parent scope and the merge stays
// within the maximum budget.
func (c *Chunker) mergeSmallUnits(units []unit, source []byte) []unit {
	if len(units) == 0 {
		return units
	}

	tokens := func(u unit) int {
		return estimateTokens(string(source[u.startByte:u.endByte]))
	}

	var merged []unit
	cur := units[0]
	for _, next := range units[1:] {
		if tokens(cur) < c.options.MinTokens &&
			next.parentPath == cur.parentPath &&
			tokens(cur)+tokens(next) <= c.options.MaxTokens {
			cur = mergeUnits(cur, next)
			continue
		}
		merged = append(merged, cur)
		cur = next
	}

	// A trailing runt folds backward into its predecessor when possible.
	if tokens(cur) < c.options.MinTokens && len(merged) > 0 {
		prev := merged[len(merged)-1]
		if prev.parentPath == cur.parentPath && tokens(prev)+tokens(cur) <= c.options.MaxTokens {
			merged[len(merged)-1] = mergeUnits(prev, cur)
			return merged
		}
	}
	return append(merged, cur)
}

// mergeUnits combines two adjacent units. The first unit's identity wins
// unless it is an anonymous block and the second is named.
func mergeUnits(a, b unit) unit {
	out := a
	out.endByte = b.endByte
	out.defs = append(out.defs, b.defs...)
	if a.kind == KindBlock && b.kind != KindBlock {
		out.kind = b.kind
		out.symbolPath = b.symbolPath
	}
	return out
}

// materialize converts units into chunks, extending each chunk backward
// over the gap to its predecessor so the sequence partitions the file.
func materialize(units []unit, path string, content []byte, language string) []Chunk {
	lines := lineOffsets(content)

	chunks := make([]Chunk, 0, len(units))
	var cursor uint32
	for i, u := range units {
		start := cursor
		end := u.endByte
		if i == len(units)-1 {
			end = uint32(len(content))
		}
		if end <= start {
			continue
		}

		text := string(content[start:end])
		chunks = append(chunks, Chunk{
			FilePath:    path,
			Language:    language,
			Kind:        u.kind,
			StartByte:   start,
			EndByte:     end,
			StartLine:   lineOf(lines, start) + 1,
			EndLine:     lineOf(lines, end-1) + 1,
			Content:     text,
			ContentHash: HashContent(text),
			SymbolPath:  u.symbolPath,
		})
		cursor = end
	}
	return chunks
}

// chunkByWindows is the grammar-less fallback: fixed token windows over
// whole lines, covering the file without overlap.
func (c *Chunker) chunkByWindows(path string, content []byte, language string, degraded bool) *FileChunks {
	units := c.splitByWindows(0, uint32(len(content)), content, KindWindow, "", "")
	units = c.mergeSmallUnits(units, content)
	return &FileChunks{
		Chunks:   materialize(units, path, content, language),
		Symbols:  FileSymbols{FilePath: path},
		Degraded: degraded,
	}
}

// kindOf maps a node type to its chunk kind, or "" for non-boundary nodes.
func (cfg *LanguageConfig) kindOf(nodeType string) Kind {
	if cfg == nil {
		return ""
	}
	for _, t := range cfg.FunctionTypes {
		if t == nodeType {
			return KindFunction
		}
	}
	for _, t := range cfg.MethodTypes {
		if t == nodeType {
			return KindMethod
		}
	}
	for _, t := range cfg.ClassTypes {
		if t == nodeType {
			return KindClass
		}
	}
	for _, t := range cfg.TypeDefTypes {
		if t == nodeType {
			return KindType
		}
	}
	for _, t := range cfg.ConstTypes {
		if t == nodeType {
			return KindConst
		}
	}
	for _, t := range cfg.VarTypes {
		if t == nodeType {
			return KindVar
		}
	}
	return ""
}

func joinPath(parent, name string) string {
	if name == "" {
		return parent
	}
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// lineOffsets returns the byte offset of each line start.
func lineOffsets(content []byte) []uint32 {
	offsets := []uint32{0}
	for i, b := range content {
		if b == '\n' {
			offsets = append(offsets, uint32(i+1))
		}
	}
	return offsets
}

// lineOf returns the 0-indexed line containing the byte offset.
func lineOf(offsets []uint32, byteOffset uint32) int {
	lo, hi := 0, len(offsets)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if offsets[mid] <= byteOffset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// identifierTypes are node types that can carry a symbol's name,
// in lookup priority order.
var identifierTypes = []string{
	"identifier",
	"field_identifier",
	"type_identifier",
	"property_identifier",
}

// extractName finds a boundary node's name identifier, looking one level
// into spec/declarator wrappers (type_declaration, lexical_declaration).
func extractName(n *Node, source []byte) string {
	// Direct children first so nested identifiers don't shadow the name.
	for _, t := range identifierTypes {
		for _, child := range n.Children {
			if child.Type == t {
				return child.Content(source)
			}
		}
	}
	for _, child := range n.Children {
		for _, t := range identifierTypes {
			if found := child.FindChildByType(t); found != nil {
				return found.Content(source)
			}
		}
	}
	return ""
}
