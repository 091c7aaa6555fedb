// Package symgraph maintains the incremental cross-file symbol graph.
// Nodes are (file, symbol path) definitions held in an arena addressed
// by integer IDs; edges are reference relations from a chunk to a
// definition. Unresolved references stay as dangling edges so partial
// indexes keep working, and resolve retroactively when the definition
// appears.
//
// Writes go through a single writer per sync pass (the orchestrator
// applies per-file deltas serially); reads come from the retrieval
// service. A mutex enforces that discipline rather than trusting it.
package symgraph

import (
	"strings"
	"sync"

	"github.com/codeatlas/codeatlas/internal/chunk"
)

// NodeID addresses a node in the arena. Freed slots are recycled, so a
// NodeID is only meaningful while its node is live.
type NodeID uint32

const noNode = NodeID(^uint32(0))

// Node is one symbol definition.
type Node struct {
	File    string
	Symbol  string // dot-joined symbol path
	Kind    chunk.Kind
	ChunkID string // external ID of the defining chunk

	live bool
}

// edge is a reference from a chunk to a symbol name. A resolved edge
// points at a live node; a dangling edge keeps only the name.
type edge struct {
	fromFile  string
	fromChunk string
	name      string // referenced base name
	to        NodeID // noNode while dangling
}

// FileDelta is one file's contribution to the graph, produced by the
// chunker's symbol extraction. Applying a delta replaces the file's
// previous contribution entirely.
type FileDelta struct {
	FilePath string
	Defs     []chunk.SymbolDef
	Refs     []chunk.SymbolRef
}

// Graph is the arena-backed symbol graph.
type Graph struct {
	mu sync.RWMutex

	nodes []Node
	free  []NodeID

	// Lookup indexes. byFileSymbol keys are file + "\x00" + symbol.
	byFileSymbol map[string]NodeID
	byBaseName   map[string][]NodeID
	byChunk      map[string]NodeID
	fileNodes    map[string][]NodeID

	// Edges are owned by their originating file for pruning; incoming
	// lists the edges pointing at each node, outgoing the edges leaving
	// each chunk.
	fileEdges map[string][]*edge
	outgoing  map[string][]*edge // chunk external ID -> edges
	incoming  map[NodeID][]*edge
	dangling  map[string][]*edge // base name -> unresolved edges
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		byFileSymbol: make(map[string]NodeID),
		byBaseName:   make(map[string][]NodeID),
		byChunk:      make(map[string]NodeID),
		fileNodes:    make(map[string][]NodeID),
		fileEdges:    make(map[string][]*edge),
		outgoing:     make(map[string][]*edge),
		incoming:     make(map[NodeID][]*edge),
		dangling:     make(map[string][]*edge),
	}
}

// Apply replaces a file's nodes and edges with the delta's content.
// Deltas for different files may be applied in any order; the result
// depends only on the final delta per file.
func (g *Graph) Apply(delta FileDelta) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(delta.FilePath)

	for _, def := range delta.Defs {
		g.addNodeLocked(delta.FilePath, def)
	}
	for _, ref := range delta.Refs {
		g.addEdgeLocked(delta.FilePath, ref)
	}
}

// PruneFile removes every node and edge owned by the file. Edges from
// other files that pointed at the pruned nodes become dangling again.
func (g *Graph) PruneFile(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(path)
}

func (g *Graph) pruneLocked(path string) {
	// Drop the file's outgoing edges.
	for _, e := range g.fileEdges[path] {
		if e.to != noNode {
			g.incoming[e.to] = removeEdge(g.incoming[e.to], e)
		} else {
			g.dangling[e.name] = removeEdge(g.dangling[e.name], e)
		}
		g.outgoing[e.fromChunk] = removeEdge(g.outgoing[e.fromChunk], e)
		if len(g.outgoing[e.fromChunk]) == 0 {
			delete(g.outgoing, e.fromChunk)
		}
	}
	delete(g.fileEdges, path)

	// Free the file's nodes; their incoming edges dangle.
	for _, id := range g.fileNodes[path] {
		node := &g.nodes[id]
		for _, e := range g.incoming[id] {
			e.to = noNode
			g.dangling[e.name] = append(g.dangling[e.name], e)
		}
		delete(g.incoming, id)

		delete(g.byFileSymbol, fileSymbolKey(node.File, node.Symbol))
		g.byBaseName[baseName(node.Symbol)] = removeNode(g.byBaseName[baseName(node.Symbol)], id)
		delete(g.byChunk, node.ChunkID)

		node.live = false
		g.free = append(g.free, id)
	}
	delete(g.fileNodes, path)
}

func (g *Graph) addNodeLocked(path string, def chunk.SymbolDef) {
	key := fileSymbolKey(path, def.SymbolPath)
	if _, exists := g.byFileSymbol[key]; exists {
		return // first definition wins within a file
	}

	var id NodeID
	if n := len(g.free); n > 0 {
		id = g.free[n-1]
		g.free = g.free[:n-1]
		g.nodes[id] = Node{File: path, Symbol: def.SymbolPath, Kind: def.Kind, ChunkID: def.ChunkID, live: true}
	} else {
		id = NodeID(len(g.nodes))
		g.nodes = append(g.nodes, Node{File: path, Symbol: def.SymbolPath, Kind: def.Kind, ChunkID: def.ChunkID, live: true})
	}

	base := baseName(def.SymbolPath)
	g.byFileSymbol[key] = id
	g.byBaseName[base] = append(g.byBaseName[base], id)
	g.byChunk[def.ChunkID] = id
	g.fileNodes[path] = append(g.fileNodes[path], id)

	// Retroactively resolve references that were waiting for this name.
	if waiting := g.dangling[base]; len(waiting) > 0 {
		var still []*edge
		for _, e := range waiting {
			// A reference never resolves to a definition in its own
			// chunk; self-edges add nothing to expansion.
			if e.fromChunk == g.nodes[id].ChunkID {
				still = append(still, e)
				continue
			}
			e.to = id
			g.incoming[id] = append(g.incoming[id], e)
		}
		if len(still) > 0 {
			g.dangling[base] = still
		} else {
			delete(g.dangling, base)
		}
	}
}

func (g *Graph) addEdgeLocked(path string, ref chunk.SymbolRef) {
	e := &edge{fromFile: path, fromChunk: ref.ChunkID, name: ref.Name, to: noNode}

	if targets := g.byBaseName[ref.Name]; len(targets) > 0 {
		// Resolve to the first live definition outside the referencing
		// chunk; ambiguity across files picks deterministically by
		// arena order of insertion.
		for _, id := range targets {
			if g.nodes[id].ChunkID != ref.ChunkID {
				e.to = id
				break
			}
		}
	}

	if e.to != noNode {
		g.incoming[e.to] = append(g.incoming[e.to], e)
	} else {
		g.dangling[ref.Name] = append(g.dangling[ref.Name], e)
	}
	g.fileEdges[path] = append(g.fileEdges[path], e)
	g.outgoing[ref.ChunkID] = append(g.outgoing[ref.ChunkID], e)
}

// Neighbors returns chunk IDs one hop from the given chunk: defining
// chunks of symbols it references, and chunks referencing the symbol it
// defines. The hit chunk itself is excluded. Order is deterministic.
func (g *Graph) Neighbors(chunkID string, limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if limit <= 0 {
		return nil
	}

	seen := map[string]bool{chunkID: true}
	var out []string
	add := func(id string) bool {
		if id == "" || seen[id] {
			return len(out) < limit
		}
		seen[id] = true
		out = append(out, id)
		return len(out) < limit
	}

	// Outgoing: definitions this chunk references.
	for _, e := range g.outgoing[chunkID] {
		if e.to == noNode {
			continue
		}
		if !add(g.nodes[e.to].ChunkID) {
			return out
		}
	}

	// Incoming: chunks referencing the symbol this chunk defines.
	if id, ok := g.byChunk[chunkID]; ok {
		for _, e := range g.incoming[id] {
			if !add(e.fromChunk) {
				return out
			}
		}
	}

	return out
}

// NodesForFile returns the live definitions owned by a file.
func (g *Graph) NodesForFile(path string) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := g.fileNodes[path]
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		if g.nodes[id].live {
			nodes = append(nodes, g.nodes[id])
		}
	}
	return nodes
}

// Stats summarizes graph size for reports and logs.
type Stats struct {
	Nodes    int
	Edges    int
	Dangling int
}

// Stat returns current graph statistics.
func (g *Graph) Stat() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s Stats
	for i := range g.nodes {
		if g.nodes[i].live {
			s.Nodes++
		}
	}
	for _, edges := range g.fileEdges {
		s.Edges += len(edges)
	}
	for _, edges := range g.dangling {
		s.Dangling += len(edges)
	}
	return s
}

func fileSymbolKey(file, symbol string) string {
	return file + "\x00" + symbol
}

// baseName is the last segment of a symbol path; references use bare
// names, so resolution matches on it.
func baseName(symbolPath string) string {
	if i := strings.LastIndexByte(symbolPath, '.'); i >= 0 {
		return symbolPath[i+1:]
	}
	return symbolPath
}

func removeEdge(edges []*edge, target *edge) []*edge {
	for i, e := range edges {
		if e == target {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}

func removeNode(ids []NodeID, target NodeID) []NodeID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
