package chunk

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// Tree is a language-neutral view of a parsed syntax tree.
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node is a node in the syntax tree.
type Node struct {
	Type      string
	StartByte uint32
	EndByte   uint32
	StartRow  uint32 // 0-indexed
	EndRow    uint32
	Children  []*Node
	HasError  bool
}

// Parser wraps tree-sitter for syntax tree construction. A sitter.Parser
// holds mutable C state, so each Parse call checks one out of a free
// list; callers on different goroutines never share an instance.
type Parser struct {
	registry *Registry

	mu     sync.Mutex
	idle   []*sitter.Parser
	closed bool
}

// NewParser creates a parser backed by the given registry.
func NewParser(registry *Registry) *Parser {
	return &Parser{registry: registry}
}

func (p *Parser) acquire() *sitter.Parser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.idle); n > 0 {
		sp := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return sp
	}
	return sitter.NewParser()
}

func (p *Parser) release(sp *sitter.Parser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sp.Close()
		return
	}
	p.idle = append(p.idle, sp)
}

// Parse parses source text for the named language.
// Returns an error when the language has no grammar or parsing fails;
// the caller degrades to token-window chunking in both cases.
// Parse is safe for concurrent use.
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	grammar, ok := p.registry.Grammar(language)
	if !ok {
		return nil, fmt.Errorf("no grammar for language %q", language)
	}

	sp := p.acquire()
	defer p.release(sp)
	sp.SetLanguage(grammar)

	tsTree, err := sp.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("parse failed: nil tree")
	}

	return &Tree{
		Root:     convertNode(tsTree.RootNode()),
		Source:   source,
		Language: language,
	}, nil
}

// Close releases idle parser resources. Parsers still checked out are
// released when their Parse call returns.
func (p *Parser) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, sp := range p.idle {
		sp.Close()
	}
	p.idle = nil
}

// convertNode copies the tree-sitter tree into our Node structure so the
// rest of the package never touches cgo-backed memory.
func convertNode(tsNode *sitter.Node) *Node {
	if tsNode == nil {
		return nil
	}

	node := &Node{
		Type:      tsNode.Type(),
		StartByte: tsNode.StartByte(),
		EndByte:   tsNode.EndByte(),
		StartRow:  tsNode.StartPoint().Row,
		EndRow:    tsNode.EndPoint().Row,
		HasError:  tsNode.HasError(),
		Children:  make([]*Node, 0, int(tsNode.ChildCount())),
	}

	for i := 0; i < int(tsNode.ChildCount()); i++ {
		if child := tsNode.Child(i); child != nil {
			node.Children = append(node.Children, convertNode(child))
		}
	}

	return node
}

// Content returns the source slice covered by the node.
func (n *Node) Content(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// FindChildByType returns the first direct child of the given type.
func (n *Node) FindChildByType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// Walk traverses depth-first, descending only while fn returns true.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
