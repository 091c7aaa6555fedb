// Package retrieval answers queries against the vector index, optionally
// widening results one hop through the symbol graph so a hit's callers
// and callees come back with it.
package retrieval

import (
	"context"
	"strconv"
	"strings"

	"github.com/codeatlas/codeatlas/internal/cache"
	"github.com/codeatlas/codeatlas/internal/chunk"
	"github.com/codeatlas/codeatlas/internal/config"
	"github.com/codeatlas/codeatlas/internal/embed"
	apperrors "github.com/codeatlas/codeatlas/internal/errors"
	"github.com/codeatlas/codeatlas/internal/symgraph"
	"github.com/codeatlas/codeatlas/internal/vecindex"
)

// overFetchFactor widens the index search when post-filters may discard
// hits.
const overFetchFactor = 4

// Filters restricts results by payload fields. Zero values match all.
type Filters struct {
	// Language keeps only chunks of this language.
	Language string

	// PathPrefix keeps only chunks whose file path starts with it.
	PathPrefix string
}

func (f Filters) empty() bool {
	return f.Language == "" && f.PathPrefix == ""
}

func (f Filters) match(payload map[string]string) bool {
	if f.Language != "" && payload[vecindex.PayloadLanguage] != f.Language {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(payload[vecindex.PayloadPath], f.PathPrefix) {
		return false
	}
	return true
}

// Result is one retrieved chunk.
type Result struct {
	ID         string
	Score      float32
	Path       string
	Language   string
	Kind       string
	SymbolPath string
	StartLine  int
	EndLine    int

	// Expanded marks results added by graph expansion rather than
	// vector similarity; Via is the direct hit that pulled them in.
	Expanded bool
	Via      string
}

// Response is a full query answer.
type Response struct {
	Results []Result

	// Degraded is set when graph expansion failed but the direct search
	// succeeded; Results then holds direct hits only.
	Degraded bool
}

// Service runs queries. Safe for concurrent use.
type Service struct {
	cache    *cache.Cache
	embedder embed.Embedder
	index    vecindex.Index
	graph    *symgraph.Graph
	cfg      config.RetrievalConfig
}

// New creates the retrieval service. The graph may be nil when expansion
// is disabled.
func New(c *cache.Cache, embedder embed.Embedder, index vecindex.Index, graph *symgraph.Graph, cfg config.RetrievalConfig) *Service {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &Service{cache: c, embedder: embedder, index: index, graph: graph, cfg: cfg}
}

// Query embeds the text and returns the top-k chunks, expanded one hop
// through the symbol graph when enabled. k is clamped to the configured
// maximum; zero means the maximum.
func (s *Service) Query(ctx context.Context, text string, k int, filters Filters) (*Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Response{Results: []Result{}}, nil
	}
	if k <= 0 || k > s.cfg.MaxResults {
		k = s.cfg.MaxResults
	}

	// Query embeddings go through the same content-addressed cache as
	// chunks; repeated queries skip the backend entirely.
	vector, err := s.cache.GetOrCompute(ctx, chunk.HashContent(text), func(ctx context.Context) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}

	fetch := k
	if !filters.empty() {
		fetch = k * overFetchFactor
	}
	hits, err := s.index.Search(ctx, vector, fetch)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeIndexSearch, err)
	}

	resp := &Response{Results: make([]Result, 0, k)}
	seen := make(map[string]bool)
	for _, h := range hits {
		if len(resp.Results) == k {
			break
		}
		if !filters.match(h.Payload) {
			continue
		}
		seen[h.ID] = true
		resp.Results = append(resp.Results, fromHit(h, false, ""))
	}

	if s.cfg.ExpandGraph && s.cfg.MaxExpanded > 0 && s.graph != nil {
		s.expand(ctx, resp, seen, filters)
	}
	return resp, nil
}

// expand appends one-hop graph neighbors of the direct hits, best hit
// first, capped at MaxExpanded. Expansion failure degrades the response
// instead of failing it.
func (s *Service) expand(ctx context.Context, resp *Response, seen map[string]bool, filters Filters) {
	budget := s.cfg.MaxExpanded

	var wanted []string
	via := make(map[string]string)
	for _, r := range resp.Results {
		if r.Expanded {
			continue
		}
		for _, id := range s.graph.Neighbors(r.ID, budget) {
			if seen[id] || via[id] != "" {
				continue
			}
			via[id] = r.ID
			wanted = append(wanted, id)
			if len(wanted) == budget {
				break
			}
		}
		if len(wanted) == budget {
			break
		}
	}
	if len(wanted) == 0 {
		return
	}

	neighbors, err := s.index.Get(ctx, wanted)
	if err != nil {
		resp.Degraded = true
		return
	}
	for _, h := range neighbors {
		if !filters.match(h.Payload) {
			continue
		}
		seen[h.ID] = true
		resp.Results = append(resp.Results, fromHit(h, true, via[h.ID]))
	}
}

func fromHit(h vecindex.Hit, expanded bool, via string) Result {
	startLine, _ := strconv.Atoi(h.Payload[vecindex.PayloadStartLine])
	endLine, _ := strconv.Atoi(h.Payload[vecindex.PayloadEndLine])
	return Result{
		ID:         h.ID,
		Score:      h.Score,
		Path:       h.Payload[vecindex.PayloadPath],
		Language:   h.Payload[vecindex.PayloadLanguage],
		Kind:       h.Payload[vecindex.PayloadKind],
		SymbolPath: h.Payload[vecindex.PayloadSymbolPath],
		StartLine:  startLine,
		EndLine:    endLine,
		Expanded:   expanded,
		Via:        via,
	}
}
