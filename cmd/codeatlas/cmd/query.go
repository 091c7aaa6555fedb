package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codeatlas/codeatlas/internal/output"
	"github.com/codeatlas/codeatlas/internal/retrieval"
)

// queryOptions holds CLI flags for query.
type queryOptions struct {
	limit      int
	language   string
	pathPrefix string
	format     string // "text", "json"
}

func newQueryCmd(rootDir *string) *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the indexed codebase",
		Long: `Search the indexed codebase by semantic similarity.

The query text is embedded and matched against indexed chunks.

Examples:
  codeatlas query "where are uploads validated"
  codeatlas query "retry with backoff" --language go --limit 5
  codeatlas query "config parsing" --path internal/ --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *rootDir)
			if err != nil {
				return err
			}
			defer app.Close()

			text := strings.Join(args, " ")
			resp, err := app.newRetrieval().Query(cmd.Context(), text, opts.limit, retrieval.Filters{
				Language:   opts.language,
				PathPrefix: opts.pathPrefix,
			})
			if err != nil {
				return err
			}

			if opts.format == "json" {
				return printQueryJSON(cmd, resp)
			}
			printQueryText(output.New(cmd.OutOrStdout()), text, resp)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language (e.g., go, python)")
	cmd.Flags().StringVarP(&opts.pathPrefix, "path", "p", "", "Filter by path prefix")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func printQueryText(out *output.Writer, query string, resp *retrieval.Response) {
	if len(resp.Results) == 0 {
		out.Statusf("", "No results found for %q", query)
		return
	}

	out.Statusf("🔍", "Found %d results for %q:", len(resp.Results), query)
	out.Newline()

	for i, r := range resp.Results {
		location := r.Path
		if r.StartLine > 0 {
			location = fmt.Sprintf("%s:%d-%d", r.Path, r.StartLine, r.EndLine)
		}

		switch {
		case r.Expanded:
			out.Statusf("", "%d. %s [related to %s]", i+1, location, r.Via)
		default:
			out.Statusf("", "%d. %s (score: %.3f)", i+1, location, r.Score)
		}
		if r.SymbolPath != "" {
			out.Statusf("", "   %s %s", r.Kind, r.SymbolPath)
		}
	}

	if resp.Degraded {
		out.Newline()
		out.Warnf("graph expansion unavailable, showing direct matches only")
	}
}

func printQueryJSON(cmd *cobra.Command, resp *retrieval.Response) error {
	type jsonResult struct {
		ID         string  `json:"id"`
		Path       string  `json:"path"`
		StartLine  int     `json:"start_line"`
		EndLine    int     `json:"end_line"`
		Score      float32 `json:"score"`
		Language   string  `json:"language,omitempty"`
		Kind       string  `json:"kind,omitempty"`
		SymbolPath string  `json:"symbol_path,omitempty"`
		Expanded   bool    `json:"expanded,omitempty"`
		Via        string  `json:"via,omitempty"`
	}

	results := make([]jsonResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, jsonResult{
			ID:         r.ID,
			Path:       r.Path,
			StartLine:  r.StartLine,
			EndLine:    r.EndLine,
			Score:      r.Score,
			Language:   r.Language,
			Kind:       r.Kind,
			SymbolPath: r.SymbolPath,
			Expanded:   r.Expanded,
			Via:        r.Via,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Results  []jsonResult `json:"results"`
		Degraded bool         `json:"degraded,omitempty"`
	}{results, resp.Degraded})
}
