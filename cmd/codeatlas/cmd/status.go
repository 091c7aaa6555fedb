package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeatlas/codeatlas/internal/output"
)

// statusJSON is the machine-readable status summary.
type statusJSON struct {
	Root         string `json:"root"`
	DataDir      string `json:"data_dir"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	IndexBackend string `json:"index_backend"`
	Files        int64  `json:"files"`
	Chunks       int64  `json:"chunks"`
	IndexEntries int    `json:"index_entries"`
	CachedVecs   int64  `json:"cached_vectors"`
	LastSync     string `json:"last_sync,omitempty"`
}

func newStatusCmd(rootDir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index status for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			app, err := openApp(ctx, *rootDir)
			if err != nil {
				return err
			}
			defer app.Close()

			files, err := app.state.FileCount(ctx)
			if err != nil {
				return err
			}
			chunks, err := app.state.ChunkCount(ctx)
			if err != nil {
				return err
			}
			entries, err := app.index.Count(ctx)
			if err != nil {
				return err
			}
			cached, err := app.cache.Count(ctx)
			if err != nil {
				return err
			}
			lastSync, err := app.state.LastSync(ctx)
			if err != nil {
				return err
			}

			st := statusJSON{
				Root:         app.root,
				DataDir:      app.dataDir,
				Provider:     app.cfg.Embeddings.Provider,
				Model:        app.embedder.ModelName(),
				IndexBackend: app.cfg.Index.Backend,
				Files:        files,
				Chunks:       chunks,
				IndexEntries: entries,
				CachedVecs:   cached,
			}
			if !lastSync.IsZero() {
				st.LastSync = lastSync.Format(time.RFC3339)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			printStatus(output.New(cmd.OutOrStdout()), st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	return cmd
}

func printStatus(out *output.Writer, st statusJSON) {
	out.Statusf("📦", "codeatlas status for %s", st.Root)
	out.Newline()
	out.KV("data dir", st.DataDir)
	out.KV("embeddings", st.Provider+" / "+st.Model)
	out.KV("index backend", st.IndexBackend)
	out.KV("files", st.Files)
	out.KV("chunks", st.Chunks)
	out.KV("index entries", st.IndexEntries)
	out.KV("cached vectors", st.CachedVecs)
	if st.LastSync == "" {
		out.KV("last sync", "never (run 'codeatlas sync')")
	} else {
		out.KV("last sync", st.LastSync)
	}
}
