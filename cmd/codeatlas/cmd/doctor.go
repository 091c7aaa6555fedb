package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codeatlas/codeatlas/internal/output"
)

func newDoctorCmd(rootDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that indexing can work here",
		Long: `Check configuration, data directory, embedding backend, and
vector index connectivity for the project, and report what is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			app, err := openApp(ctx, *rootDir)
			if err != nil {
				out.Errorf("setup failed: %v", err)
				return err
			}
			defer app.Close()

			out.Successf("config loaded (%s backend, %s embeddings)",
				app.cfg.Index.Backend, app.cfg.Embeddings.Provider)
			out.Successf("data directory writable: %s", app.dataDir)

			failed := false

			if app.embedder.Available(ctx) {
				out.Successf("embedding backend reachable (model %s, %d dims)",
					app.embedder.ModelName(), app.embedder.Dimensions())
			} else {
				failed = true
				out.Errorf("embedding backend unavailable (%s)", app.cfg.Embeddings.Endpoint)
				out.Statusf("", "start it, or set embeddings.provider: static for offline use")
			}

			if n, err := app.index.Count(ctx); err != nil {
				failed = true
				out.Errorf("vector index unreachable: %v", err)
			} else {
				out.Successf("vector index reachable (%d entries)", n)
			}

			if failed {
				return fmt.Errorf("some checks failed")
			}
			out.Newline()
			out.Statusf("", "all checks passed")
			return nil
		},
	}

	return cmd
}
