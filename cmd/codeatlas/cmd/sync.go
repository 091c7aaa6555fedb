package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeatlas/codeatlas/internal/output"
	"github.com/codeatlas/codeatlas/internal/syncer"
)

// syncReportJSON is the machine-readable sync summary.
type syncReportJSON struct {
	Scanned   int      `json:"scanned"`
	Added     int      `json:"added"`
	Modified  int      `json:"modified"`
	Removed   int      `json:"removed"`
	Unchanged int      `json:"unchanged"`
	Chunks    int      `json:"chunks"`
	Reindexed bool     `json:"reindexed"`
	Failed    []string `json:"failed,omitempty"`
	Duration  string   `json:"duration"`
}

func newSyncCmd(rootDir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Index the project incrementally",
		Long: `Scan the project tree, diff it against the last committed state,
and index added, modified, and removed files.

The first run indexes everything; later runs only touch what changed.
A model or pipeline change forces a full rebuild automatically.

Examples:
  codeatlas sync
  codeatlas sync --root ~/src/myproject
  codeatlas sync --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context(), *rootDir)
			if err != nil {
				return err
			}
			defer app.Close()

			s, err := app.newSyncer()
			if err != nil {
				return err
			}

			report, err := s.Sync(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printSyncJSON(cmd, report)
			}
			printSyncReport(output.New(cmd.OutOrStdout()), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the sync report as JSON")

	return cmd
}

func printSyncReport(out *output.Writer, report *syncer.Report) {
	if report.Reindexed {
		out.Status("♻️ ", "model or pipeline change detected, rebuilt the index from scratch")
	}

	out.Successf("Sync complete: %d added, %d modified, %d removed, %d unchanged (%d chunks, %s)",
		report.Added, report.Modified, report.Removed, report.Unchanged,
		report.Chunks, report.Duration.Round(time.Millisecond))

	for _, f := range report.Failures {
		out.Warnf("failed: %s: %v", f.Path, f.Err)
	}
}

func printSyncJSON(cmd *cobra.Command, report *syncer.Report) error {
	j := syncReportJSON{
		Scanned:   report.Scanned,
		Added:     report.Added,
		Modified:  report.Modified,
		Removed:   report.Removed,
		Unchanged: report.Unchanged,
		Chunks:    report.Chunks,
		Reindexed: report.Reindexed,
		Duration:  report.Duration.Round(time.Millisecond).String(),
	}
	for _, f := range report.Failures {
		j.Failed = append(j.Failed, f.Path)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(j)
}
