package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "github.com/codeatlas/codeatlas/internal/errors"
	"github.com/codeatlas/codeatlas/internal/ignore"
	"github.com/codeatlas/codeatlas/internal/output"
	"github.com/codeatlas/codeatlas/internal/watcher"
)

func newWatchCmd(rootDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index in sync with the working tree",
		Long: `Run an initial sync, then watch the project tree and re-sync
whenever files change. Edits within the debounce window coalesce
into one pass.

Stops on Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, *rootDir)
		},
	}

	return cmd
}

func runWatch(cmd *cobra.Command, rootDir string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApp(ctx, rootDir)
	if err != nil {
		return err
	}
	defer app.Close()

	s, err := app.newSyncer()
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())

	report, err := s.Sync(ctx)
	if err != nil {
		return err
	}
	printSyncReport(out, report)

	matcher, err := ignore.ForProject(app.root, app.cfg.Paths.Exclude)
	if err != nil {
		return err
	}
	w, err := watcher.New(app.root, matcher, app.cfg.Sync.WatchDebounce)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	out.Statusf("👀", "Watching %s for changes...", app.root)

	for {
		select {
		case <-ctx.Done():
			out.Newline()
			out.Statusf("", "stopping")
			return nil

		case batch, ok := <-w.Triggers():
			if !ok {
				return nil
			}
			slog.Debug("change batch received", slog.Int("paths", len(batch)))

			report, err := s.Sync(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				// Another process holds the lock; its pass covers this batch.
				if apperrors.CodeOf(err) == apperrors.ErrCodeSyncLocked {
					slog.Warn("sync skipped, repository locked")
					continue
				}
				return err
			}
			printSyncReport(out, report)

		case err, ok := <-w.Errors():
			if ok && err != nil {
				slog.Warn("watcher error", slog.String("error", err.Error()))
			}
		}
	}
}
