package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codeatlas/codeatlas/configs"
	"github.com/codeatlas/codeatlas/internal/config"
	"github.com/codeatlas/codeatlas/internal/output"
)

func newInitCmd(rootDir *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a commented ` + config.ConfigFileName + ` template to the project root.

The file documents every setting with its default; codeatlas works
without it, so only keep the keys you change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := filepath.Abs(*rootDir)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			path := filepath.Join(root, config.ConfigFileName)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			if err := os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0o644); err != nil {
				return err
			}

			out.Successf("Wrote %s", path)
			out.Statusf("", "edit it, then run 'codeatlas sync'")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}
