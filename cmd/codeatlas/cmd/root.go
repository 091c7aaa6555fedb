// Package cmd provides the CLI commands for codeatlas.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/codeatlas/codeatlas/pkg/version"
)

// NewRootCmd creates the root command for the codeatlas CLI.
func NewRootCmd() *cobra.Command {
	var rootDir string

	cmd := &cobra.Command{
		Use:   "codeatlas",
		Short: "Semantic code index sidecar",
		Long: `codeatlas maintains a local semantic index of a codebase.

It chunks source files along syntactic boundaries, embeds the chunks,
and serves similarity queries optionally widened through a symbol
graph. State lives under .codeatlas/ in the project root; repeated
syncs are incremental.

Run 'codeatlas sync' once, then 'codeatlas query' or 'codeatlas watch'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("codeatlas version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&rootDir, "root", "C", ".", "Project root directory")

	cmd.AddCommand(newInitCmd(&rootDir))
	cmd.AddCommand(newSyncCmd(&rootDir))
	cmd.AddCommand(newQueryCmd(&rootDir))
	cmd.AddCommand(newWatchCmd(&rootDir))
	cmd.AddCommand(newStatusCmd(&rootDir))
	cmd.AddCommand(newDoctorCmd(&rootDir))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
