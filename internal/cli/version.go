package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/api"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]interface{}{
				"version":   api.Version,
				"buildTime": api.BuildTime,
				"gitCommit": api.GitCommit,
				"kinds":     selection.Kinds(),
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, info, func(w io.Writer) {
				printf(w, "card-selector %s\n", api.Version)
				printf(w, "Build time: %s\n", api.BuildTime)
				printf(w, "Git commit: %s\n", api.GitCommit)
			})
		},
	}
}
