package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/core"
)

// NewReadersCommand creates the readers command.
func NewReadersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List attached PC/SC readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			readers := core.ListReaders(rootOpts.factory())
			return output(cmd.OutOrStdout(), rootOpts.Format, readers, func(w io.Writer) {
				if len(readers) == 0 {
					printf(w, "No readers found\n")
					return
				}
				for _, r := range readers {
					kind := "contact"
					if r.Contactless {
						kind = "contactless"
					}
					printf(w, "%d  %s (%s)\n", r.Index, r.Name, kind)
				}
			})
		},
	}
}
