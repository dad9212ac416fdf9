package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/service"
)

// NewServiceCommand creates the service command for login autostart.
func NewServiceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or remove the agent as a per-user background service",
	}

	var schedule string
	install := &cobra.Command{
		Use:   "install",
		Short: "Run 'card-selector serve' at login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := rootOpts.service().Install(service.Options{
				ConfigPath: rootOpts.ConfigPath,
				Schedule:   schedule,
			})
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Service installed\n")
			return nil
		},
	}
	install.Flags().StringVar(&schedule, "schedule", "", "stored scenario the service schedules on every reader")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the background service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.service().Uninstall(); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Service uninstalled\n")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the background service is installed and running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := rootOpts.service()
			s, err := svc.Status()
			if err != nil {
				return err
			}
			data := map[string]interface{}{"installed": svc.IsInstalled(), "status": s}
			return output(cmd.OutOrStdout(), rootOpts.Format, data, func(w io.Writer) {
				printf(w, "%s\n", s)
			})
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
