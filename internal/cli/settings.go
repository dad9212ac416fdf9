package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/settings"
)

// NewSettingsCommand creates the settings command for persisted user preferences.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted preferences",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings.Get()
			return output(cmd.OutOrStdout(), rootOpts.Format, s, func(w io.Writer) {
				printf(w, "crash reporting:  %t\n", settings.IsCrashReportingEnabled())
				if s.DefaultScenario == "" {
					printf(w, "default scenario: (none)\n")
				} else {
					printf(w, "default scenario: %s\n", s.DefaultScenario)
				}
			})
		},
	}

	var crashReporting bool
	var defaultScenario string
	set := &cobra.Command{
		Use:   "set",
		Short: "Change preferences; only the flags given are updated",
		Example: `  card-selector settings set --crash-reporting=true
  card-selector settings set --default-scenario calypso
  card-selector settings set --default-scenario ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("default-scenario") && defaultScenario != "" {
				// Refuse names that would fail at the next startup
				store, err := rootOpts.store()
				if err != nil {
					return err
				}
				if _, err := store.Load(defaultScenario); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("crash-reporting") {
				if err := settings.SetCrashReporting(crashReporting); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("default-scenario") {
				if err := settings.SetDefaultScenario(defaultScenario); err != nil {
					return err
				}
			}
			printf(cmd.OutOrStdout(), "Settings saved\n")
			return nil
		},
	}
	set.Flags().BoolVar(&crashReporting, "crash-reporting", false, "send crash reports to Sentry")
	set.Flags().StringVar(&defaultScenario, "default-scenario", "", "stored scenario scheduled on every reader by serve (empty disables)")

	cmd.AddCommand(show, set)
	return cmd
}
