package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// NewScenarioCommand creates the scenario command and its subcommands.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Build and manage stored scenarios",
	}

	cmd.AddCommand(newScenarioBuildCommand(rootOpts))
	cmd.AddCommand(newScenarioImportCommand(rootOpts))
	cmd.AddCommand(newScenarioShowCommand(rootOpts))
	cmd.AddCommand(newScenarioListCommand(rootOpts))
	cmd.AddCommand(newScenarioDeleteCommand(rootOpts))

	return cmd
}

// BuildOptions holds flags for scenario build.
type BuildOptions struct {
	AIDs         []string
	Pattern      string
	StatusWords  []string
	Commands     []string
	Multiple     bool
	Release      bool
	Detection    string
	Notification string
	Save         string
}

func newScenarioBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an APDU scenario from flags and print or store it",
		Long: `Build a scenario with one selection case per --aid, in the order given.
Without --aid a single case filters on --pattern only. The --pattern, --sw and
--command flags apply to every case.`,
		Example: `  card-selector scenario build --aid 315449432E494341 --save calypso
  card-selector scenario build --pattern '^3B8F8001804F0CA0000003060300' --notification MATCHED_ONLY`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioBuild(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.AIDs, "aid", nil, "application identifier in hex (repeatable, one case each)")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "regular expression the uppercase hex ATR must match")
	cmd.Flags().StringSliceVar(&opts.StatusWords, "sw", nil, "accepted SELECT status words in hex (default 9000)")
	cmd.Flags().StringArrayVar(&opts.Commands, "command", nil, "APDU in hex sent after a successful selection (repeatable)")
	cmd.Flags().BoolVar(&opts.Multiple, "multiple", false, "process every case instead of stopping at the first match")
	cmd.Flags().BoolVar(&opts.Release, "release", false, "close the logical channel after processing")
	cmd.Flags().StringVar(&opts.Detection, "detection", selection.DetectionRepeating.String(), "detection mode stored with the scenario (REPEATING|SINGLESHOT)")
	cmd.Flags().StringVar(&opts.Notification, "notification", selection.NotificationAlways.String(), "notification mode stored with the scenario (ALWAYS|MATCHED_ONLY)")
	cmd.Flags().StringVar(&opts.Save, "save", "", "store the scenario under this name instead of printing it")

	return cmd
}

func runScenarioBuild(cmd *cobra.Command, rootOpts *RootOptions, opts *BuildOptions) error {
	text, err := buildScenario(opts)
	if err != nil {
		return err
	}

	if opts.Save == "" {
		printf(cmd.OutOrStdout(), "%s\n", text)
		return nil
	}

	store, err := rootOpts.store()
	if err != nil {
		return err
	}
	info, err := store.Save(opts.Save, text)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), rootOpts.Format, info, func(w io.Writer) {
		printf(w, "Saved scenario %q (%d cases) to %s\n", info.Name, info.Cases, store.Dir())
	})
}

// buildScenario turns build flags into exported scenario text.
func buildScenario(opts *BuildOptions) (string, error) {
	detection, err := selection.ParseDetectionMode(opts.Detection)
	if err != nil {
		return "", err
	}
	notification, err := selection.ParseNotificationMode(opts.Notification)
	if err != nil {
		return "", err
	}

	var common []core.ApduOption
	if opts.Pattern != "" {
		common = append(common, core.WithPowerOnDataPattern(opts.Pattern))
	}
	if len(opts.StatusWords) > 0 {
		sws, err := parseStatusWords(opts.StatusWords)
		if err != nil {
			return "", err
		}
		common = append(common, core.WithSuccessfulStatusWords(sws...))
	}
	for i, c := range opts.Commands {
		apdu, err := parseHex("command", c)
		if err != nil {
			return "", err
		}
		common = append(common, core.WithCommand(apdu, fmt.Sprintf("command %d", i)))
	}

	m := selection.NewManager()
	if opts.Multiple {
		if err := m.SetMultipleSelectionMode(); err != nil {
			return "", err
		}
	}
	if opts.Release {
		if err := m.PrepareReleaseChannel(); err != nil {
			return "", err
		}
	}

	if len(opts.AIDs) == 0 {
		if opts.Pattern == "" {
			return "", fmt.Errorf("%w: at least one --aid or a --pattern is required", selection.ErrInvalidArgument)
		}
		opts.AIDs = []string{""}
	}
	for _, a := range opts.AIDs {
		caseOpts := append([]core.ApduOption(nil), common...)
		if a != "" {
			aid, err := parseHex("aid", a)
			if err != nil {
				return "", err
			}
			caseOpts = append(caseOpts, core.WithAID(aid))
		}
		cs, err := core.NewApduSelection(caseOpts...)
		if err != nil {
			return "", err
		}
		if _, err := m.PrepareSelection(cs); err != nil {
			return "", err
		}
	}

	return m.ExportCardSelectionScenario(detection, notification)
}

func parseHex(what, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not hex", selection.ErrInvalidArgument, what, s)
	}
	return b, nil
}

func parseStatusWords(values []string) ([]uint16, error) {
	sws := make([]uint16, len(values))
	for i, v := range values {
		n, err := strconv.ParseUint(v, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: status word %q", selection.ErrInvalidArgument, v)
		}
		sws[i] = uint16(n)
	}
	return sws, nil
}

func newScenarioImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <name> <file>",
		Short: "Validate and store an exported scenario ('-' reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readScenarioFile(cmd, args[1])
			if err != nil {
				return err
			}
			store, err := rootOpts.store()
			if err != nil {
				return err
			}
			info, err := store.Save(args[0], text)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, info, func(w io.Writer) {
				printf(w, "Imported scenario %q (%d cases)\n", info.Name, info.Cases)
			})
		},
	}
}

func newScenarioShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a stored scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rootOpts.store()
			if err != nil {
				return err
			}
			text, err := store.Load(args[0])
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", text)
			return nil
		},
	}
}

func newScenarioListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rootOpts.store()
			if err != nil {
				return err
			}
			list, err := store.List()
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), rootOpts.Format, list, func(w io.Writer) {
				if len(list) == 0 {
					printf(w, "No scenarios in %s\n", store.Dir())
					return
				}
				for _, info := range list {
					printf(w, "%-24s %2d cases  %s/%s\n", info.Name, info.Cases, info.DetectionMode, info.NotificationMode)
				}
			})
		},
	}
}

func newScenarioDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stored scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rootOpts.store()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Deleted scenario %q\n", args[0])
			return nil
		},
	}
}
