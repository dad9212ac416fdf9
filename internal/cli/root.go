// Package cli implements the card-selector command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/config"
	"github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/scenariostore"
	"github.com/SimplyPrint/card-selector/internal/service"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	// Factory opens PC/SC contexts. Nil uses the system PC/SC service.
	Factory core.ContextFactory
	// Service registers the agent at login. Nil uses the platform service manager.
	Service service.Service
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command with real PC/SC access.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{})
}

// NewRootCommandWith creates the root command around opts, so callers can inject a
// context factory.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card-selector",
		Short: "Card selector - smart card application selection agent",
		Long: `Selects applications on contactless and contact smart cards through PC/SC readers.

Scenarios of selection cases are built once, stored by name, then run on demand
or scheduled on readers so every presented card is selected automatically.`,
		SilenceUsage:  true,
		SilenceErrors: true, // main prints the error
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file (default $"+config.EnvConfig+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReadersCommand(opts))
	cmd.AddCommand(NewSelectCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewServiceCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) config() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

func (o *RootOptions) factory() core.ContextFactory {
	if o.Factory == nil {
		return core.DefaultContextFactory{}
	}
	return o.Factory
}

func (o *RootOptions) service() service.Service {
	if o.Service == nil {
		return service.New()
	}
	return o.Service
}

func (o *RootOptions) store() (*scenariostore.Store, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return scenariostore.New(cfg.ScenarioDir), nil
}
