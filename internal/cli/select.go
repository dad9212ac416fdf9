package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimplyPrint/card-selector/internal/core"
	"github.com/SimplyPrint/card-selector/internal/selection"
)

// SelectOptions holds flags for the select command.
type SelectOptions struct {
	File    string
	Timeout time.Duration
}

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelectOptions{}

	cmd := &cobra.Command{
		Use:   "select <reader-index> [scenario]",
		Short: "Run a scenario once on the card present on a reader",
		Long: `Run a stored scenario, or one read from --file, against the card currently
presented to the reader at the given index, and print the selection result.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd, rootOpts, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the scenario from a file instead of the store ('-' for stdin)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up after this long")

	return cmd
}

func runSelect(cmd *cobra.Command, rootOpts *RootOptions, opts *SelectOptions, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid reader index %q", args[0])
	}

	var m *selection.Manager
	switch {
	case opts.File != "":
		text, err := readScenarioFile(cmd, opts.File)
		if err != nil {
			return err
		}
		m = selection.NewManager()
		if _, err := m.ImportCardSelectionScenario(text); err != nil {
			return err
		}
	case len(args) == 2:
		store, err := rootOpts.store()
		if err != nil {
			return err
		}
		if m, err = store.Manager(args[1]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("a scenario name or --file is required")
	}

	readers := core.ListReaders(rootOpts.factory())
	if index < 0 || index >= len(readers) {
		return fmt.Errorf("reader index %d out of range (%d readers)", index, len(readers))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	reader := core.NewPCSCReader(readers[index].Name, rootOpts.factory())
	defer reader.Close()

	result, err := m.ProcessCardSelectionScenario(ctx, reader)
	if err != nil {
		return err
	}

	return output(cmd.OutOrStdout(), rootOpts.Format, result, func(w io.Writer) {
		printResult(w, result)
	})
}

func printResult(w io.Writer, result *selection.CardSelectionResult) {
	for _, i := range result.AttemptedIndexes() {
		o, _ := result.Outcome(i)
		status := "no match"
		if o.Matched {
			status = "matched"
		}
		printf(w, "case %d: %s\n", i, status)
		if card, ok := o.SmartCard.(*core.ApduSmartCard); ok {
			printf(w, "  ATR: %s (%s)\n", card.ATR, card.ATRInfo.Family)
			if card.FCI != nil {
				printf(w, "  DF name: %s\n", card.FCI.DFName)
			}
			for j, rsp := range card.CommandResponses {
				printf(w, "  command %d: %s\n", j, rsp)
			}
		}
	}

	if idx, ok := result.ActiveSelectionIndex(); ok {
		printf(w, "active selection: %d\n", idx)
	} else {
		printf(w, "no selection case matched\n")
	}
	if result.ChannelReleased() {
		printf(w, "channel released\n")
	}
	if err := result.ChannelReleaseError(); err != nil {
		printf(w, "channel release failed: %v\n", err)
	}
}

func readScenarioFile(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read scenario from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read scenario: %w", err)
	}
	return string(data), nil
}
