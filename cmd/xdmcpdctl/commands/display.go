package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errHostRequired is returned when the --host flag is missing on "chosen".
var errHostRequired = errors.New("--host flag is required")

func displayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Inspect XDMCP displays",
	}

	cmd.AddCommand(displayListCmd())
	cmd.AddCommand(displayShowCmd())

	return cmd
}

// --- display list ---

func displayListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all pending and managed displays",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			displays, err := client.listDisplays(context.Background())
			if err != nil {
				return fmt.Errorf("list displays: %w", err)
			}

			out, err := formatDisplays(displays, outputFormat)
			if err != nil {
				return fmt.Errorf("format displays: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// --- display show ---

func displayShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id-or-host:display>",
		Short: "Show details of a single display",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			d, err := client.getDisplay(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get display: %w", err)
			}

			out, err := formatDisplay(*d, outputFormat)
			if err != nil {
				return fmt.Errorf("format display: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
