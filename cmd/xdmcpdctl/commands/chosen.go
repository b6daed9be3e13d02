package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tessel-systems/xdmcpd/internal/server"
)

// chosenCmd implements the CLI transport for the chooser's
// `CHOSEN <indirect-id> <host-node>` command.
func chosenCmd() *cobra.Command {
	var (
		indirectID uint32
		host       string
	)

	cmd := &cobra.Command{
		Use:   "chosen",
		Short: "Deliver a chooser's host selection for an INDIRECT_QUERY",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if host == "" {
				return errHostRequired
			}

			if err := client.postChosen(context.Background(), server.ChosenRequest{
				IndirectID: indirectID,
				Host:       host,
			}); err != nil {
				return fmt.Errorf("deliver chosen host: %w", err)
			}

			fmt.Printf("Delivered host %s for indirect query %d.\n", host, indirectID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&indirectID, "id", 0, "indirect query id")
	flags.StringVar(&host, "host", "", "chosen host address or name (required)")

	return cmd
}
