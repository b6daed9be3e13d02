package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tessel-systems/xdmcpd/internal/server"
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream display lifecycle events",
		Long:  "Connects to the xdmcpd daemon and streams display events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			resp, err := client.events(ctx)
			if err != nil {
				return fmt.Errorf("watch display events: %w", err)
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				data, ok := strings.CutPrefix(line, "data: ")
				if !ok {
					continue
				}

				var evt server.EventResponse
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}

				out, fmtErr := formatEvent(evt, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Println(out)
			}

			if err := scanner.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}

	return cmd
}
