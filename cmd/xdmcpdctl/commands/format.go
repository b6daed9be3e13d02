// Package commands implements the xdmcpdctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/tessel-systems/xdmcpd/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatDisplays renders a slice of displays in the requested format.
func formatDisplays(displays []server.DisplayResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(displays)
	case formatTable:
		return formatDisplaysTable(displays)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatDisplay renders a single display in the requested format.
func formatDisplay(d server.DisplayResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(d)
	case formatTable:
		return formatDisplayDetail(d)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a single display event in the requested format.
func formatEvent(e server.EventResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(e)
	case formatTable:
		return formatEventLine(e), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatDisplaysTable(displays []server.DisplayResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION-ID\tHOSTNAME\tDISPLAY\tREMOTE\tSTATUS\tACCEPTED")

	for _, d := range displays {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
			d.SessionID,
			d.Hostname,
			d.DisplayNumber,
			d.RemoteAddr,
			d.Status,
			d.AcceptTime,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatDisplayDetail(d server.DisplayResponse) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Session ID:\t%d\n", d.SessionID)
	fmt.Fprintf(w, "Hostname:\t%s\n", d.Hostname)
	fmt.Fprintf(w, "Display Number:\t%d\n", d.DisplayNumber)
	fmt.Fprintf(w, "Remote Address:\t%s\n", d.RemoteAddr)
	fmt.Fprintf(w, "Status:\t%s\n", d.Status)
	fmt.Fprintf(w, "Accepted:\t%s\n", d.AcceptTime)
	if d.IndirectID != 0 {
		fmt.Fprintf(w, "Indirect ID:\t%d\n", d.IndirectID)
	}
	fmt.Fprintf(w, "Use Chooser:\t%t\n", d.UseChooser)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}

func formatEventLine(e server.EventResponse) string {
	return fmt.Sprintf("[%s] %s  session=%d  host=%s  display=%d",
		e.At,
		e.Event,
		e.Display.SessionID,
		e.Display.Hostname,
		e.Display.DisplayNumber,
	)
}

// --- JSON formatter ---

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
