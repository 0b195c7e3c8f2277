package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
)

// Output format flag shared by the data-producing subcommands.
const (
	flagFormat      = "format"
	flagFormatShort = "f"
	formatTable     = "table"
	formatJSON      = "json"
	formatUsage     = "output format: table or json"
)

// ErrBadFormat is returned for an unrecognized --format value.
var ErrBadFormat = errors.New("unknown output format (want table or json)")

// checkFormat validates a --format value.
func checkFormat(format string) error {
	switch format {
	case formatTable, formatJSON:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBadFormat, format)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// newTable builds a table writer in the house style: light style with
// separators and borders off, so output stays grep-friendly.
func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateHeader = false

	return tbl
}

// statusText colors a catalog status for terminal output.
func statusText(status string) string {
	switch status {
	case catalog.StatusCompleted:
		return color.New(color.FgGreen).Sprint(status)
	case catalog.StatusBuilding:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return color.New(color.FgRed).Sprint(status)
	}
}

// pathLine renders one call path as a single arrow-separated line.
func pathLine(path []graphstore.FunctionKey) string {
	parts := make([]string, len(path))
	for i, hop := range path {
		parts[i] = hop.Name
	}

	return strings.Join(parts, " -> ")
}

// functionLabel renders "name (file)" with the file part dropped for
// externals, which have no path.
func functionLabel(key graphstore.FunctionKey) string {
	if key.FilePath == "" {
		return key.Name
	}

	return fmt.Sprintf("%s (%s)", key.Name, key.FilePath)
}
