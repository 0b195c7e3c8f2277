package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
)

const (
	queryCmdUse   = "query"
	queryCmdShort = "Query one snapshot's call graph"

	flagSnapshot      = "snapshot"
	flagSnapshotShort = "s"
	flagFile          = "file"
	flagFileUsage     = "file path disambiguating the function name"
)

// ErrNoSnapshot is returned when --snapshot is missing.
var ErrNoSnapshot = errors.New("--snapshot is required")

// ErrQuerySnapshotNotReady is returned for query attempts against rows
// that are not completed.
var ErrQuerySnapshotNotReady = errors.New("snapshot is not queryable")

// NewQueryCommand creates the query command group.
func NewQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   queryCmdUse,
		Short: queryCmdShort,
		Long: `Query a completed snapshot: functions, call edges, paths, and
per-fuzzer reachability. All subcommands take --snapshot; only completed
snapshots are queryable (raw is the ungated escape hatch).`,
	}

	cmd.PersistentFlags().StringP(flagSnapshot, flagSnapshotShort, "", "snapshot id to query")

	cmd.AddCommand(newQueryFunctionCommand())
	cmd.AddCommand(newQueryFileCommand())
	cmd.AddCommand(newQuerySearchCommand())
	cmd.AddCommand(newQueryCallersCommand())
	cmd.AddCommand(newQueryCalleesCommand())
	cmd.AddCommand(newQueryPathCommand())
	cmd.AddCommand(newQueryPathsCommand())
	cmd.AddCommand(newQuerySubtreeCommand())
	cmd.AddCommand(newQueryReachableCommand())
	cmd.AddCommand(newQueryUnreachedCommand())
	cmd.AddCommand(newQueryFuzzersCommand())
	cmd.AddCommand(newQueryExternalsCommand())
	cmd.AddCommand(newQueryStatsCommand())
	cmd.AddCommand(newQueryRawCommand())

	return cmd
}

// runQuery opens the environment, gates on a completed snapshot, and
// invokes fn with the resolved id.
func runQuery(cobraCmd *cobra.Command, fn func(ctx context.Context, e *env, id string) error) error {
	return runSnapshotCommand(cobraCmd, true, fn)
}

// runRawQuery is runQuery without the completed gate, for debugging
// failed or in-flight builds.
func runRawQuery(cobraCmd *cobra.Command, fn func(ctx context.Context, e *env, id string) error) error {
	return runSnapshotCommand(cobraCmd, false, fn)
}

func runSnapshotCommand(cobraCmd *cobra.Command, gated bool, fn func(ctx context.Context, e *env, id string) error) error {
	id, _ := cobraCmd.Flags().GetString(flagSnapshot)
	if id == "" {
		return ErrNoSnapshot
	}

	e, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer e.Close(ctx)

	if gated {
		if gateErr := requireCompleted(ctx, e, id); gateErr != nil {
			return gateErr
		}
	}

	return fn(ctx, e, id)
}

// requireCompleted resolves id to a completed catalog row and bumps its
// access time so eviction sees CLI readers.
func requireCompleted(ctx context.Context, e *env, id string) error {
	rec, err := e.cat.Get(ctx, id)
	if err != nil {
		return err
	}

	switch rec.Status {
	case catalog.StatusCompleted:
	case catalog.StatusBuilding:
		return fmt.Errorf("%w: %s is still building", ErrQuerySnapshotNotReady, id)
	default:
		return fmt.Errorf("%w: %s failed: %s", ErrQuerySnapshotNotReady, id, rec.Error)
	}

	if touchErr := e.cat.Touch(ctx, id); touchErr != nil {
		e.log.WarnContext(ctx, "access bump failed",
			slog.String("snapshot", id), slog.String("error", touchErr.Error()))
	}

	return nil
}

// queryFunctionCommand holds the flags for query function.
type queryFunctionCommand struct {
	filePath string
	body     bool
	format   string
}

func newQueryFunctionCommand() *cobra.Command {
	cmd := &queryFunctionCommand{}

	cobraCmd := &cobra.Command{
		Use:   "function <name>",
		Short: "Fetch one function's metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVar(&cmd.filePath, flagFile, "", flagFileUsage)
	cobraCmd.Flags().BoolVar(&cmd.body, "body", false, "include the function source body")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryFunctionCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		fn, err := e.store.GetFunctionMetadata(ctx, id, args[0], c.filePath)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			payload := struct {
				graphstore.FunctionRecord
				Source string `json:"source,omitempty"`
			}{FunctionRecord: *fn}
			if c.body {
				payload.Source = fn.Content
			}

			return printJSON(out, payload)
		}

		printFunctionRecord(out, fn, c.body)

		return nil
	})
}

func printFunctionRecord(out io.Writer, fn *graphstore.FunctionRecord, body bool) {
	fmt.Fprintf(out, "%s  %s:%d-%d\n", fn.Name, fn.FilePath, fn.StartLine, fn.EndLine)

	if fn.Language != "" {
		fmt.Fprintf(out, "  language:   %s\n", fn.Language)
	}

	if fn.ReturnType != "" {
		fmt.Fprintf(out, "  returns:    %s\n", fn.ReturnType)
	}

	if len(fn.Parameters) > 0 {
		fmt.Fprintf(out, "  params:     %v\n", fn.Parameters)
	}

	if fn.Complexity > 0 {
		fmt.Fprintf(out, "  complexity: %d\n", fn.Complexity)
	}

	if fn.Confidence > 0 {
		fmt.Fprintf(out, "  confidence: %.2f\n", fn.Confidence)
	}

	if body && fn.Content != "" {
		fmt.Fprintf(out, "\n%s", fn.Content)
	}
}

// queryFileCommand holds the flags for query file.
type queryFileCommand struct {
	format string
}

func newQueryFileCommand() *cobra.Command {
	cmd := &queryFileCommand{}

	cobraCmd := &cobra.Command{
		Use:   "file <path>",
		Short: "List the functions defined in one source file",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryFileCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		infos, err := e.store.ListFunctionInfoByFile(ctx, id, args[0])
		if err != nil {
			return err
		}

		return renderFunctionInfos(cobraCmd.OutOrStdout(), c.format, infos)
	})
}

// querySearchCommand holds the flags for query search.
type querySearchCommand struct {
	limit  int
	format string
}

func newQuerySearchCommand() *cobra.Command {
	cmd := &querySearchCommand{}

	cobraCmd := &cobra.Command{
		Use:   "search <pattern>",
		Short: "Search function names with glob wildcards",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().IntVar(&cmd.limit, "limit", 0, "maximum matches (0 = all)")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *querySearchCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		infos, err := e.store.SearchFunctions(ctx, id, args[0])
		if err != nil {
			return err
		}

		if c.limit > 0 && len(infos) > c.limit {
			infos = infos[:c.limit]
		}

		return renderFunctionInfos(cobraCmd.OutOrStdout(), c.format, infos)
	})
}

func renderFunctionInfos(out io.Writer, format string, infos []graphstore.FunctionInfo) error {
	if format == formatJSON {
		return printJSON(out, infos)
	}

	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"NAME", "FILE", "LINES"})

	for _, info := range infos {
		tbl.AppendRow(table.Row{info.Name, info.FilePath, fmt.Sprintf("%d-%d", info.StartLine, info.EndLine)})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("%d functions", len(infos)), "", ""})
	tbl.Render()

	return nil
}

// queryCallSitesCommand holds the flags shared by callers and callees.
type queryCallSitesCommand struct {
	filePath string
	format   string
	fetch    func(ctx context.Context, e *env, id, name, filePath string) ([]graphstore.CallSite, error)
}

func newQueryCallersCommand() *cobra.Command {
	cmd := &queryCallSitesCommand{
		fetch: func(ctx context.Context, e *env, id, name, filePath string) ([]graphstore.CallSite, error) {
			return e.store.GetCallers(ctx, id, name, filePath)
		},
	}

	return cmd.build("callers <name>", "List the direct callers of a function")
}

func newQueryCalleesCommand() *cobra.Command {
	cmd := &queryCallSitesCommand{
		fetch: func(ctx context.Context, e *env, id, name, filePath string) ([]graphstore.CallSite, error) {
			return e.store.GetCallees(ctx, id, name, filePath)
		},
	}

	return cmd.build("callees <name>", "List the direct callees of a function")
}

func (c *queryCallSitesCommand) build(use, short string) *cobra.Command {
	cobraCmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE:  c.Run,
	}

	cobraCmd.Flags().StringVar(&c.filePath, flagFile, "", flagFileUsage)
	cobraCmd.Flags().StringVarP(&c.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryCallSitesCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		sites, err := c.fetch(ctx, e, id, args[0], c.filePath)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			return printJSON(out, sites)
		}

		tbl := newTable(out)
		tbl.AppendHeader(table.Row{"NAME", "FILE", "TYPE", "CONF", "BACKEND"})

		for _, site := range sites {
			file := site.FilePath
			if site.External {
				file = "(external)"
			}

			tbl.AppendRow(table.Row{site.Name, file, site.CallType, fmt.Sprintf("%.2f", site.Confidence), site.Backend})
		}

		tbl.AppendFooter(table.Row{fmt.Sprintf("%d call sites", len(sites)), "", "", "", ""})
		tbl.Render()

		return nil
	})
}
