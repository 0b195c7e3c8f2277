package commands

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
)

const (
	defaultPathResults  = 50
	defaultSubtreeDepth = 2
	defaultRawLimit     = 100
)

// queryPathCommand holds the flags shared by path and paths.
type queryPathCommand struct {
	fromFile   string
	toFile     string
	maxDepth   int
	maxResults int
	format     string
	all        bool
}

func newQueryPathCommand() *cobra.Command {
	cmd := &queryPathCommand{}

	cobraCmd := &cobra.Command{
		Use:   "path <from> <to>",
		Short: "Find the shortest call paths between two functions",
		Args:  cobra.ExactArgs(2),
		RunE:  cmd.Run,
	}

	cmd.bindFlags(cobraCmd, 0)

	return cobraCmd
}

func newQueryPathsCommand() *cobra.Command {
	cmd := &queryPathCommand{all: true}

	cobraCmd := &cobra.Command{
		Use:   "paths <from> <to>",
		Short: "Enumerate call paths between two functions, shortest first",
		Args:  cobra.ExactArgs(2),
		RunE:  cmd.Run,
	}

	cmd.bindFlags(cobraCmd, defaultPathResults)

	return cobraCmd
}

func (c *queryPathCommand) bindFlags(cobraCmd *cobra.Command, maxResults int) {
	cobraCmd.Flags().StringVar(&c.fromFile, "from-file", "", "file path disambiguating the source function")
	cobraCmd.Flags().StringVar(&c.toFile, "to-file", "", "file path disambiguating the target function")
	cobraCmd.Flags().IntVar(&c.maxDepth, "max-depth", 0, "hop cap (0 = unbounded)")
	cobraCmd.Flags().IntVar(&c.maxResults, "max-results", maxResults, "result cap (0 = unbounded)")
	cobraCmd.Flags().StringVarP(&c.format, flagFormat, flagFormatShort, formatTable, formatUsage)
}

func (c *queryPathCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		from := graphstore.FunctionKey{Name: args[0], FilePath: c.fromFile}
		to := graphstore.FunctionKey{Name: args[1], FilePath: c.toFile}

		find := e.store.ShortestPaths
		if c.all {
			find = e.store.AllPaths
		}

		paths, err := find(ctx, id, from, to, c.maxDepth, c.maxResults)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			if paths == nil {
				paths = [][]graphstore.FunctionKey{}
			}

			return printJSON(out, struct {
				Paths [][]graphstore.FunctionKey `json:"paths"`
				Count int                        `json:"count"`
			}{paths, len(paths)})
		}

		if len(paths) == 0 {
			fmt.Fprintf(out, "no path from %s to %s\n", args[0], args[1])

			return nil
		}

		for _, path := range paths {
			fmt.Fprintf(out, "[%d] %s\n", len(path)-1, pathLine(path))
		}

		return nil
	})
}

// querySubtreeCommand holds the flags for query subtree.
type querySubtreeCommand struct {
	filePath string
	depth    int
	format   string
}

func newQuerySubtreeCommand() *cobra.Command {
	cmd := &querySubtreeCommand{}

	cobraCmd := &cobra.Command{
		Use:   "subtree <name>",
		Short: "Show the N-hop callee neighborhood of a function",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVar(&cmd.filePath, flagFile, "", flagFileUsage)
	cobraCmd.Flags().IntVar(&cmd.depth, "depth", defaultSubtreeDepth, "hops to expand")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *querySubtreeCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		sub, err := e.store.Subtree(ctx, id, args[0], c.filePath, c.depth)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			return printJSON(out, sub)
		}

		fmt.Fprintf(out, "%s: %d nodes, %d edges within %d hops\n",
			functionLabel(sub.Root), len(sub.Nodes), len(sub.Edges), c.depth)

		for _, edge := range sub.Edges {
			fmt.Fprintf(out, "  %s -> %s [%s %.2f]\n",
				edge.From.Name, edge.To.Name, edge.CallType, edge.Confidence)
		}

		return nil
	})
}

// queryReachableCommand holds the flags for query reachable.
type queryReachableCommand struct {
	depth    int
	maxDepth int
	format   string
}

func newQueryReachableCommand() *cobra.Command {
	cmd := &queryReachableCommand{}

	cobraCmd := &cobra.Command{
		Use:   "reachable <fuzzer>",
		Short: "List the functions one fuzzer reaches, with depths",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().IntVar(&cmd.depth, "depth", 0, "only functions at exactly this depth")
	cobraCmd.Flags().IntVar(&cmd.maxDepth, "max-depth", 0, "only functions at or below this depth")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryReachableCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		reached, err := e.store.ReachableByFuzzer(ctx, id, args[0], c.depth, c.maxDepth)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			return printJSON(out, reached)
		}

		tbl := newTable(out)
		tbl.AppendHeader(table.Row{"DEPTH", "NAME", "FILE"})

		for _, fn := range reached {
			tbl.AppendRow(table.Row{fn.Depth, fn.Name, fn.FilePath})
		}

		tbl.AppendFooter(table.Row{"", fmt.Sprintf("%d reached", len(reached)), ""})
		tbl.Render()

		return nil
	})
}

// queryUnreachedCommand holds the flags for query unreached.
type queryUnreachedCommand struct {
	format string
}

func newQueryUnreachedCommand() *cobra.Command {
	cmd := &queryUnreachedCommand{}

	cobraCmd := &cobra.Command{
		Use:   "unreached",
		Short: "List the defined functions no fuzzer reaches",
		Args:  cobra.NoArgs,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryUnreachedCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		infos, err := e.store.UnreachedFunctions(ctx, id)
		if err != nil {
			return err
		}

		return renderFunctionInfos(cobraCmd.OutOrStdout(), c.format, infos)
	})
}

// queryFuzzersCommand holds the flags for query fuzzers.
type queryFuzzersCommand struct {
	format string
}

func newQueryFuzzersCommand() *cobra.Command {
	cmd := &queryFuzzersCommand{}

	cobraCmd := &cobra.Command{
		Use:   "fuzzers",
		Short: "List the fuzzers of a snapshot",
		Args:  cobra.NoArgs,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryFuzzersCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		fuzzers, err := e.store.ListFuzzerInfo(ctx, id)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			return printJSON(out, fuzzers)
		}

		tbl := newTable(out)
		tbl.AppendHeader(table.Row{"NAME", "ENTRY", "HARNESS", "SOURCES"})

		for _, fz := range fuzzers {
			tbl.AppendRow(table.Row{fz.Name, fz.EntryFunction, fz.EntryFile, len(fz.Files)})
		}

		tbl.Render()

		return nil
	})
}

// queryExternalsCommand holds the flags for query externals.
type queryExternalsCommand struct {
	format string
}

func newQueryExternalsCommand() *cobra.Command {
	cmd := &queryExternalsCommand{}

	cobraCmd := &cobra.Command{
		Use:   "externals",
		Short: "List the external (body-less) function names",
		Args:  cobra.NoArgs,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryExternalsCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		names, err := e.store.ListExternalFunctionNames(ctx, id)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			return printJSON(out, names)
		}

		for _, name := range names {
			fmt.Fprintln(out, name)
		}

		return nil
	})
}

// queryStatsCommand holds the flags for query stats.
type queryStatsCommand struct {
	format string
}

func newQueryStatsCommand() *cobra.Command {
	cmd := &queryStatsCommand{}

	cobraCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot statistics and the reach depth histogram",
		Args:  cobra.NoArgs,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *queryStatsCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	return runQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		stats, err := e.store.GetStatistics(ctx, id)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		if c.format == formatJSON {
			return printJSON(out, stats)
		}

		fmt.Fprintf(out, "%s  %s @ %s (%s)\n", stats.SnapshotID, stats.RepoURL, stats.Version, stats.Backend)
		fmt.Fprintf(out, "  functions: %d  externals: %d  fuzzers: %d\n",
			stats.FunctionCount, stats.ExternalCount, stats.FuzzerCount)
		fmt.Fprintf(out, "  calls:     %d  reach facts: %d\n", stats.CallCount, stats.ReachCount)

		if len(stats.DepthHistogram) > 0 {
			tbl := newTable(out)
			tbl.AppendHeader(table.Row{"DEPTH", "FUNCTIONS"})

			for _, depth := range sortedDepths(stats.DepthHistogram) {
				tbl.AppendRow(table.Row{depth, stats.DepthHistogram[depth]})
			}

			tbl.Render()
		}

		return nil
	})
}

// queryRawCommand holds the flags for query raw.
type queryRawCommand struct {
	kind  string
	limit int
}

func newQueryRawCommand() *cobra.Command {
	cmd := &queryRawCommand{}

	cobraCmd := &cobra.Command{
		Use:   "raw",
		Short: "Dump raw store keys of a snapshot (debugging escape hatch)",
		Long: `Dump raw key-value pairs under one snapshot's key prefix. Unlike the
typed queries, raw does not require a completed snapshot, so it can
inspect the partial content of failed builds.`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringVar(&cmd.kind, "kind", "", "key kind letter (f, b, x, z, y, c, r, h, p); empty scans all")
	cobraCmd.Flags().IntVar(&cmd.limit, "limit", defaultRawLimit, "maximum entries")

	return cobraCmd
}

func (c *queryRawCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	return runRawQuery(cobraCmd, func(ctx context.Context, e *env, id string) error {
		prefix := "s/" + id + "/"
		if c.kind != "" {
			prefix += c.kind + "/"
		}

		entries, err := e.store.RawScan(ctx, prefix, c.limit)
		if err != nil {
			return err
		}

		out := cobraCmd.OutOrStdout()

		for _, entry := range entries {
			if utf8.Valid(entry.Value) {
				fmt.Fprintf(out, "%q\t%s\n", entry.Key, entry.Value)
			} else {
				fmt.Fprintf(out, "%q\t<%d bytes binary>\n", entry.Key, len(entry.Value))
			}
		}

		return nil
	})
}

// sortedDepths returns the histogram keys in ascending order.
func sortedDepths(histogram map[int]int) []int {
	depths := make([]int, 0, len(histogram))
	for depth := range histogram {
		depths = append(depths, depth)
	}

	sort.Ints(depths)

	return depths
}
