package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/internal/catalog"
	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
)

const (
	snapshotsCmdUse   = "snapshots"
	snapshotsCmdShort = "Inspect and manage stored snapshots"
)

// ErrDeleteBuilding is returned when deleting an in-flight build
// without --force.
var ErrDeleteBuilding = errors.New("snapshot is still building (use --force to evict anyway)")

// NewSnapshotsCommand creates the snapshots command group.
func NewSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   snapshotsCmdUse,
		Short: snapshotsCmdShort,
	}

	cmd.AddCommand(newSnapshotsListCommand())
	cmd.AddCommand(newSnapshotsShowCommand())
	cmd.AddCommand(newSnapshotsDeleteCommand())
	cmd.AddCommand(newSnapshotsLogsCommand())
	cmd.AddCommand(newSnapshotsGCCommand())

	return cmd
}

// snapshotsListCommand holds the flags for snapshots list.
type snapshotsListCommand struct {
	status string
	repo   string
	format string
}

func newSnapshotsListCommand() *cobra.Command {
	cmd := &snapshotsListCommand{}

	cobraCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog rows with status, size, and age",
		Args:  cobra.NoArgs,
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVar(&cmd.status, "status", "", "filter by status: building, completed, or failed")
	cobraCmd.Flags().StringVar(&cmd.repo, "repo", "", "filter by repo URL or name substring")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *snapshotsListCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	env, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	records, err := env.cat.List(ctx)
	if err != nil {
		return err
	}

	filtered := records[:0]

	for _, rec := range records {
		if c.status != "" && rec.Status != c.status {
			continue
		}

		if c.repo != "" && !strings.Contains(rec.RepoURL, c.repo) && !strings.Contains(rec.RepoName, c.repo) {
			continue
		}

		filtered = append(filtered, rec)
	}

	out := cobraCmd.OutOrStdout()

	if c.format == formatJSON {
		return printJSON(out, filtered)
	}

	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"ID", "REPO", "VERSION", "BACKEND", "STATUS", "FUNCS", "EDGES", "SIZE", "BUILT", "LAST USED"})

	var totalSize int64

	for _, rec := range filtered {
		totalSize += rec.SizeBytes

		tbl.AppendRow(table.Row{
			rec.ID,
			rec.RepoName,
			rec.Version,
			rec.Backend,
			statusText(rec.Status),
			rec.NodeCount,
			rec.EdgeCount,
			humanize.Bytes(uint64(rec.SizeBytes)),
			humanize.Time(rec.CreatedAt),
			humanize.Time(rec.LastAccessedAt),
		})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("%d snapshots", len(filtered)), "", "", "", "", "", "", humanize.Bytes(uint64(totalSize)), "", ""})
	tbl.Render()

	return nil
}

// snapshotsShowCommand holds the flags for snapshots show.
type snapshotsShowCommand struct {
	format string
}

func newSnapshotsShowCommand() *cobra.Command {
	cmd := &snapshotsShowCommand{}

	cobraCmd := &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show one catalog row and its graph statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

func (c *snapshotsShowCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	env, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	rec, err := env.cat.Get(ctx, args[0])
	if err != nil {
		return err
	}

	// Statistics exist only once a build has committed its graph.
	var stats *graphstore.Statistics

	if rec.Status == catalog.StatusCompleted {
		stats, err = env.store.GetStatistics(ctx, rec.ID)
		if err != nil {
			return err
		}
	}

	out := cobraCmd.OutOrStdout()

	if c.format == formatJSON {
		return printJSON(out, struct {
			Record     *catalog.SnapshotRecord `json:"record"`
			Statistics *graphstore.Statistics  `json:"statistics,omitempty"`
		}{rec, stats})
	}

	fmt.Fprintf(out, "%s  %s\n", rec.ID, statusText(rec.Status))
	fmt.Fprintf(out, "  repo:       %s (%s)\n", rec.RepoURL, rec.RepoName)
	fmt.Fprintf(out, "  version:    %s\n", rec.Version)
	fmt.Fprintf(out, "  backend:    %s\n", rec.Backend)

	if rec.Language != "" {
		fmt.Fprintf(out, "  language:   %s\n", rec.Language)
	}

	fmt.Fprintf(out, "  built:      %s (took %.1fs)\n", humanize.Time(rec.CreatedAt), rec.DurationSec)
	fmt.Fprintf(out, "  last used:  %s (%d reads)\n", humanize.Time(rec.LastAccessedAt), rec.AccessCount)
	fmt.Fprintf(out, "  size:       %s\n", humanize.Bytes(uint64(rec.SizeBytes)))

	if rec.Error != "" {
		fmt.Fprintf(out, "  error:      %s\n", rec.Error)
	}

	if stats == nil {
		return nil
	}

	fmt.Fprintf(out, "  graph:      %d functions, %d externals, %d calls, %d reach facts\n",
		stats.FunctionCount, stats.ExternalCount, stats.CallCount, stats.ReachCount)

	if len(stats.ReachedPerFuzzer) > 0 {
		tbl := newTable(out)
		tbl.AppendHeader(table.Row{"FUZZER", "REACHED"})

		for _, name := range sortedKeys(stats.ReachedPerFuzzer) {
			tbl.AppendRow(table.Row{name, stats.ReachedPerFuzzer[name]})
		}

		tbl.Render()
	}

	return nil
}

// snapshotsDeleteCommand holds the flags for snapshots delete.
type snapshotsDeleteCommand struct {
	force bool
}

func newSnapshotsDeleteCommand() *cobra.Command {
	cmd := &snapshotsDeleteCommand{}

	cobraCmd := &cobra.Command{
		Use:   "delete <snapshot-id>...",
		Short: "Evict snapshots: graph content, logs, and catalog row",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cmd.Run,
	}

	cobraCmd.Flags().BoolVar(&cmd.force, "force", false, "evict even while a build is in flight")

	return cobraCmd
}

func (c *snapshotsDeleteCommand) Run(cobraCmd *cobra.Command, args []string) error {
	env, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	sweeper := env.sweeper()
	out := cobraCmd.OutOrStdout()

	for _, id := range args {
		rec, getErr := env.cat.Get(ctx, id)
		if getErr != nil {
			return getErr
		}

		if rec.Status == catalog.StatusBuilding && !c.force {
			return fmt.Errorf("%w: %s", ErrDeleteBuilding, id)
		}

		if evictErr := sweeper.Evict(ctx, id); evictErr != nil {
			return evictErr
		}

		fmt.Fprintf(out, "evicted %s\n", id)
	}

	return nil
}

func newSnapshotsLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <snapshot-id> [phase]",
		Short: "List phase logs of a snapshot, or print one phase log",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			env, err := openEnv(cobraCmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			ctx := cobraCmd.Context()

			defer env.Close(ctx)

			out := cobraCmd.OutOrStdout()

			if len(args) == 1 {
				phases, listErr := env.logs.Written(args[0])
				if listErr != nil {
					return listErr
				}

				for _, phase := range phases {
					fmt.Fprintln(out, phase)
				}

				return nil
			}

			data, readErr := env.logs.Read(args[0], args[1])
			if readErr != nil {
				return readErr
			}

			_, err = out.Write(data)

			return err
		},
	}
}

func newSnapshotsGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one retention sweep: strays, orphans, disk pressure, caps, TTL",
		Args:  cobra.NoArgs,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			env, err := openEnv(cobraCmd, observability.ModeCLI)
			if err != nil {
				return err
			}

			ctx := cobraCmd.Context()

			defer env.Close(ctx)

			start := time.Now()

			if sweepErr := env.sweeper().Sweep(ctx); sweepErr != nil {
				return sweepErr
			}

			fmt.Fprintf(cobraCmd.OutOrStdout(), "sweep done in %s\n", time.Since(start).Round(time.Millisecond))

			return nil
		},
	}
}

// sortedKeys returns the keys of a string-keyed map in sorted order.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
