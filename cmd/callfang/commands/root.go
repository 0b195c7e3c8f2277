package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/pkg/version"
)

// NewRootCommand assembles the callfang command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "callfang",
		Short: "Callfang - call-graph snapshots for C/C++ fuzzing projects",
		Long: `Callfang builds persistent, queryable call-graph snapshots of C/C++
fuzzing projects: a library-only function catalog, a whole-program call
graph with function-pointer targets, and per-fuzzer reachability.

Commands:
  analyze    Build or fetch a snapshot for a repo version
  snapshots  Inspect and manage stored snapshots
  query      Query one snapshot's call graph
  report     Render an HTML coverage-planning report
  diff       Compare the functions of two snapshots
  mcp        Serve snapshot queries over MCP stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(flagConfig, "", "config file (default .callfang.yaml in CWD or $HOME)")
	rootCmd.PersistentFlags().BoolP(flagVerbose, "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolP(flagQuiet, "q", false, "errors only")

	rootCmd.AddCommand(NewAnalyzeCommand())
	rootCmd.AddCommand(NewSnapshotsCommand())
	rootCmd.AddCommand(NewQueryCommand())
	rootCmd.AddCommand(NewReportCommand())
	rootCmd.AddCommand(NewDiffCommand())
	rootCmd.AddCommand(NewMCPCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "callfang %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
