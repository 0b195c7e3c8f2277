package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
)

const (
	diffCmdUse   = "diff <old-snapshot-id> <new-snapshot-id>"
	diffCmdShort = "Compare the functions of two snapshots"
)

// DiffCommand holds the flags for the diff command.
type DiffCommand struct {
	bodies bool
	format string
}

// NewDiffCommand creates the diff command.
func NewDiffCommand() *cobra.Command {
	cmd := &DiffCommand{}

	cobraCmd := &cobra.Command{
		Use:   diffCmdUse,
		Short: diffCmdShort,
		Long: `Compare the defined functions of two snapshots, typically two
versions of the same repository: which functions were added, removed,
or changed. With --bodies, changed functions are shown as line diffs.`,
		Args: cobra.ExactArgs(2),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().BoolVar(&cmd.bodies, "bodies", false, "show line diffs of changed function bodies")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, formatTable, formatUsage)

	return cobraCmd
}

// Run executes the diff command.
func (c *DiffCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if err := checkFormat(c.format); err != nil {
		return err
	}

	env, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	diff, err := env.store.DiffSnapshots(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	out := cobraCmd.OutOrStdout()

	if c.format == formatJSON {
		return printJSON(out, diff)
	}

	c.renderText(out, diff)

	return nil
}

func (c *DiffCommand) renderText(out io.Writer, diff *graphstore.SnapshotDiff) {
	fmt.Fprintf(out, "%s -> %s: %d added, %d removed, %d changed\n",
		diff.OldID, diff.NewID, len(diff.Added), len(diff.Removed), len(diff.Changed))

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	for _, fn := range diff.Added {
		green.Fprintf(out, "+ %s  %s:%d-%d\n", fn.Name, fn.FilePath, fn.StartLine, fn.EndLine)
	}

	for _, fn := range diff.Removed {
		red.Fprintf(out, "- %s  %s:%d-%d\n", fn.Name, fn.FilePath, fn.StartLine, fn.EndLine)
	}

	for _, change := range diff.Changed {
		yellow.Fprintf(out, "~ %s  %s:%d-%d -> %d-%d\n", change.Name, change.FilePath,
			change.OldStartLine, change.OldEndLine, change.NewStartLine, change.NewEndLine)

		if c.bodies {
			fmt.Fprintln(out, bodyDiff(change.OldContent, change.NewContent))
		}
	}
}

// bodyDiff renders the semantic line delta between two function bodies.
func bodyDiff(oldBody, newBody string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldBody, newBody, true)

	return dmp.DiffPrettyText(dmp.DiffCleanupSemantic(diffs))
}
