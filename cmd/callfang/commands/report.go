package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/internal/graphstore"
	"github.com/Sumatoshi-tech/callfang/internal/observability"
)

const (
	reportCmdUse   = "report <snapshot-id>"
	reportCmdShort = "Render an HTML coverage-planning report"

	defaultReportTop = 20
	chartWidth       = "900px"
	chartHeight      = "450px"
)

// ErrNoReportOutput is returned when the --output flag is not set.
var ErrNoReportOutput = errors.New("output file is required (use --output)")

// ReportCommand holds the flags for the report command.
type ReportCommand struct {
	output string
	top    int
}

// NewReportCommand creates the report command.
func NewReportCommand() *cobra.Command {
	cmd := &ReportCommand{}

	cobraCmd := &cobra.Command{
		Use:   reportCmdUse,
		Short: reportCmdShort,
		Long: `Render a standalone HTML report for one completed snapshot: the
reach depth distribution per fuzzer, functions reached per fuzzer, and
the highest-degree functions of the call graph.`,
		Args: cobra.ExactArgs(1),
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringVarP(&cmd.output, "output", "o", "", "output HTML file")
	cobraCmd.Flags().IntVar(&cmd.top, "top", defaultReportTop, "functions shown in the degree charts")

	return cobraCmd
}

// Run executes the report command.
func (c *ReportCommand) Run(cobraCmd *cobra.Command, args []string) error {
	if c.output == "" {
		return ErrNoReportOutput
	}

	env, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	id := args[0]

	if gateErr := requireCompleted(ctx, env, id); gateErr != nil {
		return gateErr
	}

	stats, err := env.store.GetStatistics(ctx, id)
	if err != nil {
		return err
	}

	perFuzzer, err := reachDepthsPerFuzzer(ctx, env, id)
	if err != nil {
		return err
	}

	adjacency, err := env.store.CallAdjacency(ctx, id)
	if err != nil {
		return err
	}

	outDegree, inDegree := degreeCounts(adjacency)

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("callfang report: %s", id)
	page.AddCharts(
		depthChart(stats, perFuzzer),
		reachedChart(stats),
		degreeChart("Top functions by callees", "Out-degree", outDegree, c.top),
		degreeChart("Top functions by callers", "In-degree", inDegree, c.top),
	)

	file, createErr := os.Create(c.output)
	if createErr != nil {
		return fmt.Errorf("create report file: %w", createErr)
	}

	defer func() { _ = file.Close() }()

	if renderErr := page.Render(file); renderErr != nil {
		return renderErr
	}

	fmt.Fprintf(cobraCmd.OutOrStdout(), "report written to %s\n", c.output)

	return nil
}

// reachDepthsPerFuzzer builds one depth histogram per fuzzer.
func reachDepthsPerFuzzer(ctx context.Context, e *env, id string) (map[string]map[int]int, error) {
	fuzzers, err := e.store.ListFuzzerInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	histograms := make(map[string]map[int]int, len(fuzzers))

	for _, fz := range fuzzers {
		reached, reachErr := e.store.ReachableByFuzzer(ctx, id, fz.Name, 0, 0)
		if reachErr != nil {
			return nil, reachErr
		}

		histogram := make(map[int]int)
		for _, fn := range reached {
			histogram[fn.Depth]++
		}

		histograms[fz.Name] = histogram
	}

	return histograms, nil
}

// depthChart plots how many functions each fuzzer reaches per call depth.
func depthChart(stats *graphstore.Statistics, perFuzzer map[string]map[int]int) *charts.Bar {
	depths := sortedDepths(stats.DepthHistogram)

	labels := make([]string, len(depths))
	for i, depth := range depths {
		labels[i] = fmt.Sprintf("depth %d", depth)
	}

	bar := newBarChart("Reach depth distribution", "Functions first reached at each call depth")
	bar.SetXAxis(labels)

	for _, name := range sortedFuzzerNames(perFuzzer) {
		histogram := perFuzzer[name]

		data := make([]opts.BarData, len(depths))
		for i, depth := range depths {
			data[i] = opts.BarData{Value: histogram[depth]}
		}

		bar.AddSeries(name, data)
	}

	return bar
}

// reachedChart plots the reached-function count per fuzzer.
func reachedChart(stats *graphstore.Statistics) *charts.Bar {
	names := sortedKeys(stats.ReachedPerFuzzer)

	data := make([]opts.BarData, len(names))
	for i, name := range names {
		data[i] = opts.BarData{Value: stats.ReachedPerFuzzer[name]}
	}

	bar := newBarChart("Functions reached per fuzzer", "Coverage breadth of each declared fuzzer")
	bar.SetXAxis(names)
	bar.AddSeries("reached", data)

	return bar
}

// degreeChart plots the top-N functions by caller or callee count.
func degreeChart(title, series string, degrees map[graphstore.FunctionKey]int, top int) *charts.Bar {
	type entry struct {
		key   graphstore.FunctionKey
		count int
	}

	entries := make([]entry, 0, len(degrees))
	for key, count := range degrees {
		entries = append(entries, entry{key, count})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}

		return entries[i].key.Name < entries[j].key.Name
	})

	if top > 0 && len(entries) > top {
		entries = entries[:top]
	}

	labels := make([]string, len(entries))
	data := make([]opts.BarData, len(entries))

	for i, ent := range entries {
		labels[i] = ent.key.Name
		data[i] = opts.BarData{Value: ent.count}
	}

	bar := newBarChart(title, "Hub functions dominate the call graph")
	bar.SetXAxis(labels)
	bar.AddSeries(series, data)

	return bar
}

func newBarChart(title, subtitle string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: chartWidth, Height: chartHeight}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
	)

	return bar
}

// degreeCounts computes per-function out- and in-degree from the call
// adjacency.
func degreeCounts(adjacency map[graphstore.FunctionKey][]graphstore.FunctionKey) (map[graphstore.FunctionKey]int, map[graphstore.FunctionKey]int) {
	out := make(map[graphstore.FunctionKey]int, len(adjacency))
	in := make(map[graphstore.FunctionKey]int)

	for caller, callees := range adjacency {
		out[caller] = len(callees)

		for _, callee := range callees {
			in[callee]++
		}
	}

	return out, in
}

func sortedFuzzerNames(perFuzzer map[string]map[int]int) []string {
	names := make([]string, 0, len(perFuzzer))
	for name := range perFuzzer {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
