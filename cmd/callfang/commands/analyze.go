package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/callfang/internal/observability"
	"github.com/Sumatoshi-tech/callfang/internal/orchestrator"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

const (
	analyzeCmdUse   = "analyze"
	analyzeCmdShort = "Build or fetch a call-graph snapshot for a repo version"

	analyzeFormatText = "text"
	analyzeFormatJSON = "json"

	defaultAnalyzeWorkers = 2
	spinnerStyle          = 14
	spinnerTick           = 120 * time.Millisecond
)

// ErrNoWork is returned when neither a ticket file nor inline ticket
// flags were given.
var ErrNoWork = errors.New("nothing to analyze: pass --ticket, or --repo with --version and --fuzzer")

// ErrMixedTicketSource is returned when ticket files and inline ticket
// flags are combined.
var ErrMixedTicketSource = errors.New("--ticket cannot be combined with --repo/--version/--fuzzer")

// ErrBadFuzzerSpec is returned for a malformed --fuzzer value.
var ErrBadFuzzerSpec = errors.New("bad --fuzzer value (want name=file[,file...])")

// ErrBadAnalyzeFormat is returned for an unrecognized analyze --format.
var ErrBadAnalyzeFormat = errors.New("unknown output format (want text or json)")

// AnalyzeCommand holds the flags for the analyze command.
type AnalyzeCommand struct {
	ticketPaths []string
	repoURL     string
	version     string
	path        string
	buildScript string
	backend     string
	language    string
	fuzzers     []string
	workers     int
	format      string
	noProgress  bool
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand() *cobra.Command {
	cmd := &AnalyzeCommand{}

	cobraCmd := &cobra.Command{
		Use:   analyzeCmdUse,
		Short: analyzeCmdShort,
		Long: `Build a snapshot for one repo version, or return the existing one.

A work ticket comes from --ticket files (YAML or JSON, repeatable) or
from inline flags. A completed snapshot for the same repo, version, and
backend is returned without rebuilding; a build already in flight is
waited for.`,
		Args: cobra.NoArgs,
		RunE: cmd.Run,
	}

	cobraCmd.Flags().StringSliceVarP(&cmd.ticketPaths, "ticket", "t", nil, "ticket file (repeatable; YAML or JSON)")
	cobraCmd.Flags().StringVar(&cmd.repoURL, "repo", "", "repository URL (inline ticket)")
	cobraCmd.Flags().StringVar(&cmd.version, "version", "", "tag or commit hash (inline ticket)")
	cobraCmd.Flags().StringVar(&cmd.path, "path", "", "local checkout to analyze in place")
	cobraCmd.Flags().StringVar(&cmd.buildScript, "build-script", "", "user-provided build script")
	cobraCmd.Flags().StringVar(&cmd.backend, "backend", "", "pointer-analysis backend override")
	cobraCmd.Flags().StringVar(&cmd.language, "language", "", "language override (c or cpp)")
	cobraCmd.Flags().StringArrayVar(&cmd.fuzzers, "fuzzer", nil, "fuzzer declaration name=file[,file...] (repeatable)")
	cobraCmd.Flags().IntVar(&cmd.workers, "workers", defaultAnalyzeWorkers, "concurrent builds for multiple tickets")
	cobraCmd.Flags().StringVarP(&cmd.format, flagFormat, flagFormatShort, analyzeFormatText, "output format: text or json")
	cobraCmd.Flags().BoolVar(&cmd.noProgress, "no-progress", false, "disable the progress spinner")

	return cobraCmd
}

// Run executes the analyze command.
func (c *AnalyzeCommand) Run(cobraCmd *cobra.Command, _ []string) error {
	if c.format != analyzeFormatText && c.format != analyzeFormatJSON {
		return fmt.Errorf("%w: %s", ErrBadAnalyzeFormat, c.format)
	}

	tickets, err := c.tickets()
	if err != nil {
		return err
	}

	env, err := openEnv(cobraCmd, observability.ModeCLI)
	if err != nil {
		return err
	}

	ctx := cobraCmd.Context()

	defer env.Close(ctx)

	orch, err := env.pipeline()
	if err != nil {
		return err
	}

	stop := c.startProgress(tickets)
	results := orch.AnalyzeAll(ctx, tickets, c.workers)
	stop()

	return c.render(cobraCmd, results)
}

// tickets builds the work list from files or inline flags.
func (c *AnalyzeCommand) tickets() ([]*ticket.Ticket, error) {
	inline := c.repoURL != "" || c.version != "" || len(c.fuzzers) > 0

	if len(c.ticketPaths) > 0 {
		if inline {
			return nil, ErrMixedTicketSource
		}

		tickets := make([]*ticket.Ticket, 0, len(c.ticketPaths))

		for _, path := range c.ticketPaths {
			tk, loadErr := ticket.Load(path)
			if loadErr != nil {
				return nil, loadErr
			}

			tickets = append(tickets, tk)
		}

		return tickets, nil
	}

	if !inline {
		return nil, ErrNoWork
	}

	fuzzers, err := parseFuzzerSpecs(c.fuzzers)
	if err != nil {
		return nil, err
	}

	return []*ticket.Ticket{{
		RepoURL:       c.repoURL,
		Version:       c.version,
		Path:          c.path,
		BuildScript:   c.buildScript,
		Backend:       c.backend,
		Language:      c.language,
		FuzzerSources: fuzzers,
	}}, nil
}

// parseFuzzerSpecs parses repeated name=file[,file...] declarations.
func parseFuzzerSpecs(specs []string) (map[string][]string, error) {
	fuzzers := make(map[string][]string, len(specs))

	for _, spec := range specs {
		name, files, ok := strings.Cut(spec, "=")
		if !ok || name == "" || files == "" {
			return nil, fmt.Errorf("%w: %s", ErrBadFuzzerSpec, spec)
		}

		fuzzers[name] = strings.Split(files, ",")
	}

	return fuzzers, nil
}

// startProgress shows a spinner on a TTY stderr while builds run, or a
// plain line otherwise. The returned func stops it.
func (c *AnalyzeCommand) startProgress(tickets []*ticket.Ticket) func() {
	if c.noProgress {
		return func() {}
	}

	desc := fmt.Sprintf("analyzing %d ticket(s)", len(tickets))

	if !isatty.IsTerminal(os.Stderr.Fd()) {
		for _, tk := range tickets {
			fmt.Fprintf(os.Stderr, "analyzing %s@%s\n", tk.RepoURL, tk.Version)
		}

		return func() {}
	}

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(spinnerStyle),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(spinnerTick)

		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	return func() {
		close(done)
		_ = bar.Finish()
	}
}

// render prints the batch results and returns an error when any ticket
// failed, so the process exits non-zero.
func (c *AnalyzeCommand) render(cobraCmd *cobra.Command, results []orchestrator.TicketResult) error {
	out := cobraCmd.OutOrStdout()

	if c.format == analyzeFormatJSON {
		type jsonResult struct {
			RepoURL string                       `json:"repo_url"`
			Version string                       `json:"version"`
			Output  *orchestrator.AnalysisOutput `json:"output,omitempty"`
			Error   string                       `json:"error,omitempty"`
		}

		rows := make([]jsonResult, 0, len(results))
		for _, res := range results {
			row := jsonResult{RepoURL: res.Ticket.RepoURL, Version: res.Ticket.Version, Output: res.Output}
			if res.Err != nil {
				row.Error = res.Err.Error()
			}

			rows = append(rows, row)
		}

		if err := printJSON(out, rows); err != nil {
			return err
		}

		return firstTicketError(results)
	}

	for _, res := range results {
		if res.Err != nil {
			color.New(color.FgRed).Fprintf(out, "failed    %s@%s: %v\n", res.Ticket.RepoURL, res.Ticket.Version, res.Err)

			continue
		}

		printAnalysisOutput(out, res.Output)
	}

	return firstTicketError(results)
}

func printAnalysisOutput(out io.Writer, res *orchestrator.AnalysisOutput) {
	verb := "built"
	if res.Cached {
		verb = "cached"
	}

	color.New(color.FgGreen).Fprintf(out, "%-9s %s\n", verb, res.SnapshotID)
	fmt.Fprintf(out, "  repo:      %s @ %s\n", res.RepoURL, res.Version)
	fmt.Fprintf(out, "  backend:   %s\n", res.Backend)
	fmt.Fprintf(out, "  functions: %d  edges: %d\n", res.FunctionCount, res.EdgeCount)
	fmt.Fprintf(out, "  fuzzers:   %s\n", strings.Join(res.FuzzerNames, ", "))
}

func firstTicketError(results []orchestrator.TicketResult) error {
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
	}

	return nil
}
