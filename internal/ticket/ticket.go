// Package ticket defines the work ticket that requests one snapshot
// analysis, plus its parsing and validation rules.
package ticket

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Ticket describes one analysis request: which repository and version to
// snapshot, how to build it, and which source files are fuzzer harnesses.
type Ticket struct {
	// RepoURL identifies the repository. First snapshot identity component.
	RepoURL string `yaml:"repo_url" json:"repo_url"`

	// Version is a tag or immutable commit hash. Branches are rejected.
	Version string `yaml:"version" json:"version"`

	// Path optionally points at a local checkout. Without it the repo is
	// cloned from RepoURL at Version.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// BuildScript optionally names a user-provided build script, absolute
	// or project-relative.
	BuildScript string `yaml:"build_script,omitempty" json:"build_script,omitempty"`

	// Backend selects the pointer-analysis backend. Empty picks the default.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Language overrides language detection.
	Language string `yaml:"language,omitempty" json:"language,omitempty"`

	// FuzzerSources maps fuzzer name to its harness source files. There is
	// no auto-detection; every fuzzer must be declared here.
	FuzzerSources map[string][]string `yaml:"fuzzer_sources" json:"fuzzer_sources"`

	// DiffFiles is an incremental-scope hint. Unused for now.
	DiffFiles []string `yaml:"diff_files,omitempty" json:"diff_files,omitempty"`
}

// Sentinel errors for ticket validation. All wrap ErrInvalidTicket so
// callers can classify with a single errors.Is check.
var (
	// ErrInvalidTicket is the base error for malformed work tickets.
	ErrInvalidTicket = errors.New("invalid ticket")
	// ErrMissingRepoURL indicates the repo_url field is absent or empty.
	ErrMissingRepoURL = fmt.Errorf("%w: repo_url is required", ErrInvalidTicket)
	// ErrMissingVersion indicates the version field is absent or empty.
	ErrMissingVersion = fmt.Errorf("%w: version is required", ErrInvalidTicket)
	// ErrNoFuzzerSources indicates fuzzer_sources is absent or empty.
	ErrNoFuzzerSources = fmt.Errorf("%w: fuzzer_sources must declare at least one fuzzer", ErrInvalidTicket)
	// ErrEmptyFuzzerSources indicates a declared fuzzer lists no sources.
	ErrEmptyFuzzerSources = fmt.Errorf("%w: fuzzer lists no source files", ErrInvalidTicket)
)

// Validate checks semantic ticket rules beyond schema shape.
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.RepoURL) == "" {
		return ErrMissingRepoURL
	}

	if strings.TrimSpace(t.Version) == "" {
		return ErrMissingVersion
	}

	if len(t.FuzzerSources) == 0 {
		return ErrNoFuzzerSources
	}

	for name, sources := range t.FuzzerSources {
		if len(sources) == 0 {
			return fmt.Errorf("%w: %q", ErrEmptyFuzzerSources, name)
		}
	}

	return nil
}

// FuzzerNames returns the declared fuzzer names, sorted.
func (t *Ticket) FuzzerNames() []string {
	names := make([]string, 0, len(t.FuzzerSources))
	for name := range t.FuzzerSources {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// AllFuzzerSources returns every harness source path across all fuzzers,
// deduplicated and sorted. Used for harness-TU exclusion during bitcode
// production.
func (t *Ticket) AllFuzzerSources() []string {
	seen := make(map[string]struct{})

	for _, sources := range t.FuzzerSources {
		for _, src := range sources {
			seen[src] = struct{}{}
		}
	}

	all := make([]string, 0, len(seen))
	for src := range seen {
		all = append(all, src)
	}

	slices.Sort(all)

	return all
}

// RepoName derives a short repository name from RepoURL: the last path
// segment with any .git suffix stripped. Handles both URL and scp-like
// forms (git@host:owner/repo.git).
func (t *Ticket) RepoName() string {
	trimmed := strings.TrimSuffix(t.RepoURL, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")

	if idx := strings.LastIndexAny(trimmed, "/:"); idx >= 0 {
		return trimmed[idx+1:]
	}

	return trimmed
}
