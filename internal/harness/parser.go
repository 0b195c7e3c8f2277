// Package harness determines, for each declared fuzzer, the library
// functions invoked directly or transitively from its entry function.
// Harness translation units are excluded from the analyzed bitcode, so
// this bridge is computed syntactically: harness code is thin and almost
// never dispatches through function pointers, and over-reporting is the
// correct bias.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	sitter "github.com/alexaandru/go-tree-sitter-bare"
	"golang.org/x/sync/errgroup"
)

// EntryFunction is the canonical fuzz entry symbol every harness defines.
const EntryFunction = "LLVMFuzzerTestOneInput"

// Sentinel errors for harness parsing.
var (
	// ErrParseFailed indicates a harness source could not be parsed.
	ErrParseFailed = errors.New("harness parse failed")

	// ErrMissingSource indicates a declared harness source is unreadable.
	ErrMissingSource = errors.New("missing harness source")

	errLanguageUnavailable = errors.New("tree-sitter language not available")
	errPoolType            = errors.New("parser pool returned unexpected type")
)

// Request carries one bridge computation.
type Request struct {
	// ProjectDir is the checked-out project root.
	ProjectDir string

	// Fuzzers maps fuzzer names to their project-relative source files.
	Fuzzers map[string][]string

	// LibraryFunctions are the analyzer-reported library symbols.
	LibraryFunctions []string

	// Language is the detected project language, used for headers and
	// other extension-ambiguous files.
	Language string
}

// Parser computes fuzzer-to-library bridges using pooled tree-sitter
// parsers.
type Parser struct {
	log   *slog.Logger
	pools map[string]*sync.Pool
}

// New creates a Parser with one parser pool per grammar.
func New(log *slog.Logger) (*Parser, error) {
	pools := make(map[string]*sync.Pool, len(languageFuncs))

	for name := range languageFuncs {
		lang := language(name)
		if lang == nil {
			return nil, fmt.Errorf("%w: %s", errLanguageUnavailable, name)
		}

		pools[name] = &sync.Pool{
			New: func() any {
				tsParser := sitter.NewParser()
				tsParser.SetLanguage(lang)

				return tsParser
			},
		}
	}

	return &Parser{log: log, pools: pools}, nil
}

// LibraryCalls returns, per fuzzer, the sorted set of library functions
// reachable from the entry function through in-harness calls. Files
// shared between fuzzers are parsed once; conditional-compilation
// branches all contribute call sites, so shared template harnesses
// observe the union of their variants.
func (p *Parser) LibraryCalls(ctx context.Context, req Request) (map[string][]string, error) {
	library := make(map[string]struct{}, len(req.LibraryFunctions))
	for _, name := range req.LibraryFunctions {
		library[name] = struct{}{}
	}

	factsByFile, err := p.parseAll(ctx, req)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]string, len(req.Fuzzers))

	for fuzzer, sources := range req.Fuzzers {
		merged := mergeFacts(factsByFile, sources)
		result[fuzzer] = p.libraryClosure(ctx, fuzzer, merged, library)
	}

	return result, nil
}

// parseAll parses every distinct harness file concurrently.
func (p *Parser) parseAll(ctx context.Context, req Request) (map[string]*fileFacts, error) {
	distinct := make([]string, 0, len(req.Fuzzers))
	seen := make(map[string]struct{})

	for _, sources := range req.Fuzzers {
		for _, source := range sources {
			if _, ok := seen[source]; ok {
				continue
			}

			seen[source] = struct{}{}
			distinct = append(distinct, source)
		}
	}

	factsByFile := make(map[string]*fileFacts, len(distinct))

	var mu sync.Mutex

	group, ctx := errgroup.WithContext(ctx)

	for _, source := range distinct {
		group.Go(func() error {
			facts, err := p.parseFile(ctx, req.ProjectDir, source, req.Language)
			if err != nil {
				return err
			}

			mu.Lock()
			factsByFile[source] = facts
			mu.Unlock()

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return factsByFile, nil
}

func (p *Parser) parseFile(ctx context.Context, projectDir, relPath, projectLanguage string) (*fileFacts, error) {
	src, err := os.ReadFile(filepath.Join(projectDir, relPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingSource, relPath)
	}

	pool := p.pools[grammarFor(relPath, projectLanguage)]

	tsParser, ok := pool.Get().(*sitter.Parser)
	if !ok {
		return nil, errPoolType
	}
	defer pool.Put(tsParser)

	tree, err := tsParser.ParseString(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParseFailed, relPath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return nil, fmt.Errorf("%w: %s: no root node", ErrParseFailed, relPath)
	}

	facts := newFileFacts()
	collectFacts(root, src, "", facts)

	return facts, nil
}

// libraryClosure walks in-harness calls from the entry function and
// collects leaves that are library symbols. A harness whose entry symbol
// is hidden behind macros falls back to every observed call, keeping
// recall over precision.
func (p *Parser) libraryClosure(ctx context.Context, fuzzer string, facts *fileFacts, library map[string]struct{}) []string {
	found := make(map[string]struct{})

	if _, ok := facts.defs[EntryFunction]; !ok {
		p.log.WarnContext(ctx, "entry function not found in harness, using all observed calls",
			slog.String("fuzzer", fuzzer),
			slog.String("entry", EntryFunction))

		for _, call := range facts.calls {
			if _, lib := library[call]; lib {
				found[call] = struct{}{}
			}
		}

		return sortedKeys(found)
	}

	visited := map[string]struct{}{EntryFunction: {}}
	queue := []string{EntryFunction}

	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]

		for _, callee := range facts.defs[fn] {
			if _, defined := facts.defs[callee]; defined {
				if _, ok := visited[callee]; !ok {
					visited[callee] = struct{}{}
					queue = append(queue, callee)
				}

				continue
			}

			if _, lib := library[callee]; lib {
				found[callee] = struct{}{}
			}
		}
	}

	return sortedKeys(found)
}

// fileFacts holds one file's definitions and call occurrences.
type fileFacts struct {
	// defs maps each defined function to the symbols it calls.
	defs map[string][]string

	// calls lists every call occurrence in the file.
	calls []string
}

func newFileFacts() *fileFacts {
	return &fileFacts{defs: make(map[string][]string)}
}

// mergeFacts combines per-file facts for one fuzzer's source list.
func mergeFacts(factsByFile map[string]*fileFacts, sources []string) *fileFacts {
	merged := newFileFacts()

	for _, source := range sources {
		facts, ok := factsByFile[source]
		if !ok {
			continue
		}

		for name, callees := range facts.defs {
			merged.defs[name] = append(merged.defs[name], callees...)
		}

		merged.calls = append(merged.calls, facts.calls...)
	}

	return merged
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	return keys
}
