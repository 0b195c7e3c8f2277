// Package probe inspects a project tree before the build: it classifies
// the primary language, identifies the build system from marker files,
// and enumerates source files. Ambiguity is never fatal; an unmatched
// tree probes as build system "unknown".
package probe

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/src-d/enry/v2"
)

// Language tags.
const (
	LangC       = "c"
	LangCXX     = "c++"
	LangUnknown = "unknown"
)

// Build system tags, in detection priority order.
const (
	BuildCMake     = "cmake"
	BuildAutotools = "autotools"
	BuildMeson     = "meson"
	BuildScript    = "build.sh"
	BuildMake      = "make"
	BuildCargo     = "cargo"
	BuildGo        = "go"
	BuildNode      = "node"
	BuildPython    = "python"
	BuildUnknown   = "unknown"
)

// classifyHead caps how much of a file feeds language classification.
const classifyHead = 16 * 1024

// ErrUnreadableTree indicates the project root cannot be walked.
var ErrUnreadableTree = errors.New("unreadable project tree")

// ProjectInfo is the probe result.
type ProjectInfo struct {
	// Language is the primary language: "c", "c++", or "unknown".
	Language string

	// BuildSystem is the detected build-system tag.
	BuildSystem string

	// SourceFiles lists project-relative C/C++ source files, sorted.
	SourceFiles []string

	// DiffFiles echoes the ticket's incremental-scope hint.
	DiffFiles []string

	// HasCompileCommands reports a compile_commands.json manifest at the
	// root or under build/.
	HasCompileCommands bool

	// HasClangConfig reports a .clang-format or .clang-tidy file.
	HasClangConfig bool
}

// skipDirs are tree names excluded from source enumeration.
var skipDirs = map[string]struct{}{
	"vendor":      {},
	"third_party": {},
	"build":       {},
	".git":        {},
}

// sourceExtensions are the C/C++ file extensions the probe counts.
var sourceExtensions = map[string]struct{}{
	".c": {}, ".h": {},
	".cc": {}, ".cpp": {}, ".cxx": {}, ".c++": {},
	".hh": {}, ".hpp": {}, ".hxx": {}, ".h++": {},
}

// Probe inspects the project rooted at root. diffFiles is carried through
// untouched. The only fatal failure is an unwalkable root.
func Probe(root string, diffFiles []string) (*ProjectInfo, error) {
	info := &ProjectInfo{
		Language:    LangUnknown,
		BuildSystem: detectBuildSystem(root),
		DiffFiles:   diffFiles,
	}

	detectHints(root, info)

	var cCount, cxxCount int

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			return nil
		}

		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}

			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, isSource := sourceExtensions[ext]; !isSource {
			return nil
		}

		if enry.IsVendor(rel) {
			return nil
		}

		info.SourceFiles = append(info.SourceFiles, filepath.ToSlash(rel))

		switch classifyFile(path) {
		case LangC:
			cCount++
		case LangCXX:
			cxxCount++
		}

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableTree, root, walkErr)
	}

	slices.Sort(info.SourceFiles)

	switch {
	case cxxCount > cCount:
		info.Language = LangCXX
	case cCount > 0:
		info.Language = LangC
	}

	return info, nil
}

// classifyFile votes one source file as C or C++ using content-aware
// detection, falling back to the extension when content is unreadable.
func classifyFile(path string) string {
	head := readHead(path)

	lang := enry.GetLanguage(filepath.Base(path), head)
	switch lang {
	case "C":
		return LangC
	case "C++":
		return LangCXX
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return LangC
	case ".cc", ".cpp", ".cxx", ".c++", ".hh", ".hpp", ".hxx", ".h++":
		return LangCXX
	}

	return LangUnknown
}

func readHead(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	head := make([]byte, classifyHead)

	n, readErr := io.ReadFull(f, head)
	if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
		return nil
	}

	return head[:n]
}

// detectBuildSystem checks root-level marker files in priority order.
func detectBuildSystem(root string) string {
	markers := []struct {
		tag   string
		files []string
	}{
		{BuildCMake, []string{"CMakeLists.txt"}},
		{BuildAutotools, []string{"configure", "configure.ac"}},
		{BuildMeson, []string{"meson.build"}},
		{BuildScript, []string{"build.sh"}},
		{BuildMake, []string{"Makefile", "makefile", "GNUmakefile"}},
		{BuildCargo, []string{"Cargo.toml"}},
		{BuildGo, []string{"go.mod"}},
		{BuildNode, []string{"package.json"}},
		{BuildPython, []string{"setup.py", "pyproject.toml"}},
	}

	for _, marker := range markers {
		for _, name := range marker.files {
			if fileExists(filepath.Join(root, name)) {
				return marker.tag
			}
		}
	}

	return BuildUnknown
}

// detectHints records compile-command manifests and clang tool configs.
func detectHints(root string, info *ProjectInfo) {
	info.HasCompileCommands = fileExists(filepath.Join(root, "compile_commands.json")) ||
		fileExists(filepath.Join(root, "build", "compile_commands.json"))

	info.HasClangConfig = fileExists(filepath.Join(root, ".clang-format")) ||
		fileExists(filepath.Join(root, ".clang-tidy"))
}

func fileExists(path string) bool {
	st, err := os.Stat(path)

	return err == nil && !st.IsDir()
}
