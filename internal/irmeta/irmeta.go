// Package irmeta extracts per-function debug metadata from textual LLVM
// IR. Subprogram records are joined to their define sites so each entry
// carries the true IR symbol, the source-level name, and a source
// attribution, with the verbatim function body attached when the source
// file is readable.
package irmeta

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoDebugInfo indicates the module carries no subprogram records,
// which means it was produced without debug info.
var ErrNoDebugInfo = errors.New("no subprogram debug records in module")

// FunctionMeta is one function's debug attribution.
type FunctionMeta struct {
	// IRName is the module-level symbol, possibly mangled or cloned.
	IRName string

	// OriginalName is the source-level identifier.
	OriginalName string

	// FilePath is the defining file, project-relative when possible.
	FilePath string

	// StartLine is the declaration line from the subprogram record.
	StartLine int

	// EndLine is the line of the matching closing brace, or StartLine
	// when the body could not be captured.
	EndLine int

	// Content is the verbatim source body, empty when unavailable.
	Content string
}

var (
	defineNameRe = regexp.MustCompile(`^define .*?@(?:"([^"]*)"|([-\w$.]+))\(`)
	dbgRefRe     = regexp.MustCompile(`!dbg !(\d+)`)
	subprogramRe = regexp.MustCompile(`^!(\d+) = (?:distinct )?!DISubprogram\((.*)\)\s*$`)
	fileNodeRe   = regexp.MustCompile(`^!(\d+) = !DIFile\((.*)\)\s*$`)
	nameFieldRe  = regexp.MustCompile(`\bname: "((?:[^"\\]|\\.)*)"`)
	fileFieldRe  = regexp.MustCompile(`\bfile: !(\d+)`)
	lineFieldRe  = regexp.MustCompile(`\bline: (\d+)`)
	filenameRe   = regexp.MustCompile(`filename: "((?:[^"\\]|\\.)*)"`)
	directoryRe  = regexp.MustCompile(`directory: "((?:[^"\\]|\\.)*)"`)
)

type subprogram struct {
	name   string
	fileID int
	line   int
}

type defineSite struct {
	irName string
	dbgID  int
}

type fileNode struct {
	filename  string
	directory string
}

// Extract reads a .ll module and returns its function metadata. Source
// bodies are resolved against projectDir.
func Extract(llPath, projectDir string) ([]FunctionMeta, error) {
	data, err := os.ReadFile(llPath)
	if err != nil {
		return nil, fmt.Errorf("read ir: %w", err)
	}

	return Parse(data, projectDir)
}

// Parse extracts function metadata from textual IR.
func Parse(data []byte, projectDir string) ([]FunctionMeta, error) {
	defines, subprograms, files := scanModule(data)

	metas := make([]FunctionMeta, 0, len(defines))

	for _, def := range defines {
		sp, ok := subprograms[def.dbgID]
		if !ok {
			continue
		}

		meta := FunctionMeta{
			IRName:       def.irName,
			OriginalName: sp.name,
			StartLine:    sp.line,
			EndLine:      sp.line,
		}

		if meta.OriginalName == "" {
			meta.OriginalName = def.irName
		}

		if file, ok := files[sp.fileID]; ok {
			meta.FilePath = relSourcePath(projectDir, file.directory, file.filename)
		}

		if meta.FilePath != "" && meta.StartLine > 0 {
			if content, endLine, err := captureBody(filepath.Join(projectDir, meta.FilePath), meta.StartLine); err == nil {
				meta.Content = content
				meta.EndLine = endLine
			}
		}

		metas = append(metas, meta)
	}

	if len(metas) == 0 {
		return nil, ErrNoDebugInfo
	}

	return metas, nil
}

// scanModule collects define sites and the metadata nodes they point at.
func scanModule(data []byte) ([]defineSite, map[int]subprogram, map[int]fileNode) {
	var defines []defineSite

	subprograms := make(map[int]subprogram)
	files := make(map[int]fileNode)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "define"):
			if def, ok := parseDefine(line); ok {
				defines = append(defines, def)
			}
		case strings.HasPrefix(line, "!"):
			parseMetadataNode(line, subprograms, files)
		}
	}

	return defines, subprograms, files
}

func parseDefine(line string) (defineSite, bool) {
	name := defineNameRe.FindStringSubmatch(line)
	if name == nil {
		return defineSite{}, false
	}

	dbg := dbgRefRe.FindStringSubmatch(line)
	if dbg == nil {
		return defineSite{}, false
	}

	id, err := strconv.Atoi(dbg[1])
	if err != nil {
		return defineSite{}, false
	}

	irName := name[1]
	if irName == "" {
		irName = name[2]
	}

	return defineSite{irName: irName, dbgID: id}, true
}

func parseMetadataNode(line string, subprograms map[int]subprogram, files map[int]fileNode) {
	if m := subprogramRe.FindStringSubmatch(line); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}

		subprograms[id] = parseSubprogram(m[2])

		return
	}

	if m := fileNodeRe.FindStringSubmatch(line); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}

		files[id] = parseFileNode(m[2])
	}
}

func parseSubprogram(fields string) subprogram {
	var sp subprogram

	if m := nameFieldRe.FindStringSubmatch(fields); m != nil {
		sp.name = m[1]
	}

	if m := fileFieldRe.FindStringSubmatch(fields); m != nil {
		sp.fileID, _ = strconv.Atoi(m[1])
	}

	if m := lineFieldRe.FindStringSubmatch(fields); m != nil {
		sp.line, _ = strconv.Atoi(m[1])
	}

	return sp
}

func parseFileNode(fields string) fileNode {
	var fn fileNode

	if m := filenameRe.FindStringSubmatch(fields); m != nil {
		fn.filename = m[1]
	}

	if m := directoryRe.FindStringSubmatch(fields); m != nil {
		fn.directory = m[1]
	}

	return fn
}

// relSourcePath reduces a DIFile attribution to a project-relative path.
// Compile-time paths outside the project tree are kept as written.
func relSourcePath(projectDir, directory, filename string) string {
	full := filename
	if !filepath.IsAbs(full) {
		full = filepath.Join(directory, filename)
	}

	if rel, err := filepath.Rel(projectDir, full); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}

	return filepath.ToSlash(filepath.Clean(filename))
}
