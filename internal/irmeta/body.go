package irmeta

import (
	"os"
	"strings"
)

// captureBody reads the function body declared at startLine: everything
// from that line through the brace that closes the body. Braces inside
// string and character literals and inside comments do not count. Returns
// an error when the file is unreadable or no balanced body is found.
func captureBody(path string, startLine int) (string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}

	lines := strings.Split(string(data), "\n")
	if startLine < 1 || startLine > len(lines) {
		return "", 0, os.ErrInvalid
	}

	var scan braceScanner

	for i := startLine - 1; i < len(lines); i++ {
		if scan.feedLine(lines[i]) {
			endLine := i + 1

			return strings.Join(lines[startLine-1:endLine], "\n"), endLine, nil
		}
	}

	return "", 0, os.ErrInvalid
}

// braceScanner tracks brace depth across C/C++ source, skipping literals
// and comments.
type braceScanner struct {
	depth          int
	started        bool
	inString       bool
	inChar         bool
	inBlockComment bool
}

// feedLine consumes one source line and reports whether the body closed
// on it.
func (s *braceScanner) feedLine(line string) bool {
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]

		switch {
		case s.inBlockComment:
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.inBlockComment = false
				i++
			}
		case s.inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				s.inString = false
			}
		case s.inChar:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '\'':
				s.inChar = false
			}
		case c == '/' && i+1 < len(line):
			if line[i+1] == '/' {
				return false
			}

			if line[i+1] == '*' {
				s.inBlockComment = true
				i++
			}
		case c == '"':
			s.inString = true
		case c == '\'':
			s.inChar = true
		case c == '{':
			s.depth++
			s.started = true
		case c == '}':
			s.depth--
			if s.started && s.depth == 0 {
				return true
			}
		}
	}

	// Unterminated string or char literals do not span lines in valid
	// source; reset so one bad literal cannot poison the rest of the file.
	s.inString = false
	s.inChar = false

	return false
}
