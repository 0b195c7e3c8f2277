// Package logsink stores per-snapshot build logs as append-only files,
// one directory per snapshot id and one file per pipeline phase.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Canonical phase log file names.
const (
	PhaseProbe       = "probe"
	PhaseBuildCmd    = "build_cmd"
	PhaseBitcode     = "bitcode"
	PhaseSVF         = "svf"
	PhaseFuzzerParse = "fuzzer_parse"
	PhaseAIRefine    = "ai_refine"
	PhaseImport      = "import"
)

// dirPerm and filePerm are the modes for snapshot log dirs and files.
const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Phases lists every phase log file in pipeline order.
var Phases = []string{
	PhaseProbe,
	PhaseBuildCmd,
	PhaseBitcode,
	PhaseSVF,
	PhaseFuzzerParse,
	PhaseAIRefine,
	PhaseImport,
}

var (
	// ErrUnknownPhase indicates a phase name outside the canonical set.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrBadSnapshotID indicates a snapshot id unusable as a directory name.
	ErrBadSnapshotID = errors.New("bad snapshot id")
)

// Sink writes and reads phase logs under a root directory.
type Sink struct {
	root string
}

// New returns a Sink rooted at dir. The directory is created lazily on
// first append.
func New(dir string) *Sink {
	return &Sink{root: dir}
}

// Append writes one timestamped line to the phase log of a snapshot.
func (s *Sink) Append(snapshotID, phase, message string) error {
	w, err := s.Writer(snapshotID, phase)
	if err != nil {
		return err
	}

	ts := time.Now().UTC().Format(time.RFC3339)

	_, writeErr := fmt.Fprintf(w, "%s %s\n", ts, message)

	closeErr := w.Close()
	if writeErr != nil {
		return fmt.Errorf("append %s/%s: %w", snapshotID, phase, writeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close %s/%s: %w", snapshotID, phase, closeErr)
	}

	return nil
}

// Appendf formats and appends one line.
func (s *Sink) Appendf(snapshotID, phase, format string, args ...any) error {
	return s.Append(snapshotID, phase, fmt.Sprintf(format, args...))
}

// Writer opens the phase log for appending. Callers stream subprocess
// output through it and must Close when done.
func (s *Sink) Writer(snapshotID, phase string) (io.WriteCloser, error) {
	path, err := s.Path(snapshotID, phase)
	if err != nil {
		return nil, err
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), dirPerm)
	if mkdirErr != nil {
		return nil, fmt.Errorf("create log dir: %w", mkdirErr)
	}

	f, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if openErr != nil {
		return nil, fmt.Errorf("open %s/%s: %w", snapshotID, phase, openErr)
	}

	return f, nil
}

// Read returns the full contents of one phase log. A missing file reads
// as empty: phases that never ran have no log.
func (s *Sink) Read(snapshotID, phase string) ([]byte, error) {
	path, err := s.Path(snapshotID, phase)
	if err != nil {
		return nil, err
	}

	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s/%s: %w", snapshotID, phase, readErr)
	}

	return data, nil
}

// Path returns the validated filesystem path of one phase log.
func (s *Sink) Path(snapshotID, phase string) (string, error) {
	if snapshotID == "" || strings.ContainsAny(snapshotID, `/\`) || snapshotID == "." || snapshotID == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadSnapshotID, snapshotID)
	}

	if !isKnownPhase(phase) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}

	return filepath.Join(s.root, snapshotID, phase), nil
}

// Dir returns the validated log directory of one snapshot.
func (s *Sink) Dir(snapshotID string) (string, error) {
	if snapshotID == "" || strings.ContainsAny(snapshotID, `/\`) || snapshotID == "." || snapshotID == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadSnapshotID, snapshotID)
	}

	return filepath.Join(s.root, snapshotID), nil
}

// Written returns the phases that have a log file, in pipeline order.
func (s *Sink) Written(snapshotID string) ([]string, error) {
	dir, err := s.Dir(snapshotID)
	if err != nil {
		return nil, err
	}

	var present []string

	for _, phase := range Phases {
		_, statErr := os.Stat(filepath.Join(dir, phase))
		if statErr == nil {
			present = append(present, phase)
		}
	}

	return present, nil
}

// List returns the snapshot ids that have a log directory, sorted. A
// missing root lists as empty.
func (s *Sink) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	return ids, nil
}

// Remove deletes the whole log directory of a snapshot. Used on eviction.
func (s *Sink) Remove(snapshotID string) error {
	dir, err := s.Dir(snapshotID)
	if err != nil {
		return err
	}

	removeErr := os.RemoveAll(dir)
	if removeErr != nil {
		return fmt.Errorf("remove logs %s: %w", snapshotID, removeErr)
	}

	return nil
}

func isKnownPhase(phase string) bool {
	for _, known := range Phases {
		if phase == known {
			return true
		}
	}

	return false
}
