package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// FunctionChange pairs the two revisions of a function whose body
// differs between snapshots. Contents are loaded so callers can render
// a line diff; they are excluded from JSON output.
type FunctionChange struct {
	Name         string `json:"name"`
	FilePath     string `json:"file_path"`
	OldStartLine int    `json:"old_start_line"`
	OldEndLine   int    `json:"old_end_line"`
	NewStartLine int    `json:"new_start_line"`
	NewEndLine   int    `json:"new_end_line"`
	OldContent   string `json:"-"`
	NewContent   string `json:"-"`
}

// SnapshotDiff lists the defined functions added, removed, and changed
// between two snapshots. Externals and harness entry functions are
// excluded on both sides.
type SnapshotDiff struct {
	OldID   string           `json:"old_id"`
	NewID   string           `json:"new_id"`
	Added   []FunctionInfo   `json:"added"`
	Removed []FunctionInfo   `json:"removed"`
	Changed []FunctionChange `json:"changed"`
}

// DiffSnapshots compares the defined functions of two snapshots,
// typically two versions of the same repository. A function is added or
// removed when its name and file path exist in only one snapshot, and
// changed when it exists in both with a different body. Functions
// stored without a body fall back to a line-span comparison.
func (s *Store) DiffSnapshots(ctx context.Context, oldID, newID string) (*SnapshotDiff, error) {
	for _, id := range []string{oldID, newID} {
		found, err := s.HasSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}

		if !found {
			return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
		}
	}

	oldFns, err := s.definedFunctions(ctx, oldID)
	if err != nil {
		return nil, err
	}

	newFns, err := s.definedFunctions(ctx, newID)
	if err != nil {
		return nil, err
	}

	diff := &SnapshotDiff{
		OldID:   oldID,
		NewID:   newID,
		Added:   []FunctionInfo{},
		Removed: []FunctionInfo{},
		Changed: []FunctionChange{},
	}

	common := []FunctionKey{}

	for key, info := range newFns {
		if _, ok := oldFns[key]; ok {
			common = append(common, key)
		} else {
			diff.Added = append(diff.Added, info)
		}
	}

	for key, info := range oldFns {
		if _, ok := newFns[key]; !ok {
			diff.Removed = append(diff.Removed, info)
		}
	}

	for _, key := range common {
		oldInfo, newInfo := oldFns[key], newFns[key]

		oldBody, bodyErr := s.functionBody(oldID, key)
		if bodyErr != nil {
			return nil, bodyErr
		}

		newBody, bodyErr := s.functionBody(newID, key)
		if bodyErr != nil {
			return nil, bodyErr
		}

		changed := oldBody != newBody
		if oldBody == "" && newBody == "" {
			changed = oldInfo.EndLine-oldInfo.StartLine != newInfo.EndLine-newInfo.StartLine
		}

		if !changed {
			continue
		}

		diff.Changed = append(diff.Changed, FunctionChange{
			Name:         key.Name,
			FilePath:     key.FilePath,
			OldStartLine: oldInfo.StartLine,
			OldEndLine:   oldInfo.EndLine,
			NewStartLine: newInfo.StartLine,
			NewEndLine:   newInfo.EndLine,
			OldContent:   oldBody,
			NewContent:   newBody,
		})
	}

	sortFunctionInfos(diff.Added)
	sortFunctionInfos(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool {
		if diff.Changed[i].FilePath != diff.Changed[j].FilePath {
			return diff.Changed[i].FilePath < diff.Changed[j].FilePath
		}

		return diff.Changed[i].Name < diff.Changed[j].Name
	})

	return diff, nil
}

// definedFunctions collects the non-entry defined functions of one
// snapshot keyed by identity.
func (s *Store) definedFunctions(ctx context.Context, id string) (map[FunctionKey]FunctionInfo, error) {
	fns := make(map[FunctionKey]FunctionInfo)

	err := s.scan(ctx, kindPrefix(id, kindFunction), false, func(_, val []byte) error {
		var info FunctionInfo

		if umErr := json.Unmarshal(val, &info); umErr != nil {
			return umErr
		}

		if info.IsEntryPoint {
			return nil
		}

		fns[FunctionKey{Name: info.Name, FilePath: info.FilePath}] = info

		return nil
	})
	if err != nil {
		return nil, storeErr("scan functions of "+id, err)
	}

	return fns, nil
}

// functionBody loads one stored body. Functions imported without a body
// yield the empty string.
func (s *Store) functionBody(id string, key FunctionKey) (string, error) {
	var body string

	err := s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(bodyKey(id, key))
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}

		if getErr != nil {
			return getErr
		}

		return item.Value(func(val []byte) error {
			raw, decErr := decompressBody(val)
			if decErr != nil {
				return decErr
			}

			body = string(raw)

			return nil
		})
	})
	if err != nil {
		return "", storeErr("load body of "+key.Name, err)
	}

	return body, nil
}

func sortFunctionInfos(infos []FunctionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].FilePath != infos[j].FilePath {
			return infos[i].FilePath < infos[j].FilePath
		}

		if infos[i].StartLine != infos[j].StartLine {
			return infos[i].StartLine < infos[j].StartLine
		}

		return infos[i].Name < infos[j].Name
	})
}
