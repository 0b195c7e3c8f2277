package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ReachableByFuzzer lists the functions reachable from one fuzzer's
// entry function, ordered by depth then name. depthEq filters to one
// exact depth and maxDepth caps the depth; non-positive values disable
// either filter.
func (s *Store) ReachableByFuzzer(ctx context.Context, id, fuzzer string, depthEq, maxDepth int) ([]ReachedFunction, error) {
	found, err := s.exists(fuzzerKey(id, fuzzer))
	if err != nil {
		return nil, storeErr("lookup fuzzer "+fuzzer, err)
	}

	if !found {
		return nil, fmt.Errorf("%w: fuzzer %s", ErrNotFound, fuzzer)
	}

	allPrefix := kindPrefix(id, kindReaches)
	reached := []ReachedFunction{}

	err = s.scan(ctx, reachFuzzerPrefix(id, fuzzer), false, func(key, val []byte) error {
		fields := keyFields(key, allPrefix)
		if len(fields) != 3 {
			return nil
		}

		var attr reachAttr

		if umErr := json.Unmarshal(val, &attr); umErr != nil {
			return umErr
		}

		if depthEq > 0 && attr.Depth != depthEq {
			return nil
		}

		if maxDepth > 0 && attr.Depth > maxDepth {
			return nil
		}

		reached = append(reached, ReachedFunction{Name: fields[1], FilePath: fields[2], Depth: attr.Depth})

		return nil
	})
	if err != nil {
		return nil, storeErr("scan reaches for "+fuzzer, err)
	}

	sort.Slice(reached, func(i, j int) bool {
		if reached[i].Depth != reached[j].Depth {
			return reached[i].Depth < reached[j].Depth
		}

		if reached[i].Name != reached[j].Name {
			return reached[i].Name < reached[j].Name
		}

		return reached[i].FilePath < reached[j].FilePath
	})

	return reached, nil
}

// UnreachedFunctions lists the defined functions that no fuzzer
// reaches, ordered by file path and start line. Entry functions are
// excluded: they are harness code, not library surface.
func (s *Store) UnreachedFunctions(ctx context.Context, id string) ([]FunctionInfo, error) {
	reachPrefix := kindPrefix(id, kindReaches)
	reached := make(map[FunctionKey]struct{})

	err := s.scan(ctx, reachPrefix, true, func(key, _ []byte) error {
		fields := keyFields(key, reachPrefix)
		if len(fields) == 3 {
			reached[FunctionKey{Name: fields[1], FilePath: fields[2]}] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("scan reaches", err)
	}

	unreached := []FunctionInfo{}

	err = s.scan(ctx, kindPrefix(id, kindFunction), false, func(_, val []byte) error {
		var info FunctionInfo

		if umErr := json.Unmarshal(val, &info); umErr != nil {
			return umErr
		}

		if info.IsEntryPoint {
			return nil
		}

		if _, ok := reached[FunctionKey{Name: info.Name, FilePath: info.FilePath}]; ok {
			return nil
		}

		unreached = append(unreached, info)

		return nil
	})
	if err != nil {
		return nil, storeErr("scan functions", err)
	}

	sort.Slice(unreached, func(i, j int) bool {
		if unreached[i].FilePath != unreached[j].FilePath {
			return unreached[i].FilePath < unreached[j].FilePath
		}

		if unreached[i].StartLine != unreached[j].StartLine {
			return unreached[i].StartLine < unreached[j].StartLine
		}

		return unreached[i].Name < unreached[j].Name
	})

	return unreached, nil
}
