package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	badger "github.com/dgraph-io/badger/v4"
)

// defaultRawScanLimit caps RawScan results when the caller passes no
// explicit limit.
const defaultRawScanLimit = 100

// resolveFunction resolves (name, filePath) to the key of a defined
// function. An empty filePath is allowed only when exactly one function
// carries the name; several matches surface ErrAmbiguousFunction.
func (s *Store) resolveFunction(ctx context.Context, id, name, filePath string) (FunctionKey, error) {
	if name == "" {
		return FunctionKey{}, fmt.Errorf("%w: empty function name", ErrStore)
	}

	if filePath != "" {
		key := FunctionKey{Name: name, FilePath: filePath}

		found, err := s.exists(funcKey(id, key))
		if err != nil {
			return FunctionKey{}, storeErr("lookup function", err)
		}

		if !found {
			return FunctionKey{}, fmt.Errorf("%w: function %s in %s", ErrNotFound, name, filePath)
		}

		return key, nil
	}

	matches, err := s.functionsNamed(ctx, id, name)
	if err != nil {
		return FunctionKey{}, err
	}

	switch len(matches) {
	case 0:
		return FunctionKey{}, fmt.Errorf("%w: function %s", ErrNotFound, name)
	case 1:
		return matches[0], nil
	default:
		paths := make([]string, len(matches))
		for idx, match := range matches {
			paths[idx] = match.FilePath
		}

		return FunctionKey{}, fmt.Errorf("%w: %s defined in %s", ErrAmbiguousFunction, name, strings.Join(paths, ", "))
	}
}

// resolveCallTarget resolves like resolveFunction but falls back to the
// External node of the same name when no function matches.
func (s *Store) resolveCallTarget(ctx context.Context, id, name, filePath string) (FunctionKey, error) {
	key, err := s.resolveFunction(ctx, id, name, filePath)
	if err == nil || !errors.Is(err, ErrNotFound) || filePath != "" {
		return key, err
	}

	found, existsErr := s.exists(externalKey(id, name))
	if existsErr != nil {
		return FunctionKey{}, storeErr("lookup external", existsErr)
	}

	if !found {
		return FunctionKey{}, err
	}

	return FunctionKey{Name: name}, nil
}

// functionsNamed returns the keys of every function carrying name,
// sorted by file path.
func (s *Store) functionsNamed(ctx context.Context, id, name string) ([]FunctionKey, error) {
	prefix := funcNamePrefix(id, name)

	var matches []FunctionKey

	err := s.scan(ctx, prefix, true, func(key, _ []byte) error {
		fields := keyFields(key, prefix)
		if len(fields) == 1 {
			matches = append(matches, FunctionKey{Name: name, FilePath: fields[0]})
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("scan functions named "+name, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].FilePath < matches[j].FilePath
	})

	return matches, nil
}

// GetFunctionMetadata fetches one function including its body.
func (s *Store) GetFunctionMetadata(ctx context.Context, id, name, filePath string) (*FunctionRecord, error) {
	key, err := s.resolveFunction(ctx, id, name, filePath)
	if err != nil {
		return nil, err
	}

	var rec FunctionRecord

	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(funcKey(id, key))
		if getErr != nil {
			return getErr
		}

		valErr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
		if valErr != nil {
			return valErr
		}

		bodyItem, bodyErr := txn.Get(bodyKey(id, key))
		if errors.Is(bodyErr, badger.ErrKeyNotFound) {
			return nil
		}

		if bodyErr != nil {
			return bodyErr
		}

		return bodyItem.Value(func(val []byte) error {
			body, decErr := decompressBody(val)
			if decErr != nil {
				return decErr
			}

			rec.Content = string(body)

			return nil
		})
	})
	if err != nil {
		return nil, storeErr("get function "+name, err)
	}

	return &rec, nil
}

// ListFunctionInfoByFile lists the functions recorded in one source
// file, ordered by start line.
func (s *Store) ListFunctionInfoByFile(ctx context.Context, id, path string) ([]FunctionInfo, error) {
	prefix := filePrefix(id, path)
	infos := []FunctionInfo{}

	err := s.scan(ctx, prefix, false, func(_, val []byte) error {
		var info FunctionInfo

		if umErr := json.Unmarshal(val, &info); umErr != nil {
			return umErr
		}

		infos = append(infos, info)

		return nil
	})
	if err != nil {
		return nil, storeErr("list functions in "+path, err)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartLine != infos[j].StartLine {
			return infos[i].StartLine < infos[j].StartLine
		}

		return infos[i].Name < infos[j].Name
	})

	return infos, nil
}

// SearchFunctions lists the functions whose name matches a glob
// pattern, ordered by name then file path.
func (s *Store) SearchFunctions(ctx context.Context, id, pattern string) ([]FunctionInfo, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: invalid pattern %q", ErrStore, pattern)
	}

	prefix := kindPrefix(id, kindFunction)
	infos := []FunctionInfo{}

	err := s.scan(ctx, prefix, false, func(key, val []byte) error {
		fields := keyFields(key, prefix)
		if len(fields) != 2 {
			return nil
		}

		matched, matchErr := doublestar.Match(pattern, fields[0])
		if matchErr != nil || !matched {
			return matchErr
		}

		var info FunctionInfo

		if umErr := json.Unmarshal(val, &info); umErr != nil {
			return umErr
		}

		infos = append(infos, info)

		return nil
	})
	if err != nil {
		return nil, storeErr("search functions", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}

		return infos[i].FilePath < infos[j].FilePath
	})

	return infos, nil
}

// GetCallers lists the functions calling the given function or
// external, with edge attributes.
func (s *Store) GetCallers(ctx context.Context, id, name, filePath string) ([]CallSite, error) {
	target, err := s.resolveCallTarget(ctx, id, name, filePath)
	if err != nil {
		return nil, err
	}

	prefix := kindPrefix(id, kindRevCalls)
	sites := []CallSite{}

	err = s.scan(ctx, revCallPrefix(id, target), false, func(key, val []byte) error {
		fields := keyFields(key, prefix)
		if len(fields) != 5 {
			return nil
		}

		var attr edgeAttr

		if umErr := json.Unmarshal(val, &attr); umErr != nil {
			return umErr
		}

		sites = append(sites, CallSite{
			Name:       fields[2],
			FilePath:   fields[3],
			CallType:   fields[4],
			Confidence: attr.Confidence,
			Backend:    attr.Backend,
		})

		return nil
	})
	if err != nil {
		return nil, storeErr("get callers of "+name, err)
	}

	sortCallSites(sites)

	return sites, nil
}

// GetCallees lists the call targets of the given function, with edge
// attributes. An external resolves to an empty list.
func (s *Store) GetCallees(ctx context.Context, id, name, filePath string) ([]CallSite, error) {
	caller, err := s.resolveCallTarget(ctx, id, name, filePath)
	if err != nil {
		return nil, err
	}

	prefix := kindPrefix(id, kindCalls)
	sites := []CallSite{}

	err = s.scan(ctx, callOutPrefix(id, caller), false, func(key, val []byte) error {
		fields := keyFields(key, prefix)
		if len(fields) != 5 {
			return nil
		}

		var attr edgeAttr

		if umErr := json.Unmarshal(val, &attr); umErr != nil {
			return umErr
		}

		sites = append(sites, CallSite{
			Name:       fields[2],
			FilePath:   fields[3],
			External:   fields[3] == "",
			CallType:   fields[4],
			Confidence: attr.Confidence,
			Backend:    attr.Backend,
		})

		return nil
	})
	if err != nil {
		return nil, storeErr("get callees of "+name, err)
	}

	sortCallSites(sites)

	return sites, nil
}

// ListExternalFunctionNames lists external names in sorted order.
func (s *Store) ListExternalFunctionNames(ctx context.Context, id string) ([]string, error) {
	prefix := kindPrefix(id, kindExternal)
	names := []string{}

	err := s.scan(ctx, prefix, true, func(key, _ []byte) error {
		fields := keyFields(key, prefix)
		if len(fields) == 1 {
			names = append(names, fields[0])
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("list externals", err)
	}

	sort.Strings(names)

	return names, nil
}

// ListFuzzerInfo lists fuzzer records without harness sources, ordered
// by name.
func (s *Store) ListFuzzerInfo(ctx context.Context, id string) ([]FuzzerRecord, error) {
	prefix := kindPrefix(id, kindFuzzer)
	fuzzers := []FuzzerRecord{}

	err := s.scan(ctx, prefix, false, func(_, val []byte) error {
		var rec FuzzerRecord

		if umErr := json.Unmarshal(val, &rec); umErr != nil {
			return umErr
		}

		fuzzers = append(fuzzers, rec)

		return nil
	})
	if err != nil {
		return nil, storeErr("list fuzzers", err)
	}

	sort.Slice(fuzzers, func(i, j int) bool {
		return fuzzers[i].Name < fuzzers[j].Name
	})

	return fuzzers, nil
}

// GetFuzzerMetadata fetches one fuzzer including its harness sources.
func (s *Store) GetFuzzerMetadata(ctx context.Context, id, name string) (*FuzzerRecord, error) {
	payload, err := s.getValue(fuzzerKey(id, name), "fuzzer "+name)
	if err != nil {
		return nil, err
	}

	var rec FuzzerRecord

	if umErr := json.Unmarshal(payload, &rec); umErr != nil {
		return nil, storeErr("decode fuzzer "+name, umErr)
	}

	sources := make(map[string]string)
	prefix := fuzzerSourcePrefix(id, name)
	allPrefix := kindPrefix(id, kindSource)

	err = s.scan(ctx, prefix, false, func(key, val []byte) error {
		fields := keyFields(key, allPrefix)
		if len(fields) != 2 {
			return nil
		}

		source, decErr := decompressBody(val)
		if decErr != nil {
			return decErr
		}

		sources[fields[1]] = string(source)

		return nil
	})
	if err != nil {
		return nil, storeErr("load fuzzer sources", err)
	}

	for idx := range rec.Files {
		rec.Files[idx].Source = sources[rec.Files[idx].Path]
	}

	return &rec, nil
}

// GetStatistics summarizes one snapshot: node and edge counts, the
// REACHES depth distribution, and per-fuzzer reach cardinality.
func (s *Store) GetStatistics(ctx context.Context, id string) (*Statistics, error) {
	payload, err := s.getValue(metaKey(id), "snapshot "+id)
	if err != nil {
		return nil, err
	}

	var meta snapshotMeta

	if umErr := json.Unmarshal(payload, &meta); umErr != nil {
		return nil, storeErr("decode snapshot node", umErr)
	}

	stats := &Statistics{
		SnapshotID:       meta.ID,
		RepoURL:          meta.RepoURL,
		Version:          meta.Version,
		Backend:          meta.Backend,
		CreatedAt:        meta.CreatedAt,
		DepthHistogram:   make(map[int]int),
		ReachedPerFuzzer: make(map[string]int),
	}

	counts := []struct {
		kind byte
		dst  *int
	}{
		{kindFunction, &stats.FunctionCount},
		{kindExternal, &stats.ExternalCount},
		{kindFuzzer, &stats.FuzzerCount},
		{kindCalls, &stats.CallCount},
	}

	for _, counter := range counts {
		err = s.scan(ctx, kindPrefix(id, counter.kind), true, func(_, _ []byte) error {
			*counter.dst++

			return nil
		})
		if err != nil {
			return nil, storeErr("count snapshot nodes", err)
		}
	}

	reachPrefix := kindPrefix(id, kindReaches)

	err = s.scan(ctx, reachPrefix, false, func(key, val []byte) error {
		fields := keyFields(key, reachPrefix)
		if len(fields) != 3 {
			return nil
		}

		var attr reachAttr

		if umErr := json.Unmarshal(val, &attr); umErr != nil {
			return umErr
		}

		stats.ReachCount++
		stats.DepthHistogram[attr.Depth]++
		stats.ReachedPerFuzzer[fields[0]]++

		return nil
	})
	if err != nil {
		return nil, storeErr("scan reaches", err)
	}

	return stats, nil
}

// RawScan is the debugging escape hatch: it returns up to limit raw
// key-value pairs under an arbitrary key prefix, bypassing the typed
// query surface.
func (s *Store) RawScan(ctx context.Context, prefix string, limit int) ([]RawEntry, error) {
	if limit <= 0 {
		limit = defaultRawScanLimit
	}

	entries := []RawEntry{}

	err := s.scan(ctx, []byte(prefix), false, func(key, val []byte) error {
		entries = append(entries, RawEntry{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), val...),
		})

		if len(entries) >= limit {
			return errStopScan
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("raw scan", err)
	}

	return entries, nil
}

// sortCallSites orders call sites by name, file path, then call type.
func sortCallSites(sites []CallSite) {
	sort.Slice(sites, func(i, j int) bool {
		if sites[i].Name != sites[j].Name {
			return sites[i].Name < sites[j].Name
		}

		if sites[i].FilePath != sites[j].FilePath {
			return sites[i].FilePath < sites[j].FilePath
		}

		return sites[i].CallType < sites[j].CallType
	})
}
