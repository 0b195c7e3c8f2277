package graphstore

import (
	"context"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// nameIndex is an in-memory view of the functions and externals of one
// snapshot, used to resolve edge endpoints during import.
type nameIndex struct {
	byName    map[string][]FunctionKey
	functions map[FunctionKey]struct{}
	externals map[string]struct{}
}

// loadNameIndex scans the function and external keys of a snapshot.
func (s *Store) loadNameIndex(ctx context.Context, id string) (*nameIndex, error) {
	idx := &nameIndex{
		byName:    make(map[string][]FunctionKey),
		functions: make(map[FunctionKey]struct{}),
		externals: make(map[string]struct{}),
	}

	fnPrefix := kindPrefix(id, kindFunction)

	err := s.scan(ctx, fnPrefix, true, func(key, _ []byte) error {
		fields := keyFields(key, fnPrefix)
		if len(fields) != 2 {
			return nil
		}

		fnKey := FunctionKey{Name: fields[0], FilePath: fields[1]}
		idx.functions[fnKey] = struct{}{}
		idx.byName[fnKey.Name] = append(idx.byName[fnKey.Name], fnKey)

		return nil
	})
	if err != nil {
		return nil, storeErr("index functions", err)
	}

	extPrefix := kindPrefix(id, kindExternal)

	err = s.scan(ctx, extPrefix, true, func(key, _ []byte) error {
		fields := keyFields(key, extPrefix)
		if len(fields) == 1 {
			idx.externals[fields[0]] = struct{}{}
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("index externals", err)
	}

	for name := range idx.byName {
		keys := idx.byName[name]
		sort.Slice(keys, func(i, j int) bool {
			return keys[i].FilePath < keys[j].FilePath
		})
	}

	return idx, nil
}

// matchFunctions resolves a function reference. An exact path returns
// at most one key; a name-only reference returns every function of that
// name, or the external key when the name is a known external.
func (idx *nameIndex) matchFunctions(name, path string) []FunctionKey {
	if path != "" {
		key := FunctionKey{Name: name, FilePath: path}
		if _, ok := idx.functions[key]; ok {
			return []FunctionKey{key}
		}

		return nil
	}

	if matches := idx.byName[name]; len(matches) > 0 {
		return matches
	}

	if _, ok := idx.externals[name]; ok {
		return []FunctionKey{{Name: name}}
	}

	return nil
}

// ensureExternal stages an External node for name unless one exists.
func (idx *nameIndex) ensureExternal(batch *badger.WriteBatch, id, name string) error {
	if _, ok := idx.externals[name]; ok {
		return nil
	}

	if err := batch.Set(externalKey(id, name), []byte("{}")); err != nil {
		return storeErr("stage external", err)
	}

	idx.externals[name] = struct{}{}

	return nil
}
