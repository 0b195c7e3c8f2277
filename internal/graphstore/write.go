package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// CreateSnapshot writes the Snapshot node. Repeated calls for the same
// id overwrite it.
func (s *Store) CreateSnapshot(ctx context.Context, id, repoURL, version, backendName string) error {
	if id == "" {
		return fmt.Errorf("%w: empty snapshot id", ErrStore)
	}

	meta := snapshotMeta{
		ID:        id,
		RepoURL:   repoURL,
		Version:   version,
		Backend:   backendName,
		CreatedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return storeErr("encode snapshot node", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(id), payload)
	})
	if err != nil {
		return storeErr("create snapshot "+id, err)
	}

	s.log.InfoContext(ctx, "snapshot node created",
		slog.String("snapshot", id),
		slog.String("repo", repoURL),
		slog.String("version", version))

	return nil
}

// ImportFunctions creates Function nodes for records carrying source
// provenance and External nodes for records without one. Re-importing
// the same records is idempotent. Returns the number of distinct nodes
// written.
func (s *Store) ImportFunctions(ctx context.Context, id string, records []FunctionRecord) (int, error) {
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	seen := make(map[FunctionKey]struct{}, len(records))
	functions, externals := 0, 0

	for _, rec := range records {
		if rec.Name == "" {
			return 0, fmt.Errorf("%w: function with empty name", ErrStore)
		}

		if filepath.IsAbs(rec.FilePath) {
			return 0, fmt.Errorf("%w: absolute file path %q for function %s", ErrStore, rec.FilePath, rec.Name)
		}

		key := rec.Key()
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		if rec.FilePath == "" {
			if err := batch.Set(externalKey(id, rec.Name), []byte("{}")); err != nil {
				return 0, storeErr("stage external", err)
			}

			externals++

			continue
		}

		meta, err := json.Marshal(rec)
		if err != nil {
			return 0, storeErr("encode function "+rec.Name, err)
		}

		if err := batch.Set(funcKey(id, key), meta); err != nil {
			return 0, storeErr("stage function", err)
		}

		if err := batch.Set(fileKey(id, key.FilePath, key.Name), meta); err != nil {
			return 0, storeErr("stage file index", err)
		}

		if rec.Content != "" {
			if err := batch.Set(bodyKey(id, key), compressBody([]byte(rec.Content))); err != nil {
				return 0, storeErr("stage function body", err)
			}
		}

		functions++
	}

	if err := batch.Flush(); err != nil {
		return 0, storeErr("import functions", err)
	}

	s.log.InfoContext(ctx, "functions imported",
		slog.String("snapshot", id),
		slog.Int("functions", functions),
		slog.Int("externals", externals))

	return functions + externals, nil
}

// ImportEdges creates CALLS edges. Endpoints with a file path are
// matched exactly; name-only endpoints resolve against all functions of
// that name, and a callee matching no function becomes an External.
// Edges whose caller cannot be resolved are skipped. Returns the number
// of distinct edges written.
func (s *Store) ImportEdges(ctx context.Context, id string, edges []CallEdge) (int, error) {
	idx, err := s.loadNameIndex(ctx, id)
	if err != nil {
		return 0, err
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	written := make(map[string]struct{}, len(edges))
	count, skipped := 0, 0

	for _, edge := range edges {
		if edge.CallType != CallDirect && edge.CallType != CallFptr {
			return 0, fmt.Errorf("%w: call type %q on edge %s -> %s", ErrStore, edge.CallType, edge.CallerName, edge.CalleeName)
		}

		if edge.Confidence < 0 || edge.Confidence > 1 {
			return 0, fmt.Errorf("%w: confidence %v on edge %s -> %s", ErrStore, edge.Confidence, edge.CallerName, edge.CalleeName)
		}

		callers := idx.matchFunctions(edge.CallerName, edge.CallerPath)
		if len(callers) == 0 {
			skipped++

			s.log.WarnContext(ctx, "edge caller unresolved",
				slog.String("snapshot", id),
				slog.String("caller", edge.CallerName))

			continue
		}

		callees := idx.matchFunctions(edge.CalleeName, edge.CalleePath)
		if len(callees) == 0 && edge.CalleePath == "" {
			if ensureErr := idx.ensureExternal(batch, id, edge.CalleeName); ensureErr != nil {
				return 0, ensureErr
			}

			callees = []FunctionKey{{Name: edge.CalleeName}}
		}

		if len(callees) == 0 {
			skipped++

			s.log.WarnContext(ctx, "edge callee unresolved",
				slog.String("snapshot", id),
				slog.String("callee", edge.CalleeName),
				slog.String("file", edge.CalleePath))

			continue
		}

		attr, marshalErr := json.Marshal(edgeAttr{Confidence: edge.Confidence, Backend: edge.Backend})
		if marshalErr != nil {
			return 0, storeErr("encode edge", marshalErr)
		}

		for _, caller := range callers {
			for _, callee := range callees {
				key := callKey(id, caller, callee, edge.CallType)
				if _, dup := written[string(key)]; dup {
					continue
				}

				written[string(key)] = struct{}{}

				if setErr := batch.Set(key, attr); setErr != nil {
					return 0, storeErr("stage edge", setErr)
				}

				if setErr := batch.Set(revCallKey(id, callee, caller, edge.CallType), attr); setErr != nil {
					return 0, storeErr("stage reverse edge", setErr)
				}

				count++
			}
		}
	}

	if err := batch.Flush(); err != nil {
		return 0, storeErr("import edges", err)
	}

	s.graphs.drop(id)

	s.log.InfoContext(ctx, "edges imported",
		slog.String("snapshot", id),
		slog.Int("edges", count),
		slog.Int("skipped", skipped))

	return count, nil
}

// ImportFuzzers creates, for each fuzzer, its Fuzzer node, a dedicated
// entry Function node keyed by the primary harness file, the ENTRY
// reference, and direct CALLS edges from the entry function to every
// resolvable library target. Returns the number of fuzzer nodes
// written.
func (s *Store) ImportFuzzers(ctx context.Context, id string, fuzzers []FuzzerInfo) (int, error) {
	idx, err := s.loadNameIndex(ctx, id)
	if err != nil {
		return 0, err
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	written := make(map[string]struct{})
	count := 0

	for _, fz := range fuzzers {
		if fz.Name == "" {
			return 0, fmt.Errorf("%w: fuzzer with empty name", ErrStore)
		}

		if len(fz.Files) == 0 {
			return 0, fmt.Errorf("%w: fuzzer %s has no source files", ErrStore, fz.Name)
		}

		if fz.EntryFunction == "" {
			return 0, fmt.Errorf("%w: fuzzer %s has no entry function", ErrStore, fz.Name)
		}

		primary := fz.Files[0]
		entry := FunctionRecord{
			Name:         fz.EntryFunction,
			FilePath:     primary.Path,
			Language:     fz.Language,
			IsEntryPoint: true,
			Confidence:   1,
		}
		entryKey := entry.Key()

		entryMeta, marshalErr := json.Marshal(entry)
		if marshalErr != nil {
			return 0, storeErr("encode entry function", marshalErr)
		}

		if setErr := batch.Set(funcKey(id, entryKey), entryMeta); setErr != nil {
			return 0, storeErr("stage entry function", setErr)
		}

		if setErr := batch.Set(fileKey(id, entryKey.FilePath, entryKey.Name), entryMeta); setErr != nil {
			return 0, storeErr("stage entry file index", setErr)
		}

		record := FuzzerRecord{
			Name:          fz.Name,
			EntryFunction: fz.EntryFunction,
			EntryFile:     primary.Path,
			Focus:         fz.Focus,
			Files:         make([]FuzzerFile, 0, len(fz.Files)),
		}

		for _, file := range fz.Files {
			record.Files = append(record.Files, FuzzerFile{Path: file.Path})

			if file.Source == "" {
				continue
			}

			if setErr := batch.Set(fuzzerSourceKey(id, fz.Name, file.Path), compressBody([]byte(file.Source))); setErr != nil {
				return 0, storeErr("stage fuzzer source", setErr)
			}
		}

		recordJSON, marshalErr := json.Marshal(record)
		if marshalErr != nil {
			return 0, storeErr("encode fuzzer "+fz.Name, marshalErr)
		}

		if setErr := batch.Set(fuzzerKey(id, fz.Name), recordJSON); setErr != nil {
			return 0, storeErr("stage fuzzer", setErr)
		}

		attr, marshalErr := json.Marshal(edgeAttr{Confidence: 1, Backend: HarnessBackend})
		if marshalErr != nil {
			return 0, storeErr("encode entry edge", marshalErr)
		}

		for _, target := range fz.LibraryTargets {
			matches := idx.byName[target]
			if len(matches) == 0 {
				s.log.WarnContext(ctx, "library target unresolved",
					slog.String("snapshot", id),
					slog.String("fuzzer", fz.Name),
					slog.String("target", target))

				continue
			}

			for _, match := range matches {
				key := callKey(id, entryKey, match, CallDirect)
				if _, dup := written[string(key)]; dup {
					continue
				}

				written[string(key)] = struct{}{}

				if setErr := batch.Set(key, attr); setErr != nil {
					return 0, storeErr("stage entry edge", setErr)
				}

				if setErr := batch.Set(revCallKey(id, match, entryKey, CallDirect), attr); setErr != nil {
					return 0, storeErr("stage reverse entry edge", setErr)
				}
			}
		}

		count++
	}

	if err := batch.Flush(); err != nil {
		return 0, storeErr("import fuzzers", err)
	}

	s.graphs.drop(id)

	s.log.InfoContext(ctx, "fuzzers imported",
		slog.String("snapshot", id),
		slog.Int("fuzzers", count))

	return count, nil
}

// ImportReaches writes materialized reachability facts. Records whose
// target function is not present are skipped. Returns the number of
// REACHES edges written.
func (s *Store) ImportReaches(ctx context.Context, id string, records []ReachRecord) (int, error) {
	idx, err := s.loadNameIndex(ctx, id)
	if err != nil {
		return 0, err
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	count, skipped := 0, 0

	for _, rec := range records {
		if rec.Depth < 1 {
			return 0, fmt.Errorf("%w: reach depth %d for %s", ErrStore, rec.Depth, rec.FunctionName)
		}

		if rec.FuzzerName == "" {
			return 0, fmt.Errorf("%w: reach record with empty fuzzer name", ErrStore)
		}

		targets := idx.matchFunctions(rec.FunctionName, rec.FunctionFilePath)
		if len(targets) != 1 {
			skipped++

			s.log.WarnContext(ctx, "reach target unresolved",
				slog.String("snapshot", id),
				slog.String("function", rec.FunctionName),
				slog.Int("matches", len(targets)))

			continue
		}

		attr, marshalErr := json.Marshal(reachAttr{Depth: rec.Depth})
		if marshalErr != nil {
			return 0, storeErr("encode reach", marshalErr)
		}

		if setErr := batch.Set(reachKey(id, rec.FuzzerName, targets[0]), attr); setErr != nil {
			return 0, storeErr("stage reach", setErr)
		}

		count++
	}

	if err := batch.Flush(); err != nil {
		return 0, storeErr("import reaches", err)
	}

	s.log.InfoContext(ctx, "reaches imported",
		slog.String("snapshot", id),
		slog.Int("reaches", count),
		slog.Int("skipped", skipped))

	return count, nil
}

// DeleteSnapshot removes every key under the snapshot prefix.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	s.graphs.drop(id)

	if err := s.db.DropPrefix(snapPrefix(id)); err != nil {
		return storeErr("delete snapshot "+id, err)
	}

	s.log.InfoContext(ctx, "snapshot deleted", slog.String("snapshot", id))

	return nil
}
