// Package graphstore is the sole writer and query executor for
// snapshot-scoped call graphs persisted in badger. Every operation
// takes a snapshot id and touches only keys under that snapshot's
// prefix, so cross-snapshot contamination is structurally impossible
// and eviction is a single prefix drop.
package graphstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// Sentinel errors returned by store operations.
var (
	// ErrStore is the root class for write and read failures.
	ErrStore = errors.New("graph store failure")

	// ErrNotFound marks lookups of absent snapshots, functions, or fuzzers.
	ErrNotFound = errors.New("not found in graph")

	// ErrAmbiguousFunction marks a name-only lookup that matched several
	// functions; the caller must retry with a file path.
	ErrAmbiguousFunction = errors.New("ambiguous function name")
)

// errStopScan aborts a prefix scan early without surfacing an error.
var errStopScan = errors.New("stop scan")

// Store reads and writes snapshot graphs on a shared badger handle.
// The handle is owned by the caller; Store never closes it.
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	graphs *graphCache
}

// New creates a Store on top of an opened badger database.
func New(db *badger.DB, log *slog.Logger) *Store {
	return &Store{
		db:     db,
		log:    log,
		graphs: newGraphCache(defaultLoadedGraphs),
	}
}

// storeErr wraps an underlying failure with the ErrStore class.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// scan iterates all keys under prefix. With keysOnly set, values are
// not fetched and fn receives nil. The key and value slices passed to
// fn are only valid for the duration of the call.
func (s *Store) scan(ctx context.Context, prefix []byte, keysOnly bool, fn func(key, val []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = !keysOnly

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.Valid(); it.Next() {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			item := it.Item()
			if keysOnly {
				if fnErr := fn(item.Key(), nil); fnErr != nil {
					return fnErr
				}

				continue
			}

			valErr := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			})
			if valErr != nil {
				return valErr
			}
		}

		return nil
	})
	if errors.Is(err, errStopScan) {
		return nil
	}

	return err
}

// exists reports whether a key is present.
func (s *Store) exists(key []byte) (bool, error) {
	var found bool

	err := s.db.View(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}

		if getErr != nil {
			return getErr
		}

		found = true

		return nil
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// HasSnapshot reports whether the Snapshot node of id exists.
func (s *Store) HasSnapshot(_ context.Context, id string) (bool, error) {
	found, err := s.exists(metaKey(id))
	if err != nil {
		return false, storeErr("lookup snapshot "+id, err)
	}

	return found, nil
}

// ListSnapshotIDs returns the id of every snapshot with any graph
// content, sorted. The scan jumps from one snapshot prefix to the next
// instead of visiting every key, so cost grows with the number of
// snapshots rather than graph size.
func (s *Store) ListSnapshotIDs(_ context.Context) ([]string, error) {
	root := []byte(snapRoot)
	ids := []string{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = root
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(root); it.Valid(); {
			rest := it.Item().Key()[len(root):]

			cut := bytes.IndexByte(rest, '/')
			if cut < 0 {
				it.Next()

				continue
			}

			id := string(rest[:cut])
			ids = append(ids, id)

			// Skip every remaining key of this snapshot: 0xff sorts
			// after any kind byte under the snapshot prefix.
			it.Seek(append(snapPrefix(id), 0xff))
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}

	return ids, nil
}

// SnapshotSize returns the approximate on-disk size of a snapshot's
// graph content in bytes, summed over every key under its prefix.
func (s *Store) SnapshotSize(_ context.Context, id string) (int64, error) {
	prefix := snapPrefix(id)

	var total int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.Valid(); it.Next() {
			total += it.Item().EstimatedSize()
		}

		return nil
	})
	if err != nil {
		return 0, storeErr("size snapshot "+id, err)
	}

	return total, nil
}

// getValue fetches one key into a copy. Missing keys map to ErrNotFound
// with the supplied description.
func (s *Store) getValue(key []byte, what string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr != nil {
			return getErr
		}

		var copyErr error
		out, copyErr = item.ValueCopy(nil)

		return copyErr
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}

	if err != nil {
		return nil, storeErr("get "+what, err)
	}

	return out, nil
}
