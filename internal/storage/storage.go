// Package storage opens the embedded badger database shared by the
// snapshot catalog and the graph store. The handle is opened once at
// startup and passed to both components; the caller owns Close.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Sumatoshi-tech/callfang/internal/config"
)

// gcDiscardRatio is badger's recommended threshold: a value-log file is
// rewritten only when at least half of its entries are stale.
const gcDiscardRatio = 0.5

// Open opens the badger database described by cfg.
func Open(cfg config.StoreConfig, log *slog.Logger) (*badger.DB, error) {
	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}

	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithLogger(&badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store at %q: %w", cfg.Dir, err)
	}

	return db, nil
}

// RunGC reclaims disk held by evicted snapshots. Badger rewrites at
// most one value-log file per call, so the loop keeps going until it
// reports nothing left worth rewriting. In-memory databases carry no
// value log and return zero immediately.
func RunGC(db *badger.DB) (int, error) {
	rewritten := 0

	for {
		err := db.RunValueLogGC(gcDiscardRatio)

		switch {
		case err == nil:
			rewritten++
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return rewritten, nil
		default:
			return rewritten, fmt.Errorf("value log gc: %w", err)
		}
	}
}

// badgerLogger adapts slog to the badger.Logger interface. Badger logs
// compaction chatter at INFO, so both INFO and DEBUG map to debug level.
type badgerLogger struct {
	log *slog.Logger
}

// Errorf implements badger.Logger.
func (b *badgerLogger) Errorf(format string, args ...any) {
	b.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Warningf implements badger.Logger.
func (b *badgerLogger) Warningf(format string, args ...any) {
	b.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Infof implements badger.Logger.
func (b *badgerLogger) Infof(format string, args ...any) {
	b.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Debugf implements badger.Logger.
func (b *badgerLogger) Debugf(format string, args ...any) {
	b.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
