package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Sumatoshi-tech/callfang/internal/config"
)

// GraphDeleter enumerates and removes snapshot-scoped graph content.
type GraphDeleter interface {
	HasSnapshot(ctx context.Context, id string) (bool, error)
	ListSnapshotIDs(ctx context.Context) ([]string, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// LogRemover enumerates and deletes the archived log streams of
// snapshots.
type LogRemover interface {
	List() ([]string, error)
	Remove(snapshotID string) error
}

// Sweeper applies the retention policies: finish interrupted evictions,
// relieve disk pressure, cap completed snapshots per repository, and
// expire by idle TTL. Building rows are never evicted.
type Sweeper struct {
	cat    *Catalog
	graphs GraphDeleter
	logs   LogRemover
	cfg    config.EvictionConfig
	log    *slog.Logger
	dir    string
	usage  func(dir string) (float64, error)

	// Maintenance, when set, runs after the eviction policies. The
	// store wires a value-log garbage-collection pass here so evicted
	// graphs give their disk back. A failure is logged, not returned:
	// the sweep itself still succeeded.
	Maintenance func(ctx context.Context) error
}

// NewSweeper creates a Sweeper over the catalog, the graph store, and
// the log archive. storeDir is the directory whose filesystem usage
// drives the disk-pressure policy.
func NewSweeper(cat *Catalog, graphs GraphDeleter, logs LogRemover, storeDir string, cfg config.EvictionConfig, log *slog.Logger) *Sweeper {
	return &Sweeper{
		cat:    cat,
		graphs: graphs,
		logs:   logs,
		cfg:    cfg,
		log:    log,
		dir:    storeDir,
		usage:  diskUsage,
	}
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.SweepIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.ErrorContext(ctx, "eviction sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs every policy once and reports how many snapshots it
// evicted.
func (s *Sweeper) Sweep(ctx context.Context) error {
	evicted, err := s.sweepStrays(ctx)
	if err != nil {
		return err
	}

	n, err := s.sweepOrphans(ctx)
	evicted += n

	if err != nil {
		return err
	}

	n, err = s.EnsureHeadroom(ctx)
	evicted += n

	if err != nil {
		return err
	}

	n, err = s.sweepRepoCap(ctx)
	evicted += n

	if err != nil {
		return err
	}

	n, err = s.sweepTTL(ctx)
	evicted += n

	if err != nil {
		return err
	}

	if evicted > 0 {
		s.log.InfoContext(ctx, "eviction sweep done", slog.Int("evicted", evicted))
	}

	if s.Maintenance != nil {
		if maintErr := s.Maintenance(ctx); maintErr != nil {
			s.log.WarnContext(ctx, "store maintenance failed", slog.String("error", maintErr.Error()))
		}
	}

	return nil
}

// Evict removes one snapshot end to end: graph subtree, then log
// streams, then the catalog row. The order makes an interrupted
// eviction self-healing: a completed row whose graph is gone is
// finished by the next sweep.
func (s *Sweeper) Evict(ctx context.Context, id string) error {
	if err := s.graphs.DeleteSnapshot(ctx, id); err != nil {
		return fmt.Errorf("evict %s: %w", id, err)
	}

	if err := s.logs.Remove(id); err != nil {
		return fmt.Errorf("evict %s: %w", id, err)
	}

	if err := s.cat.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	s.log.InfoContext(ctx, "snapshot evicted", slog.String("snapshot", id))

	return nil
}

// sweepStrays deletes graph content and log directories whose catalog
// row is gone: the leftovers of failed builds whose rows were replaced
// on re-admission under a fresh id. Graph and log ids are listed before
// catalog rows; a row always exists before either does, so a snapshot
// created mid-sweep is never mistaken for a stray.
func (s *Sweeper) sweepStrays(ctx context.Context) (int, error) {
	graphIDs, err := s.graphs.ListSnapshotIDs(ctx)
	if err != nil {
		return 0, err
	}

	logIDs, err := s.logs.List()
	if err != nil {
		return 0, err
	}

	if len(graphIDs) == 0 && len(logIDs) == 0 {
		return 0, nil
	}

	rows, err := s.cat.List(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]struct{}, len(rows))
	for _, rec := range rows {
		known[rec.ID] = struct{}{}
	}

	evicted := 0

	for _, id := range dedupe(graphIDs, logIDs) {
		if _, ok := known[id]; ok {
			continue
		}

		if evictErr := s.Evict(ctx, id); evictErr != nil {
			return evicted, evictErr
		}

		evicted++
	}

	return evicted, nil
}

// dedupe merges id lists preserving first-seen order.
func dedupe(lists ...[]string) []string {
	seen := make(map[string]struct{})
	merged := []string{}

	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}

			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}

	return merged
}

// sweepOrphans finishes evictions that died between graph-delete and
// row-delete.
func (s *Sweeper) sweepOrphans(ctx context.Context) (int, error) {
	rows, err := s.cat.List(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0

	for _, rec := range rows {
		if rec.Status != StatusCompleted {
			continue
		}

		found, hasErr := s.graphs.HasSnapshot(ctx, rec.ID)
		if hasErr != nil {
			return evicted, hasErr
		}

		if found {
			continue
		}

		if evictErr := s.Evict(ctx, rec.ID); evictErr != nil {
			return evicted, evictErr
		}

		evicted++
	}

	return evicted, nil
}

// EnsureHeadroom is the disk-pressure policy, also run before admitting
// a new build. Above the high-water mark it evicts by ascending last
// access until usage drains to the low-water mark. Failed rows are fair
// game here; building rows never are.
func (s *Sweeper) EnsureHeadroom(ctx context.Context) (int, error) {
	pct, err := s.usage(s.dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", s.dir, err)
	}

	if pct <= s.cfg.DiskHighWaterPct {
		return 0, nil
	}

	rows, err := s.cat.List(ctx)
	if err != nil {
		return 0, err
	}

	candidates := make([]SnapshotRecord, 0, len(rows))

	for _, rec := range rows {
		if rec.Status != StatusBuilding {
			candidates = append(candidates, rec)
		}
	}

	slices.SortFunc(candidates, func(a, b SnapshotRecord) int {
		return a.LastAccessedAt.Compare(b.LastAccessedAt)
	})

	evicted := 0

	for _, rec := range candidates {
		if evictErr := s.Evict(ctx, rec.ID); evictErr != nil {
			return evicted, evictErr
		}

		evicted++

		pct, err = s.usage(s.dir)
		if err != nil {
			return evicted, fmt.Errorf("disk usage of %s: %w", s.dir, err)
		}

		if pct <= s.cfg.DiskLowWaterPct {
			return evicted, nil
		}
	}

	if pct > s.cfg.DiskLowWaterPct {
		s.log.WarnContext(ctx, "disk still above low-water mark after evicting all candidates",
			slog.Float64("usage_pct", pct))
	}

	return evicted, nil
}

// sweepRepoCap keeps at most PerRepoCap completed snapshots per
// repository, evicting the least recently used excess.
func (s *Sweeper) sweepRepoCap(ctx context.Context) (int, error) {
	if s.cfg.PerRepoCap <= 0 {
		return 0, nil
	}

	rows, err := s.cat.List(ctx)
	if err != nil {
		return 0, err
	}

	byRepo := make(map[string][]SnapshotRecord)

	for _, rec := range rows {
		if rec.Status == StatusCompleted {
			byRepo[rec.RepoURL] = append(byRepo[rec.RepoURL], rec)
		}
	}

	evicted := 0

	for _, group := range byRepo {
		if len(group) <= s.cfg.PerRepoCap {
			continue
		}

		slices.SortFunc(group, func(a, b SnapshotRecord) int {
			return b.LastAccessedAt.Compare(a.LastAccessedAt)
		})

		for _, rec := range group[s.cfg.PerRepoCap:] {
			if evictErr := s.Evict(ctx, rec.ID); evictErr != nil {
				return evicted, evictErr
			}

			evicted++
		}
	}

	return evicted, nil
}

// sweepTTL evicts completed snapshots idle longer than the TTL.
func (s *Sweeper) sweepTTL(ctx context.Context) (int, error) {
	if s.cfg.TTLDays <= 0 {
		return 0, nil
	}

	cutoff := s.cat.now().UTC().AddDate(0, 0, -s.cfg.TTLDays)

	rows, err := s.cat.List(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0

	for _, rec := range rows {
		if rec.Status != StatusCompleted || !rec.LastAccessedAt.Before(cutoff) {
			continue
		}

		if evictErr := s.Evict(ctx, rec.ID); evictErr != nil {
			return evicted, evictErr
		}

		evicted++
	}

	return evicted, nil
}

// diskUsage returns the used share of the filesystem holding dir, in
// percent.
func diskUsage(dir string) (float64, error) {
	var fs unix.Statfs_t

	if err := unix.Statfs(dir, &fs); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}

	if fs.Blocks == 0 {
		return 0, nil
	}

	used := fs.Blocks - fs.Bavail

	return float64(used) / float64(fs.Blocks) * 100, nil
}
