// Package catalog is the admission coordinator for snapshot builds: one
// row per (repo_url, version, backend) whose status gates every query.
// The uniqueness of the admission key is the admission lock; losers of
// the insert race observe the winner's row and wait. Rows live in the
// same badger database as the graph content, under their own prefix.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/Sumatoshi-tech/callfang/internal/config"
)

// Snapshot row statuses.
const (
	// StatusBuilding marks a row owned by an in-progress build.
	StatusBuilding = "building"

	// StatusCompleted marks a committed, queryable snapshot.
	StatusCompleted = "completed"

	// StatusFailed marks a build that aborted; the row holds the error.
	StatusFailed = "failed"
)

// Sentinel errors returned by catalog operations.
var (
	// ErrCatalog is the root class for catalog storage failures.
	ErrCatalog = errors.New("catalog failure")

	// ErrNotFound marks lookups of snapshot ids the catalog never admitted
	// or has since evicted.
	ErrNotFound = errors.New("snapshot not in catalog")

	// ErrNotBuilding rejects a lifecycle transition on a row that is not
	// in the building state.
	ErrNotBuilding = errors.New("snapshot is not building")

	// ErrWaitTimeout marks a waiter that exhausted its overall deadline
	// while the build was still running.
	ErrWaitTimeout = errors.New("timed out waiting for snapshot build")

	// ErrBuildStale is recorded on building rows that outlived the stale
	// deadline, which is how a dead builder process is recovered.
	ErrBuildStale = errors.New("build exceeded stale deadline")
)

// acquireAttempts bounds retries of conflicting admission transactions.
const acquireAttempts = 5

// Key is the admission identity of one snapshot.
type Key struct {
	RepoURL  string
	RepoName string
	Version  string
	Backend  string
}

// SnapshotRecord is one catalog row.
type SnapshotRecord struct {
	ID             string    `json:"id"`
	RepoURL        string    `json:"repo_url"`
	RepoName       string    `json:"repo_name"`
	Version        string    `json:"version"`
	Backend        string    `json:"backend"`
	Status         string    `json:"status"`
	NodeCount      int       `json:"node_count"`
	EdgeCount      int       `json:"edge_count"`
	FuzzerNames    []string  `json:"fuzzer_names,omitempty"`
	Language       string    `json:"language,omitempty"`
	DurationSec    float64   `json:"analysis_duration_sec"`
	SizeBytes      int64     `json:"size_bytes"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
}

// Completion carries the fields populated when a build commits.
type Completion struct {
	NodeCount   int
	EdgeCount   int
	FuzzerNames []string
	Language    string
	Duration    time.Duration
	SizeBytes   int64
}

// Outcome classifies the result of an admission attempt.
type Outcome int

const (
	// OutcomeHit means a completed snapshot exists; its access stats were
	// refreshed.
	OutcomeHit Outcome = iota

	// OutcomeWait means another builder owns an in-progress build within
	// the stale deadline; the caller should poll WaitUntilReady.
	OutcomeWait

	// OutcomeOwn means the caller inserted the building row and must run
	// the build.
	OutcomeOwn
)

// String names the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeWait:
		return "wait"
	case OutcomeOwn:
		return "own"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Catalog reads and writes snapshot rows on a shared badger handle. The
// handle is owned by the caller; Catalog never closes it.
type Catalog struct {
	db  *badger.DB
	log *slog.Logger
	now func() time.Time

	staleDeadline time.Duration
	pollInterval  time.Duration
	waitDeadline  time.Duration
}

// New creates a Catalog with the timing knobs from cfg.
func New(db *badger.DB, cfg config.AdmissionConfig, log *slog.Logger) *Catalog {
	return &Catalog{
		db:            db,
		log:           log,
		now:           time.Now,
		staleDeadline: time.Duration(cfg.StaleDeadlineSec) * time.Second,
		pollInterval:  time.Duration(cfg.PollIntervalSec) * time.Second,
		waitDeadline:  time.Duration(cfg.WaitDeadlineSec) * time.Second,
	}
}

// Row key layout, disjoint from the graph store's "s/" prefix:
//
//	cat/id/<id>                                  SnapshotRecord
//	cat/adm/<repo_url·version·backend>           admission index -> id
const (
	idKeyPrefix  = "cat/id/"
	admKeyPrefix = "cat/adm/"
)

func idKey(id string) []byte {
	return []byte(idKeyPrefix + id)
}

func admissionKey(key Key) []byte {
	return []byte(admKeyPrefix + key.RepoURL + "\x00" + key.Version + "\x00" + key.Backend)
}

// idSanitizer collapses anything outside the portable id alphabet.
var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// shortVersionLen truncates commit hashes in the readable id stem.
const shortVersionLen = 12

// SnapshotID derives the snapshot id for an admission key created at a
// given instant. The readable stem keeps store prefixes and log
// directories greppable; the hash suffix covers the full key plus the
// creation time, so a re-admission after failure gets a fresh id and
// never builds into a namespace holding a dead build's partial content.
func SnapshotID(repoURL, version, backendName string, at time.Time) string {
	stem := repoURL
	stem = strings.TrimSuffix(stem, "/")
	stem = strings.TrimSuffix(stem, ".git")

	if idx := strings.LastIndexAny(stem, "/:"); idx >= 0 {
		stem = stem[idx+1:]
	}

	shortVersion := version
	if len(shortVersion) > shortVersionLen {
		shortVersion = shortVersion[:shortVersionLen]
	}

	digest := xxhash.New()
	_, _ = digest.WriteString(repoURL + "\x00" + version + "\x00" + backendName + "\x00")
	_, _ = digest.WriteString(strconv.FormatInt(at.UnixNano(), 10))

	return fmt.Sprintf("%s_%s_%s_%08x",
		idSanitizer.ReplaceAllString(stem, "-"),
		idSanitizer.ReplaceAllString(shortVersion, "-"),
		idSanitizer.ReplaceAllString(backendName, "-"),
		uint32(digest.Sum64()))
}

// catErr wraps an underlying failure with the ErrCatalog class.
func catErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCatalog, op, err)
}

// update runs fn in a read-write transaction, retrying commit conflicts.
func (c *Catalog) update(fn func(txn *badger.Txn) error) error {
	var err error

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		err = c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}

	return err
}

func loadRecord(txn *badger.Txn, id string) (*SnapshotRecord, error) {
	item, err := txn.Get(idKey(id))
	if err != nil {
		return nil, err
	}

	var rec SnapshotRecord

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func storeRecord(txn *badger.Txn, rec SnapshotRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return txn.Set(idKey(rec.ID), payload)
}

// AcquireOrWait is the admission gate. It returns OutcomeHit with a
// completed row (access stats refreshed), OutcomeWait with a live
// building row, or OutcomeOwn after inserting a fresh building row the
// caller must now build against. Stale building rows are failed and the
// attempt retried; failed rows are deleted before the fresh insert.
func (c *Catalog) AcquireOrWait(ctx context.Context, key Key) (Outcome, *SnapshotRecord, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		outcome, rec, retry, err := c.tryAcquire(key)
		if errors.Is(err, badger.ErrConflict) {
			c.log.DebugContext(ctx, "admission race lost, retrying",
				slog.String("repo", key.RepoURL),
				slog.String("version", key.Version))

			continue
		}

		if err != nil {
			return 0, nil, catErr("acquire "+key.RepoURL+"@"+key.Version, err)
		}

		if retry {
			c.log.WarnContext(ctx, "stale building row failed",
				slog.String("repo", key.RepoURL),
				slog.String("version", key.Version))

			continue
		}

		c.log.InfoContext(ctx, "admission resolved",
			slog.String("repo", key.RepoURL),
			slog.String("version", key.Version),
			slog.String("outcome", outcome.String()),
			slog.String("snapshot", rec.ID))

		return outcome, rec, nil
	}

	return 0, nil, fmt.Errorf("%w: admission kept conflicting for %s@%s", ErrCatalog, key.RepoURL, key.Version)
}

// tryAcquire is one admission transaction. retry reports that a stale
// building row was transitioned to failed and the caller must re-run.
func (c *Catalog) tryAcquire(key Key) (Outcome, *SnapshotRecord, bool, error) {
	var (
		outcome Outcome
		rec     *SnapshotRecord
		retry   bool
	)

	now := c.now().UTC()

	err := c.db.Update(func(txn *badger.Txn) error {
		admKey := admissionKey(key)

		item, getErr := txn.Get(admKey)
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			fresh := c.newBuildingRecord(key, now)
			rec = &fresh
			outcome = OutcomeOwn

			if setErr := txn.Set(admKey, []byte(fresh.ID)); setErr != nil {
				return setErr
			}

			return storeRecord(txn, fresh)
		}

		if getErr != nil {
			return getErr
		}

		id, idErr := item.ValueCopy(nil)
		if idErr != nil {
			return idErr
		}

		current, loadErr := loadRecord(txn, string(id))
		if errors.Is(loadErr, badger.ErrKeyNotFound) {
			// The index points at a deleted row; reclaim the key.
			fresh := c.newBuildingRecord(key, now)
			rec = &fresh
			outcome = OutcomeOwn

			if setErr := txn.Set(admKey, []byte(fresh.ID)); setErr != nil {
				return setErr
			}

			return storeRecord(txn, fresh)
		}

		if loadErr != nil {
			return loadErr
		}

		switch current.Status {
		case StatusCompleted:
			current.AccessCount++
			current.LastAccessedAt = now
			rec = current
			outcome = OutcomeHit

			return storeRecord(txn, *current)

		case StatusBuilding:
			if now.Sub(current.CreatedAt) > c.staleDeadline {
				current.Status = StatusFailed
				current.Error = ErrBuildStale.Error()
				retry = true

				return storeRecord(txn, *current)
			}

			rec = current
			outcome = OutcomeWait

			return nil

		case StatusFailed:
			if delErr := txn.Delete(idKey(current.ID)); delErr != nil {
				return delErr
			}

			fresh := c.newBuildingRecord(key, now)
			rec = &fresh
			outcome = OutcomeOwn

			if setErr := txn.Set(admKey, []byte(fresh.ID)); setErr != nil {
				return setErr
			}

			return storeRecord(txn, fresh)

		default:
			return fmt.Errorf("row %s has unknown status %q", current.ID, current.Status)
		}
	})
	if err != nil {
		return 0, nil, false, err
	}

	return outcome, rec, retry, nil
}

func (c *Catalog) newBuildingRecord(key Key, now time.Time) SnapshotRecord {
	return SnapshotRecord{
		ID:             SnapshotID(key.RepoURL, key.Version, key.Backend, now),
		RepoURL:        key.RepoURL,
		RepoName:       key.RepoName,
		Version:        key.Version,
		Backend:        key.Backend,
		Status:         StatusBuilding,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// MarkCompleted transitions a building row to completed and records the
// build results. Calling it again on the completed row is a no-op; any
// other state is rejected.
func (c *Catalog) MarkCompleted(ctx context.Context, id string, done Completion) error {
	err := c.update(func(txn *badger.Txn) error {
		rec, loadErr := loadRecord(txn, id)
		if errors.Is(loadErr, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		if loadErr != nil {
			return loadErr
		}

		switch rec.Status {
		case StatusCompleted:
			return nil
		case StatusBuilding:
		default:
			return fmt.Errorf("%w: cannot complete %s from %s", ErrNotBuilding, id, rec.Status)
		}

		now := c.now().UTC()
		rec.Status = StatusCompleted
		rec.NodeCount = done.NodeCount
		rec.EdgeCount = done.EdgeCount
		rec.FuzzerNames = slices.Clone(done.FuzzerNames)
		rec.Language = done.Language
		rec.DurationSec = done.Duration.Seconds()
		rec.SizeBytes = done.SizeBytes
		rec.LastAccessedAt = now
		rec.Error = ""

		return storeRecord(txn, *rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotBuilding) {
			return err
		}

		return catErr("mark completed "+id, err)
	}

	c.log.InfoContext(ctx, "snapshot completed",
		slog.String("snapshot", id),
		slog.Int("nodes", done.NodeCount),
		slog.Int("edges", done.EdgeCount),
		slog.Duration("duration", done.Duration))

	return nil
}

// MarkFailed transitions a building row to failed with the cause.
// Calling it again on the failed row is a no-op; a completed row is
// rejected.
func (c *Catalog) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	err := c.update(func(txn *badger.Txn) error {
		rec, loadErr := loadRecord(txn, id)
		if errors.Is(loadErr, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		if loadErr != nil {
			return loadErr
		}

		switch rec.Status {
		case StatusFailed:
			return nil
		case StatusBuilding:
		default:
			return fmt.Errorf("%w: cannot fail %s from %s", ErrNotBuilding, id, rec.Status)
		}

		rec.Status = StatusFailed
		rec.Error = msg

		return storeRecord(txn, *rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotBuilding) {
			return err
		}

		return catErr("mark failed "+id, err)
	}

	c.log.WarnContext(ctx, "snapshot build failed",
		slog.String("snapshot", id),
		slog.String("error", msg))

	return nil
}

// WaitUntilReady blocks until the row leaves the building state. A
// failed row returns without error so the waiter may re-acquire and
// retry; exhausting the overall deadline returns ErrWaitTimeout.
func (c *Catalog) WaitUntilReady(ctx context.Context, id string) (*SnapshotRecord, error) {
	deadline := c.now().Add(c.waitDeadline)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if rec.Status != StatusBuilding {
			return rec, nil
		}

		if c.now().After(deadline) {
			return nil, fmt.Errorf("%w: %s still building after %s", ErrWaitTimeout, id, c.waitDeadline)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get fetches one row by snapshot id.
func (c *Catalog) Get(_ context.Context, id string) (*SnapshotRecord, error) {
	var rec *SnapshotRecord

	err := c.db.View(func(txn *badger.Txn) error {
		loaded, loadErr := loadRecord(txn, id)
		if loadErr != nil {
			return loadErr
		}

		rec = loaded

		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, catErr("get "+id, err)
	}

	return rec, nil
}

// List returns every row, newest first.
func (c *Catalog) List(_ context.Context) ([]SnapshotRecord, error) {
	rows := []SnapshotRecord{}

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(idKeyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			var rec SnapshotRecord

			valErr := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if valErr != nil {
				return valErr
			}

			rows = append(rows, rec)
		}

		return nil
	})
	if err != nil {
		return nil, catErr("list snapshots", err)
	}

	slices.SortFunc(rows, func(a, b SnapshotRecord) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.After(b.CreatedAt) {
				return -1
			}

			return 1
		}

		return strings.Compare(a.ID, b.ID)
	})

	return rows, nil
}

// Touch refreshes the access stats of a completed row. Queries call it
// so eviction orders by real usage.
func (c *Catalog) Touch(_ context.Context, id string) error {
	err := c.update(func(txn *badger.Txn) error {
		rec, loadErr := loadRecord(txn, id)
		if errors.Is(loadErr, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		if loadErr != nil {
			return loadErr
		}

		if rec.Status != StatusCompleted {
			return nil
		}

		rec.AccessCount++
		rec.LastAccessedAt = c.now().UTC()

		return storeRecord(txn, *rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}

		return catErr("touch "+id, err)
	}

	return nil
}

// Delete removes the row and its admission index entry. Graph content
// and logs are the Sweeper's responsibility; this is the final step of
// an eviction.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	err := c.update(func(txn *badger.Txn) error {
		rec, loadErr := loadRecord(txn, id)
		if errors.Is(loadErr, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		if loadErr != nil {
			return loadErr
		}

		if delErr := txn.Delete(admissionKey(Key{
			RepoURL: rec.RepoURL,
			Version: rec.Version,
			Backend: rec.Backend,
		})); delErr != nil {
			return delErr
		}

		return txn.Delete(idKey(id))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}

		return catErr("delete "+id, err)
	}

	c.log.InfoContext(ctx, "catalog row deleted", slog.String("snapshot", id))

	return nil
}
