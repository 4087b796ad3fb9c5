package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"conductor/internal/mapreduce"
)

// maxExcerptLen bounds how much of an error string is retained per
// failure_history entry.
const maxExcerptLen = 500

// Store is a DeadLetterQueue: one JSON file per item_id, under
// <base>/mapreduce/jobs/<job_id>/dlq/. A single writer per job is enforced
// by a per-job mutex (spec.md §5's "DLQ directory: append-only semantics; a
// single writer per job"); Stats/List scan the directory and only read.
type Store struct {
	fs      afero.Fs
	baseDir string

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at baseDir, the same base
// internal/checkpoint.Store uses so both land under one job directory tree.
func NewStore(fs afero.Fs, baseDir string) *Store {
	return &Store{fs: fs, baseDir: baseDir, jobLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) dlqDir(jobID string) string {
	return filepath.Join(s.baseDir, "mapreduce", "jobs", jobID, "dlq")
}

// reprocessLock is the persisted contents of <dlq-dir>/.lock, guarding a
// reprocess run against a second one starting concurrently against the same
// job from a different process (spec.md §4.11).
type reprocessLock struct {
	Owner     string    `json:"owner"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireReprocessLock atomically claims the reprocess lock for jobID,
// breaking it first if the existing lock is older than staleAge. owner is
// an opaque identifier (e.g. a hostname:pid) recorded for diagnostics only.
func (s *Store) AcquireReprocessLock(jobID, owner string, staleAge time.Duration) (bool, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dlqDir(jobID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("dlq: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, ".lock")
	if data, err := afero.ReadFile(s.fs, path); err == nil {
		var existing reprocessLock
		if json.Unmarshal(data, &existing) == nil && time.Since(existing.StartedAt) < staleAge {
			return false, nil
		}
	}

	data, err := json.Marshal(reprocessLock{Owner: owner, StartedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("dlq: encode reprocess lock: %w", err)
	}
	if err := atomicWrite(s.fs, dir, ".lock", data); err != nil {
		return false, fmt.Errorf("dlq: write reprocess lock: %w", err)
	}
	return true, nil
}

// ReleaseReprocessLock deletes jobID's reprocess lock file, if any.
func (s *Store) ReleaseReprocessLock(jobID string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dlqDir(jobID), ".lock")
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dlq: release reprocess lock: %w", err)
	}
	return nil
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[jobID] = l
	}
	return l
}

var itemIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

func entryFilename(itemID string) (string, error) {
	if !itemIDPattern.MatchString(itemID) {
		return "", fmt.Errorf("dlq: item_id %q contains characters unsafe for a filename", itemID)
	}
	return itemID + ".json", nil
}

// Insert satisfies mapreduce.DLQSink: it either creates a new Entry for
// itemID or, if one already exists (a prior exhausted reprocess attempt),
// appends to its failure_history and bumps failure_count, per spec.md
// §4.11's "on failure, update failure_history".
func (s *Store) Insert(ctx context.Context, jobID string, item mapreduce.WorkItem, attempts int, lastErr string, signature string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.dlqDir(jobID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dlq: mkdir %s: %w", dir, err)
	}

	filename, err := entryFilename(item.ItemID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	excerpt := lastErr
	if len(excerpt) > maxExcerptLen {
		excerpt = excerpt[:maxExcerptLen]
	}

	existing, err := s.readLocked(jobID, item.ItemID)
	var entry Entry
	if err == nil {
		entry = *existing
		entry.LastAttempt = now
		entry.FailureCount = attempts
		entry.ErrorSignature = signature
		entry.appendFailure(signature, excerpt, now)
	} else {
		entry = Entry{
			ItemID:         item.ItemID,
			ItemData:       item.Value,
			FirstAttempt:   now,
			LastAttempt:    now,
			FailureCount:   attempts,
			ErrorSignature: signature,
		}
		entry.appendFailure(signature, excerpt, now)
	}
	entry.ReprocessEligible = !nonRetryableSignatures[signature]
	entry.ManualReviewRequired = nonRetryableSignatures[signature]

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq: encode entry %s: %w", item.ItemID, err)
	}
	if err := atomicWrite(s.fs, dir, filename, data); err != nil {
		return fmt.Errorf("dlq: write entry %s: %w", filename, err)
	}
	return nil
}

// Filter narrows List/Reprocess to a subset of entries, the AdvancedFilter
// of spec.md §4.11.
type Filter struct {
	ErrorTypes      []string
	Since           time.Time
	Until           time.Time
	MaxFailureCount int // 0 means unbounded
}

func (f Filter) matches(e Entry) bool {
	if len(f.ErrorTypes) > 0 {
		found := false
		for _, t := range f.ErrorTypes {
			if strings.EqualFold(t, e.ErrorSignature) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.LastAttempt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.LastAttempt.After(f.Until) {
		return false
	}
	if f.MaxFailureCount > 0 && e.FailureCount > f.MaxFailureCount {
		return false
	}
	return true
}

// List returns every entry for jobID matching filter, oldest first by
// first_attempt.
func (s *Store) List(jobID string, filter Filter) ([]Entry, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.listLocked(jobID, filter)
}

func (s *Store) listLocked(jobID string, filter Filter) ([]Entry, error) {
	dir := s.dlqDir(jobID)
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dlq: list %s: %w", dir, err)
	}

	var entries []Entry
	for _, info := range infos {
		if !strings.HasSuffix(info.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(dir, info.Name()))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		if filter.matches(e) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstAttempt.Before(entries[j].FirstAttempt) })
	return entries, nil
}

func (s *Store) readLocked(jobID, itemID string) (*Entry, error) {
	filename, err := entryFilename(itemID)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dlqDir(jobID), filename))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("dlq: decode entry %s: %w", itemID, err)
	}
	return &e, nil
}

// Get returns a single entry by item_id.
func (s *Store) Get(jobID, itemID string) (*Entry, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(jobID, itemID)
}

// Remove deletes an item's DLQ entry, used once a reprocess attempt
// succeeds.
func (s *Store) Remove(jobID, itemID string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	filename, err := entryFilename(itemID)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dlqDir(jobID), filename)
	if err := s.fs.Remove(path); err != nil {
		return fmt.Errorf("dlq: remove %s: %w", itemID, err)
	}
	return nil
}

// Stats summarizes a job's DLQ contents (spec.md §4.11's Stats()).
type Stats struct {
	Total               int
	EligibleForReprocess int
	ManualReviewRequired int
	OldestFirstAttempt  time.Time
	NewestLastAttempt   time.Time
	BySignature         map[string]int
}

// Stats computes totals, eligibility counts, and oldest/newest timestamps
// across every entry for jobID.
func (s *Store) Stats(jobID string) (Stats, error) {
	entries, err := s.List(jobID, Filter{})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{BySignature: make(map[string]int)}
	for _, e := range entries {
		st.Total++
		if e.ReprocessEligible {
			st.EligibleForReprocess++
		}
		if e.ManualReviewRequired {
			st.ManualReviewRequired++
		}
		st.BySignature[e.ErrorSignature]++
		if st.OldestFirstAttempt.IsZero() || e.FirstAttempt.Before(st.OldestFirstAttempt) {
			st.OldestFirstAttempt = e.FirstAttempt
		}
		if e.LastAttempt.After(st.NewestLastAttempt) {
			st.NewestLastAttempt = e.LastAttempt
		}
	}
	return st, nil
}

func atomicWrite(fs afero.Fs, dir, name string, data []byte) error {
	tmp, err := afero.TempFile(fs, dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	return fs.Rename(tmpName, filepath.Join(dir, name))
}
