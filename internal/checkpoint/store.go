// Package checkpoint persists and restores MapReduceJobState atomically, per
// spec.md §4.10/§6.2. station is SQL-backed throughout and has no
// file-based state persistence of its own, so this is built directly from
// the on-disk layout spec.md describes using station's afero.Fs abstraction
// and the tempfile-then-rename idiom station itself uses for config file
// writes (cmd/main/handlers/file_config_handlers.go,
// cmd/main/handlers/load/editor.go).
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"

	"conductor/internal/logging"
	"conductor/internal/mapreduce"
)

// softSaveDeadline is the threshold past which Save logs a warning rather
// than failing, per spec.md §4.10 ("detect and warn if a single save exceeds
// a soft deadline (document 100 ms)").
const softSaveDeadline = 100 * time.Millisecond

// Metadata is the `metadata.json` pointer file (spec.md §6.2).
type Metadata struct {
	LatestVersion int64     `json:"latest_version"`
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is a CheckpointStore: single writer per job_id (serialized by a
// per-job mutex), concurrent readers, atomic tempfile+rename writes.
type Store struct {
	fs      afero.Fs
	baseDir string

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at baseDir (the implementation-chosen base
// directory spec.md §6.2 describes).
func NewStore(fs afero.Fs, baseDir string) *Store {
	return &Store{fs: fs, baseDir: baseDir, jobLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.baseDir, "mapreduce", "jobs", jobID)
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

// Save atomically writes checkpoint-v<N>.json (N = state.CheckpointVersion)
// and repoints metadata.json at it, per spec.md §4.10.
func (s *Store) Save(ctx context.Context, jobID string, state *mapreduce.JobState) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	dir := s.jobDir(jobID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(toPayload(state), "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode job %s: %w", jobID, err)
	}

	version := state.CheckpointVersion
	filename := checkpointFilename(version)
	if err := atomicWrite(s.fs, dir, filename, data); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", filename, err)
	}

	sum := sha256.Sum256(data)
	meta := Metadata{
		LatestVersion: version,
		Path:          filename,
		Size:          int64(len(data)),
		ContentHash:   "sha256:" + hex.EncodeToString(sum[:]),
		CreatedAt:     time.Now().UTC(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode metadata %s: %w", jobID, err)
	}
	if err := atomicWrite(s.fs, dir, "metadata.json", metaBytes); err != nil {
		return fmt.Errorf("checkpoint: write metadata.json: %w", err)
	}

	if elapsed := time.Since(start); elapsed > softSaveDeadline {
		logging.Info("checkpoint save for job %s took %s, exceeding the %s soft deadline", jobID, elapsed, softSaveDeadline)
	}

	return nil
}

// Load restores a job's state. version == 0 means "follow metadata.json's
// latest_version pointer"; an explicit version loads that file directly. On
// a content-hash mismatch against the pointer (version == 0 only — older
// checkpoints' hashes aren't retained), Load falls back to the next older
// available checkpoint, per spec.md §4.10's integrity policy.
func (s *Store) Load(ctx context.Context, jobID string, version int64) (*mapreduce.JobState, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.jobDir(jobID)

	if version != 0 {
		data, err := afero.ReadFile(s.fs, filepath.Join(dir, checkpointFilename(version)))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read v%d: %w", version, err)
		}
		return decodeAndMigrate(data)
	}

	metaData, err := afero.ReadFile(s.fs, filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read metadata.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("checkpoint: parse metadata.json: %w", err)
	}

	versions, err := s.listLocked(jobID)
	if err != nil {
		return nil, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v > meta.LatestVersion {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(dir, checkpointFilename(v)))
		if err != nil {
			continue
		}
		if v == meta.LatestVersion {
			sum := sha256.Sum256(data)
			if "sha256:"+hex.EncodeToString(sum[:]) != meta.ContentHash {
				logging.Info("checkpoint v%d for job %s failed content hash verification, falling back to an older checkpoint", v, jobID)
				continue
			}
		}
		return decodeAndMigrate(data)
	}

	return nil, fmt.Errorf("checkpoint: no readable checkpoint found for job %s", jobID)
}

// List enumerates the available checkpoint versions for jobID, ascending.
func (s *Store) List(jobID string) ([]int64, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	return s.listLocked(jobID)
}

var checkpointFilePattern = regexp.MustCompile(`^checkpoint-v(\d+)\.json$`)

func (s *Store) listLocked(jobID string) ([]int64, error) {
	dir := s.jobDir(jobID)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", dir, err)
	}
	var versions []int64
	for _, e := range entries {
		m := checkpointFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, n)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Prune keeps the `keep` most recent checkpoint versions for jobID and
// deletes the rest.
func (s *Store) Prune(jobID string, keep int) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	versions, err := s.listLocked(jobID)
	if err != nil {
		return err
	}
	if keep < 0 {
		keep = 0
	}
	if len(versions) <= keep {
		return nil
	}

	dir := s.jobDir(jobID)
	toDelete := versions[:len(versions)-keep]
	for _, v := range toDelete {
		path := filepath.Join(dir, checkpointFilename(v))
		if err := s.fs.Remove(path); err != nil {
			return fmt.Errorf("checkpoint: prune v%d: %w", v, err)
		}
	}
	return nil
}

// Cleanup deletes the entire job directory, including DLQ and event data.
func (s *Store) Cleanup(jobID string) error {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.fs.RemoveAll(s.jobDir(jobID)); err != nil {
		return fmt.Errorf("checkpoint: cleanup %s: %w", jobID, err)
	}
	return nil
}

func checkpointFilename(version int64) string {
	return fmt.Sprintf("checkpoint-v%d.json", version)
}

// atomicWrite writes data to dir/name via a sibling tempfile followed by a
// rename, so concurrent readers never observe a torn write.
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

func decodeAndMigrate(data []byte) (*mapreduce.JobState, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("checkpoint: decode payload: %w", err)
	}
	migrate(&p)
	return fromPayload(p), nil
}

// migrate applies format migrations in sequence up to
// mapreduce.CurrentCheckpointFormatVersion. There is only one format version
// today, so this is the identity transform; it exists so a future bump has
// one obvious place to add a step.
func migrate(p *payload) {
	if p.CheckpointFormatVersion == 0 {
		p.CheckpointFormatVersion = 1
	}
	for p.CheckpointFormatVersion < mapreduce.CurrentCheckpointFormatVersion {
		p.CheckpointFormatVersion++
	}
}
