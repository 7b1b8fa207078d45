package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/scan"
)

const (
	filePrefix = "checkpoint_"
	fileSuffix = ".json"
	fileLayout = "20060102_150405"
)

// Snapshot is the durable progress of a copy run. A batch number is listed
// in CompletedBatches only once its mapping entries and failures are
// included in the same snapshot.
type Snapshot struct {
	CompletedBatches []int               `json:"completed_batches"`
	ScanMapping      []scan.MappingEntry `json:"scan_mapping"`
	FailedScans      int                 `json:"failed_scans"`
	Timestamp        time.Time           `json:"timestamp"`

	// Identify the plan the batch numbers belong to.
	RunID     string `json:"run_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	ListHash  string `json:"scan_list_hash,omitempty"`
}

// IsEmpty reports whether nothing has been recorded.
func (s *Snapshot) IsEmpty() bool {
	return len(s.CompletedBatches) == 0 && len(s.ScanMapping) == 0 && s.FailedScans == 0
}

// IsCompleted reports whether batch n has been recorded.
func (s *Snapshot) IsCompleted(n int) bool {
	return slices.Contains(s.CompletedBatches, n)
}

// RecordBatch appends a finished batch. Recording the same batch twice is an error.
func (s *Snapshot) RecordBatch(n int, entries []scan.MappingEntry, failed int) error {
	if s.IsCompleted(n) {
		return fmt.Errorf("batch %d already recorded in checkpoint", n)
	}
	s.CompletedBatches = append(s.CompletedBatches, n)
	s.ScanMapping = append(s.ScanMapping, entries...)
	s.FailedScans += failed
	return nil
}

// Created counts mapping entries with a target id.
func (s *Snapshot) Created() int {
	n := 0
	for _, e := range s.ScanMapping {
		if e.Created() {
			n++
		}
	}
	return n
}

// Matches reports whether the snapshot was produced for the same scan list
// and batch size. Older snapshots without plan info are accepted.
func (s *Snapshot) Matches(batchSize int, listHash string) bool {
	if s.BatchSize != 0 && s.BatchSize != batchSize {
		return false
	}
	if s.ListHash != "" && s.ListHash != listHash {
		return false
	}
	return true
}

// HashScanList fingerprints an ordered id list.
func HashScanList(ids []int64) string {
	h := sha256.New()
	var buf [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// FileStore keeps one snapshot in a JSON file.
type FileStore struct {
	path string
	now  func() time.Time
}

// NewFileStore creates a store for path. The file is not touched until Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the checkpoint file path.
func (f *FileStore) Path() string { return f.path }

// Exists reports whether the checkpoint file is present.
func (f *FileStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Save writes the snapshot to a temp file in the same directory and renames
// it over the previous one, so a crash mid-write leaves the old snapshot intact.
func (f *FileStore) Save(s Snapshot) error {
	s.Timestamp = f.now()
	if s.CompletedBatches == nil {
		s.CompletedBatches = []int{}
	}
	if s.ScanMapping == nil {
		s.ScanMapping = []scan.MappingEntry{}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing or unreadable file yields an empty
// snapshot; corruption is logged and treated as a fresh start.
func (f *FileStore) Load() Snapshot {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("Could not read checkpoint %s, starting fresh: %v", f.path, err)
		}
		return Snapshot{}
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Warn("Checkpoint %s is corrupt, starting fresh: %v", f.path, err)
		return Snapshot{}
	}
	return s
}

// Remove deletes the checkpoint file. A missing file is not an error.
func (f *FileStore) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}

// NewPath returns dir/checkpoint_YYYYmmdd_HHMMSS.json for t.
func NewPath(dir string, t time.Time) string {
	return filepath.Join(dir, filePrefix+t.Format(fileLayout)+fileSuffix)
}

// Latest returns the most recently modified checkpoint file in dir, or ""
// when there is none.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[0], nil
}

// List returns the checkpoint files in dir, most recently modified first.
// A missing dir yields no files.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{name: name, mod: info.ModTime()})
	}
	// Ties go to the lexically later name, which is the later timestamp.
	sort.Slice(found, func(i, j int) bool {
		if !found[i].mod.Equal(found[j].mod) {
			return found[i].mod.After(found[j].mod)
		}
		return found[i].name > found[j].name
	})

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = filepath.Join(dir, c.name)
	}
	return paths, nil
}
