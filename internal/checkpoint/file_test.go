package checkpoint

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/scan-migrate/internal/scan"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint_20240101_120000.json")
	store := NewFileStore(path)

	var s Snapshot
	if err := s.RecordBatch(1, []scan.MappingEntry{{Source: 1, Target: "901"}, {Source: 2, Target: "902"}}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordBatch(3, []scan.MappingEntry{{Source: 7}, {Source: 8, Target: "abc"}}, 1); err != nil {
		t.Fatal(err)
	}
	s.BatchSize = 2
	s.ListHash = HashScanList([]int64{1, 2, 3, 4, 7, 8})

	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := store.Load()

	if !reflect.DeepEqual(got.CompletedBatches, []int{1, 3}) {
		t.Errorf("completed = %v", got.CompletedBatches)
	}
	if got.FailedScans != 1 {
		t.Errorf("failed = %d, want 1", got.FailedScans)
	}
	if !reflect.DeepEqual(sortedPairs(got.ScanMapping), sortedPairs(s.ScanMapping)) {
		t.Errorf("mapping = %v, want %v", got.ScanMapping, s.ScanMapping)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if !got.Matches(2, s.ListHash) || got.Matches(3, s.ListHash) || got.Matches(2, "other") {
		t.Error("Matches did not compare plan identity")
	}
}

func TestFileStoreFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	store := NewFileStore(path)
	store.now = func() time.Time { return time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC) }

	var s Snapshot
	_ = s.RecordBatch(1, []scan.MappingEntry{{Source: 5, Target: "50"}, {Source: 6}}, 1)
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"completed_batches": [`, `"failed_scans": 1`, `"timestamp": "2024-06-01T08:30:00Z"`, `"scan_mapping": [`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("checkpoint missing %s:\n%s", want, data)
		}
	}
}

func TestFileStoreLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	missing := NewFileStore(filepath.Join(dir, "nope.json")).Load()
	if !missing.IsEmpty() {
		t.Errorf("missing file should load empty, got %+v", missing)
	}

	corruptPath := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(corruptPath, []byte(`{"completed_batches": [1,`), 0600); err != nil {
		t.Fatal(err)
	}
	corrupt := NewFileStore(corruptPath).Load()
	if !corrupt.IsEmpty() {
		t.Errorf("corrupt file should load empty, got %+v", corrupt)
	}
}

func TestFileStoreSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "cp.json"))

	var s Snapshot
	_ = s.RecordBatch(1, nil, 0)
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}
	_ = s.RecordBatch(2, nil, 0)
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, found %d entries", len(entries))
	}
	if got := store.Load().CompletedBatches; !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("completed = %v", got)
	}

	if err := store.Remove(); err != nil {
		t.Fatal(err)
	}
	if store.Exists() {
		t.Error("checkpoint should be removed")
	}
	if err := store.Remove(); err != nil {
		t.Errorf("second Remove should be a no-op: %v", err)
	}
}

func TestRecordBatchRejectsDuplicates(t *testing.T) {
	var s Snapshot
	if err := s.RecordBatch(4, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordBatch(4, nil, 0); err == nil {
		t.Error("expected error recording batch twice")
	}
	if !s.IsCompleted(4) || s.IsCompleted(5) {
		t.Error("IsCompleted wrong")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: %q %v", p, err)
	}

	older := NewPath(dir, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := NewPath(dir, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	for _, p := range []string{older, newer, filepath.Join(dir, "notes.json")} {
		if err := os.WriteFile(p, []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	// The older name is touched last, so it wins on mtime.
	now := time.Now()
	os.Chtimes(newer, now.Add(-time.Hour), now.Add(-time.Hour))
	os.Chtimes(older, now, now)

	got, err := Latest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != older {
		t.Errorf("Latest = %s, want %s", got, older)
	}
	if filepath.Base(newer) != "checkpoint_20240102_000000.json" {
		t.Errorf("unexpected name %s", filepath.Base(newer))
	}

	if p, err := Latest(filepath.Join(dir, "missing")); err != nil || p != "" {
		t.Errorf("missing dir: %q %v", p, err)
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	a := NewPath(dir, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewPath(dir, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	c := NewPath(dir, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	now := time.Now()
	for i, p := range []string{a, b, c} {
		if err := os.WriteFile(p, []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
		mod := now.Add(-time.Duration(3-i) * time.Hour)
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	got, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{c, b, a}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if got, err := List(filepath.Join(dir, "missing")); err != nil || len(got) != 0 {
		t.Errorf("missing dir: %v %v", got, err)
	}
}

func TestHashScanListOrderSensitive(t *testing.T) {
	a := HashScanList([]int64{1, 2, 3})
	if a != HashScanList([]int64{1, 2, 3}) {
		t.Error("hash not stable")
	}
	if a == HashScanList([]int64{3, 2, 1}) {
		t.Error("hash should depend on order")
	}
}

func sortedPairs(m []scan.MappingEntry) []scan.MappingEntry {
	out := append([]scan.MappingEntry(nil), m...)
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
