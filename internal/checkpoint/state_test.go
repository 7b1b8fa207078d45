package checkpoint

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestRunLifecycle(t *testing.T) {
	state := newTestState(t)

	run := Run{
		ID:             "a1b2c3d4",
		SourceInstance: "albt",
		TargetInstance: "stgalbt",
		TargetStoreID:  991,
		TotalScans:     23,
		BatchSize:      10,
		CheckpointPath: "/tmp/checkpoint_x.json",
		ConfigHash:     ConfigHash(map[string]int{"batch_size": 10}),
	}
	if err := state.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	for _, b := range []BatchRecord{
		{RunID: run.ID, Number: 1, Attempts: 1, Scans: 10, Created: 10, Status: "success"},
		{RunID: run.ID, Number: 2, Attempts: 4, Scans: 10, Failed: 10, Status: "failed", Error: "create below threshold"},
	} {
		if err := state.RecordBatch(b); err != nil {
			t.Fatalf("RecordBatch(%d): %v", b.Number, err)
		}
	}
	// Re-recording replaces.
	if err := state.RecordBatch(BatchRecord{RunID: run.ID, Number: 1, Attempts: 2, Scans: 10, Created: 9, Failed: 1, Status: "partial"}); err != nil {
		t.Fatal(err)
	}

	if err := state.CompleteRun(run.ID, "partial", 19, 11, "/tmp/report.csv", ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, err := state.GetRunByID(run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRunByID: %v %v", got, err)
	}
	if got.Status != "partial" || got.Created != 19 || got.Failed != 11 || got.CompletedAt == nil {
		t.Errorf("unexpected run %+v", got)
	}
	if got.Kind != "copy" || got.TargetStoreID != 991 || got.ReportPath != "/tmp/report.csv" {
		t.Errorf("unexpected run fields %+v", got)
	}

	batches, err := state.GetBatches(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 || batches[0].Number != 1 || batches[0].Status != "partial" || batches[1].Error == "" {
		t.Errorf("unexpected batches %+v", batches)
	}
}

func TestCompleteUnknownRun(t *testing.T) {
	state := newTestState(t)
	err := state.CompleteRun("missing", "success", 0, 0, "", "")
	if err == nil || !strings.Contains(err.Error(), "run not found") {
		t.Errorf("expected run not found, got %v", err)
	}
	r, err := state.GetRunByID("missing")
	if err != nil || r != nil {
		t.Errorf("GetRunByID(missing) = %v, %v", r, err)
	}
}

func TestGetAllRunsNewestFirst(t *testing.T) {
	state := newTestState(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := state.CreateRun(Run{ID: id, SourceInstance: "s", StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := state.GetAllRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Errorf("unexpected order %+v", runs)
	}
	last, err := state.GetLastRun()
	if err != nil || last == nil || last.ID != "r3" {
		t.Errorf("GetLastRun = %v, %v", last, err)
	}
}

func TestCleanupOldRuns(t *testing.T) {
	state := newTestState(t)

	for _, id := range []string{"old", "recent", "running"} {
		if err := state.CreateRun(Run{ID: id, SourceInstance: "s"}); err != nil {
			t.Fatal(err)
		}
		if err := state.RecordBatch(BatchRecord{RunID: id, Number: 1, Status: "success"}); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"old", "recent"} {
		if err := state.CompleteRun(id, "success", 1, 0, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	oldTime := time.Now().UTC().AddDate(0, 0, -31).Format(sqliteTime)
	if _, err := state.db.Exec(`UPDATE runs SET completed_at = ? WHERE id = 'old'`, oldTime); err != nil {
		t.Fatal(err)
	}

	deleted, err := state.CleanupOldRuns(30)
	if err != nil {
		t.Fatalf("CleanupOldRuns: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if got := countRows(t, state.db, `SELECT COUNT(*) FROM runs`); got != 2 {
		t.Errorf("runs remaining = %d, want 2", got)
	}
	if got := countRows(t, state.db, `SELECT COUNT(*) FROM batches`); got != 2 {
		t.Errorf("batches remaining = %d, want 2", got)
	}
}

func TestProfiles(t *testing.T) {
	state := newTestState(t)
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	t.Setenv(masterKeyEnv, key)

	cfg := []byte("source:\n  instance: albt\n  password: secret\n")
	if err := state.SaveProfile("albt-copy", "prod to staging", cfg); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	var enc []byte
	if err := state.db.QueryRow(`SELECT config_enc FROM profiles WHERE name = ?`, "albt-copy").Scan(&enc); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(enc), "secret") {
		t.Error("profile stored in plaintext")
	}

	got, err := state.GetProfile("albt-copy")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if string(got) != string(cfg) {
		t.Errorf("GetProfile = %q", got)
	}

	list, err := state.ListProfiles()
	if err != nil || len(list) != 1 || list[0].Description != "prod to staging" {
		t.Errorf("ListProfiles = %+v, %v", list, err)
	}

	if err := state.DeleteProfile("albt-copy"); err != nil {
		t.Fatal(err)
	}
	if _, err := state.GetProfile("albt-copy"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
	if err := state.DeleteProfile("albt-copy"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound on second delete, got %v", err)
	}
}

func TestProfileNameBinding(t *testing.T) {
	t.Setenv(masterKeyEnv, base64.StdEncoding.EncodeToString(make([]byte, 32)))
	sealer, err := newProfileSealer()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := sealer.seal("a", []byte("data"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sealer.open("b", enc); err == nil {
		t.Error("ciphertext should not open under another name")
	}
	if _, err := sealer.open("a", enc[:5]); err == nil {
		t.Error("short payload should fail")
	}
}

func TestMasterKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		val  string
	}{
		{"unset", ""},
		{"not base64", "!!!"},
		{"short", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(masterKeyEnv, tt.val)
			if _, err := newProfileSealer(); err == nil {
				t.Error("expected error")
			}
		})
	}

	k, err := GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(masterKeyEnv, k)
	if _, err := newProfileSealer(); err != nil {
		t.Errorf("generated key rejected: %v", err)
	}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return n
}
