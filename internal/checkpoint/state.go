package checkpoint

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTime = "2006-01-02 15:04:05"

// State keeps run history, per-batch outcomes and profiles in SQLite.
type State struct {
	db *sql.DB
}

// Run is one invocation of the copy or download pipeline.
type Run struct {
	ID             string
	Kind           string // copy or download
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         string // running, success, partial, failed, cancelled
	SourceInstance string
	TargetInstance string
	TargetStoreID  int64
	TotalScans     int
	BatchSize      int
	Created        int
	Failed         int
	CheckpointPath string
	ReportPath     string
	ConfigHash     string
	Error          string
}

// BatchRecord is the terminal outcome of one batch in a run.
type BatchRecord struct {
	RunID       string
	Number      int
	Attempts    int
	Scans       int
	Created     int
	Failed      int
	Status      string // success, partial, failed
	Error       string
	CompletedAt time.Time
}

// New opens (or creates) dataDir/scan-migrate.db.
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "scan-migrate.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'copy',
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		source_instance TEXT NOT NULL,
		target_instance TEXT NOT NULL DEFAULT '',
		target_store_id INTEGER NOT NULL DEFAULT 0,
		total_scans INTEGER NOT NULL DEFAULT 0,
		batch_size INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		checkpoint_path TEXT NOT NULL DEFAULT '',
		report_path TEXT NOT NULL DEFAULT '',
		config_hash TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS batches (
		run_id TEXT NOT NULL REFERENCES runs(id),
		batch_number INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		scans INTEGER NOT NULL,
		created INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL,
		PRIMARY KEY (run_id, batch_number)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		name TEXT PRIMARY KEY,
		description TEXT,
		config_enc BLOB NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// ConfigHash fingerprints a (sanitized) config for change detection.
func ConfigHash(config any) string {
	data, _ := json.Marshal(config)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// CreateRun inserts a run in the running state.
func (s *State) CreateRun(r Run) error {
	if r.Kind == "" {
		r.Kind = "copy"
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, kind, started_at, status, source_instance, target_instance,
			target_store_id, total_scans, batch_size, checkpoint_path, config_hash)
		VALUES (?, ?, ?, 'running', ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Kind, r.StartedAt.UTC().Format(sqliteTime), r.SourceInstance, r.TargetInstance,
		r.TargetStoreID, r.TotalScans, r.BatchSize, r.CheckpointPath, r.ConfigHash)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return nil
}

// RecordBatch stores a batch outcome. Re-recording a batch replaces it.
func (s *State) RecordBatch(b BatchRecord) error {
	if b.CompletedAt.IsZero() {
		b.CompletedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO batches (run_id, batch_number, attempts, scans, created, failed, status, error, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, batch_number) DO UPDATE SET
			attempts = excluded.attempts,
			scans = excluded.scans,
			created = excluded.created,
			failed = excluded.failed,
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, b.RunID, b.Number, b.Attempts, b.Scans, b.Created, b.Failed, b.Status, b.Error,
		b.CompletedAt.UTC().Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("recording batch %d: %w", b.Number, err)
	}
	return nil
}

// CompleteRun sets the terminal status and totals of a run.
func (s *State) CompleteRun(id, status string, created, failed int, reportPath, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, created = ?, failed = ?, report_path = ?, error = ?
		WHERE id = ?
	`, status, time.Now().UTC().Format(sqliteTime), created, failed, reportPath, errMsg, id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

const runColumns = `id, kind, started_at, completed_at, status, source_instance, target_instance,
	target_store_id, total_scans, batch_size, created, failed, checkpoint_path, report_path, config_hash, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(rs rowScanner) (Run, error) {
	var (
		r           Run
		startedAt   string
		completedAt sql.NullString
	)
	err := rs.Scan(&r.ID, &r.Kind, &startedAt, &completedAt, &r.Status, &r.SourceInstance, &r.TargetInstance,
		&r.TargetStoreID, &r.TotalScans, &r.BatchSize, &r.Created, &r.Failed, &r.CheckpointPath,
		&r.ReportPath, &r.ConfigHash, &r.Error)
	if err != nil {
		return r, err
	}
	r.StartedAt, _ = time.Parse(sqliteTime, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(sqliteTime, completedAt.String)
		r.CompletedAt = &t
	}
	return r, nil
}

// GetAllRuns returns the most recent runs, newest first.
func (s *State) GetAllRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunByID returns a run, or nil when it does not exist.
func (s *State) GetRunByID(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetLastRun returns the most recent run, or nil.
func (s *State) GetLastRun() (*Run, error) {
	runs, err := s.GetAllRuns(1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// GetBatches returns the recorded batches of a run in batch order.
func (s *State) GetBatches(runID string) ([]BatchRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, batch_number, attempts, scans, created, failed, status, error, completed_at
		FROM batches WHERE run_id = ? ORDER BY batch_number
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		var completedAt string
		if err := rows.Scan(&b.RunID, &b.Number, &b.Attempts, &b.Scans, &b.Created, &b.Failed, &b.Status, &b.Error, &completedAt); err != nil {
			return nil, err
		}
		b.CompletedAt, _ = time.Parse(sqliteTime, completedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// CleanupOldRuns deletes finished runs (and their batches) completed more
// than retentionDays ago. Running runs are kept.
func (s *State) CleanupOldRuns(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(sqliteTime)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM batches WHERE run_id IN (
			SELECT id FROM runs WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?
		)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
