package orchestrator

import (
	"time"

	"github.com/johndauphine/scan-migrate/internal/report"
)

// RunResult is the machine-readable outcome of a run, printed by --output-json.
type RunResult struct {
	RunID             string    `json:"run_id"`
	Kind              string    `json:"kind"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
	DurationSeconds   float64   `json:"duration_seconds"`
	Resumed           bool      `json:"resumed"`
	ScansTotal        int       `json:"scans_total"`
	ScansProcessed    int       `json:"scans_processed"`
	ScansCreated      int       `json:"scans_created"`
	ScansFailed       int       `json:"scans_failed"`
	SuccessRate       float64   `json:"success_rate"`
	BatchesTotal      int       `json:"batches_total"`
	BatchesCompleted  int       `json:"batches_completed"`
	FailedScans       []int64   `json:"failed_scans"`
	FilesWritten      int       `json:"files_written,omitempty"`
	ReportPath        string    `json:"report_path,omitempty"`
	InitialReportPath string    `json:"initial_report_path,omitempty"`
	CheckpointPath    string    `json:"checkpoint_path,omitempty"`
	CheckpointDeleted bool      `json:"checkpoint_deleted"`
	Error             string    `json:"error,omitempty"`
}

// Summary is the end-of-run tally.
func (r *RunResult) Summary() report.Summary {
	return report.Summary{Attempted: r.ScansProcessed, Created: r.ScansCreated, Failed: r.ScansFailed}
}
