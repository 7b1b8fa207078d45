package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/scan-migrate/internal/logging"
)

// Phases reported while a run progresses.
const (
	PhaseInit     = "init"
	PhaseCopying  = "copying"
	PhaseFinalize = "finalize"
	PhaseDone     = "done"
)

// ProgressUpdate is one JSON progress line for automation.
type ProgressUpdate struct {
	Timestamp        string  `json:"timestamp"`
	Phase            string  `json:"phase"`
	RunID            string  `json:"run_id,omitempty"`
	BatchesComplete  int     `json:"batches_complete"`
	BatchesTotal     int     `json:"batches_total"`
	CurrentBatch     int     `json:"current_batch,omitempty"`
	CurrentAttempt   int     `json:"current_attempt,omitempty"`
	ScansProcessed   int     `json:"scans_processed"`
	ScansTotal       int     `json:"scans_total"`
	ScansCreated     int     `json:"scans_created"`
	ScansFailed      int     `json:"scans_failed"`
	ProgressPct      float64 `json:"progress_pct"`
	ScansPerMinute   float64 `json:"scans_per_minute,omitempty"`
	ElapsedSeconds   float64 `json:"elapsed_seconds,omitempty"`
	LastBatchOutcome string  `json:"last_batch_outcome,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter writes one JSON object per line, typically to stderr.
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
	now        func() time.Time
}

// NewJSONReporter creates a reporter that emits at most one throttled update per interval.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{writer: writer, interval: interval, now: time.Now}
}

// Report emits a throttled update.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := r.now()
	if r.interval > 0 && !r.lastReport.IsZero() && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.emit(update, now)
}

// ReportImmediate emits an update regardless of throttling. Used for phase changes.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.emit(update, r.now())
}

func (r *JSONReporter) emit(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (r *NullReporter) Report(update ProgressUpdate) {}

func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

func (r *NullReporter) Close() {}
