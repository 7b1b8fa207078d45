package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/scan-migrate/internal/logging"
)

// Tracker counts processed scans and feeds both the terminal bar and the JSON reporter.
type Tracker struct {
	bar       *progressbar.ProgressBar
	barOut    io.Writer
	reporter  Reporter
	startTime time.Time
	now       func() time.Time

	mu     sync.Mutex
	update ProgressUpdate
}

// New creates a tracker. barOut nil disables the terminal bar; reporter nil disables JSON output.
func New(runID string, barOut io.Writer, reporter Reporter) *Tracker {
	if reporter == nil {
		reporter = &NullReporter{}
	}
	return &Tracker{
		barOut:    barOut,
		reporter:  reporter,
		startTime: time.Now(),
		now:       time.Now,
		update:    ProgressUpdate{RunID: runID, Phase: PhaseInit},
	}
}

// SetTotal sets the scan and batch totals and emits a phase change.
func (t *Tracker) SetTotal(scans, batches int) {
	t.mu.Lock()
	t.update.ScansTotal = scans
	t.update.BatchesTotal = batches
	t.update.Phase = PhaseCopying
	u := t.snapshotLocked()
	t.mu.Unlock()

	if t.barOut != nil {
		t.bar = progressbar.NewOptions(
			scans,
			progressbar.OptionSetWriter(t.barOut),
			progressbar.OptionSetDescription("Copying scans"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("scans"),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	t.reporter.ReportImmediate(u)
}

// Resume accounts for batches already completed by an earlier run.
func (t *Tracker) Resume(batches, scans, created, failed int) {
	t.mu.Lock()
	t.update.BatchesComplete = batches
	t.update.ScansProcessed = scans
	t.update.ScansCreated = created
	t.update.ScansFailed = failed
	t.mu.Unlock()
	if t.bar != nil {
		_ = t.bar.Add(scans)
	}
}

// StartBatch notes which batch and attempt is in flight.
func (t *Tracker) StartBatch(number, attempt int) {
	t.mu.Lock()
	t.update.CurrentBatch = number
	t.update.CurrentAttempt = attempt
	u := t.snapshotLocked()
	t.mu.Unlock()

	if t.bar != nil {
		if attempt > 1 {
			t.bar.Describe(fmt.Sprintf("Batch %d (attempt %d)", number, attempt))
		} else {
			t.bar.Describe(fmt.Sprintf("Batch %d", number))
		}
	}
	t.reporter.Report(u)
}

// EndBatch records a finished batch.
func (t *Tracker) EndBatch(scans, created, failed int, outcome string) {
	t.mu.Lock()
	t.update.BatchesComplete++
	t.update.ScansProcessed += scans
	t.update.ScansCreated += created
	t.update.ScansFailed += failed
	t.update.LastBatchOutcome = outcome
	u := t.snapshotLocked()
	t.mu.Unlock()

	if t.bar != nil {
		_ = t.bar.Add(scans)
	}
	t.reporter.Report(u)
}

// Phase emits an immediate phase change.
func (t *Tracker) Phase(phase string) {
	t.mu.Lock()
	t.update.Phase = phase
	u := t.snapshotLocked()
	t.mu.Unlock()
	t.reporter.ReportImmediate(u)
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() ProgressUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() ProgressUpdate {
	u := t.update
	elapsed := t.now().Sub(t.startTime)
	u.ElapsedSeconds = elapsed.Seconds()
	if u.ScansTotal > 0 {
		u.ProgressPct = float64(u.ScansProcessed) * 100 / float64(u.ScansTotal)
	}
	if elapsed > 0 && u.ScansProcessed > 0 {
		u.ScansPerMinute = float64(u.ScansProcessed) / elapsed.Minutes()
	}
	return u
}

// Finish closes the bar and logs the overall rate.
func (t *Tracker) Finish() {
	if t.bar != nil {
		_ = t.bar.Finish()
		fmt.Fprintln(t.barOut)
	}
	u := t.Snapshot()
	u.Phase = PhaseDone
	t.reporter.ReportImmediate(u)
	t.reporter.Close()

	logging.Info("Processed %d scans in %s (%.1f scans/min)",
		u.ScansProcessed, time.Duration(u.ElapsedSeconds*float64(time.Second)).Round(time.Second), u.ScansPerMinute)
}
