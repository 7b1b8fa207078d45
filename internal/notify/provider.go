package notify

import (
	"time"

	"github.com/johndauphine/scan-migrate/internal/report"
)

// Provider defines the notification contract for run events.
// Implementations must be safe to call when disabled.
type Provider interface {
	// RunStarted is sent once the scan list and batch plan are known.
	RunStarted(runID, source, target string, scanCount, batchCount int) error

	// RunCompleted is sent when every scan was created.
	RunCompleted(runID string, startTime time.Time, duration time.Duration, summary report.Summary) error

	// RunCompletedWithErrors is sent when the run finished but some scans failed.
	RunCompletedWithErrors(runID string, startTime time.Time, duration time.Duration, summary report.Summary, failed []int64) error

	// RunFailed is sent when the run aborted.
	RunFailed(runID string, err error, duration time.Duration) error

	// BatchFailed is sent when a batch exhausted its retries.
	BatchFailed(runID string, batch int, err error) error
}

var _ Provider = (*Notifier)(nil)

// Nop discards every notification.
type Nop struct{}

func (Nop) RunStarted(string, string, string, int, int) error { return nil }

func (Nop) RunCompleted(string, time.Time, time.Duration, report.Summary) error { return nil }

func (Nop) RunCompletedWithErrors(string, time.Time, time.Duration, report.Summary, []int64) error {
	return nil
}

func (Nop) RunFailed(string, error, time.Duration) error { return nil }

func (Nop) BatchFailed(string, int, error) error { return nil }
