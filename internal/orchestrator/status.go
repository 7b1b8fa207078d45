package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/scan-migrate/internal/checkpoint"
)

// StatusResult describes the resumable state and the last recorded run.
type StatusResult struct {
	Status           string     `json:"status"`
	CheckpointPath   string     `json:"checkpoint_path,omitempty"`
	CheckpointRunID  string     `json:"checkpoint_run_id,omitempty"`
	CompletedBatches []int      `json:"completed_batches"`
	BatchSize        int        `json:"batch_size,omitempty"`
	ScansMapped      int        `json:"scans_mapped"`
	ScansCreated     int        `json:"scans_created"`
	ScansFailed      int        `json:"scans_failed"`
	SavedAt          *time.Time `json:"saved_at,omitempty"`
	LastRun          *RunResult `json:"last_run,omitempty"`
}

// GetStatusResult reads the latest checkpoint and the last run in history.
func (o *Orchestrator) GetStatusResult() (*StatusResult, error) {
	res := &StatusResult{Status: "no_checkpoint", CompletedBatches: []int{}}

	path, err := checkpoint.Latest(o.checkpointDir())
	if err != nil {
		return nil, err
	}
	if path != "" {
		snap := checkpoint.NewFileStore(path).Load()
		res.CheckpointPath = path
		res.Status = "resumable"
		res.CheckpointRunID = snap.RunID
		res.BatchSize = snap.BatchSize
		res.ScansMapped = len(snap.ScanMapping)
		res.ScansCreated = snap.Created()
		res.ScansFailed = snap.FailedScans
		if snap.CompletedBatches != nil {
			res.CompletedBatches = snap.CompletedBatches
		}
		if !snap.Timestamp.IsZero() {
			ts := snap.Timestamp
			res.SavedAt = &ts
		}
	}

	run, err := o.state.GetLastRun()
	if err != nil {
		return nil, err
	}
	if run != nil {
		res.LastRun = resultFromRun(run)
		if run.Status == StatusRunning && path == "" {
			res.Status = "running"
		}
	}
	return res, nil
}

// ShowStatus prints the latest checkpoint and last run.
func (o *Orchestrator) ShowStatus() error {
	st, err := o.GetStatusResult()
	if err != nil {
		return err
	}

	if st.CheckpointPath == "" {
		fmt.Fprintln(o.out, "No checkpoint to resume")
	} else {
		fmt.Fprintf(o.out, "Checkpoint: %s\n", st.CheckpointPath)
		if st.SavedAt != nil {
			fmt.Fprintf(o.out, "Saved:      %s\n", st.SavedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(o.out, "Batches:    %d complete (batch size %d)\n", len(st.CompletedBatches), st.BatchSize)
		fmt.Fprintf(o.out, "Scans:      %d mapped, %d created, %d failed\n", st.ScansMapped, st.ScansCreated, st.ScansFailed)
		fmt.Fprintln(o.out, "Run 'resume' to continue.")
	}

	if st.LastRun != nil {
		r := st.LastRun
		fmt.Fprintf(o.out, "\nLast run: %s (%s, %s)\n", r.RunID, r.Kind, r.Status)
		fmt.Fprintf(o.out, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(o.out, "Scans:    %d/%d created, %d failed\n", r.ScansCreated, r.ScansTotal, r.ScansFailed)
		if r.Error != "" {
			fmt.Fprintf(o.out, "Error:    %s\n", r.Error)
		}
	}
	return nil
}

// ShowHistory lists recorded runs, newest first.
func (o *Orchestrator) ShowHistory(limit int) error {
	runs, err := o.state.GetAllRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(o.out, "No run history")
		return nil
	}

	fmt.Fprintf(o.out, "%-10s %-9s %-20s %-20s %-10s %-16s\n", "ID", "Kind", "Started", "Completed", "Status", "Created/Total")
	fmt.Fprintln(o.out, strings.Repeat("-", 90))
	for _, r := range runs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(o.out, "%-10s %-9s %-20s %-20s %-10s %-16s\n",
			r.ID, r.Kind, r.StartedAt.Format("2006-01-02 15:04:05"), completed, r.Status,
			fmt.Sprintf("%d/%d", r.Created, r.TotalScans))
		if r.Error != "" {
			fmt.Fprintf(o.out, "           Error: %s\n", r.Error)
		}
	}

	fmt.Fprintln(o.out, "\nUse 'history --run <ID>' to view batch details")
	return nil
}

// ShowRunDetails prints one run with its batches.
func (o *Orchestrator) ShowRunDetails(runID string) error {
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return fmt.Errorf("getting run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	fmt.Fprintf(o.out, "Run ID:      %s\n", run.ID)
	fmt.Fprintf(o.out, "Kind:        %s\n", run.Kind)
	fmt.Fprintf(o.out, "Status:      %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(o.out, "Error:       %s\n", run.Error)
	}
	fmt.Fprintf(o.out, "Started:     %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.CompletedAt != nil {
		fmt.Fprintf(o.out, "Completed:   %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(o.out, "Duration:    %s\n", run.CompletedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(o.out, "Source:      %s\n", run.SourceInstance)
	if run.TargetInstance != "" {
		fmt.Fprintf(o.out, "Target:      %s (store %d)\n", run.TargetInstance, run.TargetStoreID)
	}
	fmt.Fprintf(o.out, "Scans:       %d created, %d failed, %d total\n", run.Created, run.Failed, run.TotalScans)
	if run.ReportPath != "" {
		fmt.Fprintf(o.out, "Report:      %s\n", run.ReportPath)
	}
	if run.CheckpointPath != "" {
		fmt.Fprintf(o.out, "Checkpoint:  %s\n", run.CheckpointPath)
	}

	batches, err := o.state.GetBatches(run.ID)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}
	fmt.Fprintf(o.out, "\n%-6s %-9s %-8s %-8s %-8s %s\n", "Batch", "Status", "Attempts", "Created", "Failed", "Error")
	for _, b := range batches {
		errMsg := b.Error
		if len(errMsg) > 50 {
			errMsg = errMsg[:47] + "..."
		}
		fmt.Fprintf(o.out, "%-6d %-9s %-8d %-8d %-8d %s\n", b.Number, b.Status, b.Attempts, b.Created, b.Failed, errMsg)
	}
	return nil
}

// GetRunResult rebuilds a RunResult from history.
func (o *Orchestrator) GetRunResult(runID string) (*RunResult, error) {
	run, err := o.state.GetRunByID(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return resultFromRun(run), nil
}

func resultFromRun(run *checkpoint.Run) *RunResult {
	r := &RunResult{
		RunID:          run.ID,
		Kind:           run.Kind,
		Status:         run.Status,
		StartedAt:      run.StartedAt,
		ScansTotal:     run.TotalScans,
		ScansCreated:   run.Created,
		ScansFailed:    run.Failed,
		ScansProcessed: run.Created + run.Failed,
		FailedScans:    []int64{},
		ReportPath:     run.ReportPath,
		CheckpointPath: run.CheckpointPath,
		Error:          run.Error,
	}
	if run.CompletedAt != nil {
		r.CompletedAt = *run.CompletedAt
		r.DurationSeconds = run.CompletedAt.Sub(run.StartedAt).Seconds()
	}
	if r.ScansProcessed > 0 {
		r.SuccessRate = float64(r.ScansCreated) * 100 / float64(r.ScansProcessed)
	}
	return r
}

// PruneHistory removes finished runs older than days.
func (o *Orchestrator) PruneHistory(days int) error {
	n, err := o.state.CleanupOldRuns(days)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	fmt.Fprintf(o.out, "Removed %d runs older than %d days\n", n, days)
	return nil
}
