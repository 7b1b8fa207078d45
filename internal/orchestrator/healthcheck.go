package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/johndauphine/scan-migrate/internal/batch"
	"github.com/johndauphine/scan-migrate/internal/exitcodes"
	"github.com/johndauphine/scan-migrate/internal/logging"
)

// CheckResult is the outcome of one connectivity probe.
type CheckResult struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheckResult reports reachability of both instances.
type HealthCheckResult struct {
	Timestamp string        `json:"timestamp"`
	Healthy   bool          `json:"healthy"`
	Checks    []CheckResult `json:"checks"`
}

// PreviewResult describes what a run would do without copying anything.
type PreviewResult struct {
	ScansTotal   int     `json:"scans_total"`
	BatchSize    int     `json:"batch_size"`
	BatchesTotal int     `json:"batches_total"`
	ScansFound   int     `json:"scans_found"`
	FilesTotal   int     `json:"files_total"`
	UniqueFiles  int     `json:"unique_files"`
	Problems     []int64 `json:"problem_scans,omitempty"`
}

const checkTimeout = 30 * time.Second

type probe struct {
	name string
	fn   func(context.Context) error
}

// HealthCheck probes the source database, the target database and the
// API login of each configured instance. Probes run in parallel with their
// own timeout so one slow endpoint does not starve the others.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	probes := []probe{
		{"source database", func(ctx context.Context) error { return o.reader.Ping(ctx) }},
		{"source api", func(ctx context.Context) error {
			_, err := o.connector.Source(ctx)
			return err
		}},
	}
	if o.config.Target.Instance != "" {
		probes = append(probes,
			probe{"target database", o.pingTargetDB},
			probe{"target api", func(ctx context.Context) error {
				_, err := o.connector.Target(ctx)
				return err
			}},
		)
	}

	result := &HealthCheckResult{
		Timestamp: o.now().Format(time.RFC3339),
		Checks:    make([]CheckResult, len(probes)),
	}

	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			pctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			check := CheckResult{Name: p.name}
			if err := p.fn(pctx); err != nil {
				check.Error = err.Error()
			} else {
				check.Connected = true
			}
			check.LatencyMs = time.Since(start).Milliseconds()
			result.Checks[i] = check
		}()
	}
	wg.Wait()

	result.Healthy = true
	for _, c := range result.Checks {
		if !c.Connected {
			result.Healthy = false
			logging.Warn("Health check %s failed: %s", c.Name, c.Error)
		}
	}
	if err := ctx.Err(); err != nil {
		return result, exitcodes.NewExitError(err, exitcodes.Cancelled)
	}
	if !result.Healthy {
		return result, exitcodes.NewExitError(fmt.Errorf("health check failed"), exitcodes.ConnectionError)
	}
	return result, nil
}

func (o *Orchestrator) pingTargetDB(ctx context.Context) error {
	db, err := o.openDB(ctx, o.config.Target.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Ping(ctx)
}

// Preview resolves the configured scans against the source database and
// reports the batch plan. Nothing is written.
func (o *Orchestrator) Preview(ctx context.Context) (*PreviewResult, error) {
	logging.Info("Previewing run (no scans will be copied)...")

	ids, err := o.config.ResolveScanIDs()
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	size := o.config.Migration.BatchSize
	batches, err := batch.Plan(ids, size)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	fetched, err := o.reader.FetchScans(ctx, ids)
	if err != nil {
		return nil, exitFor(fmt.Errorf("fetching scans: %w", err), exitcodes.ConnectionError)
	}

	result := &PreviewResult{
		ScansTotal:   len(ids),
		BatchSize:    size,
		BatchesTotal: len(batches),
		ScansFound:   len(fetched.Records),
	}
	unique := make(map[int64]struct{})
	for _, rec := range fetched.Records {
		result.FilesTotal += len(rec.AttachedFiles)
		for _, f := range rec.AttachedFiles {
			unique[f.FileID] = struct{}{}
		}
	}
	result.UniqueFiles = len(unique)
	for _, id := range ids {
		if _, bad := fetched.Problems[id]; bad {
			result.Problems = append(result.Problems, id)
		}
	}

	fmt.Fprintf(o.out, "Scans: %d (%d found in source)\n", result.ScansTotal, result.ScansFound)
	fmt.Fprintf(o.out, "Batches: %d of %d\n", result.BatchesTotal, result.BatchSize)
	fmt.Fprintf(o.out, "Files: %d (%d unique)\n", result.FilesTotal, result.UniqueFiles)
	if len(result.Problems) > 0 {
		fmt.Fprintf(o.out, "Scans that would fail: %v\n", result.Problems)
	}
	return result, nil
}
