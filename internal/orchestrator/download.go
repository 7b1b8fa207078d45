package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/johndauphine/scan-migrate/internal/api"
	"github.com/johndauphine/scan-migrate/internal/batch"
	"github.com/johndauphine/scan-migrate/internal/checkpoint"
	"github.com/johndauphine/scan-migrate/internal/exitcodes"
	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/progress"
	"github.com/johndauphine/scan-migrate/internal/retry"
	"github.com/johndauphine/scan-migrate/internal/scan"
	"github.com/johndauphine/scan-migrate/internal/stage"
)

const defaultExt = ".jpg"

func (o *Orchestrator) download(ctx context.Context, res *RunResult) error {
	cfg := o.config
	if err := cfg.Validate(); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	ids, err := cfg.ResolveScanIDs()
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if len(ids) == 0 {
		return exitcodes.NewExitError(errors.New("no scan ids configured"), exitcodes.ConfigError)
	}
	batches, err := batch.Plan(ids, cfg.Migration.BatchSize)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	res.ScansTotal = len(ids)
	res.BatchesTotal = len(batches)

	folder := cfg.Download.Folder
	if err := os.MkdirAll(folder, 0755); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("creating download folder: %w", err), exitcodes.IOError)
	}
	fmt.Fprintf(o.out, "Starting download run: %s\n", res.RunID)
	fmt.Fprintf(o.out, "Source: %s  Folder: %s\n", cfg.Source.Instance, folder)

	if err := o.history.CreateRun(checkpoint.Run{
		ID:             res.RunID,
		Kind:           res.Kind,
		StartedAt:      res.StartedAt,
		Status:         StatusRunning,
		SourceInstance: cfg.Source.Instance,
		TotalScans:     len(ids),
		BatchSize:      cfg.Migration.BatchSize,
		ConfigHash:     checkpoint.ConfigHash(cfg.Sanitized()),
	}); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("creating run: %w", err), exitcodes.StateError)
	}
	o.runRecorded = true

	src, err := o.connector.Source(ctx)
	if err != nil {
		return authExit(err)
	}
	fetched, err := o.reader.FetchScans(ctx, ids)
	if err != nil {
		return exitFor(fmt.Errorf("fetching scans: %w", err), exitcodes.ConnectionError)
	}
	records := fetched.ByID()

	tracker := progress.New(res.RunID, o.opts.ProgressBar, o.reporter())
	tracker.SetTotal(len(ids), len(batches))
	defer tracker.Finish()

	policy := cfg.ItemPolicy().WithName("download")
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return exitcodes.NewExitError(err, exitcodes.Cancelled)
		}
		tracker.StartBatch(b.Number, 1)

		var present []scan.Record
		for _, id := range b.Members {
			if rec, ok := records[id]; ok {
				present = append(present, rec)
			}
		}
		files := scan.UniqueFiles(present)
		fileIDs := make([]int64, len(files))
		for i, f := range files {
			fileIDs[i] = f.FileID
		}

		got := stage.Run(ctx, "download", fileIDs, cfg.Migration.DownloadWorkers,
			func(ctx context.Context, id int64) (scan.DownloadedFile, error) {
				return retry.Do(ctx, policy, func(ctx context.Context) (scan.DownloadedFile, error) {
					return src.DownloadFile(ctx, id)
				})
			})
		for _, ferr := range got.Failures {
			if errors.Is(ferr, context.Canceled) {
				return exitcodes.NewExitError(ferr, exitcodes.Cancelled)
			}
			if api.IsFatal(ferr) {
				return authExit(ferr)
			}
		}

		saved, written, err := saveBatch(folder, b.Members, records, got.Values)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.IOError)
		}
		failed := len(b.Members) - saved
		res.FilesWritten += written
		res.ScansProcessed += len(b.Members)
		res.ScansCreated += saved
		res.ScansFailed += failed
		res.BatchesCompleted++
		for _, id := range b.Members {
			if !scanSaved(records[id], got.Values) {
				res.FailedScans = append(res.FailedScans, id)
			}
		}

		status := batchSuccess
		switch {
		case saved == 0:
			status = batchFailed
		case failed > 0:
			status = batchPartial
		}
		if err := o.history.RecordBatch(checkpoint.BatchRecord{
			RunID: res.RunID, Number: b.Number, Attempts: 1, Scans: len(b.Members),
			Created: saved, Failed: failed, Status: status, CompletedAt: o.now(),
		}); err != nil {
			logging.Warn("Recording batch %d: %v", b.Number, err)
		}
		tracker.EndBatch(len(b.Members), saved, failed, status)
	}

	if res.ScansProcessed > 0 {
		res.SuccessRate = float64(res.ScansCreated) * 100 / float64(res.ScansProcessed)
	}
	fmt.Fprintf(o.out, "\nSaved %d files for %d/%d scans to %s\n", res.FilesWritten, res.ScansCreated, res.ScansProcessed, folder)
	return nil
}

// saveBatch writes every downloaded file of the batch's scans and returns
// how many scans had all of their files written.
func saveBatch(folder string, members []int64, records map[int64]scan.Record, files map[int64]scan.DownloadedFile) (saved, written int, err error) {
	for _, id := range members {
		rec, ok := records[id]
		if !ok {
			continue
		}
		for i, af := range rec.AttachedFiles {
			f, ok := files[af.FileID]
			if !ok {
				continue
			}
			path := filepath.Join(folder, downloadName(rec, i, f.Filename))
			if err := os.WriteFile(path, f.Content, 0644); err != nil {
				return saved, written, fmt.Errorf("writing %s: %w", path, err)
			}
			written++
		}
		if scanSaved(rec, files) {
			saved++
		}
	}
	return saved, written, nil
}

func scanSaved(rec scan.Record, files map[int64]scan.DownloadedFile) bool {
	if len(rec.AttachedFiles) == 0 {
		return false
	}
	for _, af := range rec.AttachedFiles {
		if _, ok := files[af.FileID]; !ok {
			return false
		}
	}
	return true
}

// downloadName builds <scan>[_<section>][_<storePOG>][_<n>]<ext>. The
// index suffix is added from a scan's second file on.
func downloadName(rec scan.Record, index int, original string) string {
	parts := []string{strconv.FormatInt(rec.SourceID, 10)}
	if s := sanitizeName(rec.SectionName); s != "" {
		parts = append(parts, s)
	}
	if s := sanitizeName(rec.StorePlanogram); s != "" {
		parts = append(parts, s)
	}
	if index > 0 {
		parts = append(parts, strconv.Itoa(index+1))
	}
	ext := sanitizeName(filepath.Ext(original))
	if ext == "" || ext == "." {
		ext = defaultExt
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.Join(parts, "_") + ext
}

var unsafeChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)

// sanitizeName replaces characters that are invalid in file names and trims
// leading and trailing dots and spaces.
func sanitizeName(s string) string {
	return strings.Trim(unsafeChars.Replace(s), ". ")
}
