package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/scan-migrate/internal/api"
	"github.com/johndauphine/scan-migrate/internal/batch"
	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/retry"
	"github.com/johndauphine/scan-migrate/internal/scan"
	"github.com/johndauphine/scan-migrate/internal/stage"
)

// Batch statuses recorded in history.
const (
	batchSuccess = "success"
	batchPartial = "partial"
	batchFailed  = "failed"
)

// shortfallError marks a stage that finished below the success ratio.
type shortfallError struct {
	Stage     string
	Succeeded int
	Total     int
}

func (e *shortfallError) Error() string {
	return fmt.Sprintf("%s stage below threshold: %d/%d succeeded", e.Stage, e.Succeeded, e.Total)
}

// batchOutcome is the terminal result of one batch: one mapping entry per member.
type batchOutcome struct {
	Entries  []scan.MappingEntry
	Failed   int
	Attempts int
	Status   string
	Err      error // last batch-level error, if retries were exhausted by one
}

func (b batchOutcome) created() int { return len(b.Entries) - b.Failed }

// processorConfig is the slice of configuration a batch needs.
type processorConfig struct {
	DownloadWorkers int
	UploadWorkers   int
	CreateWorkers   int
	MinSuccessRatio float64
	MaxAttempts     int
	RetryDelay      time.Duration // multiplied by the attempt number
	Budget          time.Duration // wall clock for all attempts of one batch
	ItemPolicy      retry.Policy
	Shape           scan.ShapeOptions // Files is filled per scan
	FileKind        string
}

// processor runs batches one at a time. It holds no state between batches.
type processor struct {
	cfg     processorConfig
	src     Downloader
	dst     Uploader
	records map[int64]scan.Record
	missing map[int64]error

	onAttempt func(number, attempt int)
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// process runs a batch until it succeeds or its attempts are spent. Only a
// fatal service error or cancellation is returned as an error; the batch
// has then produced nothing and must not be marked complete.
func (p *processor) process(ctx context.Context, b batch.Batch[int64]) (batchOutcome, error) {
	maxAttempts := max(1, p.cfg.MaxAttempts)
	start := p.now()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; ; attempt++ {
		attempts = attempt
		if p.onAttempt != nil {
			p.onAttempt(b.Number, attempt)
		}
		final := attempt == maxAttempts

		created, err := p.attempt(ctx, b.Members, final)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return batchOutcome{}, ctxErr
		}
		if err != nil && api.IsFatal(err) {
			return batchOutcome{}, err
		}
		if err == nil {
			return p.outcome(b.Members, created, attempt, nil), nil
		}

		lastErr = err
		logging.WarnFields(logging.Fields{"batch": b.Number, "attempt": attempt, "error": err},
			"Batch %d attempt %d/%d failed: %v", b.Number, attempt, maxAttempts, err)

		if final {
			break
		}
		delay := p.cfg.RetryDelay * time.Duration(attempt)
		if p.cfg.Budget > 0 && p.now().Sub(start)+delay > p.cfg.Budget {
			lastErr = &retry.TimeoutExceededError{Budget: p.cfg.Budget, Attempts: attempt, Last: err}
			logging.Warn("Batch %d: retry budget %s exhausted after %d attempts", b.Number, p.cfg.Budget, attempt)
			break
		}
		logging.Info("Retrying batch %d in %s", b.Number, delay)
		if err := p.sleep(ctx, delay); err != nil {
			return batchOutcome{}, err
		}
	}

	// Retries exhausted by a batch-level error: nothing from the failed
	// attempts is kept.
	return p.outcome(b.Members, nil, attempts, lastErr), nil
}

func (p *processor) outcome(members []int64, created map[int64]scan.ObjectID, attempts int, err error) batchOutcome {
	out := batchOutcome{Entries: make([]scan.MappingEntry, len(members)), Attempts: attempts, Err: err}
	for i, id := range members {
		out.Entries[i] = scan.MappingEntry{Source: id, Target: created[id]}
		if !out.Entries[i].Created() {
			out.Failed++
		}
	}
	switch {
	case out.Failed == 0:
		out.Status = batchSuccess
	case out.Failed < len(members):
		out.Status = batchPartial
	default:
		out.Status = batchFailed
	}
	return out
}

// attempt runs download, upload and create for one pass over a batch. When
// final is false a stage below the success ratio aborts the pass with a
// shortfallError so the whole batch is retried.
func (p *processor) attempt(ctx context.Context, members []int64, final bool) (map[int64]scan.ObjectID, error) {
	var records []scan.Record
	for _, id := range members {
		if rec, ok := p.records[id]; ok {
			records = append(records, rec)
			continue
		}
		logging.WarnFields(logging.Fields{"scan": id, "error": p.missing[id]}, "Scan %d has no usable source record", id)
	}
	if len(records) == 0 {
		return nil, nil
	}

	files := scan.UniqueFiles(records)
	fileIDs := make([]int64, len(files))
	for i, f := range files {
		fileIDs[i] = f.FileID
	}

	downloaded := stage.Run(ctx, "download", fileIDs, p.cfg.DownloadWorkers,
		func(ctx context.Context, id int64) (scan.DownloadedFile, error) {
			return retry.Do(ctx, p.cfg.ItemPolicy.WithName("download"), func(ctx context.Context) (scan.DownloadedFile, error) {
				return p.src.DownloadFile(ctx, id)
			})
		})
	if err := p.check(downloaded.Failures, downloaded.Succeeded(), downloaded.Total(), downloaded.Acceptable(p.cfg.MinSuccessRatio), final, "download"); err != nil {
		return nil, err
	}

	toUpload := make([]int64, 0, len(downloaded.Values))
	for _, id := range fileIDs {
		if _, ok := downloaded.Values[id]; ok {
			toUpload = append(toUpload, id)
		}
	}
	uploaded := stage.Run(ctx, "upload", toUpload, p.cfg.UploadWorkers,
		func(ctx context.Context, id int64) (scan.ObjectID, error) {
			f := downloaded.Values[id]
			return retry.Do(ctx, p.cfg.ItemPolicy.WithName("upload"), func(ctx context.Context) (scan.ObjectID, error) {
				return p.dst.UploadFile(ctx, f, p.cfg.FileKind)
			})
		})
	// Files lost in the download stage count against the upload ratio too.
	uploadOK := stage.Result[int64, scan.ObjectID]{Values: uploaded.Values, Failures: map[int64]error{}}
	for _, id := range fileIDs {
		if _, ok := uploaded.Values[id]; !ok {
			uploadOK.Failures[id] = errors.New("not uploaded")
		}
	}
	if err := p.check(uploaded.Failures, uploadOK.Succeeded(), uploadOK.Total(), uploadOK.Acceptable(p.cfg.MinSuccessRatio), final, "upload"); err != nil {
		return nil, err
	}

	// Scans without a single uploaded file, or whose payload cannot be
	// shaped, are never submitted and stay out of the create ratio.
	payloads := make(map[int64]map[string]any, len(records))
	scanIDs := make([]int64, 0, len(records))
	for _, rec := range records {
		opts := p.cfg.Shape
		opts.Files = scan.TargetFiles(rec, uploaded.Values)
		payload, err := scan.ShapePayload(rec.RawPayload, opts)
		if err != nil {
			logging.WarnFields(logging.Fields{"scan": rec.SourceID, "error": err}, "Skipping scan %d: %v", rec.SourceID, err)
			continue
		}
		payloads[rec.SourceID] = payload
		scanIDs = append(scanIDs, rec.SourceID)
	}
	if len(scanIDs) == 0 {
		return nil, nil
	}

	created := stage.Run(ctx, "create", scanIDs, p.cfg.CreateWorkers,
		func(ctx context.Context, id int64) (scan.ObjectID, error) {
			payload := payloads[id]
			return retry.Do(ctx, p.cfg.ItemPolicy.WithName("create"), func(ctx context.Context) (scan.ObjectID, error) {
				return p.dst.CreateScan(ctx, payload)
			})
		})
	if err := p.check(created.Failures, created.Succeeded(), created.Total(), created.Acceptable(p.cfg.MinSuccessRatio), final, "create"); err != nil {
		return nil, err
	}
	return created.Values, nil
}

// check returns the first fatal failure of a stage, or a shortfallError when
// the stage is below threshold and the batch may still be retried.
func (p *processor) check(failures map[int64]error, succeeded, total int, acceptable, final bool, name string) error {
	for _, err := range failures {
		if api.IsFatal(err) {
			return err
		}
	}
	if acceptable || final {
		return nil
	}
	return &shortfallError{Stage: name, Succeeded: succeeded, Total: total}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
