package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/scan-migrate/internal/batch"
	"github.com/johndauphine/scan-migrate/internal/checkpoint"
	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/exitcodes"
	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/notify"
	"github.com/johndauphine/scan-migrate/internal/progress"
	"github.com/johndauphine/scan-migrate/internal/report"
	"github.com/johndauphine/scan-migrate/internal/scan"
	"github.com/johndauphine/scan-migrate/internal/source"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Options configures a single invocation.
type Options struct {
	RunID          string
	Fresh          bool   // ignore existing checkpoints
	RequireResume  bool   // fail when there is no checkpoint to resume
	CheckpointPath string // pin a checkpoint file instead of the latest one
	ProgressBar    io.Writer
	ProgressJSON   io.Writer
	ProfileName    string
	ConfigPath     string
}

// Orchestrator coordinates a copy or download run.
type Orchestrator struct {
	config    *config.Config
	opts      Options
	reader    source.Reader
	connector Connector
	state     *checkpoint.State
	history   checkpoint.History
	notifier  notify.Provider
	openDB    func(ctx context.Context, cfg config.DatabaseConfig) (source.Reader, error)
	out       io.Writer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	result      *RunResult
	runRecorded bool
}

// New connects to the source database and opens the history store.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	reader, err := source.Open(ctx, cfg.Source.DB)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("connecting to source database: %w", err), exitcodes.ConnectionError)
	}

	o, err := NewWithReader(cfg, reader, opts)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return o, nil
}

// NewOffline builds an orchestrator that only reads local state: status,
// history and checkpoints. Commands that touch a database need New.
func NewOffline(cfg *config.Config, opts Options) (*Orchestrator, error) {
	return NewWithReader(cfg, nil, opts)
}

// NewWithReader builds an orchestrator around an existing source reader.
func NewWithReader(cfg *config.Config, reader source.Reader, opts Options) (*Orchestrator, error) {
	dataDir := cfg.Migration.DataDir
	if dataDir == "" {
		dir, err := config.DefaultDataDir()
		if err != nil {
			return nil, exitcodes.NewExitError(fmt.Errorf("resolving data dir: %w", err), exitcodes.IOError)
		}
		dataDir = dir
	}
	state, err := checkpoint.New(dataDir)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("creating state manager: %w", err), exitcodes.StateError)
	}

	return &Orchestrator{
		config:    cfg,
		opts:      opts,
		reader:    reader,
		connector: newAPIConnector(cfg),
		state:     state,
		history:   state,
		notifier:  notify.New(&cfg.Slack),
		openDB:    source.Open,
		out:       os.Stdout,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.reader != nil {
		o.reader.Close()
	}
	if o.state != nil {
		o.state.Close()
	}
}

// Result returns the outcome of the last Run, Resume or Download call.
func (o *Orchestrator) Result() *RunResult {
	return o.result
}

// Resume continues from the latest (or pinned) checkpoint.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.opts.Fresh = false
	o.opts.RequireResume = true
	return o.Run(ctx)
}

// Run copies every configured scan to the target, batch by batch.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.execute(ctx, "copy", o.run)
}

// Download saves every attached file of the configured scans to disk.
func (o *Orchestrator) Download(ctx context.Context) error {
	return o.execute(ctx, "download", o.download)
}

func (o *Orchestrator) execute(ctx context.Context, kind string, body func(context.Context, *RunResult) error) error {
	startTime := o.now()
	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	res := &RunResult{RunID: runID, Kind: kind, Status: StatusRunning, StartedAt: startTime, FailedScans: []int64{}}
	o.result = res
	o.runRecorded = false

	err := body(ctx, res)

	res.CompletedAt = o.now()
	res.DurationSeconds = res.CompletedAt.Sub(startTime).Seconds()
	switch {
	case err == nil && res.ScansFailed == 0:
		res.Status = StatusSuccess
	case err == nil:
		res.Status = StatusPartial
		err = exitcodes.NewExitError(fmt.Errorf("%d scans failed", res.ScansFailed), exitcodes.PartialFailure)
	case errors.Is(err, context.Canceled):
		res.Status = StatusCancelled
	default:
		res.Status = StatusFailed
	}
	if err != nil {
		res.Error = err.Error()
	}

	if o.runRecorded {
		errMsg := ""
		if res.Status == StatusFailed || res.Status == StatusCancelled {
			errMsg = res.Error
		}
		if herr := o.history.CompleteRun(runID, res.Status, res.ScansCreated, res.ScansFailed, res.ReportPath, errMsg); herr != nil {
			logging.Warn("Recording run completion: %v", herr)
		}
	}
	o.notifyOutcome(res, err)
	return err
}

func (o *Orchestrator) run(ctx context.Context, res *RunResult) error {
	cfg := o.config
	if err := cfg.ValidateCopy(); err != nil {
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

	// Checkpoint
	store, snap, err := o.openCheckpoint(ids, cfg.Migration.BatchSize, res)
	if err != nil {
		return err
	}

	fmt.Fprintf(o.out, "Starting scan copy run: %s\n", res.RunID)
	fmt.Fprintf(o.out, "Source: %s  Target: %s (store %d)\n", cfg.Source.Instance, cfg.Target.Instance, cfg.Target.StoreID)
	fmt.Fprintf(o.out, "Scans: %d in %d batches of %d\n", len(ids), len(batches), cfg.Migration.BatchSize)
	if !snap.IsEmpty() {
		fmt.Fprintf(o.out, "Resuming: %d/%d batches already complete\n", len(snap.CompletedBatches), len(batches))
	}

	if err := o.history.CreateRun(checkpoint.Run{
		ID:             res.RunID,
		Kind:           res.Kind,
		StartedAt:      res.StartedAt,
		Status:         StatusRunning,
		SourceInstance: cfg.Source.Instance,
		TargetInstance: cfg.Target.Instance,
		TargetStoreID:  cfg.Target.StoreID,
		TotalScans:     len(ids),
		BatchSize:      cfg.Migration.BatchSize,
		CheckpointPath: res.CheckpointPath,
		ConfigHash:     checkpoint.ConfigHash(cfg.Sanitized()),
	}); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("creating run: %w", err), exitcodes.StateError)
	}
	o.runRecorded = true

	// Init
	src, err := o.connector.Source(ctx)
	if err != nil {
		return authExit(err)
	}
	dst, err := o.connector.Target(ctx)
	if err != nil {
		return authExit(err)
	}

	fmt.Fprintln(o.out, "Fetching scan records...")
	fetched, err := o.reader.FetchScans(ctx, ids)
	if err != nil {
		return exitFor(fmt.Errorf("fetching scans: %w", err), exitcodes.ConnectionError)
	}
	fmt.Fprintf(o.out, "Fetched %d/%d scan records\n", len(fetched.Records), len(ids))

	runDir, err := report.RunDir(cfg.Migration.ResultsDir, res.StartedAt)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.IOError)
	}
	res.InitialReportPath = report.InitialMappingPath(runDir, res.StartedAt)
	if err := report.WriteInitialMapping(res.InitialReportPath, ids); err != nil {
		return exitcodes.NewExitError(err, exitcodes.IOError)
	}

	if err := o.notifier.RunStarted(res.RunID, cfg.Source.Instance, cfg.Target.Instance, len(ids), len(batches)); err != nil {
		logging.Warn("Slack notification failed: %v", err)
	}

	tracker := progress.New(res.RunID, o.opts.ProgressBar, o.reporter())
	tracker.SetTotal(len(ids), len(batches))
	if !snap.IsEmpty() {
		tracker.Resume(len(snap.CompletedBatches), len(snap.ScanMapping), snap.Created(), snap.FailedScans)
	}

	proc := o.newProcessor(src, dst, fetched, res.StartedAt)
	proc.onAttempt = tracker.StartBatch

	// BatchLoop
	loopErr := o.batchLoop(ctx, proc, batches, store, &snap, tracker, res)

	tracker.Phase(progress.PhaseFinalize)
	o.fillCounts(res, snap)
	if loopErr != nil {
		tracker.Finish()
		return loopErr
	}

	// Finalize
	err = o.finalize(runDir, store, snap, res)
	tracker.Finish()
	return err
}

func (o *Orchestrator) batchLoop(ctx context.Context, proc *processor, batches []batch.Batch[int64],
	store *checkpoint.FileStore, snap *checkpoint.Snapshot, tracker *progress.Tracker, res *RunResult) error {
	for _, b := range batches {
		if snap.IsCompleted(b.Number) {
			continue
		}
		if err := ctx.Err(); err != nil {
			logging.Warn("Interrupted before batch %d; checkpoint kept at %s", b.Number, res.CheckpointPath)
			return exitcodes.NewExitError(err, exitcodes.Cancelled)
		}

		logging.Info("Processing batch %d/%d (%d scans)", b.Number, len(batches), len(b.Members))
		out, err := proc.process(ctx, b)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logging.Warn("Interrupted during batch %d; the batch is abandoned and redone on resume (checkpoint %s)", b.Number, res.CheckpointPath)
				return exitcodes.NewExitError(err, exitcodes.Cancelled)
			}
			logging.ErrorFields(logging.Fields{"batch": b.Number, "error": err}, "Aborting run: %v", err)
			return authExit(err)
		}

		if err := snap.RecordBatch(b.Number, out.Entries, out.Failed); err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		snap.RunID = res.RunID
		if store != nil {
			if err := store.Save(*snap); err != nil {
				return exitcodes.NewExitError(fmt.Errorf("saving checkpoint: %w", err), exitcodes.StateError)
			}
		}

		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
			if nerr := o.notifier.BatchFailed(res.RunID, b.Number, out.Err); nerr != nil {
				logging.Warn("Slack notification failed: %v", nerr)
			}
		}
		if err := o.history.RecordBatch(checkpoint.BatchRecord{
			RunID:       res.RunID,
			Number:      b.Number,
			Attempts:    out.Attempts,
			Scans:       len(b.Members),
			Created:     out.created(),
			Failed:      out.Failed,
			Status:      out.Status,
			Error:       errMsg,
			CompletedAt: o.now(),
		}); err != nil {
			logging.Warn("Recording batch %d: %v", b.Number, err)
		}

		tracker.EndBatch(len(b.Members), out.created(), out.Failed, out.Status)
		logging.Info("Batch %d: %d created, %d failed (%s)", b.Number, out.created(), out.Failed, out.Status)
	}
	return nil
}

// openCheckpoint picks the checkpoint file for this run and loads it. A
// snapshot written for a different scan list or batch size is ignored.
func (o *Orchestrator) openCheckpoint(ids []int64, batchSize int, res *RunResult) (*checkpoint.FileStore, checkpoint.Snapshot, error) {
	listHash := checkpoint.HashScanList(ids)
	fresh := checkpoint.Snapshot{BatchSize: batchSize, ListHash: listHash}

	if !o.config.CheckpointEnabled() {
		if o.opts.RequireResume {
			return nil, fresh, exitcodes.NewExitError(errors.New("cannot resume: checkpoints are disabled"), exitcodes.StateError)
		}
		return nil, fresh, nil
	}

	dir := o.checkpointDir()
	path := o.opts.CheckpointPath
	if path == "" && !o.opts.Fresh {
		found, err := findCheckpoint(dir, batchSize, listHash)
		if err != nil {
			return nil, fresh, exitcodes.NewExitError(err, exitcodes.StateError)
		}
		path = found
	}
	if path == "" {
		if o.opts.RequireResume {
			return nil, fresh, exitcodes.NewExitError(fmt.Errorf("no checkpoint to resume in %s", dir), exitcodes.StateError)
		}
		path = checkpoint.NewPath(dir, res.StartedAt)
	}

	store := checkpoint.NewFileStore(path)
	res.CheckpointPath = path
	if o.opts.Fresh {
		return store, fresh, nil
	}

	snap := store.Load()
	if snap.IsEmpty() {
		if o.opts.RequireResume && !store.Exists() {
			return nil, fresh, exitcodes.NewExitError(fmt.Errorf("checkpoint %s not found", path), exitcodes.StateError)
		}
		return store, fresh, nil
	}
	if !snap.Matches(batchSize, listHash) {
		logging.Warn("Checkpoint %s was written for a different scan list or batch size; starting fresh", path)
		path = checkpoint.NewPath(dir, res.StartedAt)
		if path == store.Path() {
			path = filepath.Join(dir, "checkpoint_"+res.RunID+".json")
		}
		res.CheckpointPath = path
		return checkpoint.NewFileStore(path), fresh, nil
	}
	snap.BatchSize = batchSize
	snap.ListHash = listHash
	res.Resumed = true
	logging.Info("Loaded checkpoint %s (%d batches complete)", path, len(snap.CompletedBatches))
	return store, snap, nil
}

// findCheckpoint returns the newest checkpoint in dir written for this scan
// list and batch size. When none matches it returns the newest file, which
// the caller then replaces, or "" when dir holds no checkpoints.
func findCheckpoint(dir string, batchSize int, listHash string) (string, error) {
	paths, err := checkpoint.List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	for _, p := range paths {
		snap := checkpoint.NewFileStore(p).Load()
		if !snap.IsEmpty() && snap.Matches(batchSize, listHash) {
			return p, nil
		}
	}
	return paths[0], nil
}

func (o *Orchestrator) checkpointDir() string {
	return filepath.Join(o.config.Migration.ResultsDir, "checkpoints")
}

func (o *Orchestrator) newProcessor(src Downloader, dst Uploader, fetched source.FetchResult, runStart time.Time) *processor {
	m := o.config.Migration
	return &processor{
		cfg: processorConfig{
			DownloadWorkers: m.DownloadWorkers,
			UploadWorkers:   m.UploadWorkers,
			CreateWorkers:   m.CreateWorkers,
			MinSuccessRatio: m.MinSuccessRatio,
			MaxAttempts:     m.BatchRetries,
			RetryDelay:      m.BatchRetryDelay,
			Budget:          o.config.Retry.BatchBudget,
			ItemPolicy:      o.config.ItemPolicy(),
			FileKind:        m.FileKind,
			Shape: scan.ShapeOptions{
				FieldsToStrip: m.FieldsToStrip,
				StoreID:       o.config.Target.StoreID,
				CapturedAt:    o.config.CapturedAt(runStart),
			},
		},
		src:     src,
		dst:     dst,
		records: fetched.ByID(),
		missing: fetched.Problems,
		sleep:   o.sleep,
		now:     o.now,
	}
}

func (o *Orchestrator) finalize(runDir string, store *checkpoint.FileStore, snap checkpoint.Snapshot, res *RunResult) error {
	res.ReportPath = report.MappingPath(runDir, res.StartedAt)
	if err := report.WriteMapping(res.ReportPath, snap.ScanMapping); err != nil {
		return exitcodes.NewExitError(fmt.Errorf("writing mapping report: %w", err), exitcodes.IOError)
	}

	summary := res.Summary()
	fmt.Fprintln(o.out)
	for _, line := range summary.Lines() {
		fmt.Fprintln(o.out, line)
	}
	fmt.Fprintf(o.out, "Mapping report: %s\n", res.ReportPath)

	if store == nil {
		return nil
	}
	if len(snap.CompletedBatches) == res.BatchesTotal && snap.FailedScans == 0 {
		if err := store.Remove(); err != nil {
			logging.Warn("Removing checkpoint: %v", err)
		} else {
			res.CheckpointDeleted = true
			logging.Info("All scans copied; removed checkpoint %s", store.Path())
		}
		return nil
	}
	fmt.Fprintf(o.out, "Checkpoint kept for resume: %s\n", store.Path())
	return nil
}

func (o *Orchestrator) fillCounts(res *RunResult, snap checkpoint.Snapshot) {
	res.BatchesCompleted = len(snap.CompletedBatches)
	res.ScansProcessed = len(snap.ScanMapping)
	res.ScansCreated = snap.Created()
	res.ScansFailed = snap.FailedScans
	res.FailedScans = []int64{}
	for _, e := range snap.ScanMapping {
		if !e.Created() {
			res.FailedScans = append(res.FailedScans, e.Source)
		}
	}
	if res.ScansProcessed > 0 {
		res.SuccessRate = float64(res.ScansCreated) * 100 / float64(res.ScansProcessed)
	}
}

func (o *Orchestrator) reporter() progress.Reporter {
	if o.opts.ProgressJSON == nil {
		return nil
	}
	return progress.NewJSONReporter(o.opts.ProgressJSON, 2*time.Second)
}

func (o *Orchestrator) notifyOutcome(res *RunResult, err error) {
	var nerr error
	duration := res.CompletedAt.Sub(res.StartedAt)
	switch res.Status {
	case StatusSuccess:
		nerr = o.notifier.RunCompleted(res.RunID, res.StartedAt, duration, res.Summary())
	case StatusPartial:
		nerr = o.notifier.RunCompletedWithErrors(res.RunID, res.StartedAt, duration, res.Summary(), res.FailedScans)
	default:
		nerr = o.notifier.RunFailed(res.RunID, err, duration)
	}
	if nerr != nil {
		logging.Warn("Slack notification failed: %v", nerr)
	}
}

// authExit maps a fatal service error to the auth exit code.
func authExit(err error) error {
	return exitFor(err, exitcodes.AuthError)
}

// exitFor attaches code to err unless err stems from cancellation.
func exitFor(err error, code int) error {
	if errors.Is(err, context.Canceled) {
		code = exitcodes.Cancelled
	}
	return exitcodes.NewExitError(err, code)
}
