package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/scan-migrate/internal/checkpoint"
	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/exitcodes"
	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/orchestrator"
	"github.com/johndauphine/scan-migrate/internal/report"
)

var version = "dev"

const masterKeyEnv = "SCAN_MIGRATE_MASTER_KEY"

func main() {
	app := &cli.App{
		Name:    "scan-migrate",
		Usage:   "Copy shelf scans and their images between instances",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "Profile name stored in SQLite (instead of --config)",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Directory for run history and profiles (default ~/.scan-migrate)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.BoolFlag{
				Name:  "progress-json",
				Usage: "Emit JSON progress lines to stderr instead of a progress bar",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if _, err := logging.ParseFormat(c.String("log-format")); err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetFormat(c.String("log-format"))

			// Keep stdout clean for the JSON result.
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Copy the configured scans to the target (resumes the latest checkpoint unless --fresh)",
				Action: runCopy,
				Flags: append(selectionFlags(),
					&cli.Int64Flag{
						Name:  "store-id",
						Usage: "Target store id (overrides target.store_id)",
					},
					&cli.BoolFlag{
						Name:  "fresh",
						Usage: "Ignore existing checkpoints and start from batch 1",
					},
					&cli.StringFlag{
						Name:  "checkpoint",
						Usage: "Use this checkpoint file",
					},
					&cli.StringFlag{
						Name:  "retry-failed",
						Usage: "Copy only the scans with a blank target in this mapping report",
					},
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Explicit run ID (default: auto-generated)",
					},
				),
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted copy from its checkpoint",
				Action: resumeCopy,
				Flags: append(selectionFlags(),
					&cli.StringFlag{
						Name:  "checkpoint",
						Usage: "Use this checkpoint file instead of the latest one",
					},
				),
			},
			{
				Name:   "download",
				Usage:  "Save the images of the configured scans to a folder",
				Action: runDownload,
				Flags: append(selectionFlags(),
					&cli.StringFlag{
						Name:  "folder",
						Usage: "Destination folder (overrides download.folder)",
					},
				),
			},
			{
				Name:   "init-mapping",
				Usage:  "Write a mapping report listing the configured scans with blank targets",
				Action: initMapping,
				Flags: append(selectionFlags(),
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "Output path (default: a new run folder under results_dir)",
					},
				),
			},
			{
				Name:   "validate",
				Usage:  "Compare copied scans with their source using a mapping report",
				Action: validateCopy,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "mapping",
						Aliases:  []string{"m"},
						Required: true,
						Usage:    "Mapping report written by run",
					},
				},
			},
			{
				Name:   "preview",
				Usage:  "Show the batch plan and source lookups without copying",
				Action: previewRun,
				Flags:  selectionFlags(),
			},
			{
				Name:   "health-check",
				Usage:  "Test database and API connectivity for both instances",
				Action: healthCheck,
			},
			{
				Name:   "status",
				Usage:  "Show the latest checkpoint and run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List runs, or view the batches of a specific run",
				Action: showHistory,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of runs to list",
					},
					&cli.IntFlag{
						Name:  "prune-days",
						Usage: "Delete finished runs older than this many days",
					},
				},
			},
			{
				Name:  "profile",
				Usage: "Manage encrypted profiles stored in SQLite",
				Subcommands: []*cli.Command{
					{
						Name:   "save",
						Usage:  "Save a profile from a config file",
						Action: saveProfile,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "name",
								Aliases: []string{"n"},
								Usage:   "Profile name (inferred from profile.name or filename if omitted)",
							},
						},
					},
					{
						Name:   "list",
						Usage:  "List saved profiles",
						Action: listProfiles,
					},
					{
						Name:   "delete",
						Usage:  "Delete a saved profile",
						Action: deleteProfile,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Aliases:  []string{"n"},
								Required: true,
								Usage:    "Profile name",
							},
						},
					},
					{
						Name:   "export",
						Usage:  "Export a profile to a config file",
						Action: exportProfile,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "name",
								Aliases:  []string{"n"},
								Required: true,
								Usage:    "Profile name",
							},
							&cli.StringFlag{
								Name:    "out",
								Aliases: []string{"o"},
								Value:   "config.yaml",
								Usage:   "Output path for exported config",
							},
						},
					},
					{
						Name:   "keygen",
						Usage:  "Print a new master key for " + masterKeyEnv,
						Action: generateKey,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

// selectionFlags are shared by every command that picks scans.
func selectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "scan-ids",
			Usage: "Comma separated scan ids (overrides migration.scan_ids)",
		},
		&cli.IntFlag{
			Name:  "batch-size",
			Usage: "Scans per batch (overrides migration.batch_size)",
		},
		&cli.StringFlag{
			Name:  "results-dir",
			Usage: "Folder for reports and checkpoints (overrides migration.results_dir)",
		},
	}
}

func runCopy(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opts := orchestrator.Options{
		RunID:          c.String("run-id"),
		Fresh:          c.Bool("fresh"),
		CheckpointPath: c.String("checkpoint"),
	}
	if mapping := c.String("retry-failed"); mapping != "" {
		ids, err := failedScans(mapping)
		if err != nil {
			return err
		}
		cfg.Migration.ScanIDs = ids
		cfg.Migration.ScanIDsFile = ""
		opts.Fresh = true
		logging.Info("Retrying %d scans without a target from %s", len(ids), mapping)
	}
	return runWithOrchestrator(c, cfg, opts, (*orchestrator.Orchestrator).Run)
}

func resumeCopy(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opts := orchestrator.Options{CheckpointPath: c.String("checkpoint")}
	return runWithOrchestrator(c, cfg, opts, (*orchestrator.Orchestrator).Resume)
}

func runDownload(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	return runWithOrchestrator(c, cfg, orchestrator.Options{}, (*orchestrator.Orchestrator).Download)
}

func runWithOrchestrator(c *cli.Context, cfg *config.Config, opts orchestrator.Options,
	action func(*orchestrator.Orchestrator, context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Abandoning the current batch; it will be redone on resume. Completed batches stay in the checkpoint.")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts.ProfileName = c.String("profile")
	if opts.ProfileName == "" {
		opts.ConfigPath = c.String("config")
	}
	if c.Bool("progress-json") {
		opts.ProgressJSON = os.Stderr
	} else if showProgressBar(c) {
		opts.ProgressBar = os.Stderr
	}

	orch, err := orchestrator.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer orch.Close()

	runErr := action(orch, ctx)

	if result := orch.Result(); result != nil {
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	return runErr
}

func showProgressBar(c *cli.Context) bool {
	if c.String("log-format") == "json" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func initMapping(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ids, err := cfg.ResolveScanIDs()
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	path := c.String("out")
	if path == "" {
		now := time.Now()
		dir, err := report.RunDir(cfg.Migration.ResultsDir, now)
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.IOError)
		}
		path = report.InitialMappingPath(dir, now)
	}
	if err := report.WriteInitialMapping(path, ids); err != nil {
		return exitcodes.NewExitError(err, exitcodes.IOError)
	}
	fmt.Printf("Wrote %d scans to %s\n", len(ids), path)
	return nil
}

func validateCopy(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Validate(ctx, c.String("mapping"))
	if result != nil {
		if jerr := outputJSON(c, result); jerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", jerr)
		}
	}
	return err
}

func previewRun(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.Preview(ctx)
	if err != nil {
		return err
	}
	return outputJSON(c, result)
}

func healthCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	orch, err := orchestrator.New(ctx, cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(ctx)
	if result != nil {
		for _, check := range result.Checks {
			status := "OK"
			if !check.Connected {
				status = "FAILED: " + check.Error
			}
			fmt.Fprintf(os.Stderr, "%-16s %5dms  %s\n", check.Name, check.LatencyMs, status)
		}
		if jerr := outputJSON(c, result); jerr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", jerr)
		}
	}
	return err
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.NewOffline(cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	if c.Bool("json") {
		result, err := orch.GetStatusResult()
		if err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	return orch.ShowStatus()
}

func showHistory(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	orch, err := orchestrator.NewOffline(cfg, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	if days := c.Int("prune-days"); days > 0 {
		if err := orch.PruneHistory(days); err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
	}
	if runID := c.String("run"); runID != "" {
		if err := orch.ShowRunDetails(runID); err != nil {
			return exitcodes.NewExitError(err, exitcodes.StateError)
		}
		return nil
	}
	return orch.ShowHistory(c.Int("limit"))
}

// failedScans returns the source ids whose target is blank in a mapping report.
func failedScans(path string) ([]int64, error) {
	entries, err := report.ReadMapping(path)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("reading mapping: %w", err), exitcodes.IOError)
	}
	var ids []int64
	for _, e := range entries {
		if !e.Created() {
			ids = append(ids, e.Source)
		}
	}
	if len(ids) == 0 {
		return nil, exitcodes.NewExitError(fmt.Errorf("no failed scans in %s", path), exitcodes.ConfigError)
	}
	return ids, nil
}

// loadConfig reads the profile or config file and applies command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if name := c.String("profile"); name != "" {
		cfg, err = loadProfileConfig(c, name)
	} else {
		configPath := c.String("config")
		if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) {
			return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", configPath), exitcodes.ConfigError)
		}
		cfg, err = config.LoadWithOptions(configPath, config.LoadOptions{SuppressWarnings: c.Bool("output-json")})
	}
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}

	if err := applyOverrides(c, cfg); err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	return cfg, nil
}

func applyOverrides(c *cli.Context, cfg *config.Config) error {
	if dir := c.String("data-dir"); dir != "" {
		cfg.Migration.DataDir = dir
	}
	if c.IsSet("scan-ids") {
		ids, err := config.ParseScanIDs(c.String("scan-ids"))
		if err != nil {
			return err
		}
		cfg.Migration.ScanIDs = ids
		cfg.Migration.ScanIDsFile = ""
	}
	if c.IsSet("batch-size") {
		cfg.Migration.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("results-dir") {
		cfg.Migration.ResultsDir = c.String("results-dir")
		if !c.IsSet("folder") {
			cfg.Download.Folder = filepath.Join(cfg.Migration.ResultsDir, "downloads")
		}
	}
	if c.IsSet("folder") {
		cfg.Download.Folder = c.String("folder")
	}
	if c.IsSet("store-id") {
		cfg.Target.StoreID = c.Int64("store-id")
	}
	return cfg.Validate()
}

func openState(c *cli.Context) (*checkpoint.State, error) {
	dataDir := c.String("data-dir")
	if dataDir == "" {
		dir, err := config.DefaultDataDir()
		if err != nil {
			return nil, exitcodes.NewExitError(err, exitcodes.IOError)
		}
		dataDir = dir
	}
	state, err := checkpoint.New(dataDir)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.StateError)
	}
	return state, nil
}

func loadProfileConfig(c *cli.Context, name string) (*config.Config, error) {
	state, err := openState(c)
	if err != nil {
		return nil, err
	}
	defer state.Close()

	blob, err := state.GetProfile(name)
	if err != nil {
		return nil, err
	}
	return config.LoadBytes(blob)
}

func saveProfile(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	name := c.String("name")
	if name == "" {
		if cfg.Profile.Name != "" {
			name = cfg.Profile.Name
		} else {
			base := filepath.Base(configPath)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}
	}
	payload, err := cfg.Marshal()
	if err != nil {
		return err
	}

	state, err := openState(c)
	if err != nil {
		return err
	}
	defer state.Close()

	if err := state.SaveProfile(name, cfg.Profile.Description, payload); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	fmt.Printf("Saved profile %q\n", name)
	return nil
}

func listProfiles(c *cli.Context) error {
	state, err := openState(c)
	if err != nil {
		return err
	}
	defer state.Close()

	profiles, err := state.ListProfiles()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles found")
		return nil
	}
	fmt.Printf("%-20s %-40s %-20s %-20s\n", "Name", "Description", "Created", "Updated")
	for _, p := range profiles {
		desc := strings.ReplaceAll(strings.TrimSpace(p.Description), "\n", " ")
		fmt.Printf("%-20s %-40s %-20s %-20s\n",
			p.Name,
			desc,
			p.CreatedAt.Format("2006-01-02 15:04:05"),
			p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func deleteProfile(c *cli.Context) error {
	state, err := openState(c)
	if err != nil {
		return err
	}
	defer state.Close()

	name := c.String("name")
	if err := state.DeleteProfile(name); err != nil {
		return err
	}
	fmt.Printf("Deleted profile %q\n", name)
	return nil
}

func exportProfile(c *cli.Context) error {
	state, err := openState(c)
	if err != nil {
		return err
	}
	defer state.Close()

	name := c.String("name")
	blob, err := state.GetProfile(name)
	if err != nil {
		return err
	}
	outPath := c.String("out")
	if err := os.WriteFile(outPath, blob, 0600); err != nil {
		return exitcodes.NewExitError(err, exitcodes.IOError)
	}
	fmt.Printf("Exported profile %q to %s\n", name, outPath)
	return nil
}

func generateKey(c *cli.Context) error {
	key, err := checkpoint.GenerateMasterKey()
	if err != nil {
		return err
	}
	fmt.Printf("export %s=%s\n", masterKeyEnv, key)
	return nil
}

// outputJSON writes v as JSON to stdout and/or a file.
func outputJSON(c *cli.Context, v any) error {
	if !c.Bool("output-json") && c.String("output-file") == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	var w io.Writer = io.Discard
	if c.Bool("output-json") {
		w = os.Stdout
	}
	fmt.Fprintln(w, string(data))

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
