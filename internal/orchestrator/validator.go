package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/johndauphine/scan-migrate/internal/exitcodes"
	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/report"
)

// ValidationResult summarizes a validate pass over a mapping report.
type ValidationResult struct {
	MappingPath string         `json:"mapping_path"`
	ReportPath  string         `json:"report_path"`
	Rows        int            `json:"rows"`
	ByStatus    map[string]int `json:"by_status"`
	Mismatches  int            `json:"mismatches"`
}

// Validate compares every copied scan in a mapping report with its source:
// the target scan must exist and carry the same number of files.
func (o *Orchestrator) Validate(ctx context.Context, mappingPath string) (*ValidationResult, error) {
	entries, err := report.ReadMapping(mappingPath)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("reading mapping: %w", err), exitcodes.IOError)
	}

	sourceIDs := make([]int64, 0, len(entries))
	targetIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		sourceIDs = append(sourceIDs, e.Source)
		if id, err := e.Target.Int64(); err == nil && e.Created() {
			targetIDs = append(targetIDs, id)
		}
	}

	srcCounts, err := o.reader.CountFiles(ctx, sourceIDs)
	if err != nil {
		return nil, exitFor(fmt.Errorf("counting source files: %w", err), exitcodes.ConnectionError)
	}

	target, err := o.openDB(ctx, o.config.Target.DB)
	if err != nil {
		return nil, exitFor(fmt.Errorf("connecting to target database: %w", err), exitcodes.ConnectionError)
	}
	defer target.Close()
	tgtCounts, err := target.CountFiles(ctx, targetIDs)
	if err != nil {
		return nil, exitFor(fmt.Errorf("counting target files: %w", err), exitcodes.ConnectionError)
	}

	res := &ValidationResult{
		MappingPath: mappingPath,
		ReportPath:  report.ValidationPath(filepath.Dir(mappingPath), o.now()),
		Rows:        len(entries),
		ByStatus:    make(map[string]int),
	}
	rows := make([]report.ValidationRow, len(entries))
	for i, e := range entries {
		row := report.ValidationRow{Source: e.Source, Target: e.Target.String()}
		srcN, srcOK := srcCounts[e.Source]
		row.SourceFiles = srcN

		tgtOK := false
		if id, err := e.Target.Int64(); err == nil {
			row.TargetFiles, tgtOK = tgtCounts[id]
		}

		switch {
		case !e.Created():
			row.Status = report.StatusNotCreated
		case !srcOK:
			row.Status = report.StatusSourceMissing
		case !tgtOK:
			row.Status = report.StatusTargetMissing
		case row.SourceFiles != row.TargetFiles:
			row.Status = report.StatusFileMismatch
		default:
			row.Status = report.StatusOK
		}
		res.ByStatus[row.Status]++
		if row.Status != report.StatusOK && row.Status != report.StatusNotCreated {
			res.Mismatches++
			logging.WarnFields(logging.Fields{"source": e.Source, "target": e.Target.String(), "status": row.Status},
				"Scan %d -> %s: %s (%d vs %d files)", e.Source, e.Target, row.Status, row.SourceFiles, row.TargetFiles)
		}
		rows[i] = row
	}

	if err := report.WriteValidation(res.ReportPath, rows); err != nil {
		return res, exitcodes.NewExitError(fmt.Errorf("writing validation report: %w", err), exitcodes.IOError)
	}

	fmt.Fprintf(o.out, "Validated %d mappings: %d ok, %d not created, %d mismatched\n",
		res.Rows, res.ByStatus[report.StatusOK], res.ByStatus[report.StatusNotCreated], res.Mismatches)
	fmt.Fprintf(o.out, "Validation report: %s\n", res.ReportPath)

	if res.Mismatches > 0 {
		return res, exitcodes.NewExitError(fmt.Errorf("validation failed: %d scans mismatched", res.Mismatches), exitcodes.ValidationError)
	}
	return res, nil
}
