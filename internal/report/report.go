// Package report writes and reads the CSV artifacts of a run: the
// source-to-target mapping, the initial mapping written before copying, and
// validation results.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/johndauphine/scan-migrate/internal/scan"
)

const stampLayout = "20060102_150405"

// MappingRow is one line of a mapping report. Target is blank when no scan was created.
type MappingRow struct {
	Source int64  `csv:"Source_Scan_ID"`
	Target string `csv:"Target_Scan_ID"`
}

// ValidationRow compares a copied scan with its source.
type ValidationRow struct {
	Source      int64  `csv:"Source_Scan_ID"`
	Target      string `csv:"Target_Scan_ID"`
	SourceFiles int    `csv:"Source_Files"`
	TargetFiles int    `csv:"Target_Files"`
	Status      string `csv:"Status"`
}

// Validation statuses.
const (
	StatusOK            = "ok"
	StatusNotCreated    = "not_created"
	StatusTargetMissing = "target_missing"
	StatusSourceMissing = "source_missing"
	StatusFileMismatch  = "file_count_mismatch"
)

// RunDir creates resultsDir/run_YYYYmmdd_HHMMSS and returns its path.
func RunDir(resultsDir string, t time.Time) (string, error) {
	dir := filepath.Join(resultsDir, "run_"+t.Format(stampLayout))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating run folder: %w", err)
	}
	return dir, nil
}

// MappingPath returns dir/scan_mapping_<stamp>.csv.
func MappingPath(dir string, t time.Time) string {
	return filepath.Join(dir, "scan_mapping_"+t.Format(stampLayout)+".csv")
}

// InitialMappingPath returns dir/initial_scan_mapping_<stamp>.csv.
func InitialMappingPath(dir string, t time.Time) string {
	return filepath.Join(dir, "initial_scan_mapping_"+t.Format(stampLayout)+".csv")
}

// ValidationPath returns dir/validation_<stamp>.csv.
func ValidationPath(dir string, t time.Time) string {
	return filepath.Join(dir, "validation_"+t.Format(stampLayout)+".csv")
}

// WriteMapping writes one row per entry, in order.
func WriteMapping(path string, entries []scan.MappingEntry) error {
	rows := make([]MappingRow, len(entries))
	for i, e := range entries {
		rows[i] = MappingRow{Source: e.Source, Target: e.Target.String()}
	}
	return writeCSV(path, rows)
}

// WriteInitialMapping writes every source id with a blank target, so an
// operator has the full list even if the run dies before the first batch.
func WriteInitialMapping(path string, ids []int64) error {
	rows := make([]MappingRow, len(ids))
	for i, id := range ids {
		rows[i] = MappingRow{Source: id}
	}
	return writeCSV(path, rows)
}

// ReadMapping parses a mapping report.
func ReadMapping(path string) (_ []scan.MappingEntry, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	return DecodeMapping(f)
}

// DecodeMapping parses mapping rows from r.
func DecodeMapping(r io.Reader) ([]scan.MappingEntry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading mapping header: %w", err)
	}

	var entries []scan.MappingEntry
	for {
		var row MappingRow
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mapping row %d: %w", len(entries)+1, err)
		}
		entries = append(entries, scan.MappingEntry{Source: row.Source, Target: scan.ObjectID(row.Target)})
	}
	return entries, nil
}

// WriteValidation writes validation rows.
func WriteValidation(path string, rows []ValidationRow) error {
	return writeCSV(path, rows)
}

func writeCSV[T any](path string, rows []T) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	defer func() { err = errors.Join(err, f.Close()) }()

	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	var zero T
	if err := enc.EncodeHeader(zero); err != nil {
		return fmt.Errorf("writing report header: %w", err)
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("writing report row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
