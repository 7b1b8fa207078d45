// Package source reads scan records and their attached files from an
// instance's maintenance database.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/scan"
)

// Reader fetches scans. Implementations are safe for concurrent use.
type Reader interface {
	FetchScans(ctx context.Context, ids []int64) (FetchResult, error)
	CountFiles(ctx context.Context, ids []int64) (map[int64]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// FetchResult holds the decoded records in request order, plus the reason
// any requested id has no record.
type FetchResult struct {
	Records  []scan.Record
	Problems map[int64]error
}

// ByID indexes the records.
func (f FetchResult) ByID() map[int64]scan.Record {
	out := make(map[int64]scan.Record, len(f.Records))
	for _, r := range f.Records {
		out[r.SourceID] = r
	}
	return out
}

// ErrNotFound marks an id with no row in the source database.
type ErrNotFound struct{ ID int64 }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("scan %d not found in source database", e.ID) }

// Open connects using the configured driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Reader, error) {
	switch cfg.Driver {
	case "", "pgx":
		return NewPgxReader(ctx, cfg)
	case "pq":
		return NewPQReader(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// row is one result of scansQuery before decoding.
type row struct {
	ID             int64
	ProvidedValues []byte
	ScanFiles      []byte
	SectionName    string
}

// assemble decodes rows and orders them like ids. Duplicate requested ids
// yield one record.
func assemble(ids []int64, rows []row) FetchResult {
	res := FetchResult{Problems: make(map[int64]error)}
	byID := make(map[int64]row, len(rows))
	for _, r := range rows {
		if _, dup := byID[r.ID]; !dup {
			byID[r.ID] = r
		}
	}

	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		r, ok := byID[id]
		if !ok {
			res.Problems[id] = &ErrNotFound{ID: id}
			logging.Warn("Scan %d not found in source database", id)
			continue
		}
		rec, err := decodeRow(r)
		if err != nil {
			res.Problems[id] = err
			logging.WarnFields(logging.Fields{"scan_id": id, "error": err}, "Skipping scan with malformed source data")
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

func decodeRow(r row) (scan.Record, error) {
	rec := scan.Record{SourceID: r.ID, SectionName: r.SectionName}

	var provided map[string]any
	if len(r.ProvidedValues) == 0 {
		return rec, fmt.Errorf("scan %d: provided_values is null", r.ID)
	}
	if err := json.Unmarshal(r.ProvidedValues, &provided); err != nil {
		return rec, fmt.Errorf("scan %d: provided_values is not an object: %w", r.ID, err)
	}
	raw, err := scan.ExtractRawPayload(provided)
	if err != nil {
		return rec, fmt.Errorf("scan %d: %w", r.ID, err)
	}
	rec.RawPayload = raw
	rec.StorePlanogram = storePlanogram(raw)

	if len(r.ScanFiles) > 0 {
		var files []*scan.AttachedFile
		if err := json.Unmarshal(r.ScanFiles, &files); err != nil {
			return rec, fmt.Errorf("scan %d: scan_files: %w", r.ID, err)
		}
		for _, f := range files {
			if f == nil || f.FileID == 0 {
				continue
			}
			rec.AttachedFiles = append(rec.AttachedFiles, *f)
		}
	}
	return rec, nil
}

func storePlanogram(raw map[string]any) string {
	for _, key := range []string{"store_planogram", "store_planogram_id"} {
		switch v := raw[key].(type) {
		case float64:
			if v != 0 {
				return strconv.FormatInt(int64(v), 10)
			}
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}
