package scan

import (
	"errors"
	"fmt"
	"time"
)

// DefaultFieldsToStrip are removed from every creation payload unless the
// configuration says otherwise.
var DefaultFieldsToStrip = []string{
	"id", "created_at", "updated_at", "task_id",
	"category_id", "section_id", "store_planogram", "aisle",
}

// ErrNoFiles is returned when none of a scan's files reached the target.
var ErrNoFiles = errors.New("no uploaded files")

// ShapeOptions controls how a raw payload becomes a creation request.
type ShapeOptions struct {
	FieldsToStrip []string
	StoreID       int64
	Files         []ObjectID
	CapturedAt    time.Time
}

// ShapePayload copies raw, drops the configured fields and sets store,
// files and captured_at (Unix seconds). raw is left untouched.
func ShapePayload(raw map[string]any, opts ShapeOptions) (map[string]any, error) {
	if raw == nil {
		return nil, errors.New("shape payload: raw payload is nil")
	}
	if len(opts.Files) == 0 {
		return nil, ErrNoFiles
	}

	out := make(map[string]any, len(raw)+3)
	for k, v := range raw {
		out[k] = v
	}
	for _, f := range opts.FieldsToStrip {
		delete(out, f)
	}

	files := make([]ObjectID, len(opts.Files))
	copy(files, opts.Files)

	out["store"] = opts.StoreID
	out["files"] = files
	out["captured_at"] = opts.CapturedAt.Unix()
	return out, nil
}

// TargetFiles returns the uploaded target ids for a record's files, in
// attachment order, skipping files that did not upload.
func TargetFiles(rec Record, uploaded map[int64]ObjectID) []ObjectID {
	var out []ObjectID
	for _, f := range rec.AttachedFiles {
		if id, ok := uploaded[f.FileID]; ok && !id.IsZero() {
			out = append(out, id)
		}
	}
	return out
}

// ExtractRawPayload pulls the creation payload out of a provided_values
// document. Newer scans nest it under _raw_data.
func ExtractRawPayload(providedValues map[string]any) (map[string]any, error) {
	if providedValues == nil {
		return nil, errors.New("provided_values is empty")
	}
	if nested, ok := providedValues["_raw_data"]; ok && nested != nil {
		m, ok := nested.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("_raw_data has type %T, want object", nested)
		}
		return m, nil
	}
	return providedValues, nil
}
