// Package scan holds the records that move through a copy run and the
// payload shaping applied before a scan is recreated on the target.
package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AttachedFile references one file of a source scan.
type AttachedFile struct {
	FileID int64  `json:"file_id"`
	Kind   string `json:"type"`
}

// Record is a source scan, fetched once per run and never mutated.
type Record struct {
	SourceID       int64
	RawPayload     map[string]any
	AttachedFiles  []AttachedFile
	SectionName    string
	StorePlanogram string
}

// FileIDs returns the attached file ids in attachment order.
func (r Record) FileIDs() []int64 {
	ids := make([]int64, len(r.AttachedFiles))
	for i, f := range r.AttachedFiles {
		ids[i] = f.FileID
	}
	return ids
}

// DownloadedFile is the content of one source file, held only until it is
// uploaded or written to disk.
type DownloadedFile struct {
	FileID   int64
	Filename string
	Content  []byte
}

// UploadedFileRef links a source file to the id the target assigned to it.
type UploadedFileRef struct {
	SourceFileID int64
	TargetFileID ObjectID
}

// ObjectID is an identifier assigned by the remote service. The service
// returns numbers, but nothing guarantees it, so the value is kept as text
// and re-emitted as a JSON number whenever it is purely numeric.
type ObjectID string

// IsZero reports whether no id was assigned.
func (id ObjectID) IsZero() bool { return id == "" }

func (id ObjectID) String() string { return string(id) }

// MarshalJSON emits a number for numeric ids, a string otherwise and null when unset.
func (id ObjectID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isDigits(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON number, string or null.
func (id *ObjectID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ObjectID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("object id: %w", err)
		}
		*id = ObjectID(n.String())
		return nil
	}
}

// Int64 parses a numeric id.
func (id ObjectID) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	s = strings.TrimPrefix(s, "-")
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// MappingEntry records the outcome for one attempted source scan. Target is
// empty when no scan was created.
type MappingEntry struct {
	Source int64
	Target ObjectID
}

// Created reports whether a target scan exists for this entry.
func (m MappingEntry) Created() bool { return !m.Target.IsZero() }

// MarshalJSON encodes the entry as a [source, target] pair.
func (m MappingEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{m.Source, m.Target})
}

// UnmarshalJSON decodes a [source, target] pair.
func (m *MappingEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("mapping entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("mapping entry: expected 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &m.Source); err != nil {
		return fmt.Errorf("mapping entry source: %w", err)
	}
	return m.Target.UnmarshalJSON(pair[1])
}

// UniqueFiles returns every attached file across records once, in
// first-seen order.
func UniqueFiles(records []Record) []AttachedFile {
	seen := make(map[int64]struct{})
	var out []AttachedFile
	for _, r := range records {
		for _, f := range r.AttachedFiles {
			if _, ok := seen[f.FileID]; ok {
				continue
			}
			seen[f.FileID] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
