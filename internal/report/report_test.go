package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/scan-migrate/internal/scan"
)

func TestWriteMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_mapping.csv")
	entries := []scan.MappingEntry{{Source: 1, Target: "901"}, {Source: 2}, {Source: 3, Target: "903"}}

	require.NoError(t, WriteMapping(path, entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Source_Scan_ID,Target_Scan_ID\n1,901\n2,\n3,903\n", string(data))

	back, err := ReadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, entries, back)
}

func TestWriteInitialMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "initial.csv")
	require.NoError(t, WriteInitialMapping(path, []int64{10, 11}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Source_Scan_ID,Target_Scan_ID\n10,\n11,\n", string(data))
}

func TestEmptyMappingHasHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, WriteMapping(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Source_Scan_ID,Target_Scan_ID\n", string(data))

	back, err := ReadMapping(path)
	require.NoError(t, err)
	assert.Empty(t, back)
}

func TestDecodeMappingErrors(t *testing.T) {
	_, err := DecodeMapping(strings.NewReader("Source_Scan_ID,Target_Scan_ID\nabc,1\n"))
	assert.Error(t, err)

	entries, err := DecodeMapping(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriteValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validation.csv")
	rows := []ValidationRow{
		{Source: 1, Target: "901", SourceFiles: 2, TargetFiles: 2, Status: StatusOK},
		{Source: 2, Status: StatusNotCreated},
	}
	require.NoError(t, WriteValidation(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Source_Scan_ID,Target_Scan_ID,Source_Files,Target_Files,Status", lines[0])
	assert.Equal(t, "2,,0,0,not_created", lines[2])
}

func TestPaths(t *testing.T) {
	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	dir, err := RunDir(t.TempDir(), ts)
	require.NoError(t, err)
	assert.Equal(t, "run_20240203_040506", filepath.Base(dir))
	assert.DirExists(t, dir)

	assert.Equal(t, "scan_mapping_20240203_040506.csv", filepath.Base(MappingPath(dir, ts)))
	assert.Equal(t, "initial_scan_mapping_20240203_040506.csv", filepath.Base(InitialMappingPath(dir, ts)))
	assert.Equal(t, "validation_20240203_040506.csv", filepath.Base(ValidationPath(dir, ts)))
}

func TestSummary(t *testing.T) {
	s := Summary{Attempted: 23, Created: 13, Failed: 10}
	assert.InDelta(t, 56.52, s.SuccessRate(), 0.01)
	assert.Equal(t, []string{"Created 13/23 scans", "Success rate: 56.5%", "Failed scans: 10"}, s.Lines())
	assert.Equal(t, 0.0, Summary{}.SuccessRate())
}
