package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []ProgressUpdate {
	t.Helper()
	var out []ProgressUpdate
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var u ProgressUpdate
		require.NoError(t, json.Unmarshal([]byte(line), &u))
		out = append(out, u)
	}
	return out
}

func TestJSONReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Minute)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Report(ProgressUpdate{Phase: PhaseCopying})
	r.Report(ProgressUpdate{Phase: PhaseCopying})
	r.ReportImmediate(ProgressUpdate{Phase: PhaseFinalize})
	clock = clock.Add(2 * time.Minute)
	r.Report(ProgressUpdate{Phase: PhaseCopying})
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: PhaseDone})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, PhaseFinalize, lines[1].Phase)
	assert.Equal(t, "2024-01-01T00:00:00Z", lines[0].Timestamp)
}

func TestTrackerCounts(t *testing.T) {
	var buf bytes.Buffer
	tr := New("run-1", nil, NewJSONReporter(&buf, 0))

	tr.SetTotal(23, 3)
	tr.StartBatch(1, 1)
	tr.EndBatch(10, 8, 2, "ok")
	tr.StartBatch(2, 2)
	tr.EndBatch(10, 5, 5, "ok")

	s := tr.Snapshot()
	assert.Equal(t, 2, s.BatchesComplete)
	assert.Equal(t, 20, s.ScansProcessed)
	assert.Equal(t, 13, s.ScansCreated)
	assert.Equal(t, 7, s.ScansFailed)
	assert.InDelta(t, 86.96, s.ProgressPct, 0.01)

	tr.Finish()
	lines := decodeLines(t, &buf)
	last := lines[len(lines)-1]
	assert.Equal(t, PhaseDone, last.Phase)
	assert.Equal(t, "run-1", last.RunID)
}

func TestTrackerResume(t *testing.T) {
	tr := New("r", nil, nil)
	tr.SetTotal(30, 3)
	tr.Resume(2, 20, 18, 2)
	tr.EndBatch(10, 10, 0, "ok")

	s := tr.Snapshot()
	assert.Equal(t, 3, s.BatchesComplete)
	assert.Equal(t, 28, s.ScansCreated)
	assert.Equal(t, 100.0, s.ProgressPct)
}

func TestTrackerWithBar(t *testing.T) {
	var bar bytes.Buffer
	tr := New("r", &bar, nil)
	tr.SetTotal(2, 1)
	tr.StartBatch(1, 1)
	tr.EndBatch(2, 2, 0, "ok")
	tr.Finish()
	assert.NotEmpty(t, bar.String())
}
