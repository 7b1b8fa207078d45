package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/report"
)

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := New(nil)
	assert.False(t, n.IsEnabled())
	assert.NoError(t, n.RunStarted("r", "a", "b", 1, 1))
	assert.NoError(t, n.RunFailed("r", errors.New("x"), time.Second))
}

func TestRunCompletedWithErrorsPayload(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#ops"})
	summary := report.Summary{Attempted: 23, Created: 13, Failed: 10}
	err := n.RunCompletedWithErrors("run-1", time.Now(), 90*time.Second, summary, []int64{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)

	assert.Equal(t, "#ops", got.Channel)
	assert.Equal(t, "scan-migrate", got.Username)
	assert.Contains(t, got.Text, "Created 13/23")
	require.Len(t, got.Attachments, 1)
	fields := got.Attachments[0].Fields
	assert.Equal(t, "1m 30s", fields[2].Value)
	assert.Equal(t, "1, 2, 3... and 4 more", fields[4].Value)
}

func TestSendReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	err := n.BatchFailed("r", 2, errors.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "none", failureSummary(nil))
	assert.Equal(t, "9, 8", failureSummary([]int64{9, 8}))
	assert.Equal(t, "Unknown error", errorText(nil, 10))
	assert.Equal(t, "abc...", errorText(errors.New("abcdef"), 3))
	assert.Equal(t, "1h 2m 3s", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.True(t, strings.HasSuffix(formatDuration(4*time.Second), "4s"))
}
