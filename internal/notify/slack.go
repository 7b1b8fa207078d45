package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/report"
)

const footer = "scan-migrate"

// Notifier sends notifications to a Slack webhook.
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a Slack notifier. A nil config yields a disabled notifier.
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{}
	}
	return &Notifier{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) RunStarted(runID, source, target string, scanCount, batchCount int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":rocket:", "", SlackAttachment{
		Color: "#36a64f",
		Title: "Scan Copy Started",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Scans", Value: strconv.Itoa(scanCount), Short: true},
			{Title: "Source", Value: source, Short: true},
			{Title: "Target", Value: target, Short: true},
			{Title: "Batches", Value: strconv.Itoa(batchCount), Short: true},
		},
	}))
}

func (n *Notifier) RunCompleted(runID string, startTime time.Time, duration time.Duration, summary report.Summary) error {
	if !n.IsEnabled() {
		return nil
	}
	text := fmt.Sprintf("Scan copy completed. Created %d/%d scans.", summary.Created, summary.Attempted)
	return n.send(n.message(":white_check_mark:", text, SlackAttachment{
		Color: "#36a64f",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Created", Value: strconv.Itoa(summary.Created), Short: true},
		},
	}))
}

func (n *Notifier) RunCompletedWithErrors(runID string, startTime time.Time, duration time.Duration,
	summary report.Summary, failed []int64) error {
	if !n.IsEnabled() {
		return nil
	}
	text := fmt.Sprintf("Scan copy completed with errors. Created %d/%d scans (%.1f%%), %d failed.",
		summary.Created, summary.Attempted, summary.SuccessRate(), summary.Failed)
	return n.send(n.message(":warning:", text, SlackAttachment{
		Color: "#ffc107",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Failed", Value: strconv.Itoa(summary.Failed), Short: true},
			{Title: "Failed Scans", Value: failureSummary(failed), Short: false},
		},
	}))
}

func (n *Notifier) RunFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":x:", "", SlackAttachment{
		Color: "#dc3545",
		Title: "Scan Copy Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
			{Title: "Error", Value: errorText(err, 500), Short: false},
		},
	}))
}

func (n *Notifier) BatchFailed(runID string, batch int, err error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":warning:", "", SlackAttachment{
		Color: "#ffc107",
		Title: "Batch Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Batch", Value: strconv.Itoa(batch), Short: true},
			{Title: "Error", Value: errorText(err, 500), Short: false},
		},
	}))
}

func (n *Notifier) message(icon, text string, att SlackAttachment) SlackMessage {
	att.Footer = footer
	att.Timestamp = time.Now().Unix()
	username := n.config.Username
	if username == "" {
		username = footer
	}
	return SlackMessage{
		Channel:     n.config.Channel,
		Username:    username,
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{att},
	}
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, n.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func failureSummary(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	shown := ids
	if len(ids) > 5 {
		shown = ids[:3]
	}
	parts := make([]string, len(shown))
	for i, id := range shown {
		parts[i] = strconv.FormatInt(id, 10)
	}
	s := strings.Join(parts, ", ")
	if len(ids) > 5 {
		s += fmt.Sprintf("... and %d more", len(ids)-3)
	}
	return s
}

func errorText(err error, limit int) string {
	if err == nil {
		return "Unknown error"
	}
	msg := err.Error()
	if len(msg) > limit {
		msg = msg[:limit] + "..."
	}
	return msg
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
