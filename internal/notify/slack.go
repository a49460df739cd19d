package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/shard-migrate/internal/config"
)

const footer = "shard-migrate"

// Notifier sends notifications to Slack
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

const (
	green  = "#36a64f"
	yellow = "#daa038"
	red    = "#d00000"
)

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// MigrationStarted sends notification when a run starts
func (n *Notifier) MigrationStarted(runID string, rangeText string, tableCount, unitCount int) error {
	return n.post(":rocket:", "", SlackAttachment{
		Color: green,
		Title: "Migration Started",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Range", Value: rangeText, Short: true},
			{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
			{Title: "Units", Value: formatNumberWithCommas(int64(unitCount)), Short: true},
		},
	})
}

// MigrationCompleted sends notification when every table is done
func (n *Notifier) MigrationCompleted(runID string, duration time.Duration, tableCount int, rowCount int64) error {
	text := fmt.Sprintf("Migration completed: %d tables verified consistent, %s rows inserted.",
		tableCount, formatNumberWithCommas(rowCount))
	return n.post(":white_check_mark:", text, SlackAttachment{
		Color: green,
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
		},
	})
}

// MigrationFinishedWithProblems sends notification for blocked or inconsistent runs
func (n *Notifier) MigrationFinishedWithProblems(runID, status string, duration time.Duration, problems []string) error {
	return n.post(":warning:", fmt.Sprintf("Migration finished with status *%s*.", status), SlackAttachment{
		Color: red,
		Title: "Tables needing attention",
		Text:  "```" + strings.Join(problems, "\n") + "```",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
		},
	})
}

// MigrationCancelled sends notification for an interrupted run
func (n *Notifier) MigrationCancelled(runID string, duration time.Duration) error {
	return n.post(":pause_button:", "Migration cancelled; resume to continue.", SlackAttachment{
		Color: yellow,
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
		},
	})
}

// TableBlocked sends notification for a table that cannot advance
func (n *Notifier) TableBlocked(runID, table, phase string, err error) error {
	return n.post(":x:", "", SlackAttachment{
		Color: red,
		Title: fmt.Sprintf("Table %s blocked in %s", table, phase),
		Text:  fmt.Sprintf("```%v```", err),
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
		},
	})
}

// TableInconsistent sends notification for a failed reconciliation
func (n *Notifier) TableInconsistent(runID, table string, sourceIDs, destIDs int64) error {
	return n.post(":mag:", "", SlackAttachment{
		Color: red,
		Title: fmt.Sprintf("Table %s is inconsistent", table),
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Missing IDs", Value: formatNumberWithCommas(sourceIDs - destIDs), Short: true},
			{Title: "Source IDs", Value: formatNumberWithCommas(sourceIDs), Short: true},
			{Title: "Destination IDs", Value: formatNumberWithCommas(destIDs), Short: true},
		},
	})
}

func (n *Notifier) post(icon, text string, att SlackAttachment) error {
	if !n.IsEnabled() {
		return nil
	}
	att.Footer = footer
	att.Timestamp = time.Now().Unix()
	return n.send(SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{att},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func formatNumberWithCommas(n int64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return sign + str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return sign + string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
