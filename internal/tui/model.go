// Package tui renders a live dashboard of a migration run. It polls the
// state store, so it can watch a run driven by another process or by an
// external scheduler.
package tui

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/johndauphine/shard-migrate/internal/checkpoint"
	"github.com/johndauphine/shard-migrate/internal/report"
	"github.com/johndauphine/shard-migrate/internal/verify"
)

// Source supplies run reports. An empty runID means the latest run.
type Source interface {
	Snapshot(runID string) (*report.Run, error)
}

// TickMsg triggers the next poll.
type TickMsg time.Time

// SnapshotMsg carries the result of a poll.
type SnapshotMsg struct {
	Report *report.Run
	Err    error
}

// Model is the dashboard state.
type Model struct {
	source   Source
	runID    string
	interval time.Duration

	viewport viewport.Model
	spinner  spinner.Model
	ready    bool
	width    int
	height   int

	report  *report.Run
	err     error
	updated time.Time
}

// New returns a dashboard polling src every interval.
func New(src Source, runID string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleTitle
	return Model{source: src, runID: runID, interval: interval, spinner: sp}
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.spinner.Tick)
}

func (m Model) fetch() tea.Cmd {
	src, id := m.source, m.runID
	return func() tea.Msg {
		rep, err := src.Snapshot(id)
		return SnapshotMsg{Report: rep, Err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		// title, border and status bar
		vpHeight := msg.Height - 5
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(m.body())

	case SnapshotMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.report = msg.Report
			if m.runID == "" && msg.Report != nil {
				// Stay on the run we started watching.
				m.runID = msg.Report.RunID
			}
		}
		m.updated = time.Now()
		if m.ready {
			m.viewport.SetContent(m.body())
		}
		return m, m.tick()

	case TickMsg:
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	title := styleTitle.Render("shard-migrate watch") + styleMuted.Render("  q quit  r refresh  ↑/↓ scroll")
	vp := styleViewport.Width(m.viewport.Width + 2).Render(m.viewport.View())
	return fmt.Sprintf("%s\n%s\n%s", title, vp, m.statusBarView())
}

func (m Model) body() string {
	if m.err != nil {
		return styleError.Render("error: ") + wrapLine(m.err.Error(), m.contentWidth()-7)
	}
	r := m.report
	if r == nil {
		return styleMuted.Render("No migration runs")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-24s %-16s %-24s %12s %s\n",
		styleHeader.Render(fmt.Sprintf("%-28s", "TABLE")), "UNITS", "PHASE", "", "ROWS", "VERDICT")
	for _, t := range r.Tables {
		done := t.Units.Succeeded
		fmt.Fprintf(&b, "%-28s %-24s %s %s %12d %s\n",
			truncate(t.Name, 28),
			fmt.Sprintf("%d/%d (%d failed)", done, t.Units.Total, t.Units.Failed),
			phaseStyle(t).Width(16).Render(phaseText(t)),
			bar(done, t.Units.Total, 24),
			t.RowsInserted,
			verdictText(t.Verification))
	}

	for _, t := range r.Tables {
		if t.Error == "" && len(t.FailedUnits) == 0 {
			continue
		}
		b.WriteString("\n")
		b.WriteString(styleError.Render(t.Name+" blocked: ") + wrapLine(t.Error, m.contentWidth()-len(t.Name)-10) + "\n")
		for _, u := range t.FailedUnits {
			b.WriteString(styleMuted.Render(fmt.Sprintf("  %s (attempts %d): ", u.Key, u.Attempts)))
			b.WriteString(wrapLine(u.LastError, m.contentWidth()-4) + "\n")
		}
	}
	for _, t := range r.Tables {
		if t.Verification == nil {
			continue
		}
		for _, w := range t.Verification.Warnings {
			b.WriteString(styleWarning.Render(fmt.Sprintf("%s: %s", t.Name, w)) + "\n")
		}
	}
	if r.Error != "" {
		b.WriteString("\n" + styleError.Render("run: ") + wrapLine(r.Error, m.contentWidth()-5) + "\n")
	}
	return b.String()
}

func (m Model) contentWidth() int {
	if m.viewport.Width > 0 {
		return m.viewport.Width
	}
	return 80
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	runID, status, rangeText := "-", "no runs", ""
	var counts report.UnitCounts
	var rows int64
	if m.report != nil {
		runID = m.report.RunID
		status = m.report.Status
		rangeText = fmt.Sprintf("%s - %s by %s", m.report.Start.Format("2006-01-02"),
			m.report.End.Format("2006-01-02"), m.report.Granularity)
		counts, rows = m.report.Totals()
	}

	run := styleStatusRun.Render("run " + runID)
	span := ""
	if rangeText != "" {
		span = styleStatusRange.Render(rangeText)
	}
	progressText := fmt.Sprintf("%d/%d units, %d rows", counts.Succeeded, counts.Total, rows)
	if !m.updated.IsZero() {
		progressText += ", updated " + m.updated.Format("15:04:05")
	}
	progress := styleStatusText.Render(progressText)

	var state string
	switch status {
	case checkpoint.RunSuccess:
		state = styleStatusGood.Render(status)
	case checkpoint.RunRunning:
		state = styleStatusText.Render(m.spinner.View() + " " + status)
	default:
		state = styleStatusBad.Render(status)
	}
	if m.err != nil {
		state = styleStatusBad.Render("poll failed")
	}

	usedWidth := w(run) + w(span) + w(progress) + w(state)
	spacerWidth := m.width - usedWidth
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := styleStatusBar.Width(spacerWidth).Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, run, span, progress, spacer, state)
}

func phaseText(t report.Table) string {
	if t.Blocked {
		return t.Phase + "!"
	}
	return t.Phase
}

func phaseStyle(t report.Table) lipgloss.Style {
	switch {
	case t.Blocked || t.Phase == string(checkpoint.Inconsistent):
		return styleError
	case t.Phase == string(checkpoint.Done):
		return styleSuccess
	case t.Phase == string(checkpoint.NotStarted):
		return styleMuted
	}
	return lipgloss.NewStyle()
}

func verdictText(v *verify.Report) string {
	if v == nil {
		return styleMuted.Render("-")
	}
	switch v.Verdict {
	case verify.Consistent:
		return styleSuccess.Render(string(v.Verdict))
	case verify.Inconsistent:
		return styleError.Render(fmt.Sprintf("%s (%d missing)", v.Verdict, v.MissingIDs))
	}
	return styleWarning.Render(string(v.Verdict))
}

// bar draws a fixed-width completion bar.
func bar(done, total, width int) string {
	filled := width
	if total > 0 {
		filled = done * width / total
	}
	if filled > width {
		filled = width
	}
	return styleBarFilled.Render(strings.Repeat("█", filled)) +
		styleBarEmpty.Render(strings.Repeat("░", width-filled))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// wrapLine wraps a line of text to fit within the specified width.
// It preserves word boundaries when possible.
func wrapLine(line string, width int) string {
	if width <= 0 || len(line) <= width {
		return line
	}

	var result strings.Builder
	currentLine := ""

	for _, word := range splitIntoWords(line) {
		if len(currentLine)+len(word) > width {
			if currentLine != "" {
				result.WriteString(strings.TrimRight(currentLine, " "))
				result.WriteString("\n")
			}
			for len(word) > width {
				result.WriteString(word[:width])
				result.WriteString("\n")
				word = word[width:]
			}
			currentLine = strings.TrimLeft(word, " ")
		} else {
			currentLine += word
		}
	}

	if currentLine != "" {
		result.WriteString(currentLine)
	}
	return result.String()
}

// splitIntoWords splits text into words while preserving whitespace.
func splitIntoWords(s string) []string {
	var words []string
	var current strings.Builder

	for _, r := range s {
		if unicode.IsSpace(r) {
			if current.Len() > 0 {
				words = append(words, current.String())
				current.Reset()
			}
			words = append(words, string(r))
		} else {
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}
	return words
}

// Start runs the dashboard until the user quits.
func Start(src Source, runID string, interval time.Duration) error {
	p := tea.NewProgram(New(src, runID, interval), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}
