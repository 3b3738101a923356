// Package dashboard renders the terminal monitor for a running
// orchestrator: live worker panes, backlog counters, the orchestrator
// state ticker, and a commit feed from the project repository.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/codefleet/foreman/internal/banner"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // Total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da")) // steel blue

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6e7681"))

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	statusPassingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7ec699")) // sage green

	progressBarStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da")) // steel blue

	progressEmptyStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#3d4450")) // slate

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d4a054")) // amber
)

// WorkerDisplay is one live worker row in the WORKERS panel.
type WorkerDisplay struct {
	ID       string
	Role     string
	Features string // "#3" or "#3 #4", empty for an initializer
	LastLine string
	Started  time.Time
}

// SummaryDisplay holds the backlog counters for the BACKLOG panel.
type SummaryDisplay struct {
	Passing    int
	InProgress int
	Ready      int
	Blocked    int
	Total      int
}

// Outcome is one terminal feature verdict shown in the RECENT panel.
type Outcome struct {
	Feature int64
	Role    string
	Verdict string // "completed" or "failed"
	At      time.Time
}

// Model is the TUI model
type Model struct {
	version     string
	projectPath string

	summary  SummaryDisplay
	workers  []WorkerDisplay
	state    string
	outcomes []Outcome
	logs     []string

	commits     *commitLog
	showCommits bool

	showLogs bool
	width    int
	height   int
	quitting bool
}

// tickMsg is sent periodically to refresh the display
type tickMsg time.Time

// updateWorkersMsg replaces the live worker list
type updateWorkersMsg []WorkerDisplay

// updateSummaryMsg replaces the backlog counters
type updateSummaryMsg SummaryDisplay

// workerLineMsg updates the last output line of one worker
type workerLineMsg struct {
	id   string
	line string
}

// setStateMsg replaces the orchestrator state line
type setStateMsg string

// addLogMsg adds a log entry
type addLogMsg string

// addOutcomeMsg adds a terminal verdict to the history
type addOutcomeMsg Outcome

// NewModel creates a new dashboard model
func NewModel(version, projectPath string) Model {
	return Model{
		version:     version,
		projectPath: projectPath,
		state:       "Starting...",
		workers:     []WorkerDisplay{},
		logs:        []string{},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.refreshCommits(),
		commitTickCmd(),
		tea.EnterAltScreen,
	)
}

// tickCmd creates a tick command
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
		case "g":
			m.showCommits = !m.showCommits
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tickCmd()

	case commitTickMsg:
		if m.showCommits {
			return m, tea.Batch(m.refreshCommits(), commitTickCmd())
		}
		return m, commitTickCmd()

	case commitsMsg:
		m.commits = msg.log

	case updateWorkersMsg:
		// The poll snapshot has no output lines; carry them over so a
		// refresh does not blank the panes.
		lines := make(map[string]string, len(m.workers))
		for _, w := range m.workers {
			if w.LastLine != "" {
				lines[w.ID] = w.LastLine
			}
		}
		m.workers = msg
		for i := range m.workers {
			if line, ok := lines[m.workers[i].ID]; ok {
				m.workers[i].LastLine = line
			}
		}

	case workerLineMsg:
		for i := range m.workers {
			if m.workers[i].ID == msg.id {
				m.workers[i].LastLine = msg.line
				break
			}
		}

	case updateSummaryMsg:
		m.summary = SummaryDisplay(msg)

	case setStateMsg:
		m.state = string(msg)

	case addLogMsg:
		m.logs = append(m.logs, string(msg))
		if len(m.logs) > 100 {
			m.logs = m.logs[1:]
		}

	case addOutcomeMsg:
		m.outcomes = append(m.outcomes, Outcome(msg))
		if len(m.outcomes) > 5 {
			m.outcomes = m.outcomes[len(m.outcomes)-5:]
		}
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Foreman stopped.\n"
	}

	var b strings.Builder

	// Header with ASCII logo
	b.WriteString("\n")
	logo := strings.TrimPrefix(banner.Logo, "\n")
	b.WriteString(titleStyle.Render(logo))
	b.WriteString(titleStyle.Render(fmt.Sprintf("   Foreman %s", m.version)))
	b.WriteString("\n\n")

	b.WriteString(m.renderBacklog())
	b.WriteString("\n")

	b.WriteString(m.renderWorkers())
	b.WriteString("\n")

	b.WriteString(m.renderRecent())
	b.WriteString("\n")

	if m.showCommits {
		b.WriteString(m.renderCommits())
		b.WriteString("\n")
	}

	if m.showLogs {
		b.WriteString(m.renderLogs())
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit  l: logs  g: commits"))

	return b.String()
}

// renderBacklog renders the feature counters and the passing bar.
func (m Model) renderBacklog() string {
	var content strings.Builder

	s := m.summary
	if s.Total == 0 {
		content.WriteString("  Backlog empty, waiting for the initializer")
		return renderPanel("BACKLOG", content.String())
	}

	pct := s.Passing * 100 / s.Total
	content.WriteString(fmt.Sprintf("  %s %3d%%  %d/%d passing",
		renderProgressBar(pct, 40), pct, s.Passing, s.Total))
	content.WriteString("\n\n")

	content.WriteString(dotLeaderStyled("Passing", fmt.Sprintf("%d", s.Passing), statusPassingStyle, panelInnerWidth-4))
	content.WriteString("\n")
	content.WriteString(dotLeaderStyled("In progress", fmt.Sprintf("%d", s.InProgress), statusRunningStyle, panelInnerWidth-4))
	content.WriteString("\n")
	content.WriteString(dotLeader("Ready", fmt.Sprintf("%d", s.Ready), panelInnerWidth-4))
	content.WriteString("\n")
	content.WriteString(dotLeaderStyled("Blocked", fmt.Sprintf("%d", s.Blocked), statusPendingStyle, panelInnerWidth-4))

	return renderPanel("BACKLOG", content.String())
}

// renderWorkers renders the live worker panes plus the state ticker.
func (m Model) renderWorkers() string {
	var content strings.Builder

	if len(m.workers) == 0 {
		content.WriteString("  No workers running")
	} else {
		for i, w := range m.workers {
			if i > 0 {
				content.WriteString("\n")
			}
			content.WriteString(renderWorker(w))
		}
	}

	content.WriteString("\n\n")
	content.WriteString("  " + dimStyle.Render(truncateVisual(m.state, panelInnerWidth-4)))

	return renderPanel("WORKERS", content.String())
}

// renderWorker renders a single worker row:
//
//	* coding      #3 #4     2m13s  [Feature #3] Writing parser tests
func renderWorker(w WorkerDisplay) string {
	status := statusRunningStyle.Render("*")

	elapsed := formatElapsed(time.Since(w.Started))

	features := w.Features
	if features == "" {
		features = "-"
	}

	line := w.LastLine
	// 2 indent + 2 status + 12 role + 10 features + 6 elapsed + 4 gaps
	lineWidth := panelInnerWidth - 36
	return fmt.Sprintf("  %s %-11s %-9s %6s  %s",
		status,
		truncateVisual(w.Role, 11),
		truncateVisual(features, 9),
		elapsed,
		dimStyle.Render(truncateVisual(line, lineWidth)),
	)
}

// renderRecent renders the last few terminal verdicts.
func (m Model) renderRecent() string {
	var content strings.Builder

	if len(m.outcomes) == 0 {
		content.WriteString("  Nothing finished yet")
		return renderPanel("RECENT", content.String())
	}

	for i := len(m.outcomes) - 1; i >= 0; i-- {
		o := m.outcomes[i]
		if i < len(m.outcomes)-1 {
			content.WriteString("\n")
		}

		icon := statusPassingStyle.Render("+")
		verdict := statusPassingStyle.Render("completed")
		if o.Verdict != "completed" {
			icon = statusFailedStyle.Render("x")
			verdict = statusFailedStyle.Render(o.Verdict)
		}

		content.WriteString(fmt.Sprintf("  %s Feature #%-5d %-11s %s  %s",
			icon, o.Feature, o.Role, verdict,
			dimStyle.Render(o.At.Format("15:04:05")),
		))
	}

	return renderPanel("RECENT", content.String())
}

// renderLogs renders the last worker output lines.
func (m Model) renderLogs() string {
	var content strings.Builder
	w := panelInnerWidth - 4

	if len(m.logs) == 0 {
		content.WriteString("  No output yet")
	} else {
		start := len(m.logs) - 10
		if start < 0 {
			start = 0
		}

		for i, log := range m.logs[start:] {
			if i > 0 {
				content.WriteString("\n")
			}
			content.WriteString("  " + truncateVisual(log, w))
		}
	}

	return renderPanel("OUTPUT", content.String())
}

// renderProgressBar renders a fixed-width passing bar.
func renderProgressBar(pct int, width int) string {
	filled := pct * width / 100
	if filled > width {
		filled = width
	}
	empty := width - filled

	bar := progressBarStyle.Render(strings.Repeat("█", filled)) +
		progressEmptyStyle.Render(strings.Repeat("░", empty))

	return "[" + bar + "]"
}

// formatElapsed formats a run duration compactly: 45s, 12m, 1h05m.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		h := int(d.Hours())
		return fmt.Sprintf("%dh%02dm", h, int(d.Minutes())-60*h)
	}
}

// renderPanel builds a panel manually with guaranteed width
// Total width: panelTotalWidth (69 chars)
// Structure: ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title string, content string) string {
	var lines []string

	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())

	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}

	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())

	return strings.Join(lines, "\n")
}

// buildTopBorder creates: ╭─ TITLE ─────...─────╮ with exact panelTotalWidth
func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")

	dashCount := panelTotalWidth - prefixWidth - 1 // -1 for ╮
	if dashCount < 0 {
		dashCount = 0
	}

	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) + borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

// buildBottomBorder creates: ╰─────────────────────────────────────────────────╯
func buildBottomBorder() string {
	dashCount := panelTotalWidth - 2
	line := "╰" + strings.Repeat("─", dashCount) + "╯"
	return borderStyle.Render(line)
}

// buildEmptyLine creates: │                                                                 │
func buildEmptyLine() string {
	spaceCount := panelTotalWidth - 2
	border := borderStyle.Render("│")
	return border + strings.Repeat(" ", spaceCount) + border
}

// buildContentLine creates: │ (space) content padded/truncated (space) │
func buildContentLine(content string) string {
	contentWidth := panelTotalWidth - 4

	adjusted := padOrTruncate(content, contentWidth)

	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

// padOrTruncate ensures content is exactly targetWidth visual chars
func padOrTruncate(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)

	if visualWidth == targetWidth {
		return s
	}

	if visualWidth > targetWidth {
		return truncateVisual(s, targetWidth)
	}

	return s + strings.Repeat(" ", targetWidth-visualWidth)
}

// truncateVisual truncates string to targetWidth visual chars, adding "..." only if needed
func truncateVisual(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)

	if visualWidth <= targetWidth {
		return s
	}

	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}

	result := ""
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		result += string(r)
		width += runeWidth
	}

	for width < targetWidth-3 {
		result += " "
		width++
	}

	return result + "..."
}

// dotLeader creates a dot-leader line: "  Label .............. Value"
// Uses lipgloss.Width() for accurate visual width calculation
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled creates a dot-leader with styled value
// Calculates width using raw value, then applies style
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	prefixWidth := lipgloss.Width(prefix)
	suffixWidth := lipgloss.Width(suffix)
	dotsNeeded := totalWidth - prefixWidth - suffixWidth
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}

// UpdateWorkers returns a command that replaces the live worker list.
func UpdateWorkers(workers []WorkerDisplay) tea.Cmd {
	return func() tea.Msg {
		return updateWorkersMsg(workers)
	}
}

// UpdateSummary returns a command that replaces the backlog counters.
func UpdateSummary(s SummaryDisplay) tea.Cmd {
	return func() tea.Msg {
		return updateSummaryMsg(s)
	}
}

// SetWorkerLine returns a command that updates one worker's output line.
func SetWorkerLine(id, line string) tea.Cmd {
	return func() tea.Msg {
		return workerLineMsg{id: id, line: line}
	}
}

// SetState returns a command that replaces the orchestrator state line.
func SetState(line string) tea.Cmd {
	return func() tea.Msg {
		return setStateMsg(line)
	}
}

// AddLog returns a command that appends a log entry.
func AddLog(log string) tea.Cmd {
	return func() tea.Msg {
		return addLogMsg(log)
	}
}

// AddOutcome returns a command that records a terminal verdict.
func AddOutcome(o Outcome) tea.Cmd {
	return func() tea.Msg {
		return addOutcomeMsg(o)
	}
}
