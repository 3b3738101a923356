package dashboard

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// commitRefreshInterval is how often the commit feed refreshes while visible.
const commitRefreshInterval = 15 * time.Second

// commitPanelRows caps how many log lines the COMMITS panel shows.
const commitPanelRows = 12

// branchColors is the palette cycled for graph line coloring.
var branchColors = []string{
	"#7eb8da", // steel blue
	"#7ec699", // sage green
	"#d4a054", // amber
	"#d48a8a", // dusty rose
	"#8b949e", // mid gray
}

var (
	commitSHAStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6e7681"))

	commitHeadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da"))

	commitRemoteStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7ec699"))
)

// commitLog holds the parsed `git log --graph` output for the project
// the workers are committing into.
type commitLog struct {
	lines     []commitLine
	err       string
	fetchedAt time.Time
}

// commitLine is one line of graph output. Connector lines carry only
// graph characters; commit lines add sha, refs, and subject.
type commitLine struct {
	graph    string
	refs     string
	subject  string
	sha      string
	isCommit bool
}

// commitsMsg delivers a refreshed commit log.
type commitsMsg struct {
	log *commitLog
}

// commitTickMsg is the periodic refresh trigger.
type commitTickMsg time.Time

// commitTickCmd schedules the next refresh.
func commitTickCmd() tea.Cmd {
	return tea.Tick(commitRefreshInterval, func(t time.Time) tea.Msg {
		return commitTickMsg(t)
	})
}

// refreshCommits fetches the project's commit graph in the background.
func (m Model) refreshCommits() tea.Cmd {
	path := m.projectPath
	if path == "" {
		path = "."
	}
	return func() tea.Msg {
		return commitsMsg{log: fetchCommits(path, 40)}
	}
}

// fetchCommits runs git log --graph and parses the output. Errors are
// reported inside the returned commitLog so the panel can display them.
func fetchCommits(projectPath string, limit int) *commitLog {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// NUL separates the format fields; it cannot appear in a subject.
	const sep = "\x00"
	format := fmt.Sprintf("%%h%s%%D%s%%s", sep, sep)

	cmd := exec.CommandContext(ctx, "git", "-C", projectPath,
		"log", "--graph", "--all",
		fmt.Sprintf("--format=%s", format),
		fmt.Sprintf("-n%d", limit),
	)
	output, err := cmd.Output()
	if err != nil {
		return &commitLog{err: err.Error(), fetchedAt: time.Now()}
	}

	return &commitLog{
		lines:     parseCommitOutput(string(output), sep),
		fetchedAt: time.Now(),
	}
}

// parseCommitOutput splits raw graph output into structured lines.
func parseCommitOutput(raw, sep string) []commitLine {
	if raw == "" {
		return nil
	}

	var lines []commitLine
	for _, rawLine := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		lines = append(lines, parseCommitLine(rawLine, sep))
	}
	return lines
}

// parseCommitLine parses one graph line. The graph drawing characters
// come first; on commit lines the short SHA starts the format fields.
func parseCommitLine(raw, sep string) commitLine {
	sepIdx := strings.Index(raw, sep)
	if sepIdx < 0 {
		// Pure connector line, no commit data.
		return commitLine{graph: strings.TrimRight(raw, " \t")}
	}

	// Walk backward from the first separator to find where the SHA
	// begins; everything before it is graph drawing.
	shaStart := sepIdx
	for shaStart > 0 && isHexChar(raw[shaStart-1]) {
		shaStart--
	}
	graph := strings.TrimRight(raw[:shaStart], " \t")

	fields := strings.SplitN(raw[shaStart:], sep, 3)
	if len(fields) < 3 {
		return commitLine{graph: strings.TrimRight(raw, " \t")}
	}

	sha := strings.TrimSpace(fields[0])
	return commitLine{
		graph:    graph,
		refs:     strings.TrimSpace(fields[1]),
		subject:  strings.TrimSpace(fields[2]),
		sha:      sha,
		isCommit: sha != "",
	}
}

// isHexChar returns true for hexadecimal digit characters.
func isHexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// renderCommits renders the COMMITS panel.
func (m Model) renderCommits() string {
	var content strings.Builder

	switch {
	case m.commits == nil:
		content.WriteString("  Loading...")
	case m.commits.err != "":
		content.WriteString("  " + statusFailedStyle.Render(truncateVisual(m.commits.err, panelInnerWidth-4)))
	case len(m.commits.lines) == 0:
		content.WriteString("  No commits yet")
	default:
		rows := m.commits.lines
		if len(rows) > commitPanelRows {
			rows = rows[:commitPanelRows]
		}
		for i, line := range rows {
			if i > 0 {
				content.WriteString("\n")
			}
			content.WriteString("  " + renderCommitLine(line, panelInnerWidth-4))
		}
	}

	return renderPanel("COMMITS", content.String())
}

// renderCommitLine lays out one line: graph chars, SHA, refs, subject.
func renderCommitLine(line commitLine, width int) string {
	graph := colorizeGraph(line.graph)
	if !line.isCommit {
		return padOrTruncate(graph, width)
	}

	sha := commitSHAStyle.Render(fmt.Sprintf("%-7s", line.sha))
	left := graph + " " + sha + " "

	remaining := width - lipgloss.Width(left)
	if remaining < 5 {
		return padOrTruncate(left, width)
	}

	refs := formatRefs(line.refs)
	if refs != "" {
		refsWidth := lipgloss.Width(refs)
		subjectWidth := remaining - refsWidth - 1
		if subjectWidth < 0 {
			subjectWidth = 0
		}
		return left + refs + " " + labelStyle.Render(truncateVisual(line.subject, subjectWidth))
	}

	return left + labelStyle.Render(truncateVisual(line.subject, remaining))
}

// formatRefs shortens and colors the decoration string, for example
// "HEAD -> refs/heads/main, refs/tags/v1.2.0".
func formatRefs(refs string) string {
	if refs == "" {
		return ""
	}

	var parts []string
	for _, ref := range strings.Split(refs, ", ") {
		ref = strings.TrimSpace(ref)
		switch {
		case ref == "":

		case strings.HasPrefix(ref, "HEAD -> refs/heads/"):
			parts = append(parts, commitHeadStyle.Render("HEAD → "+strings.TrimPrefix(ref, "HEAD -> refs/heads/")))

		case ref == "HEAD":
			parts = append(parts, commitHeadStyle.Render("HEAD"))

		case strings.HasPrefix(ref, "refs/tags/"):
			parts = append(parts, warningStyle.Render(strings.TrimPrefix(ref, "refs/tags/")))

		case strings.HasPrefix(ref, "refs/remotes/"):
			parts = append(parts, commitRemoteStyle.Render(strings.TrimPrefix(ref, "refs/remotes/")))

		case strings.HasPrefix(ref, "refs/heads/"):
			parts = append(parts, commitHeadStyle.Render(strings.TrimPrefix(ref, "refs/heads/")))

		default:
			parts = append(parts, dimStyle.Render(ref))
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return dimStyle.Render("(") + strings.Join(parts, dimStyle.Render(", ")) + dimStyle.Render(")")
}

// colorizeGraph cycles branch colors over the graph drawing characters.
func colorizeGraph(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	for i, r := range []rune(s) {
		switch r {
		case '*':
			b.WriteString(statusRunningStyle.Bold(true).Render(string(r)))
		case '│', '|', '─', '-', '╮', '╯', '\\', '/', '└', '┘', '├', '┤':
			color := branchColors[i%len(branchColors)]
			b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
