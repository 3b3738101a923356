package dashboard

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func makeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestRenderPanelExactWidth(t *testing.T) {
	panel := renderPanel("TEST", "hello\nworld, a much longer line that still has to fit the panel frame")

	for i, line := range strings.Split(panel, "\n") {
		if got := lipgloss.Width(line); got != panelTotalWidth {
			t.Errorf("line %d: width = %d, want %d", i, got, panelTotalWidth)
		}
	}
}

func TestTruncateVisual(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{"fits untouched", "short", 10, "short"},
		{"exact fit", "exactly10!", 10, "exactly10!"},
		{"truncated with ellipsis", "this is far too long", 10, "this is..."},
		{"tiny width", "abc", 2, ".."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateVisual(tt.input, tt.width)
			if got != tt.want {
				t.Errorf("truncateVisual(%q, %d) = %q, want %q", tt.input, tt.width, got, tt.want)
			}
		})
	}
}

func TestDotLeaderWidth(t *testing.T) {
	line := dotLeader("Passing", "12", 40)
	if got := lipgloss.Width(line); got != 40 {
		t.Errorf("width = %d, want 40", got)
	}
	if !strings.HasPrefix(line, "  Passing ") {
		t.Errorf("unexpected prefix: %q", line)
	}
	if !strings.HasSuffix(line, " 12") {
		t.Errorf("unexpected suffix: %q", line)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{59 * time.Second, "59s"},
		{90 * time.Second, "1m"},
		{45 * time.Minute, "45m"},
		{65 * time.Minute, "1h05m"},
		{-3 * time.Second, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatElapsed(tt.d); got != tt.want {
				t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestUpdateWorkersKeepsLastLines(t *testing.T) {
	m := NewModel("test", ".")

	updated, _ := m.Update(updateWorkersMsg([]WorkerDisplay{
		{ID: "w1", Role: "coding", Features: "#1"},
	}))
	m = updated.(Model)

	updated, _ = m.Update(workerLineMsg{id: "w1", line: "[Feature #1] compiling"})
	m = updated.(Model)

	// A poll refresh replaces the list; the pane line must survive.
	updated, _ = m.Update(updateWorkersMsg([]WorkerDisplay{
		{ID: "w1", Role: "coding", Features: "#1"},
		{ID: "w2", Role: "testing", Features: "#2"},
	}))
	m = updated.(Model)

	if len(m.workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(m.workers))
	}
	if m.workers[0].LastLine != "[Feature #1] compiling" {
		t.Errorf("w1 line = %q, want carried over", m.workers[0].LastLine)
	}
	if m.workers[1].LastLine != "" {
		t.Errorf("w2 line = %q, want empty", m.workers[1].LastLine)
	}
}

func TestUpdateLogCap(t *testing.T) {
	m := NewModel("test", ".")

	for i := 0; i < 150; i++ {
		updated, _ := m.Update(addLogMsg("line"))
		m = updated.(Model)
	}

	if len(m.logs) != 100 {
		t.Errorf("logs = %d, want capped at 100", len(m.logs))
	}
}

func TestUpdateOutcomeCap(t *testing.T) {
	m := NewModel("test", ".")

	for i := int64(1); i <= 9; i++ {
		updated, _ := m.Update(addOutcomeMsg(Outcome{Feature: i, Role: "coding", Verdict: "completed"}))
		m = updated.(Model)
	}

	if len(m.outcomes) != 5 {
		t.Fatalf("outcomes = %d, want capped at 5", len(m.outcomes))
	}
	if m.outcomes[0].Feature != 5 {
		t.Errorf("oldest kept outcome = #%d, want #5", m.outcomes[0].Feature)
	}
}

func TestKeyToggles(t *testing.T) {
	m := NewModel("test", ".")

	updated, _ := m.Update(makeKey("l"))
	m = updated.(Model)
	if !m.showLogs {
		t.Error("l should enable the log panel")
	}

	updated, _ = m.Update(makeKey("g"))
	m = updated.(Model)
	if !m.showCommits {
		t.Error("g should enable the commits panel")
	}

	updated, _ = m.Update(makeKey("q"))
	m = updated.(Model)
	if !m.quitting {
		t.Error("q should quit")
	}
	if got := m.View(); got != "Foreman stopped.\n" {
		t.Errorf("quitting view = %q", got)
	}
}

func TestViewShowsPanels(t *testing.T) {
	m := NewModel("1.0.0", ".")

	updated, _ := m.Update(updateSummaryMsg(SummaryDisplay{
		Passing: 2, InProgress: 1, Ready: 3, Blocked: 1, Total: 7,
	}))
	m = updated.(Model)

	updated, _ = m.Update(updateWorkersMsg([]WorkerDisplay{
		{ID: "w1", Role: "coding", Features: "#4", Started: time.Now()},
	}))
	m = updated.(Model)

	updated, _ = m.Update(addOutcomeMsg(Outcome{Feature: 2, Role: "coding", Verdict: "completed", At: time.Now()}))
	m = updated.(Model)

	view := m.View()
	for _, want := range []string{"BACKLOG", "WORKERS", "RECENT", "2/7 passing", "coding", "Feature #2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if strings.Contains(view, "OUTPUT") {
		t.Error("log panel should be hidden by default")
	}

	updated, _ = m.Update(makeKey("l"))
	m = updated.(Model)
	if !strings.Contains(m.View(), "OUTPUT") {
		t.Error("log panel should show after toggle")
	}
}

func TestRenderBacklogEmpty(t *testing.T) {
	m := NewModel("test", ".")
	panel := m.renderBacklog()
	if !strings.Contains(panel, "Backlog empty") {
		t.Errorf("empty backlog panel missing placeholder: %q", panel)
	}
}

func TestRenderWorkerRow(t *testing.T) {
	row := renderWorker(WorkerDisplay{
		ID:       "w1",
		Role:     "initializer",
		Features: "",
		LastLine: "scanning project layout",
		Started:  time.Now().Add(-2 * time.Minute),
	})

	for _, want := range []string{"initializer", "-", "2m", "scanning"} {
		if !strings.Contains(row, want) {
			t.Errorf("row missing %q: %q", want, row)
		}
	}
}

func TestSetState(t *testing.T) {
	m := NewModel("test", ".")

	updated, _ := m.Update(setStateMsg("Spawning loop: 3 ready, 2 slots"))
	m = updated.(Model)

	if !strings.Contains(m.renderWorkers(), "3 ready, 2 slots") {
		t.Error("state line missing from workers panel")
	}
}

func TestMessageConstructors(t *testing.T) {
	if _, ok := UpdateWorkers(nil)().(updateWorkersMsg); !ok {
		t.Error("UpdateWorkers yields wrong message type")
	}
	if _, ok := UpdateSummary(SummaryDisplay{})().(updateSummaryMsg); !ok {
		t.Error("UpdateSummary yields wrong message type")
	}
	if _, ok := SetWorkerLine("w", "l")().(workerLineMsg); !ok {
		t.Error("SetWorkerLine yields wrong message type")
	}
	if _, ok := SetState("s")().(setStateMsg); !ok {
		t.Error("SetState yields wrong message type")
	}
	if _, ok := AddLog("l")().(addLogMsg); !ok {
		t.Error("AddLog yields wrong message type")
	}
	if _, ok := AddOutcome(Outcome{})().(addOutcomeMsg); !ok {
		t.Error("AddOutcome yields wrong message type")
	}
}
