// Package dashboard renders a read-only live view of a run in the terminal.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/progress"
	"github.com/JakeFAU/genfleet/internal/runstate"
)

const (
	refreshInterval = time.Second
	maxRecent       = 8
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#CCCCCC"))
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	stateIdle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	stateBusy      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	stateSuspended = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	stateBad       = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	stateDefault   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	panelStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type snapshotMsg struct {
	snap runstate.Snapshot
}

type eventsMsg struct {
	events []progress.Event
}

type refreshMsg struct{}

// Model is the bubbletea model behind the dashboard.
type Model struct {
	source   func() runstate.Snapshot
	onQuit   func()
	snap     runstate.Snapshot
	loaded   bool
	recent   []string
	finished string
	width    int
}

func newModel(source func() runstate.Snapshot, onQuit func()) Model {
	return Model{source: source, onQuit: onQuit}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), scheduleRefresh())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = msg.snap
		m.loaded = true
		return m, nil
	case refreshMsg:
		return m, tea.Batch(m.load(), scheduleRefresh())
	case eventsMsg:
		for _, evt := range msg.events {
			m = m.record(evt)
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) record(evt progress.Event) Model {
	line := describe(evt)
	if line == "" {
		return m
	}
	if evt.Stage == progress.StageRunDone {
		m.finished = line
	}
	m.recent = append(m.recent, line)
	if len(m.recent) > maxRecent {
		m.recent = m.recent[len(m.recent)-maxRecent:]
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if !m.loaded {
		return "Waiting for the run to start…"
	}
	c := m.snap.Counters
	var b strings.Builder
	b.WriteString(titleStyle.Render("genfleet run " + shortID(m.snap.RunID)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf(
		"total %d · completed %d · failed %d · queued %d · in flight %d · requeued %d\n",
		c.Total, c.Completed, c.Failed, c.Queued, c.InFlight, c.Requeued,
	))
	b.WriteString(detailStyle.Render(fmt.Sprintf("elapsed %s · suspended %d · terminated %d",
		elapsed(m.snap).Truncate(time.Second), m.snap.Suspended, m.snap.Terminated)))
	b.WriteString("\n\n")

	rows := []string{headerStyle.Render(fmt.Sprintf("%-12s %-11s %5s %5s %6s %7s  %s",
		"session", "state", "done", "fail", "quota", "restart", "active"))}
	for _, s := range m.snap.Sessions {
		quota := "?"
		if s.PointsKnown {
			quota = fmt.Sprintf("%d", s.Points)
		}
		rows = append(rows, fmt.Sprintf("%-12s %s %5d %5d %6s %7d  %s",
			truncate(s.Label, 12),
			stateStyle(s.State).Render(fmt.Sprintf("%-11s", s.State)),
			s.Completed, s.Failed, quota, s.Restarts, s.Active,
		))
	}
	b.WriteString(panelStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	if len(m.recent) > 0 {
		b.WriteString(headerStyle.Render("recent"))
		b.WriteString("\n")
		for _, line := range m.recent {
			b.WriteString(detailStyle.Render("  " + truncate(line, m.lineWidth())))
			b.WriteString("\n")
		}
	}
	if m.finished != "" {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(m.finished))
		b.WriteString("\n")
	}
	b.WriteString(detailStyle.Render("q: stop the run"))
	return b.String()
}

func (m Model) load() tea.Cmd {
	if m.source == nil {
		return nil
	}
	source := m.source
	return func() tea.Msg {
		return snapshotMsg{snap: source()}
	}
}

func (m Model) lineWidth() int {
	if m.width <= 4 {
		return 100
	}
	return m.width - 4
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func describe(evt progress.Event) string {
	at := evt.TS.Format("15:04:05")
	switch evt.Stage {
	case progress.StageItemDone:
		return fmt.Sprintf("%s %s done %s row %d (%d images)", at, evt.Session, evt.SourceName, evt.Row, len(evt.Artifacts))
	case progress.StageItemFailed:
		return fmt.Sprintf("%s %s failed %s row %d: %s", at, evt.Session, evt.SourceName, evt.Row, evt.Note)
	case progress.StageItemRequeued:
		return fmt.Sprintf("%s %s requeued %s row %d: %s", at, evt.Session, evt.SourceName, evt.Row, evt.Note)
	case progress.StageSessionState:
		switch farm.SessionState(evt.State) {
		case farm.SessionError, farm.SessionSuspended, farm.SessionTerminated:
			return fmt.Sprintf("%s %s is %s", at, evt.Session, evt.State)
		}
	case progress.StageRunDone:
		return fmt.Sprintf("run finished (%s): completed %d, failed %d, pending %d",
			evt.Note, evt.Completed, evt.Failed, evt.Pending)
	}
	return ""
}

func stateStyle(state farm.SessionState) lipgloss.Style {
	switch state {
	case farm.SessionIdle:
		return stateIdle
	case farm.SessionBusy:
		return stateBusy
	case farm.SessionSuspended:
		return stateSuspended
	case farm.SessionError, farm.SessionTerminated:
		return stateBad
	default:
		return stateDefault
	}
}

func elapsed(snap runstate.Snapshot) time.Duration {
	if snap.StartedAt.IsZero() {
		return 0
	}
	end := time.Now()
	if snap.FinishedAt != nil {
		end = *snap.FinishedAt
	}
	return end.Sub(snap.StartedAt)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
