// Package watch is the live terminal view of a nolan daemon: running
// processes, pipeline progress and the event stream.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/server"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/theme"
)

// Source is the slice of the daemon client the view polls.
type Source interface {
	Running(ctx context.Context) ([]server.RunningRun, error)
	Pipelines(ctx context.Context) ([]pipeline.Summary, error)
}

const (
	maxLog       = 500
	pollInterval = 2 * time.Second
)

type (
	eventMsg    events.Event
	streamEnded struct{}
	tickMsg     struct{}
	snapshotMsg struct {
		running   []server.RunningRun
		pipelines []pipeline.Summary
		err       error
	}
)

// Model implements tea.Model.
type Model struct {
	src    Source
	events <-chan events.Event
	keys   KeyMap
	now    func() time.Time

	running   []server.RunningRun
	pipelines []pipeline.Summary
	log       []string
	lastErr   error
	ended     bool
	paused    bool
	width     int
	height    int
}

// NewModel builds the view over src and an already dialed event stream.
func NewModel(src Source, stream <-chan events.Event) Model {
	return Model{src: src, events: stream, keys: DefaultKeyMap(), now: time.Now, width: 100, height: 30}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		m.refresh(),
		tea.SetWindowTitle("nolan watch"),
	)
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamEnded{}
		}
		return eventMsg(ev)
	}
}

func (m Model) refresh() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runs, err := src.Running(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		pls, err := src.Pipelines(ctx)
		return snapshotMsg{running: runs, pipelines: pls, err: err}
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Pause):
			m.paused = !m.paused
		case key.Matches(msg, m.keys.Clear):
			m.log = nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		}
		return m, nil

	case eventMsg:
		if !m.paused {
			m.appendEvent(events.Event(msg))
		}
		return m, waitForEvent(m.events)

	case streamEnded:
		m.ended = true
		return m, nil

	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.running = msg.running
			m.pipelines = msg.pipelines
		}
		return m, tickEvery()

	case tickMsg:
		return m, m.refresh()
	}
	return m, nil
}

func (m *Model) appendEvent(ev events.Event) {
	who := ev.AgentName
	if ev.PipelineID != "" {
		who = "pipeline " + ev.PipelineID
	}
	for _, line := range strings.Split(strings.TrimRight(ev.Content, "\n"), "\n") {
		if ev.Kind == events.KindOutput && strings.TrimSpace(line) == "" {
			continue
		}
		m.log = append(m.log, fmt.Sprintf("%s %s %s %s",
			theme.Dim.Render(ev.Timestamp.Local().Format("15:04:05")),
			kindLabel(ev.Kind),
			theme.Header.Render(who),
			line))
	}
	if over := len(m.log) - maxLog; over > 0 {
		m.log = append([]string(nil), m.log[over:]...)
	}
}

func kindLabel(k events.Kind) string {
	var c lipgloss.Color
	switch k {
	case events.KindStatus:
		c = theme.ColorYellow
	case events.KindComplete:
		c = theme.ColorGreen
	case events.KindPipeline:
		c = theme.ColorMauve
	default:
		c = theme.ColorSubtext0
	}
	return lipgloss.NewStyle().Foreground(c).Width(8).Render(string(k))
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(theme.Title.Render("nolan watch"))
	if m.paused {
		b.WriteString(" " + theme.Dim.Render("(paused)"))
	}
	if m.ended {
		b.WriteString(" " + theme.Error.Render("event stream closed"))
	}
	b.WriteString("\n\n")

	b.WriteString(theme.Header.Render(fmt.Sprintf("Running (%d)", len(m.running))) + "\n")
	if len(m.running) == 0 {
		b.WriteString(theme.Dim.Render("  nothing running") + "\n")
	}
	now := m.now()
	for _, r := range m.running {
		line := fmt.Sprintf("  %-20s %-12s %8s", r.AgentName, shortID(r.RunID), now.Sub(r.StartedAt).Truncate(time.Second))
		if r.PipelineID != "" {
			line += "  pipeline " + r.PipelineID
		}
		if r.Cancelling {
			line += "  " + theme.Status("cancelled")
		}
		b.WriteString(line + "\n")
	}

	active := 0
	for _, p := range m.pipelines {
		if !p.Status.Terminal() {
			active++
		}
	}
	b.WriteString("\n" + theme.Header.Render(fmt.Sprintf("Pipelines (%d active)", active)) + "\n")
	for _, p := range m.pipelines {
		if p.Status.Terminal() {
			continue
		}
		b.WriteString(fmt.Sprintf("  %-10s %-30s %s %s\n", shortID(p.ID), ansi.Truncate(p.Title, 30, "…"), theme.Status(string(p.Status)), p.Stage))
	}

	b.WriteString("\n" + theme.Header.Render("Events") + "\n")
	used := strings.Count(b.String(), "\n") + 2
	rows := max(m.height-used, 3)
	start := max(len(m.log)-rows, 0)
	for _, line := range m.log[start:] {
		b.WriteString(ansi.Truncate(line, m.width, "…") + "\n")
	}

	if m.lastErr != nil {
		b.WriteString(theme.Error.Render("refresh: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString(m.helpLine())
	return b.String()
}

func (m Model) helpLine() string {
	parts := make([]string, 0, 4)
	for _, k := range m.keys.help() {
		h := k.Help()
		parts = append(parts, theme.Key.Render(h.Key)+" "+theme.Dim.Render(h.Desc))
	}
	return strings.Join(parts, "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run starts the full-screen program and blocks until the user quits.
func Run(ctx context.Context, src Source, stream <-chan events.Event) error {
	p := tea.NewProgram(NewModel(src, stream), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
