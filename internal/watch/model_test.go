package watch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/events"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/pipeline"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/server"
)

type fakeSource struct {
	running   []server.RunningRun
	pipelines []pipeline.Summary
	err       error
}

func (f *fakeSource) Running(context.Context) ([]server.RunningRun, error) {
	return f.running, f.err
}

func (f *fakeSource) Pipelines(context.Context) ([]pipeline.Summary, error) {
	return f.pipelines, f.err
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestModel(src *fakeSource) Model {
	m := NewModel(src, make(chan events.Event))
	m.now = func() time.Time { return now }
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestSnapshotRendersRunningAndPipelines(t *testing.T) {
	src := &fakeSource{
		running: []server.RunningRun{{RunID: "0123456789", AgentName: "scanner", StartedAt: now.Add(-90 * time.Second)}},
		pipelines: []pipeline.Summary{
			{ID: "p-active", Title: "Add export", Status: pipeline.StatusInProgress, Stage: "analyzer"},
			{ID: "p-done", Title: "Old idea", Status: pipeline.StatusCompleted, Stage: "merger"},
		},
	}
	m := newTestModel(src)
	msg := m.refresh()()
	m, cmd := update(t, m, msg)
	if cmd == nil {
		t.Fatal("snapshot should schedule the next poll")
	}
	view := m.View()
	for _, want := range []string{"Running (1)", "scanner", "01234567", "1m30s", "Pipelines (1 active)", "Add export", "analyzer"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "Old idea") {
		t.Errorf("terminal pipeline should be hidden:\n%s", view)
	}
}

func TestRefreshErrorKeepsLastSnapshot(t *testing.T) {
	src := &fakeSource{running: []server.RunningRun{{RunID: "r1", AgentName: "scanner", StartedAt: now}}}
	m := newTestModel(src)
	m, _ = update(t, m, m.refresh()())

	src.err = errors.New("connection refused")
	m, _ = update(t, m, m.refresh()())
	view := m.View()
	if !strings.Contains(view, "scanner") {
		t.Errorf("last snapshot dropped:\n%s", view)
	}
	if !strings.Contains(view, "connection refused") {
		t.Errorf("error not shown:\n%s", view)
	}
}

func TestEventsAppendUnlessPaused(t *testing.T) {
	m := newTestModel(&fakeSource{})
	m, cmd := update(t, m, eventMsg(events.Event{Kind: events.KindOutput, AgentName: "scanner", Content: "line one\n\nline two\n", Timestamp: now}))
	if cmd == nil {
		t.Fatal("event should re-arm the stream reader")
	}
	if len(m.log) != 2 {
		t.Fatalf("log = %d lines, want 2", len(m.log))
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	if !m.paused {
		t.Fatal("p should pause")
	}
	m, _ = update(t, m, eventMsg(events.Event{Kind: events.KindStatus, AgentName: "scanner", Content: "success", Timestamp: now}))
	if len(m.log) != 2 {
		t.Fatalf("paused log grew to %d lines", len(m.log))
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if len(m.log) != 0 {
		t.Fatalf("log not cleared: %d lines", len(m.log))
	}
}

func TestLogIsBounded(t *testing.T) {
	m := newTestModel(&fakeSource{})
	for i := 0; i < maxLog+20; i++ {
		m.appendEvent(events.Event{Kind: events.KindOutput, AgentName: "a", Content: "x", Timestamp: now})
	}
	if len(m.log) != maxLog {
		t.Fatalf("log = %d lines, want %d", len(m.log), maxLog)
	}
}

func TestStreamEndedAndQuit(t *testing.T) {
	m := newTestModel(&fakeSource{})
	m, _ = update(t, m, streamEnded{})
	if !strings.Contains(m.View(), "event stream closed") {
		t.Error("closed stream not reported")
	}
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should quit")
	}
}
