package tui

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/delegator/internal/config"
	"github.com/aristath/delegator/internal/persistence"
)

func seededStore(t *testing.T) *persistence.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Now().Add(-time.Hour)
	records := []persistence.TaskRecord{
		{ID: "t1", TaskType: "analysis", Description: "explain the parser", Agent: "gemini", Status: "completed",
			Result: `{"output":"it parses","agent_used":"gemini"}`, CreatedAt: base, DurationSeconds: 1.5},
		{ID: "t2", TaskType: "code_generation", Description: "add a flag", Agent: "qwen", Status: "failed",
			Error: "Execution failed (qwen): exit status 1", CreatedAt: base.Add(time.Minute)},
		{ID: "t3", TaskType: "refactoring", Description: "split main.go", Status: "cancelled",
			Error: "Task cancelled by user", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := store.RecordTask(ctx, rec); err != nil {
			t.Fatalf("RecordTask: %v", err)
		}
	}
	if err := store.SaveJulesSession(ctx, persistence.JulesSession{
		SessionID: "sess-1", Mode: "api", Prompt: "migrate db", State: "IN_PROGRESS", CreatedAt: base, UpdatedAt: base,
	}); err != nil {
		t.Fatalf("SaveJulesSession: %v", err)
	}
	return store
}

func newTestModel(t *testing.T, source HistorySource) Model {
	t.Helper()
	dir := t.TempDir()
	m := New(source, config.DefaultConfig(), filepath.Join(dir, "global.json"), filepath.Join(dir, "project.json"))
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return updated.(Model)
}

func TestFetchHistory(t *testing.T) {
	msg := fetchHistory(seededStore(t))().(historyMsg)
	if msg.err != nil {
		t.Fatalf("fetch failed: %v", msg.err)
	}
	if len(msg.tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(msg.tasks))
	}
	if msg.tasks[0].ID != "t3" {
		t.Errorf("expected most recent task first, got %s", msg.tasks[0].ID)
	}
	if msg.counts["completed"] != 1 || msg.counts["failed"] != 1 || msg.counts["cancelled"] != 1 {
		t.Errorf("unexpected counts: %v", msg.counts)
	}
	if len(msg.sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(msg.sessions))
	}
}

func TestModel_HistoryAndSelection(t *testing.T) {
	store := seededStore(t)
	m := newTestModel(t, store)

	updated, _ := m.Update(fetchHistory(store)())
	m = updated.(Model)
	if got := m.taskPane.SelectedTaskID(); got != "t3" {
		t.Fatalf("selected = %q, want t3", got)
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	m = updated.(Model)
	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	m = updated.(Model)
	if got := m.taskPane.SelectedTaskID(); got != "t1" {
		t.Fatalf("selected after j j = %q, want t1", got)
	}

	// A refresh keeps the selection on the same task.
	updated, _ = m.Update(fetchHistory(store)())
	m = updated.(Model)
	if got := m.taskPane.SelectedTaskID(); got != "t1" {
		t.Errorf("selection lost after refresh: %q", got)
	}

	view := m.View()
	for _, want := range []string{"Tasks (3)", "it parses", "Jules Sessions", "migrate db"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_FocusCycling(t *testing.T) {
	m := newTestModel(t, seededStore(t))

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = updated.(Model)
	if m.focusedPane != PaneSummary {
		t.Errorf("focus after tab = %d, want summary", m.focusedPane)
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = updated.(Model)
	if m.focusedPane != PaneTasks {
		t.Errorf("focus after second tab = %d, want tasks", m.focusedPane)
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	m = updated.(Model)
	if m.focusedPane != PaneSummary || !m.summaryPane.focused || m.taskPane.focused {
		t.Error("pane 2 key did not move focus to the summary")
	}
}

type failingSource struct{}

func (failingSource) ListTasks(context.Context, int) ([]persistence.TaskRecord, error) {
	return nil, errors.New("database is locked")
}

func (failingSource) CountTasksByStatus(context.Context) (map[string]int, error) { return nil, nil }

func (failingSource) ListJulesSessions(context.Context, int) ([]persistence.JulesSession, error) {
	return nil, nil
}

func TestModel_RefreshError(t *testing.T) {
	m := newTestModel(t, failingSource{})
	updated, _ := m.Update(fetchHistory(failingSource{})())
	m = updated.(Model)

	if !strings.Contains(m.View(), "database is locked") {
		t.Error("refresh error not shown")
	}
}

func TestModel_Quit(t *testing.T) {
	m := newTestModel(t, failingSource{})
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
	if updated.(Model).View() != "Goodbye!\n" {
		t.Error("unexpected view after quit")
	}
}

func TestModel_SettingsIsModal(t *testing.T) {
	m := newTestModel(t, failingSource{})

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m = updated.(Model)
	if !m.showSettings {
		t.Fatal("settings not shown")
	}

	// q goes to the form instead of quitting.
	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = updated.(Model)
	if m.quitting {
		t.Error("q quit while settings were open")
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	if m.showSettings {
		t.Error("esc did not close settings")
	}
}
