// Package tui implements `delegator monitor`, a terminal view of the task
// history database written by the server.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/delegator/internal/config"
	"github.com/aristath/delegator/internal/persistence"
)

const (
	defaultRefreshInterval = 2 * time.Second
	historyLimit           = 200
	fetchTimeout           = 5 * time.Second
)

// HistorySource is the read side of the history store.
// *persistence.SQLiteStore satisfies it.
type HistorySource interface {
	ListTasks(ctx context.Context, limit int) ([]persistence.TaskRecord, error)
	CountTasksByStatus(ctx context.Context) (map[string]int, error)
	ListJulesSessions(ctx context.Context, limit int) ([]persistence.JulesSession, error)
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneSummary
	paneCount
)

// historyMsg carries one snapshot of the history database.
type historyMsg struct {
	tasks    []persistence.TaskRecord
	counts   map[string]int
	sessions []persistence.JulesSession
	at       time.Time
	err      error
}

// refreshMsg triggers a history reload.
type refreshMsg struct{}

// Model is the root Bubble Tea model for the monitor.
type Model struct {
	source       HistorySource
	refreshEvery time.Duration

	taskPane     TaskPaneModel
	summaryPane  SummaryPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	showSettings bool

	width    int
	height   int
	quitting bool
}

// New creates a monitor reading from source. cfg and the two paths back
// the settings form.
func New(source HistorySource, cfg *config.Config, globalPath, projectPath string) Model {
	m := Model{
		source:       source,
		refreshEvery: defaultRefreshInterval,
		taskPane:     NewTaskPaneModel(),
		summaryPane:  NewSummaryPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
	}
	m.updateFocusStates()
	return m
}

// WithRefreshInterval overrides how often the history is reloaded.
func (m Model) WithRefreshInterval(d time.Duration) Model {
	if d > 0 {
		m.refreshEvery = d
	}
	return m
}

// Init loads the history once and starts the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchHistory(m.source), scheduleRefresh(m.refreshEvery))
}

func fetchHistory(source HistorySource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		tasks, err := source.ListTasks(ctx, historyLimit)
		if err != nil {
			return historyMsg{err: err}
		}
		counts, err := source.CountTasksByStatus(ctx)
		if err != nil {
			return historyMsg{err: err}
		}
		sessions, err := source.ListJulesSessions(ctx, maxSessionsShown+1)
		if err != nil {
			return historyMsg{err: err}
		}
		return historyMsg{tasks: tasks, counts: counts, sessions: sessions, at: time.Now()}
	}
}

func scheduleRefresh(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form is modal: it gets every key while open.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyRefresh:
			cmds = append(cmds, fetchHistory(m.source))

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneSummary
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case refreshMsg:
		cmds = append(cmds, fetchHistory(m.source), scheduleRefresh(m.refreshEvery))

	case historyMsg:
		if msg.err == nil {
			m.taskPane.SetTasks(msg.tasks)
		}
		m.summaryPane.SetHistory(msg)

	default:
		// huh emits its own messages while the form is open.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.summaryPane.View())

	footer := HelpView()
	if status := m.settingsPane.StatusLine(); status != "" {
		footer = status + "  " + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, footer)
}

// computeLayout gives the task pane 65% of the width and the summary the
// rest, reserving one line for the help bar.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.summaryPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.summaryPane.SetFocused(m.focusedPane == PaneSummary)
}
