package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/delegator/internal/persistence"
)

const taskListWidth = 32

// TaskPaneModel shows the recorded tasks on the left and the selected
// task's details in a scrollable viewport on the right.
type TaskPaneModel struct {
	tasks       []persistence.TaskRecord
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{viewport: viewport.New(0, 0)}
}

// SetTasks replaces the task list, keeping the selection on the same task
// when it is still present.
func (m *TaskPaneModel) SetTasks(tasks []persistence.TaskRecord) {
	selected := m.SelectedTaskID()
	m.tasks = tasks
	m.selectedIdx = 0
	for i, t := range tasks {
		if t.ID == selected {
			m.selectedIdx = i
			break
		}
	}
	m.updateViewportContent()
}

// Update handles key input for the pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.tasks)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
	}

	return m, cmd
}

// View renders the pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := m.width - taskListWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(detailWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Tasks (%d)", len(m.tasks)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks recorded yet"))
	}

	// Keep the selection on screen when the list is taller than the pane.
	visible := max(1, m.height-6)
	start := 0
	if m.selectedIdx >= visible {
		start = m.selectedIdx - visible + 1
	}
	for i := start; i < len(m.tasks) && i < start+visible; i++ {
		t := m.tasks[i]
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), truncateLine(t.Description, width-4))
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// SelectedTaskID returns the id of the selected task, or "".
func (m TaskPaneModel) SelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.tasks) {
		return m.tasks[m.selectedIdx].ID
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.tasks) {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(renderTaskDetail(m.tasks[m.selectedIdx]))
	m.viewport.GotoTop()
}

func renderTaskDetail(t persistence.TaskRecord) string {
	var b strings.Builder
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%s %s\n", StyleLabel.Render(fmt.Sprintf("%-10s", label+":")), value)
	}

	field("Task", t.ID)
	field("Status", StatusIcon(t.Status)+" "+t.Status)
	field("Type", t.TaskType)
	field("Agent", t.Agent)
	if t.PreferredAgent != "" && t.PreferredAgent != t.Agent {
		field("Preferred", t.PreferredAgent)
	}
	field("Project", t.ProjectPath)
	field("Created", t.CreatedAt.Local().Format(time.DateTime))
	if t.DurationSeconds > 0 {
		field("Duration", (time.Duration(t.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String())
	}

	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Description"))
	b.WriteString("\n")
	b.WriteString(t.Description)
	b.WriteString("\n")

	if t.Error != "" {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Error"))
		b.WriteString("\n")
		b.WriteString(t.Error)
		b.WriteString("\n")
	}

	if out := resultOutput(t.Result); out != "" {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Output"))
		b.WriteString("\n")
		b.WriteString(out)
		b.WriteString("\n")
	}
	return b.String()
}

// resultOutput pulls the agent output out of a stored result document,
// falling back to the raw text.
func resultOutput(result string) string {
	if result == "" || result == "null" {
		return ""
	}
	var doc struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err == nil && doc.Output != "" {
		return doc.Output
	}
	return result
}

func truncateLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-taskListWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
