package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/delegator/internal/persistence"
)

const maxSessionsShown = 8

// SummaryPaneModel shows task totals by status, a completion bar and the
// most recent Jules sessions.
type SummaryPaneModel struct {
	counts      map[string]int
	sessions    []persistence.JulesSession
	lastRefresh time.Time
	err         error
	width       int
	height      int
	focused     bool
}

// NewSummaryPaneModel creates an empty summary pane.
func NewSummaryPaneModel() SummaryPaneModel {
	return SummaryPaneModel{counts: map[string]int{}}
}

// SetHistory updates the pane from a history snapshot.
func (m *SummaryPaneModel) SetHistory(h historyMsg) {
	m.err = h.err
	if h.err != nil {
		return
	}
	m.counts = h.counts
	m.sessions = h.sessions
	m.lastRefresh = h.at
}

func (m SummaryPaneModel) total() int {
	n := 0
	for _, c := range m.counts {
		n += c
	}
	return n
}

// View renders the pane.
func (m SummaryPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Task History")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	total := m.total()
	completed := m.counts["completed"]
	failed := m.counts["failed"]
	cancelled := m.counts["cancelled"]

	b.WriteString(fmt.Sprintf("Total:     %d\n", total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", completed))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", failed))))
	b.WriteString(fmt.Sprintf("Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", cancelled))))
	b.WriteString("\n")

	if total > 0 {
		b.WriteString(progressBar(completed, failed, cancelled, total, min(m.width-12, 40)))
		b.WriteString(fmt.Sprintf("  %.0f%%\n", float64(completed)*100/float64(total)))
	}

	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Jules Sessions"))
	b.WriteString("\n")
	if len(m.sessions) == 0 {
		b.WriteString(StyleStatusPending.Render("none"))
		b.WriteString("\n")
	}
	for i, s := range m.sessions {
		if i == maxSessionsShown {
			b.WriteString(StyleStatusPending.Render(fmt.Sprintf("... %d more", len(m.sessions)-i)))
			b.WriteString("\n")
			break
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n",
			sessionIcon(s.State),
			truncateLine(s.SessionID, 14),
			StyleLabel.Render(truncateLine(s.Prompt, max(0, m.width-26)))))
	}

	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(StyleError.Render(fmt.Sprintf("refresh failed: %v", m.err)))
	case !m.lastRefresh.IsZero():
		b.WriteString(StyleHelp.Render("updated " + m.lastRefresh.Local().Format(time.TimeOnly)))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// progressBar draws completed, failed and cancelled shares of total in
// width cells.
func progressBar(completed, failed, cancelled, total, width int) string {
	width = max(width, 10)
	completedWidth := completed * width / total
	failedWidth := failed * width / total
	cancelledWidth := cancelled * width / total
	rest := max(0, width-completedWidth-failedWidth-cancelledWidth)

	bar := StyleStatusComplete.Render(strings.Repeat("=", completedWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusCancelled.Render(strings.Repeat("x", cancelledWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", rest))
	return "[" + bar + "]"
}

func sessionIcon(state string) string {
	switch strings.ToUpper(state) {
	case "COMPLETED":
		return StatusIcon("completed")
	case "FAILED":
		return StatusIcon("failed")
	case "":
		return StatusIcon("")
	default:
		return StatusIcon("running")
	}
}

// SetSize updates the pane dimensions.
func (m *SummaryPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *SummaryPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
