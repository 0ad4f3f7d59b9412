package tui

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/delegator/internal/agent"
	"github.com/aristath/delegator/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings take
// effect the next time the server starts.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings
	saveTarget     string
	maxWorkers     string
	fallback       bool
	fallbackChain  string
	logLevel       string
	enabledAgents  []string
	julesAPIKeyEnv string
}

// NewSettingsPaneModel creates a settings pane editing cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.saveTarget = "global"
	m.maxWorkers = strconv.Itoa(m.config.MaxWorkers)
	m.fallback = m.config.FallbackOnFailure
	m.fallbackChain = strings.Join(m.config.FallbackChain, ", ")
	m.logLevel = m.config.LogLevel
	m.julesAPIKeyEnv = m.config.Jules.APIKeyEnv

	m.enabledAgents = nil
	for _, id := range agent.AllIDs() {
		if ac, ok := m.config.Agents[string(id)]; !ok || ac.IsEnabled() {
			m.enabledAgents = append(m.enabledAgents, string(id))
		}
	}
}

func (m *SettingsPaneModel) buildForm() {
	agentOptions := make([]huh.Option[string], 0, len(agent.AllIDs()))
	for _, id := range agent.AllIDs() {
		agentOptions = append(agentOptions, huh.NewOption(string(id), string(id)))
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global ("+m.globalPath+")", "global"),
					huh.NewOption("Project ("+m.projectPath+")", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxWorkers").
				Title("Max Workers").
				Value(&m.maxWorkers).
				Validate(validateWorkers),

			huh.NewConfirm().
				Key("fallback").
				Title("Fall back to the next agent when one fails?").
				Value(&m.fallback),

			huh.NewInput().
				Key("fallbackChain").
				Title("Fallback Chain").
				Description("Comma-separated agent names, most preferred first").
				Value(&m.fallbackChain).
				Validate(validateChain),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),
		).Title("Delegation"),

		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Key("enabledAgents").
				Title("Enabled Agents").
				Options(agentOptions...).
				Value(&m.enabledAgents),

			huh.NewInput().
				Key("julesAPIKeyEnv").
				Title("Jules API Key Variable").
				Value(&m.julesAPIKeyEnv).
				Placeholder("JULES_API_KEY"),
		).Title("Agents"),
	)
}

func validateWorkers(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func validateChain(s string) error {
	for _, name := range splitList(s) {
		if _, err := agent.ParseID(name); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Init initializes the settings form.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update forwards input to the form and saves once it completes.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to the config and writes it to the chosen file.
func (m *SettingsPaneModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	target := m.globalPath
	if m.saveTarget == "project" {
		target = m.projectPath
	}
	return config.Save(m.config, target)
}

// applyFormToConfig copies form values back to the config and validates
// the result.
func (m *SettingsPaneModel) applyFormToConfig() error {
	workers, err := strconv.Atoi(strings.TrimSpace(m.maxWorkers))
	if err != nil {
		return fmt.Errorf("max workers: %w", err)
	}
	m.config.MaxWorkers = workers
	m.config.FallbackOnFailure = m.fallback
	m.config.FallbackChain = splitList(m.fallbackChain)
	m.config.LogLevel = m.logLevel
	if env := strings.TrimSpace(m.julesAPIKeyEnv); env != "" {
		m.config.Jules.APIKeyEnv = env
	}

	enabled := make(map[string]bool, len(m.enabledAgents))
	for _, name := range m.enabledAgents {
		enabled[name] = true
	}
	if m.config.Agents == nil {
		m.config.Agents = make(map[string]config.AgentConfig)
	}
	for _, id := range agent.AllIDs() {
		ac := m.config.Agents[string(id)]
		on := enabled[string(id)]
		ac.Enabled = &on
		m.config.Agents[string(id)] = ac
	}

	return m.config.Validate()
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = lipgloss.JoinVertical(lipgloss.Left,
			StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err)),
			content)
	}

	style := StyleFocusedBorder.
		Padding(1, 2).
		Width(max(0, m.width-4)).
		Height(max(0, m.height-4))

	title := StyleTitle.
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// StatusLine reports the outcome of the last save, or "".
func (m SettingsPaneModel) StatusLine() string {
	switch {
	case m.saved:
		return StyleSuccess.Render("✓ Settings saved; restart the server to apply them")
	case m.err != nil:
		return StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	}
	return ""
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(max(20, w-8)).WithHeight(max(10, h-8))
	}
}

// SetVisible shows or hides the settings pane. Showing it rebuilds the
// form from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	if v {
		m.saved = false
		m.err = nil
		m.loadFromConfig()
		m.buildForm()
		if m.width > 0 {
			m.SetSize(m.width, m.height)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
