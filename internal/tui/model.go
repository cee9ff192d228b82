// Package tui renders a SensorMonitor's state in the terminal and turns key
// presses into Retry and OpenSettings calls.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nikiz24/stepmonitor"
)

// Controller is the part of the monitor the view drives.
type Controller interface {
	Snapshot() stepmonitor.MonitorState
	Retry(ctx context.Context) (stepmonitor.MonitorState, error)
	OpenSettings(ctx context.Context) error
}

type keyMap struct {
	Retry    key.Binding
	Settings key.Binding
	Allow    key.Binding
	Deny     key.Binding
	Quit     key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Retry:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "retry")),
		Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "open settings")),
		Allow:    key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "allow")),
		Deny:     key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "deny")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	countStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	promptStyle  = lipgloss.NewStyle().Bold(true)
	panelStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1)
)

type stateMsg stepmonitor.MonitorState

type retryDoneMsg struct{ err error }

type settingsDoneMsg struct{ err error }

// Model is the bubbletea model.
type Model struct {
	ctx        context.Context
	controller Controller
	updates    <-chan stepmonitor.MonitorState
	prompter   *Prompter
	pending    *promptRequest
	state      stepmonitor.MonitorState
	spinner    spinner.Model
	keys       keyMap
	notice     string
	width      int
}

// NewModel builds a model that follows updates. ctx is passed to the
// controller calls triggered by keys.
func NewModel(ctx context.Context, controller Controller, updates <-chan stepmonitor.MonitorState) Model {
	return Model{
		ctx:        ctx,
		controller: controller,
		updates:    updates,
		state:      controller.Snapshot(),
		spinner:    spinner.New(spinner.WithSpinner(spinner.Dot)),
		keys:       defaultKeys(),
	}
}

// WithPrompter routes permission questions from p into the view.
func (m Model) WithPrompter(p *Prompter) Model {
	m.prompter = p
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(listenForState(m.updates), listenForPrompt(m.prompter), m.spinner.Tick)
}

// listenForState blocks until the monitor publishes a new state.
func listenForState(updates <-chan stepmonitor.MonitorState) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		state, ok := <-updates
		if !ok {
			return nil
		}
		return stateMsg(state)
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateMsg:
		m.state = stepmonitor.MonitorState(msg)
		return m, listenForState(m.updates)

	case promptMsg:
		req := promptRequest(msg)
		m.pending = &req
		return m, nil

	case retryDoneMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		}
		return m, nil

	case settingsDoneMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.notice = "Settings opened. Press r after changing the permission."
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.pending != nil {
			return m.handlePromptKeys(msg)
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Retry):
			if !m.state.CanRetry() {
				return m, nil
			}
			m.notice = ""
			return m, m.retry()

		case key.Matches(msg, m.keys.Settings):
			if !m.state.CanOpenExternalSettings {
				return m, nil
			}
			m.notice = ""
			return m, m.openSettings()
		}
	}
	return m, nil
}

func (m Model) handlePromptKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Allow):
		return m.answer(true), listenForPrompt(m.prompter)
	case key.Matches(msg, m.keys.Deny):
		return m.answer(false), listenForPrompt(m.prompter)
	case key.Matches(msg, m.keys.Quit):
		return m.answer(false), tea.Quit
	}
	return m, nil
}

func (m Model) answer(allowed bool) Model {
	m.pending.reply <- allowed
	m.pending = nil
	return m
}

func (m Model) retry() tea.Cmd {
	ctx, controller := m.ctx, m.controller
	return func() tea.Msg {
		_, err := controller.Retry(ctx)
		return retryDoneMsg{err: err}
	}
}

func (m Model) openSettings() tea.Cmd {
	ctx, controller := m.ctx, m.controller
	return func() tea.Msg {
		return settingsDoneMsg{err: controller.OpenSettings(ctx)}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Steps today"))
	b.WriteString("\n\n")

	switch {
	case m.pending != nil:
		b.WriteString(promptStyle.Render("Allow access to your physical activity?"))
		b.WriteString("\n")

	case m.state.Loading():
		fmt.Fprintf(&b, "%s Loading step counter...\n", m.spinner.View())

	case m.state.Phase == stepmonitor.PhaseActive:
		b.WriteString(countStyle.Render(fmt.Sprintf("%d", m.state.StepsToday)))
		b.WriteString("\n")
		if m.state.ErrorMessage != "" {
			b.WriteString(warningStyle.Render(m.state.ErrorMessage))
			b.WriteString("\n")
		}

	case m.state.Phase == stepmonitor.PhaseStopped:
		b.WriteString(helpStyle.Render("Monitoring stopped."))
		b.WriteString("\n")

	default:
		panel := panelStyle
		if m.width > 4 {
			panel = panel.Width(m.width - 4)
		}
		b.WriteString(panel.Render(errorStyle.Render(m.state.ErrorMessage)))
		b.WriteString("\n")
	}

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(warningStyle.Render(m.notice))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m Model) help() string {
	if m.pending != nil {
		return strings.Join([]string{helpEntry(m.keys.Allow), helpEntry(m.keys.Deny)}, "  ")
	}
	var parts []string
	if m.state.CanRetry() {
		parts = append(parts, helpEntry(m.keys.Retry))
	}
	if m.state.CanOpenExternalSettings {
		parts = append(parts, helpEntry(m.keys.Settings))
	}
	parts = append(parts, helpEntry(m.keys.Quit))
	return strings.Join(parts, "  ")
}

func helpEntry(b key.Binding) string {
	h := b.Help()
	return "[" + h.Key + "] " + h.Desc
}

// Run starts the program on the terminal and blocks until the user quits.
// prompter may be nil.
func Run(ctx context.Context, controller Controller, updates <-chan stepmonitor.MonitorState, prompter *Prompter) error {
	model := NewModel(ctx, controller, updates).WithPrompter(prompter)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
